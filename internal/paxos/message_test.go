package paxos

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodePromiseWithValue(t *testing.T) {
	in := Message{
		Kind:     KindPromise,
		From:     2,
		Proposer: 1,
		LogNum:   7,
		Ballot:   Ballot{9, 1},
		Accepted: Ballot{2, 0},
		Value:    []byte("V1"),
		HasValue: true,

		Submission: SubmissionID{Proposer: 0, Epoch: 77, Seq: 4},
	}
	frames, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want header and value", len(frames))
	}
	out, err := Decode(frames)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Kind != in.Kind || out.LogNum != 7 || out.Proposer != 1 || out.From != 2 ||
		out.Ballot != in.Ballot || out.Accepted != in.Accepted || out.Submission != in.Submission ||
		!bytes.Equal(out.Value, in.Value) {
		t.Fatalf("Decode(Encode(m)) = %+v, want %+v", out, in)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		frames [][]byte
	}{
		{"no frames", nil},
		{"not json", [][]byte{[]byte("{oops"), []byte("v")}},
		{"unknown kind", [][]byte{[]byte(`{"kind":"learn","proposer_id":0,"log_number":1}`), []byte("v")}},
		{"missing proposer_id", [][]byte{[]byte(`{"kind":"decision","log_number":1}`), []byte("v")}},
		{"missing log_number", [][]byte{[]byte(`{"kind":"decision","proposer_id":0}`), []byte("v")}},
		{"decision without value", [][]byte{[]byte(`{"kind":"decision","proposer_id":0,"log_number":1}`)}},
		{"accept without value", [][]byte{[]byte(`{"kind":"accept","proposer_id":0,"log_number":1}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.frames); !errors.Is(err, ErrMalformed) {
				t.Fatalf("Decode: got %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeZeroFieldsArePresent(t *testing.T) {
	// proposer 0 and log 0 are real values, not missing ones.
	m, err := Decode([][]byte{[]byte(`{"kind":"decision","proposer_id":0,"log_number":0}`), []byte("hello")})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.LogNum != 0 || m.Proposer != 0 || string(m.Value) != "hello" {
		t.Fatalf("got %+v", m)
	}
}
