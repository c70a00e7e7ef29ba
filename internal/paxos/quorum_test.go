package paxos

import "testing"

func TestMajority(t *testing.T) {
	for n, want := range map[int]int{3: 2, 4: 3, 5: 3, 6: 4, 7: 4} {
		if got := Majority(n); got != want {
			t.Errorf("Majority(%d) = %d, want %d", n, got, want)
		}
	}
}

func TestQuorumRoundCountsEachAcceptorOnce(t *testing.T) {
	b := Ballot{3, 1}
	q := NewQuorumRound(0, b, KindAccept, 5)
	reply := Message{Kind: KindAccepted, LogNum: 0, Ballot: b}

	for _, from := range []int{0, 0, 4, 4} {
		reply.From = from
		q.Add(reply)
	}
	if q.Votes() != 2 || q.Reached() {
		t.Fatalf("votes=%d reached=%v after duplicates from two acceptors", q.Votes(), q.Reached())
	}
	reply.From = 2
	q.Add(reply)
	if !q.Reached() {
		t.Fatal("3 of 5 must reach the quorum")
	}
}

func TestQuorumRoundMatches(t *testing.T) {
	b := Ballot{3, 1}
	q := NewQuorumRound(4, b, KindPrepare, 3)
	tests := []struct {
		m    Message
		want bool
	}{
		{Message{Kind: KindPromise, LogNum: 4, Ballot: b}, true},
		{Message{Kind: KindPromise, LogNum: 5, Ballot: b}, false},
		{Message{Kind: KindPromise, LogNum: 4, Ballot: Ballot{2, 1}}, false},
		{Message{Kind: KindAccepted, LogNum: 4, Ballot: b}, false},
		{Message{Kind: KindReject, LogNum: 4, Ballot: b, Phase: KindPrepare}, true},
		{Message{Kind: KindReject, LogNum: 4, Ballot: b, Phase: KindAccept}, false},
	}
	for _, tt := range tests {
		if got := q.Matches(tt.m); got != tt.want {
			t.Errorf("Matches(%s phase=%s) = %v, want %v", tt.m, tt.m.Phase, got, tt.want)
		}
	}
}

func TestQuorumRoundAdoptsHighestAccepted(t *testing.T) {
	b := Ballot{9, 1}
	q := NewQuorumRound(7, b, KindPrepare, 5)
	q.Add(Message{Kind: KindPromise, From: 0, LogNum: 7, Ballot: b})
	x := SubmissionID{Proposer: 0, Epoch: 1, Seq: 1}
	y := SubmissionID{Proposer: 2, Epoch: 1, Seq: 1}
	q.Add(Message{Kind: KindPromise, From: 1, LogNum: 7, Ballot: b, Accepted: Ballot{5, 0}, Submission: x, Value: []byte("X"), HasValue: true})
	q.Add(Message{Kind: KindPromise, From: 2, LogNum: 7, Ballot: b, Accepted: Ballot{3, 2}, Submission: y, Value: []byte("Y"), HasValue: true})

	v, at, ok := q.Adopted()
	if !ok || string(v) != "X" || at != (Ballot{5, 0}) {
		t.Fatalf("Adopted() = %q, %s, %v; want X at (5, 0)", v, at, ok)
	}
	if got := q.AdoptedSubmission(); got != x {
		t.Fatalf("AdoptedSubmission() = %s, want %s", got, x)
	}
}

func TestQuorumRoundRejection(t *testing.T) {
	b := Ballot{2, 0}
	q := NewQuorumRound(0, b, KindPrepare, 3)
	q.Add(Message{Kind: KindReject, From: 1, LogNum: 0, Ballot: b, Phase: KindPrepare, Promised: Ballot{4, 2}})
	q.Add(Message{Kind: KindReject, From: 2, LogNum: 0, Ballot: b, Phase: KindPrepare, Promised: Ballot{6, 1}})
	rejected, highest := q.Rejected()
	if !rejected || highest != (Ballot{6, 1}) {
		t.Fatalf("Rejected() = %v, %s", rejected, highest)
	}
	if q.Votes() != 0 {
		t.Fatal("rejections must not count as votes")
	}
}
