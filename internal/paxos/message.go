// =============================================================================
// PAXOS MESSAGES AND THEIR WIRE FORMAT
// =============================================================================
//
// Every message carries the log slot it is about. Each slot is an independent
// Paxos instance; the slot number tells a peer which instance a message
// belongs to.
//
// PHASE 1: PREPARE
//
// ┌──────────────┐  Prepare(b, slot)         ┌──────────────┐
// │   PROPOSER   │ ─────────────────────────▶│   ACCEPTOR   │
// │              │◀───────────────────────── │              │
// └──────────────┘  Promise(b, accepted, v)  └──────────────┘
//                   or Reject(b, promised)
//
// PHASE 2: ACCEPT
//
// ┌──────────────┐  Accept(b, slot, v)       ┌──────────────┐
// │   PROPOSER   │ ─────────────────────────▶│   ACCEPTOR   │
// │              │◀───────────────────────── │              │
// └──────────────┘  Accepted(b) or Reject    └──────────────┘
//
// PHASE 3: DECIDE
//
// ┌──────────────┐  Decide(b, slot, v)  ┌──────────────┐  Decision(slot, v)
// │   PROPOSER   │ ────────────────────▶│   ACCEPTOR   │ ──────────────────▶ every learner
// └──────────────┘                      └──────────────┘
//
// A proposer sends Decide only after a majority answered Accepted, so an
// acceptor broadcasting a Decision is always reporting a chosen value. That
// is what lets a learner trust a single acceptor's broadcast.
//
// Query(slot) asks acceptors to send the Decision for a slot again, to the
// peer named in proposer_id. Learners use it to fill gaps.
//
// =============================================================================
// WIRE FORMAT
// =============================================================================
//
//   frame 0: JSON header {"kind", "proposer_id", "log_number", "from",
//                         "ballot", "accepted", "promised", "phase",
//                         "submission", "has_value"}
//   frame 1: the value, opaque bytes (only when the message carries one)
//
// proposer_id and log_number are REQUIRED. A header missing either one, an
// unknown kind, or a value-carrying message without its value frame is
// malformed: Decode returns ErrMalformed and the receiver drops it.
//
// submission names the client submission a value came from. It travels with
// the value through Accept, Promise, Decide and Decision, so a proposer can
// tell its own submission from another one with the same bytes.
//
// =============================================================================

package paxos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/senutpal/consent/internal/transport"
)

// Topics multiplexing the roles on a peer's endpoint.
const (
	TopicAcceptor = "acceptor"
	TopicProposer = "proposer"
	TopicDecision = "decision"
)

var ErrMalformed = errors.New("paxos: malformed message")

type Kind string

const (
	KindPrepare  Kind = "prepare"
	KindPromise  Kind = "promise"
	KindReject   Kind = "reject"
	KindAccept   Kind = "accept"
	KindAccepted Kind = "accepted"
	KindDecide   Kind = "decide"
	KindDecision Kind = "decision"
	KindQuery    Kind = "query"
)

func (k Kind) valid() bool {
	switch k {
	case KindPrepare, KindPromise, KindReject, KindAccept, KindAccepted,
		KindDecide, KindDecision, KindQuery:
		return true
	}
	return false
}

// needsValue reports whether a message of this kind is meaningless without
// its value frame.
func (k Kind) needsValue() bool {
	return k == KindAccept || k == KindDecide || k == KindDecision
}

// SubmissionID identifies one value handed to Submit. Epoch is drawn at
// random when the proposer starts, so ids do not repeat across restarts.
// The zero SubmissionID means unknown.
type SubmissionID struct {
	Proposer int    `json:"proposer"`
	Epoch    int64  `json:"epoch"`
	Seq      uint64 `json:"seq"`
}

func (s SubmissionID) IsZero() bool { return s.Seq == 0 }

func (s SubmissionID) String() string {
	return fmt.Sprintf("%d/%x/%d", s.Proposer, s.Epoch, s.Seq)
}

// Message is the decoded form of every protocol message.
type Message struct {
	Kind Kind
	// From is the peer that sent the message.
	From int
	// Proposer is the wire proposer_id: the ballot owner for protocol
	// traffic, the deciding proposer for a Decision, the requester for a
	// Query.
	Proposer int
	LogNum   int64
	Ballot   Ballot
	// Phase is the request kind a Reject answers.
	Phase Kind
	// Accepted is the ballot of the value a Promise reports.
	Accepted Ballot
	// Promised is the rejecting acceptor's current promise.
	Promised Ballot
	// Submission is the origin of Value.
	Submission SubmissionID
	Value      []byte
	HasValue   bool
}

func (m Message) String() string {
	return fmt.Sprintf("%s[slot=%d ballot=%s from=%d]", m.Kind, m.LogNum, m.Ballot, m.From)
}

type header struct {
	Kind       Kind          `json:"kind"`
	ProposerID *int          `json:"proposer_id"`
	LogNumber  *int64        `json:"log_number"`
	From       int           `json:"from"`
	Ballot     Ballot        `json:"ballot"`
	Accepted   *Ballot       `json:"accepted,omitempty"`
	Promised   *Ballot       `json:"promised,omitempty"`
	Phase      Kind          `json:"phase,omitempty"`
	Submission *SubmissionID `json:"submission,omitempty"`
	HasValue   bool          `json:"has_value,omitempty"`
}

// Encode returns the frames of m: the JSON header, then the value if m has one.
func Encode(m Message) ([][]byte, error) {
	proposer, logNum := m.Proposer, m.LogNum
	h := header{
		Kind:       m.Kind,
		ProposerID: &proposer,
		LogNumber:  &logNum,
		From:       m.From,
		Ballot:     m.Ballot,
		Phase:      m.Phase,
		HasValue:   m.HasValue,
	}
	if !m.Accepted.IsZero() {
		accepted := m.Accepted
		h.Accepted = &accepted
	}
	if !m.Promised.IsZero() {
		promised := m.Promised
		h.Promised = &promised
	}
	if !m.Submission.IsZero() {
		sub := m.Submission
		h.Submission = &sub
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("paxos: encode %s: %w", m.Kind, err)
	}
	if !m.HasValue {
		return [][]byte{raw}, nil
	}
	return [][]byte{raw, m.Value}, nil
}

// Decode parses frames produced by Encode. Any error wraps ErrMalformed.
func Decode(frames [][]byte) (Message, error) {
	if len(frames) == 0 {
		return Message{}, fmt.Errorf("%w: no frames", ErrMalformed)
	}
	var h header
	if err := json.Unmarshal(frames[0], &h); err != nil {
		return Message{}, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if !h.Kind.valid() {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, h.Kind)
	}
	if h.ProposerID == nil {
		return Message{}, fmt.Errorf("%w: %s without proposer_id", ErrMalformed, h.Kind)
	}
	if h.LogNumber == nil {
		return Message{}, fmt.Errorf("%w: %s without log_number", ErrMalformed, h.Kind)
	}
	if (h.HasValue || h.Kind.needsValue()) && len(frames) < 2 {
		return Message{}, fmt.Errorf("%w: %s without value", ErrMalformed, h.Kind)
	}
	m := Message{
		Kind:     h.Kind,
		From:     h.From,
		Proposer: *h.ProposerID,
		LogNum:   *h.LogNumber,
		Ballot:   h.Ballot,
		Phase:    h.Phase,
	}
	if h.Accepted != nil {
		m.Accepted = *h.Accepted
	}
	if h.Promised != nil {
		m.Promised = *h.Promised
	}
	if h.Submission != nil {
		m.Submission = *h.Submission
	}
	if len(frames) >= 2 {
		m.Value = append([]byte(nil), frames[1]...)
		m.HasValue = true
	}
	return m, nil
}

// Outbox is how roles talk to the cluster. Send addresses one peer by its
// unique peer number; Broadcast reaches every peer.
type Outbox interface {
	Send(peer int, topic string, m Message) error
	Broadcast(topic string, m Message) error
}

// Pump decodes messages from sub into out until ctx is done or sub is
// closed. Malformed messages are logged and dropped.
func Pump(ctx context.Context, sub transport.Subscriber, out chan<- Message) {
	for {
		raw, err := sub.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, transport.ErrClosed) {
				log.Warningf("receive: %v", err)
			}
			return
		}
		m, err := Decode(raw.Frames)
		if err != nil {
			log.Warningf("dropping message on %q: %v", raw.Topic, err)
			continue
		}
		select {
		case out <- m:
		case <-ctx.Done():
			return
		}
	}
}
