// =============================================================================
// ACCEPTOR - The Safety Guardian of Paxos
// =============================================================================
//
// Acceptors are the voters. They hold the only durable state in the protocol,
// one SlotState per log slot, and they follow two rules:
//
// RULE 1: PROMISE RULE
//         Once a slot has promised ballot B, reject every Prepare and Accept
//         for that slot with a ballot lower than B.
//
// RULE 2: ACCEPTANCE RULE
//         Accept a value only if no higher ballot was promised. When you
//         accept, remember both the ballot AND the value.
//
// THE SUBTLE COMPARISON (>= vs >)
//
//   Prepare:  ballot >  promised  -> persist, Promise
//             ballot == promised  -> Promise again, no write (a duplicated
//                                    Prepare must not reject its own sender)
//             ballot <  promised  -> Reject(promised)
//   Accept:   ballot >= promised  -> persist, Accepted
//             otherwise           -> Reject(promised)
//
// =============================================================================
// PERSISTENCE
// =============================================================================
//
// Slot state lives in storage under "acceptor.<log_num>" as JSON. A slot is
// loaded from storage the first time a request touches it, so a restarted
// acceptor answers from what it persisted before the crash.
//
// If Get or Put fails, the request is dropped without a reply. The proposer
// sees a timeout and retries. The in-memory copy only changes after Put
// succeeded.
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// INVARIANT: No reply leaves the acceptor before the state it reports is
//            durable, and Accepted <= Promised holds for every slot.
//
// =============================================================================

package paxos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/senutpal/consent/internal/storage"
)

// SlotState is an acceptor's durable state for one log slot.
type SlotState struct {
	Promised Ballot `json:"promised"`
	Accepted Ballot `json:"accepted"`
	Value    []byte `json:"value,omitempty"`
	// Submission is where Value came from. Promises and Decisions report
	// it so proposers know whose submission a slot holds.
	Submission SubmissionID `json:"submission"`
	// Decided is set once a Decide for the slot arrived, that is, once a
	// quorum accepted Value.
	Decided bool `json:"decided,omitempty"`
}

func slotKey(logNum int64) string {
	return fmt.Sprintf("acceptor.%d", logNum)
}

type Acceptor struct {
	id    int
	store storage.Storage
	out   Outbox
	slots map[int64]*SlotState
	mu    sync.Mutex
}

func NewAcceptor(id int, store storage.Storage, out Outbox) *Acceptor {
	return &Acceptor{
		id:    id,
		store: store,
		out:   out,
		slots: make(map[int64]*SlotState),
	}
}

// Run handles requests from in until ctx is done or in is closed.
func (a *Acceptor) Run(ctx context.Context, in <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			a.Handle(m)
		}
	}
}

// Handle answers one request and sends the reply, if any.
func (a *Acceptor) Handle(m Message) {
	log.Debugf("acceptor %d: %s", a.id, m)
	var (
		reply Message
		ok    bool
	)
	switch m.Kind {
	case KindPrepare:
		if reply, ok = a.OnPrepare(m.Ballot, m.LogNum); ok {
			a.send(m.Ballot.ProposerID, TopicProposer, reply)
		}
	case KindAccept:
		if reply, ok = a.OnAccept(m.Ballot, m.LogNum, m.Value, m.Submission); ok {
			a.send(m.Ballot.ProposerID, TopicProposer, reply)
		}
	case KindDecide:
		if reply, ok = a.OnDecide(m.Ballot, m.LogNum, m.Value, m.Submission); ok {
			if err := a.out.Broadcast(TopicDecision, reply); err != nil {
				log.Warningf("acceptor %d: broadcast decision %d: %v", a.id, m.LogNum, err)
			}
		}
	case KindQuery:
		if reply, ok = a.OnQuery(m.LogNum); ok {
			a.send(m.Proposer, TopicDecision, reply)
		}
	default:
		log.Warningf("acceptor %d: unexpected %s", a.id, m)
	}
}

func (a *Acceptor) send(peer int, topic string, m Message) {
	if err := a.out.Send(peer, topic, m); err != nil {
		log.Warningf("acceptor %d: send %s to %d: %v", a.id, m.Kind, peer, err)
	}
}

// OnPrepare applies the promise rule. The second result is false when the
// request must be dropped because storage failed.
func (a *Acceptor) OnPrepare(b Ballot, logNum int64) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.load(logNum)
	if err != nil {
		log.Warningf("acceptor %d: prepare %d: %v", a.id, logNum, err)
		return Message{}, false
	}
	switch b.Compare(st.Promised) {
	case -1:
		return a.reject(KindPrepare, b, logNum, st.Promised), true
	case 1:
		next := *st
		next.Promised = b
		if err := a.persist(logNum, next); err != nil {
			log.Warningf("acceptor %d: prepare %d: %v", a.id, logNum, err)
			return Message{}, false
		}
		st = a.slots[logNum]
	}
	reply := Message{
		Kind:     KindPromise,
		From:     a.id,
		Proposer: b.ProposerID,
		LogNum:   logNum,
		Ballot:   b,
		Accepted: st.Accepted,
	}
	if !st.Accepted.IsZero() {
		reply.Value = append([]byte(nil), st.Value...)
		reply.Submission = st.Submission
		reply.HasValue = true
	}
	return reply, true
}

// OnAccept applies the acceptance rule.
func (a *Acceptor) OnAccept(b Ballot, logNum int64, value []byte, sub SubmissionID) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.load(logNum)
	if err != nil {
		log.Warningf("acceptor %d: accept %d: %v", a.id, logNum, err)
		return Message{}, false
	}
	if b.Less(st.Promised) {
		return a.reject(KindAccept, b, logNum, st.Promised), true
	}
	if !st.Accepted.Equal(b) || !st.Promised.Equal(b) {
		next := *st
		next.Promised = b
		next.Accepted = b
		next.Value = append([]byte(nil), value...)
		next.Submission = sub
		if err := a.persist(logNum, next); err != nil {
			log.Warningf("acceptor %d: accept %d: %v", a.id, logNum, err)
			return Message{}, false
		}
	}
	return Message{
		Kind:     KindAccepted,
		From:     a.id,
		Proposer: b.ProposerID,
		LogNum:   logNum,
		Ballot:   b,
	}, true
}

// OnDecide records that a quorum accepted value for the slot and returns the
// Decision to broadcast. Repeated Decides return the same Decision without
// writing again.
func (a *Acceptor) OnDecide(b Ballot, logNum int64, value []byte, sub SubmissionID) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.load(logNum)
	if err != nil {
		log.Warningf("acceptor %d: decide %d: %v", a.id, logNum, err)
		return Message{}, false
	}
	if !st.Decided {
		next := SlotState{
			Promised:   maxBallot(st.Promised, b),
			Accepted:   maxBallot(st.Accepted, b),
			Value:      append([]byte(nil), value...),
			Submission: sub,
			Decided:    true,
		}
		if err := a.persist(logNum, next); err != nil {
			log.Warningf("acceptor %d: decide %d: %v", a.id, logNum, err)
			return Message{}, false
		}
		log.Debugf("acceptor %d: slot %d decided at %s", a.id, logNum, b)
	}
	return a.decision(logNum), true
}

// OnQuery returns the Decision for a decided slot.
func (a *Acceptor) OnQuery(logNum int64) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.load(logNum)
	if err != nil {
		log.Warningf("acceptor %d: query %d: %v", a.id, logNum, err)
		return Message{}, false
	}
	if !st.Decided {
		return Message{}, false
	}
	return a.decision(logNum), true
}

// State returns a copy of the slot state, loading it from storage if needed.
func (a *Acceptor) State(logNum int64) (SlotState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, err := a.load(logNum)
	if err != nil {
		return SlotState{}, err
	}
	out := *st
	out.Value = append([]byte(nil), st.Value...)
	return out, nil
}

func (a *Acceptor) reject(phase Kind, b Ballot, logNum int64, promised Ballot) Message {
	log.Debugf("acceptor %d: reject %s %s for slot %d, promised %s", a.id, phase, b, logNum, promised)
	return Message{
		Kind:     KindReject,
		From:     a.id,
		Proposer: b.ProposerID,
		LogNum:   logNum,
		Ballot:   b,
		Phase:    phase,
		Promised: promised,
	}
}

// decision must be called with the slot loaded and decided.
func (a *Acceptor) decision(logNum int64) Message {
	st := a.slots[logNum]
	return Message{
		Kind:       KindDecision,
		From:       a.id,
		Proposer:   st.Accepted.ProposerID,
		LogNum:     logNum,
		Ballot:     st.Accepted,
		Submission: st.Submission,
		Value:      append([]byte(nil), st.Value...),
		HasValue:   true,
	}
}

func (a *Acceptor) load(logNum int64) (*SlotState, error) {
	if st, ok := a.slots[logNum]; ok {
		return st, nil
	}
	raw, err := a.store.Get(slotKey(logNum))
	if errors.Is(err, storage.ErrNotFound) {
		st := &SlotState{}
		a.slots[logNum] = st
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", slotKey(logNum), err)
	}
	st := &SlotState{}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", slotKey(logNum), err)
	}
	a.slots[logNum] = st
	return st, nil
}

func (a *Acceptor) persist(logNum int64, st SlotState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := a.store.Put(slotKey(logNum), raw); err != nil {
		return fmt.Errorf("persist %s: %w", slotKey(logNum), err)
	}
	a.slots[logNum] = &st
	return nil
}
