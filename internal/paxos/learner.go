// =============================================================================
// LEARNER - The Observer of Paxos Consensus
// =============================================================================
//
// The learner finds out which value each slot chose and hands it to the
// client exactly once.
//
// HOW A LEARNER LEARNS
//
// Acceptors broadcast a Decision only after a proposer told them, with
// Decide, that a majority accepted the value. So a learner can trust the
// first Decision it sees for a slot; it does not count acceptors itself.
// Every acceptor broadcasts, so the same slot usually arrives several times:
// a set of delivered log numbers drops the repeats.
//
// ORDERING AND GAPS
//
// Entries are delivered in the order decisions arrive, not in log order.
// A lost broadcast leaves a gap; Missing reports the holes below the highest
// delivered slot and the client can ask acceptors for them again (Query).
//
// Learner state is not durable. After a restart the client may see entries
// it saw before; log numbers make that idempotent for the client.
//
// =============================================================================

package paxos

import (
	"context"
	"sync"
)

// LogEntry is one decided slot of the replicated log.
type LogEntry struct {
	Value []byte
	// ProposerNum is the proposer whose ballot decided the slot. That is
	// not always the peer the value was submitted to: a proposer that finds
	// a value already accepted in a slot adopts it and decides it under its
	// own ballot.
	ProposerNum int
	LogNum      int64
}

// MaxMissing bounds how many log numbers one call to Missing reports.
const MaxMissing = 1024

type Learner struct {
	id        int
	entries   chan LogEntry
	delivered map[int64]bool
	highest   int64
	// low is the lowest log number not learned yet.
	low int64
	mu  sync.Mutex
}

// NewLearner returns a learner whose entries channel buffers up to buffer
// undelivered entries.
func NewLearner(id, buffer int) *Learner {
	return &Learner{
		id:        id,
		entries:   make(chan LogEntry, buffer),
		delivered: make(map[int64]bool),
		highest:   -1,
	}
}

// Run learns from the decisions in in and queues new entries on Entries.
func (l *Learner) Run(ctx context.Context, in <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			e, ok := l.Learn(m)
			if !ok {
				continue
			}
			select {
			case l.entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Learn records a decision. It returns the entry and true the first time a
// log number is seen; repeats and malformed messages return false.
func (l *Learner) Learn(m Message) (LogEntry, bool) {
	if m.Kind != KindDecision || !m.HasValue || m.LogNum < 0 {
		log.Warningf("learner %d: dropping %s", l.id, m)
		return LogEntry{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delivered[m.LogNum] {
		return LogEntry{}, false
	}
	l.delivered[m.LogNum] = true
	if m.LogNum > l.highest {
		l.highest = m.LogNum
	}
	for l.delivered[l.low] {
		l.low++
	}
	log.Debugf("learner %d: learned slot %d", l.id, m.LogNum)
	return LogEntry{
		Value:       append([]byte(nil), m.Value...),
		ProposerNum: m.Proposer,
		LogNum:      m.LogNum,
	}, true
}

func (l *Learner) Entries() <-chan LogEntry { return l.entries }

// Deliver calls cb for every learned entry until ctx is done.
func (l *Learner) Deliver(ctx context.Context, cb func(LogEntry)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-l.entries:
			cb(e)
		}
	}
}

func (l *Learner) Delivered(logNum int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delivered[logNum]
}

// Highest returns the highest learned log number, or -1.
func (l *Learner) Highest() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.highest
}

// Missing returns the lowest log numbers below the highest learned one that
// have not been learned, in ascending order and at most MaxMissing of them.
func (l *Learner) Missing() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []int64
	for n := l.low; n < l.highest && len(missing) < MaxMissing; n++ {
		if !l.delivered[n] {
			missing = append(missing, n)
		}
	}
	return missing
}
