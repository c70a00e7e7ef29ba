package paxos

import (
	"sync"
	"time"
)

type expectKey struct {
	logNum int64
	ballot Ballot
	phase  Kind
}

type expectation struct {
	deadline time.Time
	waiting  map[int]bool
}

// Stats tracks how many expected acceptor replies arrived in time.
//
// Every prepare or accept broadcast expects one reply per acceptor. An
// expected reply is settled as answered when it arrives before the phase
// timeout, or as timed out once the timeout passes without it. Replies
// arriving after the proposer already has its quorum still count as
// answered if they are in time.
type Stats struct {
	mu       sync.RWMutex
	answered int64
	timedOut int64
	pending  map[expectKey]*expectation
}

func NewStats() *Stats {
	return &Stats{pending: make(map[expectKey]*expectation)}
}

// Expect registers one expected reply from each of the given acceptors.
func (s *Stats) Expect(logNum int64, b Ballot, phase Kind, acceptors int, deadline time.Time) {
	waiting := make(map[int]bool, acceptors)
	for i := 0; i < acceptors; i++ {
		waiting[i] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[expectKey{logNum, b, phase}] = &expectation{deadline: deadline, waiting: waiting}
}

// Reply settles the expectation a reply answers. Unexpected, duplicate and
// late replies are ignored.
func (s *Stats) Reply(m Message, now time.Time) {
	phase := m.Phase
	switch m.Kind {
	case KindPromise:
		phase = KindPrepare
	case KindAccepted:
		phase = KindAccept
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.pending[expectKey{m.LogNum, m.Ballot, phase}]
	if !ok || !e.waiting[m.From] || now.After(e.deadline) {
		return
	}
	delete(e.waiting, m.From)
	s.answered++
}

// Sweep settles every expectation whose deadline has passed.
func (s *Stats) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.pending {
		if len(e.waiting) == 0 {
			delete(s.pending, k)
			continue
		}
		if now.After(e.deadline) {
			s.timedOut += int64(len(e.waiting))
			delete(s.pending, k)
		}
	}
}

// Counts returns the settled answered and timed-out replies.
func (s *Stats) Counts() (answered, timedOut int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answered, s.timedOut
}

// TimeoutPercent is the share of settled expected replies that timed out,
// from 0 to 100.
func (s *Stats) TimeoutPercent() float64 {
	answered, timedOut := s.Counts()
	if answered+timedOut == 0 {
		return 0
	}
	return 100 * float64(timedOut) / float64(answered+timedOut)
}
