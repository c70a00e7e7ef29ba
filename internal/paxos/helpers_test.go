package paxos

import (
	"context"
	"testing"
	"time"

	"github.com/senutpal/consent/internal/logs"
	"github.com/senutpal/consent/internal/storage"
)

func init() {
	logs.Silence()
}

// sent is one message handed to a recorder; peer is -1 for broadcasts.
type sent struct {
	peer  int
	topic string
	m     Message
}

// recorder is an Outbox that remembers what it was asked to send.
type recorder struct {
	ch chan sent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan sent, 1024)}
}

func (r *recorder) Send(peer int, topic string, m Message) error {
	r.ch <- sent{peer: peer, topic: topic, m: m}
	return nil
}

func (r *recorder) Broadcast(topic string, m Message) error {
	r.ch <- sent{peer: -1, topic: topic, m: m}
	return nil
}

// expect waits for the next message of the given kind, skipping others.
func (r *recorder) expect(t *testing.T, kind Kind) sent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s.m.Kind == kind {
				return s
			}
		case <-deadline:
			t.Fatalf("no %s was sent", kind)
		}
	}
}

// expectSlot waits for a message of the given kind for one slot.
func (r *recorder) expectSlot(t *testing.T, kind Kind, slot int64) sent {
	t.Helper()
	for {
		s := r.expect(t, kind)
		if s.m.LogNum == slot {
			return s
		}
	}
}

func (r *recorder) expectNone(t *testing.T, kind Kind, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case s := <-r.ch:
			if s.m.Kind == kind {
				t.Fatalf("unexpected %s", s.m)
			}
		case <-deadline:
			return
		}
	}
}

// loopback wires proposers and acceptors of one process together without a
// transport. Silent acceptors never see a message.
type loopback struct {
	acceptors []chan Message
	proposers map[int]chan Message
	silent    map[int]bool
}

func (l *loopback) Send(peer int, topic string, m Message) error {
	if ch, ok := l.proposers[peer]; ok {
		ch <- m
	}
	return nil
}

func (l *loopback) Broadcast(topic string, m Message) error {
	switch topic {
	case TopicAcceptor:
		for i, ch := range l.acceptors {
			if !l.silent[i] {
				ch <- m
			}
		}
	case TopicDecision:
		for _, ch := range l.proposers {
			ch <- m
		}
	}
	return nil
}

// cluster is n acceptors and one proposer (peer 0) over a loopback.
type cluster struct {
	proposer *Proposer
	stores   []*storage.MemoryStorage
	net      *loopback
}

func makeCluster(t *testing.T, n int, timeout time.Duration, silent ...int) *cluster {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	net := &loopback{proposers: make(map[int]chan Message), silent: make(map[int]bool)}
	for _, i := range silent {
		net.silent[i] = true
	}
	c := &cluster{net: net}
	for i := 0; i < n; i++ {
		ch := make(chan Message, 1024)
		net.acceptors = append(net.acceptors, ch)
		store := storage.NewMemoryStorage()
		c.stores = append(c.stores, store)
		go NewAcceptor(i, store, net).Run(ctx, ch)
	}
	in := make(chan Message, 1024)
	net.proposers[0] = in
	c.proposer = NewProposer(0, n, timeout, net)
	go c.proposer.Run(ctx, in)
	return c
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
