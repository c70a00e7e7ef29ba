// =============================================================================
// NODE - Wiring All Paxos Roles Together
// =============================================================================
//
// A Node is one peer of the cluster, playing ALL THREE roles:
//
//   ┌─────────────────────────────────────────────────────────┐
//   │                         NODE                            │
//   │  ┌───────────┐  ┌───────────┐  ┌───────────┐            │
//   │  │ ACCEPTOR  │  │ PROPOSER  │  │  LEARNER  │──▶ OnEntry │
//   │  └─────┬─────┘  └─────┬─────┘  └─────┬─────┘            │
//   │        │              │              │                  │
//   │  ┌─────┴─────┐  ┌─────┴──────────────┴─────┐            │
//   │  │  STORAGE  │  │        TRANSPORT         │            │
//   │  └───────────┘  └──────────────────────────┘            │
//   └─────────────────────────────────────────────────────────┘
//
// Each role runs in its own goroutine and only ever talks to the others
// through the transport, so a local message takes the same path as a remote
// one. The acceptor is the only role touching storage.
//
// =============================================================================
// MESSAGE ROUTING
// =============================================================================
//
// Every peer owns one endpoint; topics select the role behind it:
//
//   topic "acceptor"  Prepare, Accept, Decide, Query    -> acceptor
//   topic "proposer"  Promise, Reject, Accepted         -> proposer
//   topic "decision"  Decision                          -> learner AND proposer
//
// Replies go to one peer (Send); Prepare, Accept, Decide and Decision go to
// every peer (Broadcast). When multicast endpoints are configured, broadcasts
// go to them instead and every node also listens on them.
//
// =============================================================================
// LIFECYCLE
// =============================================================================
//
// Start subscribes acceptor, then proposer, then learner, dials the peers and
// launches the goroutines. A transport failure while doing so undoes
// everything and is returned. Stop cancels the goroutines and waits for
// them; it does not close the transport, which may be shared.
//
// =============================================================================

package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/senutpal/consent/internal/paxos"
	"github.com/senutpal/consent/internal/storage"
	"github.com/senutpal/consent/internal/transport"
)

var log = logging.MustGetLogger("node")

// EntryBuffer is how many learned entries may wait for the callback.
const EntryBuffer = 1024

var (
	ErrConfig      = errors.New("node: invalid configuration")
	ErrRunning     = errors.New("node: already running")
	ErrNotRunning  = errors.New("node: not running")
	ErrUnknownPeer = errors.New("node: unknown peer")
)

type Config struct {
	// PeerID is this node's unique peer number, an index into Endpoints.
	PeerID int
	// Endpoints holds one endpoint per peer; its length is the cluster size.
	Endpoints []string
	Multicast []string
	Timeout   time.Duration
	Storage   storage.Storage
	Transport transport.Transport
	OnEntry   func(paxos.LogEntry)
}

func (c Config) Validate() error {
	n := len(c.Endpoints)
	switch {
	case n < 3:
		return fmt.Errorf("%w: %d peers, need at least 3", ErrConfig, n)
	case c.PeerID < 0 || c.PeerID >= n:
		return fmt.Errorf("%w: peer id %d outside [0, %d)", ErrConfig, c.PeerID, n)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout %v", ErrConfig, c.Timeout)
	case c.Storage == nil:
		return fmt.Errorf("%w: no storage", ErrConfig)
	case c.Transport == nil:
		return fmt.Errorf("%w: no transport", ErrConfig)
	case c.OnEntry == nil:
		return fmt.Errorf("%w: no log callback", ErrConfig)
	}
	for i, ep := range c.Endpoints {
		if ep == "" {
			return fmt.Errorf("%w: peer %d has no endpoint", ErrConfig, i)
		}
	}
	return nil
}

type Node struct {
	cfg      Config
	acceptor *paxos.Acceptor
	proposer *paxos.Proposer
	learner  *paxos.Learner
	peers    *peers

	subs    []transport.Subscriber
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Endpoints = append([]string(nil), cfg.Endpoints...)
	cfg.Multicast = append([]string(nil), cfg.Multicast...)
	p := &peers{}
	return &Node{
		cfg:      cfg,
		peers:    p,
		acceptor: paxos.NewAcceptor(cfg.PeerID, cfg.Storage, p),
		proposer: paxos.NewProposer(cfg.PeerID, len(cfg.Endpoints), cfg.Timeout, p),
		learner:  paxos.NewLearner(cfg.PeerID, EntryBuffer),
	}, nil
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return ErrRunning
	}

	acceptorIn := make(chan paxos.Message, transport.InboxSize)
	proposerIn := make(chan paxos.Message, transport.InboxSize)
	learnerIn := make(chan paxos.Message, transport.InboxSize)

	routes := []struct {
		topic string
		in    chan paxos.Message
	}{
		{paxos.TopicAcceptor, acceptorIn},
		{paxos.TopicProposer, proposerIn},
		{paxos.TopicDecision, proposerIn},
		{paxos.TopicDecision, learnerIn},
	}
	type binding struct {
		sub transport.Subscriber
		in  chan paxos.Message
	}
	var bindings []binding
	fail := func(err error) error {
		for _, b := range bindings {
			b.sub.Close()
		}
		n.peers.close()
		return err
	}

	own := n.cfg.Endpoints[n.cfg.PeerID]
	for _, r := range routes {
		sub, err := n.cfg.Transport.Subscribe(own, r.topic)
		if err != nil {
			return fail(fmt.Errorf("node %d: subscribe %s/%s: %w", n.cfg.PeerID, own, r.topic, err))
		}
		bindings = append(bindings, binding{sub, r.in})
	}
	for _, group := range n.cfg.Multicast {
		for _, r := range routes {
			if r.topic == paxos.TopicProposer {
				continue
			}
			sub, err := n.cfg.Transport.Subscribe(group, r.topic)
			if err != nil {
				return fail(fmt.Errorf("node %d: subscribe %s/%s: %w", n.cfg.PeerID, group, r.topic, err))
			}
			bindings = append(bindings, binding{sub, r.in})
		}
	}
	if err := n.peers.dial(n.cfg.Transport, n.cfg.Endpoints, n.cfg.Multicast); err != nil {
		return fail(fmt.Errorf("node %d: %w", n.cfg.PeerID, err))
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.subs = n.subs[:0]
	for _, b := range bindings {
		b := b
		n.subs = append(n.subs, b.sub)
		n.spawn(func() { paxos.Pump(ctx, b.sub, b.in) })
	}
	n.spawn(func() { n.acceptor.Run(ctx, acceptorIn) })
	n.spawn(func() { n.proposer.Run(ctx, proposerIn) })
	n.spawn(func() { n.learner.Run(ctx, learnerIn) })
	n.spawn(func() { n.learner.Deliver(ctx, n.cfg.OnEntry) })

	n.running = true
	log.Infof("node %d started on %s with %d peers", n.cfg.PeerID, own, len(n.cfg.Endpoints))
	return nil
}

func (n *Node) spawn(f func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		f()
	}()
}

// Stop shuts the node down and waits for its goroutines.
func (n *Node) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	n.cancel()
	subs := n.subs
	n.subs = nil
	n.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	n.wg.Wait()
	n.peers.close()
	log.Infof("node %d stopped", n.cfg.PeerID)
	return nil
}

// Submit queues value with the local proposer.
func (n *Node) Submit(value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNotRunning
	}
	n.proposer.Submit(value)
	return nil
}

// Backfill asks every acceptor to send the decisions for logNums to this
// node again. Without arguments it asks for the gaps the learner knows of.
func (n *Node) Backfill(logNums ...int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return ErrNotRunning
	}
	if len(logNums) == 0 {
		logNums = n.learner.Missing()
	}
	for _, ln := range logNums {
		q := paxos.Message{Kind: paxos.KindQuery, From: n.cfg.PeerID, Proposer: n.cfg.PeerID, LogNum: ln}
		if err := n.peers.Broadcast(paxos.TopicAcceptor, q); err != nil {
			return fmt.Errorf("node %d: backfill %d: %w", n.cfg.PeerID, ln, err)
		}
	}
	return nil
}

func (n *Node) TimeoutPercent() float64 { return n.proposer.TimeoutPercent() }

func (n *Node) Learner() *paxos.Learner { return n.learner }

func (n *Node) ID() int { return n.cfg.PeerID }
