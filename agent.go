package consent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	logging "github.com/op/go-logging"

	"github.com/senutpal/consent/internal/node"
	"github.com/senutpal/consent/internal/paxos"
	"github.com/senutpal/consent/internal/storage"
	"github.com/senutpal/consent/internal/transport"
)

var log = logging.MustGetLogger("consent")

// LogEntry is one decided slot of the log.
type LogEntry = paxos.LogEntry

// LogCallback receives every decided entry once. It runs on a dedicated
// goroutine; a slow callback delays later deliveries, not consensus.
type LogCallback func(LogEntry)

// StoragePut must not return until the pair is stored as durably as the
// application requires. It returns false when it cannot store it.
type StoragePut = storage.PutFunc

// StorageGet returns the value stored under key, or false.
type StorageGet = storage.GetFunc

// Storage and Transport let callers plug in their own backends.
type (
	Storage   = storage.Storage
	Transport = transport.Transport
)

// Agent is one peer of the replicated log: a proposer, an acceptor and a
// learner sharing one configuration.
type Agent struct {
	callback      LogCallback
	store         storage.Storage
	transport     transport.Transport
	ownsTransport bool
	numPeers      int
	peerID        int
	endpoints     []string
	multicast     map[string]bool
	timeout       time.Duration

	node    *node.Node
	started bool
	closed  bool
	mu      sync.Mutex
}

func New() *Agent {
	return &Agent{
		peerID:    -1,
		multicast: make(map[string]bool),
	}
}

// assert fails fast on configuration misuse.
func assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Critical(msg)
	panic("consent: " + msg)
}

func (a *Agent) mutable() {
	assert(!a.started, "configuration changed after Start")
}

func (a *Agent) SetLogCallback(cb LogCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(cb != nil, "nil log callback")
	a.callback = cb
}

// SetStorageCallbacks stores acceptor state through put and get.
func (a *Agent) SetStorageCallbacks(put StoragePut, get StorageGet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(put != nil, "nil storage put callback")
	assert(get != nil, "nil storage get callback")
	a.store = storage.Callbacks(put, get)
}

// SetStorage stores acceptor state in s. The caller keeps ownership of s.
func (a *Agent) SetStorage(s Storage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(s != nil, "nil storage")
	a.store = s
}

// SetTransport replaces the default ZeroMQ transport. The caller keeps
// ownership of t.
func (a *Agent) SetTransport(t Transport) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(t != nil, "nil transport")
	a.transport = t
}

// SetMessageTimeoutInterval sets how long the proposer waits for replies,
// something like the round trip time to the slowest peer.
func (a *Agent) SetMessageTimeoutInterval(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(d > 0, "message timeout interval %v must be positive", d)
	a.timeout = d
}

func (a *Agent) MessageTimeoutInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timeout
}

// SetNumPeers sets the cluster size. Endpoints already set for peers below
// n are kept.
func (a *Agent) SetNumPeers(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(n > 0, "number of peers %d must be positive", n)
	endpoints := make([]string, n)
	copy(endpoints, a.endpoints)
	a.endpoints = endpoints
	a.numPeers = n
}

func (a *Agent) NumPeers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.numPeers
}

func (a *Agent) SetUniquePeerNumber(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(n >= 0 && n < a.numPeers, "peer number %d outside [0, %d)", n, a.numPeers)
	a.peerID = n
}

// UniquePeerNumber returns this agent's peer number, or -1 if unset.
func (a *Agent) UniquePeerNumber() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peerID
}

func (a *Agent) SetPeerEndpoint(peer int, endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(peer >= 0 && peer < a.numPeers, "peer number %d outside [0, %d)", peer, a.numPeers)
	assert(endpoint != "", "empty endpoint for peer %d", peer)
	a.endpoints[peer] = endpoint
}

func (a *Agent) PeerEndpoint(peer int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	assert(peer >= 0 && peer < a.numPeers, "peer number %d outside [0, %d)", peer, a.numPeers)
	return a.endpoints[peer]
}

// AddMulticastEndpoint makes broadcasts go to the group endpoint instead of
// to every peer.
func (a *Agent) AddMulticastEndpoint(endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(endpoint != "", "empty multicast endpoint")
	a.multicast[endpoint] = true
}

func (a *Agent) RemoveMulticastEndpoint(endpoint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutable()
	assert(endpoint != "", "empty multicast endpoint")
	delete(a.multicast, endpoint)
}

// MulticastEndpoints returns the configured groups in sorted order.
func (a *Agent) MulticastEndpoints() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.multicastList()
}

func (a *Agent) multicastList() []string {
	out := make([]string, 0, len(a.multicast))
	for ep := range a.multicast {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

// Start checks the configuration and starts the acceptor, proposer and
// learner. An incomplete configuration panics; a transport that cannot bind
// or connect is returned as an error and the agent stays unstarted.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	assert(!a.started, "Start called twice")
	assert(a.callback != nil, "no log callback set")
	assert(a.store != nil, "no storage set")
	assert(a.numPeers > 2, "%d peers, need at least 3", a.numPeers)
	assert(a.peerID >= 0 && a.peerID < a.numPeers, "unique peer number %d outside [0, %d)", a.peerID, a.numPeers)
	assert(a.timeout > 0, "no message timeout interval set")
	for i, ep := range a.endpoints {
		assert(ep != "", "no endpoint for peer %d", i)
	}

	t, owned := a.transport, false
	if t == nil {
		t, owned = transport.NewZMQ(), true
	}
	cb := a.callback
	n, err := node.New(node.Config{
		PeerID:    a.peerID,
		Endpoints: a.endpoints,
		Multicast: a.multicastList(),
		Timeout:   a.timeout,
		Storage:   a.store,
		Transport: t,
		OnEntry:   func(e paxos.LogEntry) { cb(e) },
	})
	if err == nil {
		err = n.Start(context.Background())
	}
	if err != nil {
		if owned {
			t.Close()
		}
		return fmt.Errorf("consent: start peer %d: %w", a.peerID, err)
	}
	a.node = n
	a.transport, a.ownsTransport = t, owned
	a.started = true
	log.Infof("agent %d started", a.peerID)
	return nil
}

// Submit proposes value for the log. It returns at once; the value is in the
// log when the LogCallback reports it.
func (a *Agent) Submit(value []byte) {
	a.mu.Lock()
	n := a.node
	a.mu.Unlock()
	assert(n != nil, "Submit before Start")
	if err := n.Submit(value); err != nil {
		log.Warningf("submit: %v", err)
	}
}

// TimeoutPercent is the percentage of expected replies that timed out, useful
// for tuning the message timeout interval.
func (a *Agent) TimeoutPercent() float64 {
	a.mu.Lock()
	n := a.node
	a.mu.Unlock()
	if n == nil {
		return 0
	}
	return n.TimeoutPercent()
}

// Backfill asks the acceptors to deliver the given log numbers again. With
// no arguments it asks for the gaps below the highest delivered entry.
func (a *Agent) Backfill(logNums ...int64) error {
	a.mu.Lock()
	n := a.node
	a.mu.Unlock()
	assert(n != nil, "Backfill before Start")
	return n.Backfill(logNums...)
}

// Close stops the agent. The agent cannot be restarted.
func (a *Agent) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.started = true
	if a.node == nil {
		return nil
	}
	err := a.node.Stop()
	if a.ownsTransport {
		if cerr := a.transport.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
