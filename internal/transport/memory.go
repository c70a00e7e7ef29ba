// =============================================================================
// IN-MEMORY TRANSPORT - Testing/Demo Implementation
// =============================================================================
//
// All peers live in one process and share a Network. Each subscriber owns a
// buffered inbox channel; Publish looks up the subscribers registered for
// (endpoint, topic) and drops a copy into each inbox.
//
// NETWORK SIMULATION
//
//   SetDropRate(p)       - lose each delivery with probability p
//   SetDuplicateRate(p)  - deliver a second copy with probability p
//   SetMaxDelay(d)       - delay each delivery by a random duration in [0, d),
//                          which reorders messages (including from one sender)
//   Block(ep, topic)     - drop everything addressed to (ep, topic);
//                          topic "" blocks the whole endpoint
//
// A full inbox drops the message, the same way a ZeroMQ high-water mark does.
//
// NOT FOR PRODUCTION: Only works within a single process!
//
// =============================================================================

package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// InboxSize is the per-subscriber buffer of the in-memory transport.
const InboxSize = 1024

type Network struct {
	subs    map[string]map[string][]*memorySubscriber
	blocked map[string]bool
	closed  bool
	mu      sync.RWMutex

	rng      *rand.Rand
	dropRate float64
	dupRate  float64
	maxDelay time.Duration
	stats    NetworkStats
	fmu      sync.Mutex
}

// NetworkStats counts deliveries, for tests and the demo.
type NetworkStats struct {
	Delivered  int
	Dropped    int
	Duplicated int
}

func NewNetwork() *Network {
	return &Network{
		subs:    make(map[string]map[string][]*memorySubscriber),
		blocked: make(map[string]bool),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed makes the fault simulation deterministic.
func (n *Network) Seed(seed int64) {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	n.rng = rand.New(rand.NewSource(seed))
}

func (n *Network) SetDropRate(p float64) {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	n.dropRate = p
}

func (n *Network) SetDuplicateRate(p float64) {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	n.dupRate = p
}

func (n *Network) SetMaxDelay(d time.Duration) {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	n.maxDelay = d
}

func (n *Network) Stats() NetworkStats {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	return n.stats
}

func blockKey(endpoint, topic string) string { return endpoint + "\x00" + topic }

// Block drops every message addressed to (endpoint, topic). An empty topic
// blocks all topics on the endpoint.
func (n *Network) Block(endpoint, topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[blockKey(endpoint, topic)] = true
}

func (n *Network) Unblock(endpoint, topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, blockKey(endpoint, topic))
}

func (n *Network) Subscribe(endpoint, topic string) (Subscriber, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	s := &memorySubscriber{
		network:  n,
		endpoint: endpoint,
		topic:    topic,
		inbox:    make(chan Message, InboxSize),
		done:     make(chan struct{}),
	}
	topics, ok := n.subs[endpoint]
	if !ok {
		topics = make(map[string][]*memorySubscriber)
		n.subs[endpoint] = topics
	}
	topics[topic] = append(topics[topic], s)
	return s, nil
}

func (n *Network) Dial(endpoints ...string) (Publisher, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return &memoryPublisher{network: n, endpoints: append([]string(nil), endpoints...)}, nil
}

func (n *Network) Close() error {
	n.mu.Lock()
	all := n.subs
	n.subs = make(map[string]map[string][]*memorySubscriber)
	n.closed = true
	n.mu.Unlock()
	for _, topics := range all {
		for _, subs := range topics {
			for _, s := range subs {
				s.shutdown()
			}
		}
	}
	return nil
}

func (n *Network) remove(s *memorySubscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	topics := n.subs[s.endpoint]
	subs := topics[s.topic]
	for i, cur := range subs {
		if cur == s {
			topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// fate decides how many copies of one delivery arrive, and after what delay.
func (n *Network) fate() (copies int, delay time.Duration) {
	n.fmu.Lock()
	defer n.fmu.Unlock()
	copies = 1
	if n.dropRate > 0 && n.rng.Float64() < n.dropRate {
		n.stats.Dropped++
		return 0, 0
	}
	if n.dupRate > 0 && n.rng.Float64() < n.dupRate {
		n.stats.Duplicated++
		copies = 2
	}
	if n.maxDelay > 0 {
		delay = time.Duration(n.rng.Int63n(int64(n.maxDelay)))
	}
	n.stats.Delivered += copies
	return copies, delay
}

func (n *Network) deliver(endpoint string, msg Message) {
	n.mu.RLock()
	if n.closed || n.blocked[blockKey(endpoint, "")] || n.blocked[blockKey(endpoint, msg.Topic)] {
		n.mu.RUnlock()
		return
	}
	subs := append([]*memorySubscriber(nil), n.subs[endpoint][msg.Topic]...)
	n.mu.RUnlock()

	for _, s := range subs {
		s := s
		copies, delay := n.fate()
		for i := 0; i < copies; i++ {
			m := Message{Topic: msg.Topic, Frames: copyFrames(msg.Frames)}
			if delay == 0 {
				s.push(m)
				continue
			}
			time.AfterFunc(delay, func() { s.push(m) })
		}
	}
}

type memoryPublisher struct {
	network   *Network
	endpoints []string
	closed    bool
	mu        sync.Mutex
}

func (p *memoryPublisher) Publish(topic string, frames ...[]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	msg := Message{Topic: topic, Frames: frames}
	for _, ep := range p.endpoints {
		p.network.deliver(ep, msg)
	}
	return nil
}

func (p *memoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type memorySubscriber struct {
	network  *Network
	endpoint string
	topic    string
	inbox    chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *memorySubscriber) push(m Message) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.inbox <- m:
	default:
		log.Warningf("inbox full on %s/%s, dropping message", s.endpoint, s.topic)
	}
}

func (s *memorySubscriber) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.inbox:
		return m, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *memorySubscriber) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscriber) Close() error {
	s.network.remove(s)
	s.shutdown()
	return nil
}
