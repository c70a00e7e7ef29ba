package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// DialRetry is how long a ZMQ publisher waits between connection attempts to
// a peer that is not up yet.
var DialRetry = 250 * time.Millisecond

// ZMQ is a Transport over ZeroMQ PUB/SUB sockets.
//
// Each local endpoint gets one bound SUB socket; the topic travels as the
// first frame and a listener goroutine hands messages to the subscribers of
// that topic. Publishers are PUB sockets dialed to the peer endpoints.
// Endpoints are ZeroMQ endpoints such as "tcp://10.0.0.1:7100" and must be
// bindable by the peer that owns them. PGM multicast endpoints are not
// supported by the pure-Go ZeroMQ implementation.
type ZMQ struct {
	ctx       context.Context
	cancel    context.CancelFunc
	listeners map[string]*zmqListener
	pubs      []*zmqPublisher
	closed    bool
	mu        sync.Mutex
}

func NewZMQ() *ZMQ {
	ctx, cancel := context.WithCancel(context.Background())
	return &ZMQ{
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[string]*zmqListener),
	}
}

func multicastScheme(endpoint string) bool {
	return strings.HasPrefix(endpoint, "pgm://") || strings.HasPrefix(endpoint, "epgm://")
}

func (z *ZMQ) Subscribe(endpoint, topic string) (Subscriber, error) {
	if multicastScheme(endpoint) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, endpoint)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil, ErrClosed
	}
	l, ok := z.listeners[endpoint]
	if !ok {
		sock := zmq4.NewSub(z.ctx)
		if err := sock.Listen(endpoint); err != nil {
			sock.Close()
			return nil, fmt.Errorf("transport: bind %s: %w", endpoint, err)
		}
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			return nil, fmt.Errorf("transport: subscribe %s: %w", endpoint, err)
		}
		l = &zmqListener{endpoint: endpoint, sock: sock, topics: make(map[string][]*zmqSubscriber)}
		z.listeners[endpoint] = l
		go l.run()
		log.Infof("listening on %s", endpoint)
	}
	return l.add(topic), nil
}

func (z *ZMQ) Dial(endpoints ...string) (Publisher, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	for _, ep := range endpoints {
		if multicastScheme(ep) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupported, ep)
		}
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil, ErrClosed
	}
	p := &zmqPublisher{sock: zmq4.NewPub(z.ctx, zmq4.WithDialerRetry(DialRetry))}
	for _, ep := range endpoints {
		go p.dial(z.ctx, ep)
	}
	z.pubs = append(z.pubs, p)
	return p, nil
}

func (z *ZMQ) Close() error {
	z.mu.Lock()
	if z.closed {
		z.mu.Unlock()
		return nil
	}
	z.closed = true
	listeners := z.listeners
	pubs := z.pubs
	z.mu.Unlock()

	z.cancel()
	for _, p := range pubs {
		p.Close()
	}
	for _, l := range listeners {
		l.close()
	}
	return nil
}

type zmqPublisher struct {
	sock   zmq4.Socket
	closed bool
	mu     sync.Mutex
}

// dial keeps trying to connect until it succeeds or the transport closes;
// peers of a cluster come up in any order.
func (p *zmqPublisher) dial(ctx context.Context, endpoint string) {
	for {
		err := p.sock.Dial(endpoint)
		if err == nil {
			log.Debugf("connected to %s", endpoint)
			return
		}
		log.Infof("dial %s: %v; retrying", endpoint, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(DialRetry):
		}
	}
}

func (p *zmqPublisher) Publish(topic string, frames ...[]byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	all := make([][]byte, 0, len(frames)+1)
	all = append(all, []byte(topic))
	all = append(all, frames...)
	return p.sock.Send(zmq4.NewMsgFrom(all...))
}

func (p *zmqPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.sock.Close()
}

type zmqListener struct {
	endpoint string
	sock     zmq4.Socket
	topics   map[string][]*zmqSubscriber
	mu       sync.Mutex
}

func (l *zmqListener) add(topic string) *zmqSubscriber {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &zmqSubscriber{
		listener: l,
		topic:    topic,
		inbox:    make(chan Message, InboxSize),
		done:     make(chan struct{}),
	}
	l.topics[topic] = append(l.topics[topic], s)
	return s
}

func (l *zmqListener) remove(s *zmqSubscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.topics[s.topic]
	for i, cur := range subs {
		if cur == s {
			l.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (l *zmqListener) run() {
	for {
		msg, err := l.sock.Recv()
		if err != nil {
			log.Debugf("listener %s stopped: %v", l.endpoint, err)
			l.close()
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}
		m := Message{Topic: string(msg.Frames[0]), Frames: msg.Frames[1:]}
		l.mu.Lock()
		subs := append([]*zmqSubscriber(nil), l.topics[m.Topic]...)
		l.mu.Unlock()
		for _, s := range subs {
			s.push(Message{Topic: m.Topic, Frames: copyFrames(m.Frames)})
		}
	}
}

func (l *zmqListener) close() {
	l.sock.Close()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, subs := range l.topics {
		for _, s := range subs {
			s.shutdown()
		}
	}
}

type zmqSubscriber struct {
	listener *zmqListener
	topic    string
	inbox    chan Message
	done     chan struct{}
	once     sync.Once
}

func (s *zmqSubscriber) push(m Message) {
	select {
	case s.inbox <- m:
	case <-s.done:
	default:
		log.Warningf("inbox full on %s/%s, dropping message", s.listener.endpoint, s.topic)
	}
}

func (s *zmqSubscriber) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-s.inbox:
		return m, nil
	case <-s.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *zmqSubscriber) shutdown() {
	s.once.Do(func() { close(s.done) })
}

func (s *zmqSubscriber) Close() error {
	s.listener.remove(s)
	s.shutdown()
	return nil
}
