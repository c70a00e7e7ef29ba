// =============================================================================
// TRANSPORT INTERFACE - Many-to-Many Publish/Subscribe Messaging
// =============================================================================
//
// Paxos roles never share memory; everything they say to each other goes
// through a Transport. The model is publish/subscribe over endpoints:
//
//   ┌──────────────┐  Publish(topic, header, value)  ┌────────────────────┐
//   │  Publisher   │ ──────────────────────────────▶ │ endpoint "peer-1"  │
//   │ (dialed to   │                                 │  topic "acceptor"  │──▶ Subscriber
//   │  N endpoints)│ ──────────────────────────────▶ │  topic "proposer"  │──▶ Subscriber
//   └──────────────┘                                 └────────────────────┘
//
// Every peer owns one endpoint. Topics multiplex the roles living behind it
// ("acceptor", "proposer", "decision"). A message is a topic plus
// one or more frames; protocol messages use frame 0 for the header and
// frame 1 for the opaque value.
//
// =============================================================================
// TRANSPORT SEMANTICS
// =============================================================================
//
// - Publish is fire and forget. Messages may be lost (full queues, dead
//   peers, partitions). Paxos handles loss; the transport never retries.
// - Frames published by one Publisher reach a given subscriber in order.
//   There is no ordering across publishers.
// - Recv blocks until a message arrives or the context is done.
//
// =============================================================================

package transport

import (
	"context"
	"errors"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("transport")

var (
	// ErrClosed is returned by operations on a closed transport, publisher
	// or subscriber.
	ErrClosed = errors.New("transport: closed")
	// ErrNoEndpoints is returned by Dial without endpoints.
	ErrNoEndpoints = errors.New("transport: no endpoints")
	// ErrUnsupported is returned for endpoints a transport cannot serve.
	ErrUnsupported = errors.New("transport: unsupported endpoint")
)

// Message is one multi-part message received on a topic.
type Message struct {
	Topic  string
	Frames [][]byte
}

// Publisher fans a message out to every endpoint it was dialed to.
type Publisher interface {
	Publish(topic string, frames ...[]byte) error
	Close() error
}

// Subscriber receives the messages published to one (endpoint, topic).
type Subscriber interface {
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Transport creates subscribers and publishers.
type Transport interface {
	// Subscribe starts receiving messages published on topic to endpoint.
	// Several subscribers on the same (endpoint, topic) each get a copy.
	Subscribe(endpoint, topic string) (Subscriber, error)
	// Dial returns a Publisher delivering to all the given endpoints.
	Dial(endpoints ...string) (Publisher, error)
	Close() error
}

func copyFrames(frames [][]byte) [][]byte {
	out := make([][]byte, len(frames))
	for i, f := range frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}
