package node

import (
	"fmt"

	"github.com/senutpal/consent/internal/paxos"
	"github.com/senutpal/consent/internal/transport"
)

// peers is the paxos.Outbox of a node: one publisher per peer for replies
// and one covering the whole cluster for broadcasts.
type peers struct {
	each []transport.Publisher
	all  transport.Publisher
}

func (p *peers) dial(t transport.Transport, endpoints, multicast []string) error {
	for _, ep := range endpoints {
		pub, err := t.Dial(ep)
		if err != nil {
			p.close()
			return fmt.Errorf("dial %s: %w", ep, err)
		}
		p.each = append(p.each, pub)
	}
	targets := endpoints
	if len(multicast) > 0 {
		targets = multicast
	}
	all, err := t.Dial(targets...)
	if err != nil {
		p.close()
		return fmt.Errorf("dial %v: %w", targets, err)
	}
	p.all = all
	return nil
}

func (p *peers) close() {
	for _, pub := range p.each {
		pub.Close()
	}
	if p.all != nil {
		p.all.Close()
	}
	p.each, p.all = nil, nil
}

func (p *peers) Send(peer int, topic string, m paxos.Message) error {
	if peer < 0 || peer >= len(p.each) {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, peer)
	}
	frames, err := paxos.Encode(m)
	if err != nil {
		return err
	}
	return p.each[peer].Publish(topic, frames...)
}

func (p *peers) Broadcast(topic string, m paxos.Message) error {
	if p.all == nil {
		return transport.ErrClosed
	}
	frames, err := paxos.Encode(m)
	if err != nil {
		return err
	}
	return p.all.Publish(topic, frames...)
}
