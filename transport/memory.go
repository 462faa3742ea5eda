package transport

import (
	"context"
	"sync"
)

// published is one captured Publish call, recorded by MemoryPublisher.
type published struct {
	Peer    string
	Class   TrafficClass
	Policy  DropPolicy
	Payload any
}

// MemoryPublisher is an in-process Publisher that records every call
// instead of sending over the network. It exists for tests of the
// aggregator and bootstrap server, which depend only on the Publisher
// interface.
type MemoryPublisher struct {
	mu  sync.Mutex
	all []published
}

// NewMemoryPublisher builds an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

var _ Publisher = (*MemoryPublisher)(nil)

func (p *MemoryPublisher) Publish(_ context.Context, peer string, class TrafficClass, policy DropPolicy, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.all = append(p.all, published{Peer: peer, Class: class, Policy: policy, Payload: payload})
	return nil
}

// Sent returns every payload published to peer, in publish order.
func (p *MemoryPublisher) Sent(peer string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, pub := range p.all {
		if pub.Peer == peer {
			out = append(out, pub.Payload)
		}
	}
	return out
}

// Len reports the total number of captured Publish calls.
func (p *MemoryPublisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}
