// Package transport supplies the minimal message-publisher collaborator
// spec §1 names as out of scope (wire codec, peer discovery, TCP
// framing) but that §4.F/§4.G still need something concrete to call.
// Publisher is the interface both components depend on; LibP2PPublisher
// is grounded on the teacher's core/network.go Node.Broadcast/Subscribe
// pubsub wiring, generalized from broadcast topics to per-peer response
// channels.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/sirupsen/logrus"
)

// DropPolicy governs what the transport does when a peer's outbound
// channel is saturated (spec §4.G "emitted via the message publisher
// with DropPolicy::CanDrop and bootstrap traffic class").
type DropPolicy uint8

const (
	DropPolicyCanDrop DropPolicy = iota
	DropPolicyMustDeliver
)

// TrafficClass tags a message for prioritization by the outbound layer;
// this module only distinguishes bootstrap traffic from confirmation
// traffic, per spec §6's message list.
type TrafficClass uint8

const (
	TrafficClassBootstrap TrafficClass = iota
	TrafficClassConfirmation
)

// Publisher sends payload to peer under the given traffic class and drop
// policy; encoding the payload is up to the implementation
// (LibP2PPublisher encodes it as JSON). It is the channel §4.F/§4.G dispatch
// asc_pull_ack/confirm_ack/publish messages through.
type Publisher interface {
	Publish(ctx context.Context, peer string, class TrafficClass, policy DropPolicy, payload any) error
}

// LibP2PPublisher implements Publisher over github.com/libp2p/go-libp2p-pubsub,
// addressing peers by per-peer topic name the way the teacher's Node
// addresses broadcast topics — each peer gets its own reply topic instead
// of one shared broadcast topic, since bootstrap/confirmation traffic is
// point-to-point rather than gossip.
type LibP2PPublisher struct {
	log    *logrus.Logger
	host   host.Host
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewLibP2PPublisher constructs a publisher bound to a fresh libp2p host
// listening on listenAddr, following NewNode's host+gossipsub setup.
func NewLibP2PPublisher(listenAddr string, log *logrus.Logger) (*LibP2PPublisher, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("transport: create pubsub: %w", err)
	}
	return &LibP2PPublisher{
		log:    log,
		host:   h,
		pubsub: ps,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Close tears down the underlying host.
func (p *LibP2PPublisher) Close() error {
	p.cancel()
	return p.host.Close()
}

func (p *LibP2PPublisher) topicFor(peer string, class TrafficClass) (*pubsub.Topic, error) {
	key := fmt.Sprintf("%s/%d", peer, class)
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.topics[key]; ok {
		return t, nil
	}
	t, err := p.pubsub.Join(key)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", key, err)
	}
	p.topics[key] = t
	return t, nil
}

// Publish encodes payload as JSON and publishes it on peer's reply topic.
// Under DropPolicyCanDrop a publish failure is logged and swallowed,
// matching spec §7 "resource errors ... counted, rate-limited, never
// fatal"; DropPolicyMustDeliver surfaces the error to the caller.
func (p *LibP2PPublisher) Publish(ctx context.Context, peer string, class TrafficClass, policy DropPolicy, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode payload: %w", err)
	}
	topic, err := p.topicFor(peer, class)
	if err != nil {
		if policy == DropPolicyCanDrop {
			p.log.WithError(err).Warn("transport: dropping message, topic join failed")
			return nil
		}
		return err
	}
	if err := topic.Publish(ctx, data); err != nil {
		if policy == DropPolicyCanDrop {
			p.log.WithError(err).Warn("transport: dropping message, publish failed")
			return nil
		}
		return fmt.Errorf("transport: publish: %w", err)
	}
	return nil
}
