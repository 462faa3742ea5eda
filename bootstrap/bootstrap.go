// Package bootstrap implements the bootstrap responder of spec §4.G: a
// fair-queued, multi-threaded server answering asc_pull_req with
// asc_pull_ack built from ledger state.
package bootstrap

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"latticenode/fairqueue"
	"latticenode/ledger"
	"latticenode/messages"
	"latticenode/stats"
	"latticenode/transport"
)

const statType = "bootstrap"

// queuedRequest pairs a request with the channel it arrived on, as the
// fair queue of spec §4.G keys by channel id.
type queuedRequest struct {
	channelID string
	req       messages.AscPullReq
}

// Config carries the bootstrap server's tunables (spec §4.G "Queue:
// FairQueue<channel_id -> (request, channel)> capacity max_queue, drained
// by threads workers in batch_size slices").
type Config struct {
	MaxQueue  int
	Threads   int
	BatchSize int
	Logger    *logrus.Logger
	Stats     *stats.Registry

	// ResponseCallback runs before transmission, for tests/observability
	// (spec §4.G "A response-callback hook runs before transmission").
	ResponseCallback func(messages.AscPullAck)

	// OutboundFull reports whether a peer's outbound bootstrap channel is
	// already saturated (spec §4.G "if the peer's outbound bootstrap queue
	// is already full, drop early with ChannelFull").
	OutboundFull func(channelID string) bool
}

func (c *Config) setDefaults() {
	if c.MaxQueue <= 0 {
		c.MaxQueue = 128
	}
	if c.Threads <= 0 {
		c.Threads = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 16
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.OutboundFull == nil {
		c.OutboundFull = func(string) bool { return false }
	}
}

// Server is the bootstrap responder of spec §4.G.
type Server struct {
	cfg   Config
	store *ledger.Store
	pub   transport.Publisher

	queue *fairqueue.Queue[string, queuedRequest]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Server bound to store and pub.
func New(store *ledger.Store, pub transport.Publisher, cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		queue:  fairqueue.New[string, queuedRequest](cfg.MaxQueue),
		stopCh: make(chan struct{}),
	}
}

// Start launches Threads worker goroutines.
func (s *Server) Start() {
	for i := 0; i < s.cfg.Threads; i++ {
		s.wg.Add(1)
		go s.workerLoop()
	}
}

// Stop signals every worker to exit and waits for them to join.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.queue.Close()
	})
	s.wg.Wait()
}

// ChannelClosed removes channelID's pending entries (spec §4.G "When a
// channel disappears, its entries are removed by a cleanup hook").
func (s *Server) ChannelClosed(channelID string) {
	s.queue.RemoveKey(channelID)
}

// Submit validates and enqueues req from channelID. Invalid requests and
// full outbound channels are rejected with the matching stat detail and
// never reach the queue.
func (s *Server) Submit(channelID string, req messages.AscPullReq) {
	if s.cfg.OutboundFull(channelID) {
		s.bump("ChannelFull")
		return
	}
	if !s.validate(req) {
		s.bump("Invalid")
		return
	}
	if !s.queue.Push(channelID, queuedRequest{channelID: channelID, req: req}) {
		s.bump("Overfill")
	}
}

func (s *Server) validate(req messages.AscPullReq) bool {
	switch req.Kind {
	case messages.AscPullReqBlocks:
		return req.Count != 0 && req.Count <= messages.MaxBlocksPerAck
	case messages.AscPullReqFrontiers:
		return req.Count != 0 && req.Count <= messages.MaxFrontiers
	case messages.AscPullReqAccountInfo:
		return req.TargetType != messages.HashTypeAccount || req.Target != [32]byte{}
	default:
		return false
	}
}

func (s *Server) workerLoop() {
	defer s.wg.Done()
	for {
		batch := s.queue.PopBatch(s.cfg.BatchSize)
		if batch == nil {
			select {
			case <-s.stopCh:
				return
			default:
				continue
			}
		}
		s.processBatch(batch)
		select {
		case <-s.stopCh:
			return
		default:
		}
	}
}

// processBatch serves every request in batch against one long-lived read
// transaction, refreshed between entries (spec §4.G "on a long-lived read
// transaction, refreshed per entry").
func (s *Server) processBatch(batch []queuedRequest) {
	txn := s.store.BeginRead()
	for _, qr := range batch {
		txn.RefreshIfNeeded()
		ack := s.serve(txn, qr.req)
		if s.cfg.ResponseCallback != nil {
			s.cfg.ResponseCallback(ack)
		}
		_ = s.pub.Publish(context.Background(), qr.channelID, transport.TrafficClassBootstrap, transport.DropPolicyCanDrop, ack)
	}
}

func (s *Server) serve(txn *ledger.ReadTxn, req messages.AscPullReq) messages.AscPullAck {
	switch req.Kind {
	case messages.AscPullReqBlocks:
		return s.serveBlocks(txn, req)
	case messages.AscPullReqAccountInfo:
		return s.serveAccountInfo(txn, req)
	case messages.AscPullReqFrontiers:
		return s.serveFrontiers(txn, req)
	default:
		return messages.AscPullAck{ID: req.ID, Kind: req.Kind}
	}
}

func (s *Server) serveBlocks(txn *ledger.ReadTxn, req messages.AscPullReq) messages.AscPullAck {
	count := int(req.Count)
	if count > messages.MaxBlocksPerAck {
		count = messages.MaxBlocksPerAck
	}
	ack := messages.AscPullAck{ID: req.ID, Kind: messages.AscPullReqBlocks}

	var start ledger.Hash
	resolved := false
	if req.StartType == messages.HashTypeAccount {
		var acc ledger.Account
		copy(acc[:], req.Start[:])
		info := txn.AccountInfo(acc)
		if info != nil {
			start = info.Open
			resolved = true
		}
	} else if (req.Start != [32]byte{}) {
		var h ledger.Hash
		copy(h[:], req.Start[:])
		if txn.BlockExists(h) {
			start = h
			resolved = true
		}
	}
	if !resolved {
		return ack
	}

	blocks := make([]ledger.StoredBlock, 0, count)
	cur := start
	for len(blocks) < count {
		sb := txn.GetBlock(cur)
		if sb == nil {
			break
		}
		blocks = append(blocks, *sb)
		if sb.Sideband.Successor.IsZero() {
			break
		}
		cur = sb.Sideband.Successor
	}
	ack.Blocks = blocks
	return ack
}

func (s *Server) serveAccountInfo(txn *ledger.ReadTxn, req messages.AscPullReq) messages.AscPullAck {
	ack := messages.AscPullAck{ID: req.ID, Kind: messages.AscPullReqAccountInfo}
	var acc ledger.Account
	if req.TargetType == messages.HashTypeAccount {
		copy(acc[:], req.Target[:])
	} else {
		var h ledger.Hash
		copy(h[:], req.Target[:])
		sb := txn.GetBlock(h)
		if sb == nil {
			ack.Account = acc
			return ack
		}
		acc = sb.Sideband.Account
	}
	ack.Account = acc
	info := txn.AccountInfo(acc)
	if info == nil {
		return ack
	}
	ack.Open = info.Open
	ack.Head = info.Head
	ack.BlockCount = info.BlockCount
	if ch := txn.ConfirmationHeight(acc); ch != nil {
		ack.ConfFrontier = ch.Frontier
		ack.ConfHeight = ch.Height
	}
	return ack
}

func (s *Server) serveFrontiers(txn *ledger.ReadTxn, req messages.AscPullReq) messages.AscPullAck {
	ack := messages.AscPullAck{ID: req.ID, Kind: messages.AscPullReqFrontiers}
	var start ledger.Account
	copy(start[:], req.Start[:])
	count := int(req.Count)

	var out []messages.FrontierPair
	txn.AccountsFrom(start, func(acc ledger.Account, info *ledger.AccountInfo) bool {
		if len(out) >= count {
			return false
		}
		out = append(out, messages.FrontierPair{Account: acc, Head: info.Head})
		return len(out) < count
	})
	ack.Frontiers = out
	return ack
}

func (s *Server) bump(detail string) {
	if s.cfg.Stats == nil {
		return
	}
	s.cfg.Stats.Inc(statType, detail, stats.DirIn)
}
