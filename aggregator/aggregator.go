// Package aggregator implements the request aggregator of spec §4.F: a
// per-peer fair queue of confirmation requests, deduplicated and answered
// first from the vote cache, with the remainder delegated to a vote
// generator.
//
// The election subsystem, final-vote store, and vote signing pipeline are
// out of scope collaborators (spec §1); VoteGenerator, ElectionWinner, and
// FinalVotes are the minimal interfaces this package needs from them.
package aggregator

import (
	"math/big"
	"sync"

	"github.com/sirupsen/logrus"

	"latticenode/fairqueue"
	"latticenode/ledger"
	"latticenode/messages"
	"latticenode/stats"
	"latticenode/votecache"
)

const statType = "aggregator"

// ElectionWinner resolves the live election's current winning block hash
// for root, if an election is active (spec §4.F step 2c "the live
// election's winner by hash").
type ElectionWinner func(root ledger.Hash) (ledger.Hash, bool)

// FinalVotes resolves cached final-vote records by root (spec §4.F step
// 2c "first check final-vote records by root").
type FinalVotes func(root ledger.Hash) ([]messages.VoteMessage, bool)

// VoteGenerator batches and signs votes for blocks that need a fresh vote,
// off the aggregator's own goroutine (spec §5 "the aggregator does not
// block on signing").
type VoteGenerator interface {
	GenerateNormal(hashes []ledger.Hash)
	GenerateFinal(hashes []ledger.Hash)
}

// request is one per-peer confirmation request queued for processing.
type request struct {
	peer  string
	pairs []messages.ConfirmReqPair
}

// Config carries the aggregator's tunables (spec §4.F "FairQueue<peer ->
// request> with per-peer capacity max_queue, global concurrency threads,
// drain in batches of batch_size").
type Config struct {
	MaxQueue  int
	Threads   int
	BatchSize int
	Logger    *logrus.Logger
	Stats     *stats.Registry

	ElectionWinner ElectionWinner
	FinalVotes     FinalVotes
	VoteGenerator  VoteGenerator

	// ReplyAction delivers unique cached votes immediately to a peer (spec
	// §4.F step 3 "sent immediately via reply_action").
	ReplyAction func(peer string, votes []messages.VoteMessage, publishes []messages.PublishMessage)
}

func (c *Config) setDefaults() {
	if c.MaxQueue <= 0 {
		c.MaxQueue = 256
	}
	if c.Threads <= 0 {
		c.Threads = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.ElectionWinner == nil {
		c.ElectionWinner = func(ledger.Hash) (ledger.Hash, bool) { return ledger.Hash{}, false }
	}
	if c.FinalVotes == nil {
		c.FinalVotes = func(ledger.Hash) ([]messages.VoteMessage, bool) { return nil, false }
	}
	if c.VoteGenerator == nil {
		c.VoteGenerator = noopGenerator{}
	}
	if c.ReplyAction == nil {
		c.ReplyAction = func(string, []messages.VoteMessage, []messages.PublishMessage) {}
	}
}

type noopGenerator struct{}

func (noopGenerator) GenerateNormal([]ledger.Hash) {}
func (noopGenerator) GenerateFinal([]ledger.Hash)  {}

// Aggregator is the request aggregator collaborator of spec §4.F.
type Aggregator struct {
	cfg   Config
	store *ledger.Store
	cache *votecache.Cache

	queue *fairqueue.Queue[string, request]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds an Aggregator over store and cache.
func New(store *ledger.Store, cache *votecache.Cache, cfg Config) *Aggregator {
	cfg.setDefaults()
	return &Aggregator{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		queue:  fairqueue.New[string, request](cfg.MaxQueue),
		stopCh: make(chan struct{}),
	}
}

// Start launches Threads worker goroutines.
func (a *Aggregator) Start() {
	for i := 0; i < a.cfg.Threads; i++ {
		a.wg.Add(1)
		go a.workerLoop()
	}
}

// Stop signals every worker to exit and waits for them to join.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.queue.Close()
	})
	a.wg.Wait()
}

// Submit enqueues a confirmation request from peer. It never blocks the
// caller; a full per-peer queue bumps the Overfill counter instead (spec
// §4.F "rejected by a full queue increment an Overfill counter").
func (a *Aggregator) Submit(peer string, pairs []messages.ConfirmReqPair) {
	if !a.queue.Push(peer, request{peer: peer, pairs: pairs}) {
		a.bump("Overfill")
	}
}

func (a *Aggregator) workerLoop() {
	defer a.wg.Done()
	for {
		batch := a.queue.PopBatch(a.cfg.BatchSize)
		if batch == nil {
			select {
			case <-a.stopCh:
				return
			default:
				continue
			}
		}
		a.processBatch(batch)
		select {
		case <-a.stopCh:
			return
		default:
		}
	}
}

// processBatch serves every request in batch against one read
// transaction, refreshed between entries (spec §4.F "processed serially
// against a single read transaction, with refresh_if_needed between
// entries").
func (a *Aggregator) processBatch(batch []request) {
	txn := a.store.BeginRead()
	for _, req := range batch {
		txn.RefreshIfNeeded()
		a.processRequest(txn, req)
	}
}

// processRequest runs the per-request algorithm of spec §4.F.
func (a *Aggregator) processRequest(txn *ledger.ReadTxn, req request) {
	deduped := dedupeByHash(req.pairs)

	covered := make(map[ledger.Hash]bool)
	var cachedVotes []messages.VoteMessage
	seenSignatures := make(map[[64]byte]bool)
	var publishes []messages.PublishMessage
	var pendingNormal []ledger.Hash
	var pendingFinal []ledger.Hash

	for _, pair := range deduped {
		if covered[pair.Hash] {
			continue
		}

		// Step 2b: a hit in the local vote history means this hash already
		// has a tallied vote on record, so no fresh generation is needed.
		if a.cache.Get(pair.Hash) != nil {
			covered[pair.Hash] = true
			continue
		}

		if votes, ok := a.cfg.FinalVotes(pair.Root); ok && len(votes) > 0 {
			for _, v := range votes {
				covered[pair.Hash] = true
				if !seenSignatures[v.Signature] {
					seenSignatures[v.Signature] = true
					cachedVotes = append(cachedVotes, v)
				}
			}
			continue
		}

		resolved, found := a.resolveBlock(txn, pair)
		if !found {
			continue
		}
		if resolved != pair.Hash {
			if sb := txn.GetBlock(resolved); sb != nil {
				publishes = append(publishes, messages.PublishMessage{Peer: req.peer, Block: *sb})
			}
		}

		final := a.isFinal(txn, resolved)
		if final {
			pendingFinal = append(pendingFinal, resolved)
		} else {
			pendingNormal = append(pendingNormal, resolved)
		}
	}

	if len(cachedVotes) > 0 || len(publishes) > 0 {
		a.cfg.ReplyAction(req.peer, cachedVotes, publishes)
	}
	if len(pendingNormal) > 0 {
		a.cfg.VoteGenerator.GenerateNormal(pendingNormal)
	}
	if len(pendingFinal) > 0 {
		a.cfg.VoteGenerator.GenerateFinal(pendingFinal)
	}
}

// resolveBlock implements spec §4.F step 2c's fallback chain: election
// winner by hash, then the ledger by hash, then the ledger's successor of
// the root.
func (a *Aggregator) resolveBlock(txn *ledger.ReadTxn, pair messages.ConfirmReqPair) (ledger.Hash, bool) {
	if winner, ok := a.cfg.ElectionWinner(pair.Root); ok {
		return winner, true
	}
	if txn.BlockExists(pair.Hash) {
		return pair.Hash, true
	}
	if succ := txn.BlockSuccessor(pair.Root); !succ.IsZero() {
		return succ, true
	}
	return ledger.Hash{}, false
}

// isFinal reports whether hash's height is at or below the cemented
// height for its account (spec §4.F step 2d).
func (a *Aggregator) isFinal(txn *ledger.ReadTxn, hash ledger.Hash) bool {
	sb := txn.GetBlock(hash)
	if sb == nil {
		return false
	}
	ch := txn.ConfirmationHeight(sb.Sideband.Account)
	if ch == nil {
		return false
	}
	return sb.Sideband.Height <= ch.Height
}

func dedupeByHash(pairs []messages.ConfirmReqPair) []messages.ConfirmReqPair {
	seen := make(map[ledger.Hash]bool, len(pairs))
	out := make([]messages.ConfirmReqPair, 0, len(pairs))
	for _, p := range pairs {
		if seen[p.Hash] {
			continue
		}
		seen[p.Hash] = true
		out = append(out, p)
	}
	return out
}

func (a *Aggregator) bump(detail string) {
	if a.cfg.Stats == nil {
		return
	}
	a.cfg.Stats.Inc(statType, detail, stats.DirIn)
}

// RepWeightLookup adapts a ledger.Store into a votecache.RepWeightFunc,
// the injected weight resolver spec §4.E calls for.
func RepWeightLookup(store *ledger.Store) votecache.RepWeightFunc {
	return func(voter ledger.Account) *big.Int {
		return store.BeginRead().RepWeight(voter)
	}
}
