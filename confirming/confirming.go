// Package confirming implements the confirming set of spec §4.D: an
// ordered set of block hashes awaiting cementation, drained by a
// background worker that batches them into the ledger's
// confirmation-height store and emits cemented/already-cemented/
// batch-cemented notifications.
//
// The worker is structured as a mutex+cond state machine rather than the
// teacher's ticker-driven reaper (core/connection_pool.go), since the set
// must wake on add rather than poll. Shutdown sets a mutex-guarded stopped
// flag and broadcasts on the cond.
package confirming

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"latticenode/ledger"
	"latticenode/stats"
	"latticenode/writequeue"
)

const statType = "confirming"

// Election is the minimal handle the confirming set carries alongside a
// hash, held weakly per spec §9 ("the cementer never extends an
// election's lifetime") — it is opaque to this package.
type Election any

// entry is a waiting-set member. Count tracks coalesced duplicate adds
// (spec §4.D: "duplicates are coalesced (counter incremented)").
type entry struct {
	hash     ledger.Hash
	election Election
	count    int
}

// CementedContext is passed to on_cemented/on_batch_cemented observers.
type CementedContext struct {
	Block             ledger.StoredBlock
	ConfirmationRoot  ledger.Hash
	Election          Election
}

// Config carries the batching thresholds named in spec §4.D.
type Config struct {
	BatchSize             int
	MaxBlocks             int
	MaxQueuedNotifications int
	Logger                *logrus.Logger
	Stats                 *stats.Registry
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = 64
	}
	if c.MaxQueuedNotifications <= 0 {
		c.MaxQueuedNotifications = 32
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Set is the confirming set collaborator of spec §4.D.
type Set struct {
	cfg   Config
	store *ledger.Store

	mu      sync.Mutex
	cond    *sync.Cond
	waiting map[ledger.Hash]*entry
	current map[ledger.Hash]struct{}
	draining bool
	stopped  bool

	onCemented        []func(CementedContext)
	onBatchCemented   []func([]CementedContext)
	onAlreadyCemented []func(ledger.Hash)

	notifier *notificationWorker

	wg sync.WaitGroup
}

// New builds a Set bound to store. Call Start to launch the background
// worker and Stop to join it.
func New(store *ledger.Store, cfg Config) *Set {
	cfg.setDefaults()
	s := &Set{
		cfg:     cfg,
		store:   store,
		waiting: make(map[ledger.Hash]*entry),
		current: make(map[ledger.Hash]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	s.notifier = newNotificationWorker(cfg.MaxQueuedNotifications, s.deliverBatch)
	return s
}

// Start launches the background worker and the notification worker.
func (s *Set) Start() {
	s.notifier.start()
	s.wg.Add(1)
	go s.run()
}

// Stop signals the background worker and notification worker to exit and
// waits for both to join (spec §5: "every background thread observes a
// single stopped flag").
func (s *Set) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
	s.notifier.stop()
}

// Add inserts hash into the waiting set, coalescing duplicates. Returns
// whether the set changed (spec §4.D: "Returns whether the set changed").
func (s *Set) Add(hash ledger.Hash, election Election) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.waiting[hash]; ok {
		e.count++
		return false
	}
	if _, inCurrent := s.current[hash]; inCurrent {
		return false
	}
	s.waiting[hash] = &entry{hash: hash, election: election, count: 1}
	s.cond.Broadcast()
	return true
}

// Contains reports whether hash is in the waiting set or is currently
// being processed.
func (s *Set) Contains(hash ledger.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiting[hash]; ok {
		return true
	}
	_, ok := s.current[hash]
	return ok
}

// OnCemented subscribes an observer fired once per newly cemented block.
func (s *Set) OnCemented(fn func(CementedContext)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCemented = append(s.onCemented, fn)
}

// OnBatchCemented subscribes an observer fired with the contexts cemented
// so far each time MaxBlocks of them have accumulated, and once more at
// the end of each drained batch with the remainder.
func (s *Set) OnBatchCemented(fn func([]CementedContext)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBatchCemented = append(s.onBatchCemented, fn)
}

// OnAlreadyCemented subscribes an observer fired when a root is found
// already cemented with nothing new to cement.
func (s *Set) OnAlreadyCemented(fn func(ledger.Hash)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAlreadyCemented = append(s.onAlreadyCemented, fn)
}

func (s *Set) run() {
	defer s.wg.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for len(s.waiting) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			return
		}
		s.drainLocked()
	}
}

// drainLocked processes up to BatchSize entries. Caller holds s.mu; it is
// released and re-acquired while performing ledger I/O and notification
// flushes, matching the write-queue-yielding discipline of spec §4.D/§9.
func (s *Set) drainLocked() {
	batch := make([]*entry, 0, s.cfg.BatchSize)
	for hash, e := range s.waiting {
		if len(batch) >= s.cfg.BatchSize {
			break
		}
		delete(s.waiting, hash)
		s.current[hash] = struct{}{}
		batch = append(batch, e)
	}

	s.mu.Unlock()
	var pending []CementedContext

	for _, e := range batch {
		if s.isStopped() {
			break
		}
		s.processEntry(e, &pending)
		if len(pending) >= s.cfg.MaxBlocks {
			s.flush(pending)
			pending = nil
		}
	}
	s.flush(pending)

	s.mu.Lock()
	for _, e := range batch {
		delete(s.current, e.hash)
	}
}

func (s *Set) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// processEntry runs the inner per-hash loop of spec §4.D's state machine:
// repeatedly call confirm_max until the root is fully cemented or the
// ledger reports the block missing.
func (s *Set) processEntry(e *entry, pending *[]CementedContext) {
	txn, release, err := s.store.BeginWrite(context.Background(), writequeue.WriterCementer)
	if err != nil {
		return
	}
	defer release()

	for {
		if s.isStopped() {
			return
		}
		if len(*pending) >= s.cfg.MaxBlocks {
			s.flush(*pending)
			*pending = nil
		}
		if !txn.BlockExists(e.hash) {
			s.bump("MissingBlock")
			return
		}
		added, err := txn.ConfirmMax(e.hash, s.cfg.MaxBlocks)
		if err != nil {
			s.bump("CementingFailed")
			return
		}
		if len(added) > 0 {
			for _, blk := range added {
				ctxEntry := CementedContext{Block: blk, ConfirmationRoot: e.hash, Election: e.election}
				*pending = append(*pending, ctxEntry)
				s.notifyCemented(ctxEntry)
			}
		} else {
			s.notifyAlreadyCemented(e.hash)
		}
		if txn.BlockConfirmed(e.hash) {
			return
		}
	}
}

func (s *Set) notifyCemented(c CementedContext) {
	s.mu.Lock()
	observers := append([]func(CementedContext){}, s.onCemented...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(c)
	}
}

func (s *Set) notifyAlreadyCemented(hash ledger.Hash) {
	s.mu.Lock()
	observers := append([]func(ledger.Hash){}, s.onAlreadyCemented...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(hash)
	}
}

// flush swaps pending into a task on the single-thread notification
// worker, waiting (100ms timed, rechecking stop) if it is already at
// MaxQueuedNotifications — the system's primary backpressure lever
// against observers (spec §4.D).
func (s *Set) flush(pending []CementedContext) {
	if len(pending) == 0 {
		return
	}
	batch := append([]CementedContext{}, pending...)
	for {
		if s.isStopped() {
			return
		}
		if s.notifier.submit(batch) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// deliverBatch is invoked by the notification worker for each submitted
// batch; it fans out to the on_batch_cemented observers.
func (s *Set) deliverBatch(batch []CementedContext) {
	s.mu.Lock()
	observers := append([]func([]CementedContext){}, s.onBatchCemented...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(batch)
	}
}

func (s *Set) bump(detail string) {
	if s.cfg.Stats == nil {
		return
	}
	s.cfg.Stats.Inc(statType, detail, stats.DirIn)
}
