package aggregator

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"latticenode/ledger"
	"latticenode/messages"
	"latticenode/stats"
	"latticenode/votecache"
	"latticenode/writequeue"
)

func acct(b byte) ledger.Account {
	var a ledger.Account
	a[0] = b
	return a
}

func openStore(t *testing.T) *ledger.Store {
	t.Helper()
	s, err := ledger.Open(ledger.Config{WALPath: filepath.Join(t.TempDir(), "wal.log")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedChain commits n state blocks on acc and returns their hashes in
// height order.
func seedChain(t *testing.T, s *ledger.Store, acc ledger.Account, n int) []ledger.Hash {
	t.Helper()
	var hashes []ledger.Hash
	var prev ledger.Hash
	for i := 0; i < n; i++ {
		blk := &ledger.Block{Type: ledger.BlockTypeState, Account: acc, Previous: prev, Representative: acc, Balance: big.NewInt(int64(1000 + i))}
		txn, release, err := s.BeginWrite(context.Background(), writequeue.WriterBlockProcessor)
		if err != nil {
			t.Fatal(err)
		}
		hash := blk.Hash()
		sb := ledger.Sideband{Height: uint64(i + 1), Account: acc, Balance: big.NewInt(int64(1000 + i)), Timestamp: time.Now()}
		if _, err := txn.CommitAccepted(blk, sb); err != nil {
			release()
			t.Fatal(err)
		}
		release()
		hashes = append(hashes, hash)
		prev = hash
	}
	return hashes
}

// cementUpTo cements acc's chain through hash.
func cementUpTo(t *testing.T, s *ledger.Store, hash ledger.Hash) {
	t.Helper()
	txn, release, err := s.BeginWrite(context.Background(), writequeue.WriterCementer)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	if _, err := txn.ConfirmMax(hash, 1<<20); err != nil {
		t.Fatal(err)
	}
}

func flatWeight(w int64) votecache.RepWeightFunc {
	return func(ledger.Account) *big.Int { return big.NewInt(w) }
}

type recordingGenerator struct {
	mu     sync.Mutex
	normal [][]ledger.Hash
	final  [][]ledger.Hash
}

func (g *recordingGenerator) GenerateNormal(hashes []ledger.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.normal = append(g.normal, hashes)
}

func (g *recordingGenerator) GenerateFinal(hashes []ledger.Hash) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.final = append(g.final, hashes)
}

func (g *recordingGenerator) counts() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.normal), len(g.final)
}

type reply struct {
	peer      string
	votes     []messages.VoteMessage
	publishes []messages.PublishMessage
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestPendingNormalForUncementedBlock exercises spec §4.F steps 2c-2e for
// a block above its account's cemented height.
func TestPendingNormalForUncementedBlock(t *testing.T) {
	s := openStore(t)
	acc := acct(1)
	hashes := seedChain(t, s, acc, 3)
	cache := votecache.New(128, flatWeight(10))
	gen := &recordingGenerator{}

	var replies []reply
	var mu sync.Mutex
	agg := New(s, cache, Config{
		VoteGenerator: gen,
		ReplyAction: func(peer string, votes []messages.VoteMessage, publishes []messages.PublishMessage) {
			mu.Lock()
			defer mu.Unlock()
			replies = append(replies, reply{peer: peer, votes: votes, publishes: publishes})
		},
	})
	agg.Start()
	defer agg.Stop()

	head := hashes[2]
	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: head, Root: head}})

	waitFor(t, func() bool { n, _ := gen.counts(); return n >= 1 })
	n, f := gen.counts()
	if n != 1 || f != 0 {
		t.Fatalf("normal=%d final=%d, want 1/0", n, f)
	}
}

// TestPendingFinalForCementedBlock exercises the height<=cemented branch
// of spec §4.F step 2d.
func TestPendingFinalForCementedBlock(t *testing.T) {
	s := openStore(t)
	acc := acct(1)
	hashes := seedChain(t, s, acc, 3)
	cementUpTo(t, s, hashes[2])

	cache := votecache.New(128, flatWeight(10))
	gen := &recordingGenerator{}
	agg := New(s, cache, Config{VoteGenerator: gen})
	agg.Start()
	defer agg.Stop()

	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: hashes[1], Root: hashes[1]}})

	waitFor(t, func() bool { _, f := gen.counts(); return f >= 1 })
	n, f := gen.counts()
	if n != 0 || f != 1 {
		t.Fatalf("normal=%d final=%d, want 0/1", n, f)
	}
}

// TestDuplicateHashesDeduped exercises spec §4.F step 1.
func TestDuplicateHashesDeduped(t *testing.T) {
	s := openStore(t)
	acc := acct(1)
	hashes := seedChain(t, s, acc, 2)
	cache := votecache.New(128, flatWeight(10))
	gen := &recordingGenerator{}
	agg := New(s, cache, Config{VoteGenerator: gen})
	agg.Start()
	defer agg.Stop()

	head := hashes[1]
	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: head, Root: head}, {Hash: head, Root: head}})

	waitFor(t, func() bool { n, _ := gen.counts(); return n >= 1 })
	time.Sleep(30 * time.Millisecond)
	if n, _ := gen.counts(); n != 1 || len(gen.normal[0]) != 1 {
		t.Fatalf("expected a single deduped hash forwarded, got %v", gen.normal)
	}
}

// TestCachedVoteSkipsGeneration exercises spec §4.F step 2b: a hash
// already present in the local vote history is answered without
// delegating to the vote generator.
func TestCachedVoteSkipsGeneration(t *testing.T) {
	s := openStore(t)
	acc := acct(1)
	hashes := seedChain(t, s, acc, 1)
	cache := votecache.New(128, flatWeight(10))
	cache.Vote(hashes[0], acct(9))

	gen := &recordingGenerator{}
	agg := New(s, cache, Config{VoteGenerator: gen})
	agg.Start()
	defer agg.Stop()

	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: hashes[0], Root: hashes[0]}})

	time.Sleep(50 * time.Millisecond)
	n, f := gen.counts()
	if n != 0 || f != 0 {
		t.Fatalf("expected no generation for an already-cached hash, got normal=%d final=%d", n, f)
	}
}

// TestUnresolvableHashDropped exercises spec §4.F step 2c's final
// fallback returning not-found.
func TestUnresolvableHashDropped(t *testing.T) {
	s := openStore(t)
	cache := votecache.New(128, flatWeight(10))
	gen := &recordingGenerator{}
	agg := New(s, cache, Config{VoteGenerator: gen})
	agg.Start()
	defer agg.Stop()

	var missing ledger.Hash
	missing[0] = 0x77
	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: missing, Root: missing}})

	time.Sleep(50 * time.Millisecond)
	n, f := gen.counts()
	if n != 0 || f != 0 {
		t.Fatalf("expected no generation for an unresolvable hash, got normal=%d final=%d", n, f)
	}
}

// TestOverfillBumpsStat exercises spec §4.F's per-peer fair-queue
// overflow counter.
func TestOverfillBumpsStat(t *testing.T) {
	s := openStore(t)
	cache := votecache.New(128, flatWeight(10))
	reg := stats.New(false)
	agg := New(s, cache, Config{MaxQueue: 1, Threads: 0, Stats: reg})
	defer agg.queue.Close()

	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: ledger.Hash{1}, Root: ledger.Hash{1}}})
	agg.Submit("peer-a", []messages.ConfirmReqPair{{Hash: ledger.Hash{2}, Root: ledger.Hash{2}}})

	if got := agg.queue.Overfill(); got != 1 {
		t.Fatalf("overfill = %d, want 1", got)
	}
	if got := reg.Count(statType, "Overfill", stats.DirIn); got != 1 {
		t.Fatalf("Overfill stat = %d, want 1", got)
	}
}
