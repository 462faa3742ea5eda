package bootstrap

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"latticenode/ledger"
	"latticenode/messages"
	"latticenode/stats"
	"latticenode/transport"
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

// seedChain commits n state blocks on acc, a simple self-referential
// no-op chain sufficient to exercise successor-walk logic.
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

func newTestServer(t *testing.T, s *ledger.Store) (*Server, *transport.MemoryPublisher) {
	t.Helper()
	pub := transport.NewMemoryPublisher()
	var acks []messages.AscPullAck
	srv := New(s, pub, Config{
		MaxQueue: 64, Threads: 2, BatchSize: 8,
		ResponseCallback: func(a messages.AscPullAck) { acks = append(acks, a) },
	})
	srv.Start()
	t.Cleanup(srv.Stop)
	return srv, pub
}

func waitForAcks(t *testing.T, pub *transport.MemoryPublisher, channelID string, n int) []any {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := pub.Sent(channelID); len(got) >= n {
			return got
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d acks on %s", n, channelID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestBootstrapByAccount exercises spec §8 scenario S2.
func TestBootstrapByAccount(t *testing.T) {
	s := openStore(t)
	acc := acct(1)
	seedChain(t, s, acc, 128)

	srv, pub := newTestServer(t, s)
	var start [32]byte
	copy(start[:], acc[:])
	srv.Submit("peer-a", messages.AscPullReq{ID: 7, Kind: messages.AscPullReqBlocks, StartType: messages.HashTypeAccount, Start: start, Count: 128})

	got := waitForAcks(t, pub, "peer-a", 1)
	ack := got[0].(messages.AscPullAck)
	if ack.ID != 7 {
		t.Fatalf("ack id = %d, want 7", ack.ID)
	}
	if len(ack.Blocks) != 128 {
		t.Fatalf("blocks = %d, want 128", len(ack.Blocks))
	}
}

// TestBootstrapMidChain exercises spec §8 scenario S3.
func TestBootstrapMidChain(t *testing.T) {
	s := openStore(t)
	acc := acct(1)
	hashes := seedChain(t, s, acc, 256)

	srv, pub := newTestServer(t, s)
	var start [32]byte
	copy(start[:], hashes[9][:])
	srv.Submit("peer-b", messages.AscPullReq{ID: 9, Kind: messages.AscPullReqBlocks, StartType: messages.HashTypeBlock, Start: start, Count: 128})

	got := waitForAcks(t, pub, "peer-b", 1)
	ack := got[0].(messages.AscPullAck)
	if len(ack.Blocks) != 128 {
		t.Fatalf("blocks = %d, want 128", len(ack.Blocks))
	}
	if ack.Blocks[0].Block.Hash() != hashes[9] {
		t.Fatal("expected walk to start at block[9]")
	}
}

// TestBootstrapMissing exercises spec §8 scenario S4.
func TestBootstrapMissing(t *testing.T) {
	s := openStore(t)
	srv, pub := newTestServer(t, s)
	var start [32]byte
	start[0] = 0x2A
	srv.Submit("peer-c", messages.AscPullReq{ID: 7, Kind: messages.AscPullReqBlocks, StartType: messages.HashTypeBlock, Start: start, Count: 128})

	got := waitForAcks(t, pub, "peer-c", 1)
	ack := got[0].(messages.AscPullAck)
	if ack.ID != 7 || len(ack.Blocks) != 0 {
		t.Fatalf("expected empty blocks ack with id 7, got %+v", ack)
	}
}

// TestFrontiersInvalidCount exercises spec §8 scenario S5.
func TestFrontiersInvalidCount(t *testing.T) {
	s := openStore(t)
	pub := transport.NewMemoryPublisher()
	reg := stats.New(false)
	srv := New(s, pub, Config{Stats: reg})
	srv.Start()
	defer srv.Stop()

	srv.Submit("peer-d", messages.AscPullReq{ID: 1, Kind: messages.AscPullReqFrontiers, Count: 0})
	srv.Submit("peer-d", messages.AscPullReq{ID: 2, Kind: messages.AscPullReqFrontiers, Count: messages.MaxFrontiers + 1})
	srv.Submit("peer-d", messages.AscPullReq{ID: 3, Kind: messages.AscPullReqFrontiers, Count: 65535})

	time.Sleep(50 * time.Millisecond)
	if pub.Len() != 0 {
		t.Fatalf("expected no acks emitted for invalid frontier requests, got %d", pub.Len())
	}
	if got := reg.Count(statType, "Invalid", stats.DirIn); got != 3 {
		t.Fatalf("Invalid counter = %d, want 3", got)
	}
}

func TestChannelFullDropsEarly(t *testing.T) {
	s := openStore(t)
	pub := transport.NewMemoryPublisher()
	srv := New(s, pub, Config{OutboundFull: func(string) bool { return true }})
	srv.Start()
	defer srv.Stop()

	srv.Submit("peer-e", messages.AscPullReq{ID: 1, Kind: messages.AscPullReqFrontiers, Count: 10})
	time.Sleep(50 * time.Millisecond)
	if pub.Len() != 0 {
		t.Fatal("expected no ack to be emitted when outbound channel reports full")
	}
}
