package confirming

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"latticenode/ledger"
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

func commit(t *testing.T, s *ledger.Store, blk *ledger.Block, height uint64) ledger.Hash {
	t.Helper()
	txn, release, err := s.BeginWrite(context.Background(), writequeue.WriterBlockProcessor)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	hash := blk.Hash()
	details := ledger.BlockDetails{IsSend: !blk.Link.IsZero() && height > 1 && height%2 == 0, IsReceive: !blk.Link.IsZero() && height%2 != 0 && height > 1}
	sb := ledger.Sideband{Height: height, Account: blk.Account, Balance: new(big.Int).Set(blk.Balance), Details: details, Timestamp: time.Now()}
	if _, err := txn.CommitAccepted(blk, sb); err != nil {
		t.Fatal(err)
	}
	return hash
}

// TestLinearCementation exercises spec §8 scenario S1: genesis -> send ->
// receive -> send, adding only the final send to the confirming set and
// expecting all three ancestors to cement in height order.
func TestLinearCementation(t *testing.T) {
	s := openStore(t)
	acc := acct(1)

	genesis := &ledger.Block{Type: ledger.BlockTypeState, Account: acc, Representative: acc, Balance: big.NewInt(1000)}
	genHash := commit(t, s, genesis, 1)

	send := &ledger.Block{Type: ledger.BlockTypeState, Account: acc, Previous: genHash, Representative: acc, Balance: big.NewInt(900), Link: ledger.Hash(acct(2))}
	sendHash := commit(t, s, send, 2)

	recv := &ledger.Block{Type: ledger.BlockTypeState, Account: acc, Previous: sendHash, Representative: acc, Balance: big.NewInt(1000), Link: sendHash}
	recvHash := commit(t, s, recv, 3)

	finalSend := &ledger.Block{Type: ledger.BlockTypeState, Account: acc, Previous: recvHash, Representative: acc, Balance: big.NewInt(950), Link: ledger.Hash(acct(3))}
	finalHash := commit(t, s, finalSend, 4)

	set := New(s, Config{BatchSize: 8, MaxBlocks: 8, MaxQueuedNotifications: 4})

	var mu sync.Mutex
	var cementedOrder []uint64
	batchSeen := make(chan struct{}, 1)

	set.OnCemented(func(c CementedContext) {
		mu.Lock()
		cementedOrder = append(cementedOrder, c.Block.Sideband.Height)
		mu.Unlock()
	})
	set.OnBatchCemented(func(batch []CementedContext) {
		select {
		case batchSeen <- struct{}{}:
		default:
		}
	})

	set.Start()
	defer set.Stop()

	set.Add(finalHash, nil)

	select {
	case <-batchSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch-cemented notification")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(cementedOrder) != 4 {
		t.Fatalf("cemented %d blocks, want 4: %v", len(cementedOrder), cementedOrder)
	}
	for i, h := range cementedOrder {
		if h != uint64(i+1) {
			t.Fatalf("cemented out of height order: %v", cementedOrder)
		}
	}
}

func TestAddCoalescesDuplicates(t *testing.T) {
	s := openStore(t)
	set := New(s, Config{})
	h := ledger.Hash{1}
	if !set.Add(h, nil) {
		t.Fatal("first add should change the set")
	}
	if set.Add(h, nil) {
		t.Fatal("duplicate add should be coalesced, not change the set")
	}
	if !set.Contains(h) {
		t.Fatal("waiting hash should be contained")
	}
}
