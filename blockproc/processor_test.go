package blockproc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"path/filepath"
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

func withWriteTxn(t *testing.T, s *ledger.Store, fn func(*ledger.RWTxn)) {
	t.Helper()
	txn, release, err := s.BeginWrite(context.Background(), writequeue.WriterBlockProcessor)
	if err != nil {
		t.Fatal(err)
	}
	defer release()
	fn(txn)
}

// seedPendingSend commits, directly through the ledger, an open block for a
// funding account followed by a send of amount to dst, and returns the
// send's hash. An open block with a non-zero link and a positive balance is
// a receive, so Process accepts it only when the linked send exists.
func seedPendingSend(t *testing.T, s *ledger.Store, dst ledger.Account, amount int64) ledger.Hash {
	t.Helper()
	funder := acct(0xFA)
	open := &ledger.Block{Type: ledger.BlockTypeState, Account: funder, Representative: funder, Balance: big.NewInt(amount)}
	send := &ledger.Block{Type: ledger.BlockTypeState, Account: funder, Previous: open.Hash(), Representative: funder, Balance: big.NewInt(0), Link: ledger.Hash(dst)}
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		if _, err := txn.CommitAccepted(open, ledger.Sideband{Height: 1, Account: funder, Balance: big.NewInt(amount), Timestamp: time.Now()}); err != nil {
			t.Fatal(err)
		}
		if _, err := txn.CommitAccepted(send, ledger.Sideband{Height: 2, Account: funder, Balance: big.NewInt(0), Details: ledger.BlockDetails{IsSend: true}, Timestamp: time.Now()}); err != nil {
			t.Fatal(err)
		}
	})
	return send.Hash()
}

// alwaysValidProcessor builds a Processor whose signature/work checks
// always pass, isolating the ledger-state-machine logic under test from
// the out-of-scope signature and work-proof collaborators. Signature
// verification itself is exercised separately, against the real
// ledger.VerifySignature, by TestProcessVerifiesRealSignature and
// TestProcessRejectsBadSignature below.
func alwaysValidProcessor() *Processor {
	return New(Config{
		VerifySignature: func(ledger.Account, ledger.Hash, [64]byte) bool { return true },
	})
}

// keyedAccount generates an ed25519 keypair and returns the 32-byte public
// key as an Account alongside the private key used to sign blocks for it.
func keyedAccount(t *testing.T) (ledger.Account, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var acc ledger.Account
	copy(acc[:], pub)
	return acc, priv
}

// sign computes blk.Hash(), signs it with priv, and stores the result in
// blk.Signature, mutating blk in place.
func sign(blk *ledger.Block, priv ed25519.PrivateKey) {
	digest := blk.Hash()
	sig := ed25519.Sign(priv, digest[:])
	copy(blk.Signature[:], sig)
}

func TestProcessOpenBlockAccepted(t *testing.T) {
	s := openStore(t)
	p := alwaysValidProcessor()
	acc := acct(1)
	blk := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Representative: acc,
		Balance: big.NewInt(1000), Link: seedPendingSend(t, s, acc, 1000),
	}
	var status Status
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		var err error
		status, err = p.Process(txn, blk)
		if err != nil {
			t.Fatal(err)
		}
	})
	if status != StatusProgress {
		t.Fatalf("status = %s, want Progress", status)
	}
	read := s.BeginRead()
	if read.AccountInfo(acc) == nil {
		t.Fatal("expected account created")
	}
}

func TestProcessRejectsGapPreviousOnNewAccountWithPrevious(t *testing.T) {
	s := openStore(t)
	p := alwaysValidProcessor()
	acc := acct(1)
	blk := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Previous: ledger.Hash{9},
		Representative: acc, Balance: big.NewInt(1000), Link: ledger.Hash{1},
	}
	var status Status
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, _ = p.Process(txn, blk)
	})
	if status != StatusGapPrevious {
		t.Fatalf("status = %s, want GapPrevious", status)
	}
}

func TestProcessRejectsOldOnReprocess(t *testing.T) {
	s := openStore(t)
	p := alwaysValidProcessor()
	acc := acct(1)
	blk := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Representative: acc,
		Balance: big.NewInt(1000), Link: seedPendingSend(t, s, acc, 1000),
	}
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		if status, err := p.Process(txn, blk); status != StatusProgress || err != nil {
			t.Fatalf("first process: %s %v", status, err)
		}
	})
	before := s.BeginRead().AccountInfo(acc)
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, err := p.Process(txn, blk)
		if err != nil {
			t.Fatal(err)
		}
		if status != StatusOld {
			t.Fatalf("status = %s, want Old", status)
		}
	})
	after := s.BeginRead().AccountInfo(acc)
	if before.BlockCount != after.BlockCount {
		t.Fatal("reprocessing Old mutated state")
	}
}

func TestProcessRejectsForkOnWrongPrevious(t *testing.T) {
	s := openStore(t)
	p := alwaysValidProcessor()
	acc := acct(1)
	genesis := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Representative: acc,
		Balance: big.NewInt(1000), Link: seedPendingSend(t, s, acc, 1000),
	}
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		if status, err := p.Process(txn, genesis); status != StatusProgress || err != nil {
			t.Fatalf("genesis: %s %v", status, err)
		}
	})

	forker := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Previous: ledger.Hash{0xAB},
		Representative: acc, Balance: big.NewInt(900),
	}
	var status Status
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, _ = p.Process(txn, forker)
	})
	if status != StatusFork {
		t.Fatalf("status = %s, want Fork", status)
	}
}

func TestProcessSendThenReceive(t *testing.T) {
	s := openStore(t)
	p := alwaysValidProcessor()
	src := acct(1)
	dst := acct(2)

	genesis := &ledger.Block{
		Type: ledger.BlockTypeState, Account: src, Representative: src,
		Balance: big.NewInt(1000), Link: seedPendingSend(t, s, src, 1000),
	}
	var genHash ledger.Hash
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		if status, err := p.Process(txn, genesis); status != StatusProgress || err != nil {
			t.Fatalf("genesis: %s %v", status, err)
		}
		genHash = genesis.Hash()
	})

	send := &ledger.Block{
		Type: ledger.BlockTypeState, Account: src, Previous: genHash,
		Representative: src, Balance: big.NewInt(900), Link: ledger.Hash(dst),
	}
	var sendHash ledger.Hash
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, err := p.Process(txn, send)
		if err != nil {
			t.Fatal(err)
		}
		if status != StatusProgress {
			t.Fatalf("send status = %s, want Progress", status)
		}
		sendHash = send.Hash()
	})

	recv := &ledger.Block{
		Type: ledger.BlockTypeState, Account: dst, Representative: dst,
		Balance: big.NewInt(100), Link: sendHash,
	}
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, err := p.Process(txn, recv)
		if err != nil {
			t.Fatal(err)
		}
		if status != StatusProgress {
			t.Fatalf("receive status = %s, want Progress", status)
		}
	})

	read := s.BeginRead()
	dstInfo := read.AccountInfo(dst)
	if dstInfo == nil || dstInfo.Balance.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("dst balance wrong: %+v", dstInfo)
	}
	if p := read.Pending(ledger.PendingKey{Destination: dst, Send: sendHash}); p != nil {
		t.Fatal("pending entry should be consumed")
	}
}

func TestProcessRejectsGapSourceWithoutSendBlock(t *testing.T) {
	s := openStore(t)
	p := alwaysValidProcessor()
	dst := acct(2)
	recv := &ledger.Block{
		Type: ledger.BlockTypeState, Account: dst, Representative: dst,
		Balance: big.NewInt(100), Link: ledger.Hash{0xEE},
	}
	var status Status
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, _ = p.Process(txn, recv)
	})
	if status != StatusGapSource {
		t.Fatalf("status = %s, want GapSource (no such send block)", status)
	}
}

// TestProcessVerifiesRealSignature exercises spec §4.C step 2 against the
// real ledger.VerifySignature (the default when Config.VerifySignature is
// left nil), rather than alwaysValidProcessor's stub: a block signed by
// the account's own ed25519 key is accepted.
func TestProcessVerifiesRealSignature(t *testing.T) {
	s := openStore(t)
	p := New(Config{})
	acc, priv := keyedAccount(t)
	blk := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Representative: acc,
		Balance: big.NewInt(1000), Link: seedPendingSend(t, s, acc, 1000),
	}
	sign(blk, priv)

	var status Status
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		var err error
		status, err = p.Process(txn, blk)
		if err != nil {
			t.Fatal(err)
		}
	})
	if status != StatusProgress {
		t.Fatalf("status = %s, want Progress", status)
	}
}

// TestProcessRejectsBadSignature is the negative counterpart: a block
// signed by a different account's key is rejected against the real
// ledger.VerifySignature.
func TestProcessRejectsBadSignature(t *testing.T) {
	s := openStore(t)
	p := New(Config{})
	acc, _ := keyedAccount(t)
	_, otherPriv := keyedAccount(t)
	blk := &ledger.Block{
		Type: ledger.BlockTypeState, Account: acc, Representative: acc,
		Balance: big.NewInt(1000), Link: ledger.Hash{1, 2, 3},
	}
	sign(blk, otherPriv)

	var status Status
	withWriteTxn(t, s, func(txn *ledger.RWTxn) {
		status, _ = p.Process(txn, blk)
	})
	if status != StatusBadSignature {
		t.Fatalf("status = %s, want BadSignature", status)
	}
}
