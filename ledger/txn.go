package ledger

import (
	"context"
	"math/big"
	"time"

	"latticenode/writequeue"
)

// ReadTxn is a read view over the live store. It is cheap to open; each
// getter takes the store's read lock for that one call and sees the latest
// committed state, so two calls on the same ReadTxn are not isolated from
// writes committed in between. It takes no snapshot.
type ReadTxn struct {
	store   *Store
	openedAt time.Time
}

// RefreshIfNeeded resets the transaction's opened-at time if it has been
// open longer than the store's configured max age, and is a no-op
// otherwise. It changes nothing about what the getters read.
func (t *ReadTxn) RefreshIfNeeded() {
	if time.Since(t.openedAt) < t.store.maxReadAge {
		return
	}
	t.openedAt = time.Now()
}

// GetBlock returns the stored block at hash, or nil if absent.
func (t *ReadTxn) GetBlock(hash Hash) *StoredBlock {
	return t.store.getBlock(hash)
}

// BlockExists reports whether hash is stored (not necessarily cemented).
func (t *ReadTxn) BlockExists(hash Hash) bool {
	return t.store.getBlock(hash) != nil
}

// BlockSuccessor returns the successor hash of hash, or the zero hash if
// hash is the tip or does not exist.
func (t *ReadTxn) BlockSuccessor(hash Hash) Hash {
	sb := t.store.getBlock(hash)
	if sb == nil {
		return Hash{}
	}
	return sb.Sideband.Successor
}

// AccountInfo returns the account summary, or nil if the account has no
// open block yet.
func (t *ReadTxn) AccountInfo(acc Account) *AccountInfo {
	return t.store.getAccountInfo(acc)
}

// ConfirmationHeight returns the cemented height/frontier for acc, or nil
// if nothing has been cemented yet.
func (t *ReadTxn) ConfirmationHeight(acc Account) *ConfirmationHeightInfo {
	return t.store.getConfirmationHeight(acc)
}

// Pending returns the pending entry for key, or nil if absent/consumed.
func (t *ReadTxn) Pending(key PendingKey) *PendingEntry {
	return t.store.getPending(key)
}

// HasPendingForDestination reports whether at least one pending entry
// targets acc, regardless of which send created it. Used by the
// epoch-open validation in spec §4.C step 6 (GapEpochOpenPending).
func (t *ReadTxn) HasPendingForDestination(acc Account) bool {
	return t.store.hasPendingForDestination(acc)
}

// RepWeight returns the summed delegated balance for a representative.
func (t *ReadTxn) RepWeight(rep Account) *big.Int {
	return t.store.getRepWeight(rep)
}

// BlockConfirmed reports whether hash's height is at or below its
// account's confirmed height — the "ledger.confirmed.block_exists(h)" test
// the confirming set's worker loop (spec §4.D) checks each iteration.
func (t *ReadTxn) BlockConfirmed(hash Hash) bool {
	sb := t.store.getBlock(hash)
	if sb == nil {
		return false
	}
	ch := t.store.getConfirmationHeight(sb.Sideband.Account)
	if ch == nil {
		return false
	}
	return sb.Sideband.Height <= ch.Height
}

// AccountsFrom iterates accounts in ascending key order starting at from
// (inclusive), calling fn for each until it returns false or accounts are
// exhausted.
func (t *ReadTxn) AccountsFrom(from Account, fn func(Account, *AccountInfo) bool) {
	t.store.accountsFrom(from, fn)
}

// RWTxn is the single process-wide write transaction, acquired through
// writequeue.Queue.Wait. Mutations are applied to the live store directly;
// callers are expected (per spec §4.C) to perform all validation before
// making any mutating call, since there is no staged rollback within a
// transaction — only the explicit Rollback operation on already-written
// blocks.
type RWTxn struct {
	ReadTxn
}

// BeginRead opens a read transaction.
func (s *Store) BeginRead() *ReadTxn {
	return &ReadTxn{store: s, openedAt: time.Now()}
}

// BeginWrite acquires the exclusive write transaction for writer w,
// blocking until it is free or ctx is cancelled.
func (s *Store) BeginWrite(ctx context.Context, w writequeue.Writer) (*RWTxn, func(), error) {
	guard, err := s.writeQueue.Wait(ctx, w)
	if err != nil {
		return nil, nil, err
	}
	txn := &RWTxn{ReadTxn{store: s, openedAt: time.Now()}}
	return txn, guard.Release, nil
}
