package ledger

import (
	"errors"
	"math/big"
)

// Errors returned by the write-side ledger operations named in spec §4.B.
var (
	ErrBlockNotFound  = errors.New("ledger: block not found")
	ErrCemented       = errors.New("ledger: cannot roll back a cemented block")
	ErrNotHead        = errors.New("ledger: rollback target is not the account head")
	ErrMissingAncestor = errors.New("ledger: integrity violation, ancestor missing")
)

// CommitAccepted performs the "on accept" mutation described at the end of
// spec §4.C: writes the block, patches the predecessor's successor field,
// updates AccountInfo, updates representative weights (dual add when the
// representative changed), inserts/removes the PendingEntry, and deletes
// the old frontier. It is called by the single-block processor exactly
// once validation has fully succeeded.
func (t *RWTxn) CommitAccepted(block *Block, sb Sideband) (*StoredBlock, error) {
	hash := block.Hash()
	stored := &StoredBlock{Block: *block, Sideband: sb}

	t.store.mu.Lock()
	var oldInfo *AccountInfo
	if ai, ok := t.store.accounts[block.Account]; ok {
		cp := *ai
		oldInfo = &cp
	}

	if oldInfo != nil {
		if prevStored, ok := t.store.blocks[oldInfo.Head]; ok {
			prevStored.Sideband.Successor = hash
		}
		delete(t.store.frontiers, oldInfo.Head)
	}

	t.store.blocks[hash] = stored
	t.store.frontiers[hash] = block.Account

	open := hash
	if oldInfo != nil {
		open = oldInfo.Open
	}
	t.store.accounts[block.Account] = &AccountInfo{
		Head:           hash,
		Open:           open,
		Representative: block.Representative,
		Balance:        new(big.Int).Set(sb.Balance),
		Modified:       sb.Timestamp,
		BlockCount:     sb.Height,
		Epoch:          sb.Details.Epoch,
	}

	oldRep := Account{}
	oldBalance := new(big.Int)
	if oldInfo != nil {
		oldRep = oldInfo.Representative
		oldBalance = oldInfo.Balance
	}
	t.store.adjustRepWeightsLocked(oldRep, oldBalance, block.Representative, sb.Balance)

	if sb.Details.IsSend {
		dest := Account(block.Link)
		t.store.pending[PendingKey{Destination: dest, Send: hash}] = &PendingEntry{
			Source: block.Account,
			Amount: new(big.Int).Sub(oldBalance, sb.Balance),
			Epoch:  sb.Details.Epoch,
		}
	}
	if sb.Details.IsReceive {
		delete(t.store.pending, PendingKey{Destination: block.Account, Send: block.Link})
	}
	t.store.mu.Unlock()

	if err := t.store.appendWAL(stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// adjustRepWeightsLocked applies the delta described by spec §4.C: "delta =
// new_rep_weight + new_balance − old_rep_weight − old_balance; handled as a
// dual add when rep changed". Caller must hold s.mu.
func (s *Store) adjustRepWeightsLocked(oldRep Account, oldBalance *big.Int, newRep Account, newBalance *big.Int) {
	if oldRep == newRep {
		delta := new(big.Int).Sub(newBalance, oldBalance)
		s.addRepWeightLocked(newRep, delta)
		return
	}
	s.addRepWeightLocked(oldRep, new(big.Int).Neg(oldBalance))
	s.addRepWeightLocked(newRep, newBalance)
}

func (s *Store) addRepWeightLocked(rep Account, delta *big.Int) {
	cur, ok := s.repWeights[rep]
	if !ok {
		cur = new(big.Int)
	}
	s.repWeights[rep] = new(big.Int).Add(cur, delta)
}

// ConfirmMax cements hash and every uncemented ancestor, at most maxBlocks
// of them per call starting from the lowest uncemented height, returning
// the newly cemented blocks in height-ascending order (spec §4.B). It is a
// no-op returning an empty slice if hash is already cemented, and must be
// called repeatedly for a chain deeper than maxBlocks.
func (t *RWTxn) ConfirmMax(hash Hash, maxBlocks int) ([]StoredBlock, error) {
	target := t.store.getBlock(hash)
	if target == nil {
		return nil, ErrBlockNotFound
	}
	acc := target.Sideband.Account
	curHeight := uint64(0)
	if ch := t.store.getConfirmationHeight(acc); ch != nil {
		curHeight = ch.Height
	}
	if curHeight >= target.Sideband.Height {
		return nil, nil
	}

	var chain []*StoredBlock
	cur := target
	for cur.Sideband.Height > curHeight {
		chain = append(chain, cur)
		if cur.Sideband.Height == 1 {
			break
		}
		prev := t.store.getBlock(cur.Block.Previous)
		if prev == nil {
			return nil, ErrMissingAncestor
		}
		cur = prev
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	if maxBlocks > 0 && len(chain) > maxBlocks {
		chain = chain[:maxBlocks]
	}

	newHeight := chain[len(chain)-1].Sideband.Height
	newFrontier := chain[len(chain)-1].Block.Hash()
	t.store.mu.Lock()
	t.store.confHeight[acc] = &ConfirmationHeightInfo{Height: newHeight, Frontier: newFrontier}
	t.store.mu.Unlock()

	out := make([]StoredBlock, len(chain))
	for i, c := range chain {
		out[i] = *c
	}
	return out, nil
}

// Rollback reverses the account head block hash, restoring the previous
// block as head. It refuses if hash is already cemented or is not
// currently the account's head (spec §4.B: "rollback ... fails if the
// block is cemented").
func (t *RWTxn) Rollback(hash Hash) error {
	sb := t.store.getBlock(hash)
	if sb == nil {
		return ErrBlockNotFound
	}
	if t.BlockConfirmed(hash) {
		return ErrCemented
	}
	acc := sb.Sideband.Account
	info := t.store.getAccountInfo(acc)
	if info == nil || info.Head != hash {
		return ErrNotHead
	}

	prevStored := t.store.getBlock(sb.Block.Previous)

	beforeRep := Account{}
	beforeBalance := new(big.Int)
	if prevStored != nil {
		beforeRep = prevStored.Block.Representative
		beforeBalance = new(big.Int).Set(prevStored.Sideband.Balance)
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	// reverse the dual-add rep-weight delta applied at accept time
	newRep := sb.Block.Representative
	newBalance := sb.Sideband.Balance
	if beforeRep == newRep {
		delta := new(big.Int).Sub(beforeBalance, newBalance)
		s := t.store
		s.addRepWeightLocked(newRep, delta)
	} else {
		t.store.addRepWeightLocked(beforeRep, beforeBalance)
		t.store.addRepWeightLocked(newRep, new(big.Int).Neg(newBalance))
	}

	if sb.Sideband.Details.IsSend {
		delete(t.store.pending, PendingKey{Destination: Account(sb.Block.Link), Send: hash})
	}
	if sb.Sideband.Details.IsReceive {
		if sendStored, ok := t.store.blocks[sb.Block.Link]; ok {
			sendPrev := t.store.blocks[sendStored.Block.Previous]
			sent := new(big.Int)
			if sendPrev != nil {
				sent.Sub(sendPrev.Sideband.Balance, sendStored.Sideband.Balance)
			} else {
				sent.Set(sendStored.Sideband.Balance)
			}
			t.store.pending[PendingKey{Destination: acc, Send: sb.Block.Link}] = &PendingEntry{
				Source: sendStored.Sideband.Account,
				Amount: sent,
				Epoch:  sendStored.Sideband.Details.Epoch,
			}
		}
	}

	delete(t.store.blocks, hash)
	delete(t.store.frontiers, hash)

	if prevStored != nil {
		prevStored.Sideband.Successor = Hash{}
		t.store.accounts[acc] = &AccountInfo{
			Head:           sb.Block.Previous,
			Open:           info.Open,
			Representative: prevStored.Block.Representative,
			Balance:        new(big.Int).Set(prevStored.Sideband.Balance),
			Modified:       prevStored.Sideband.Timestamp,
			BlockCount:     prevStored.Sideband.Height,
			Epoch:          prevStored.Sideband.Details.Epoch,
		}
		t.store.frontiers[sb.Block.Previous] = acc
	} else {
		delete(t.store.accounts, acc)
	}
	return nil
}
