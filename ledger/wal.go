package ledger

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"time"
)

// walRecord is the line-oriented WAL encoding: one JSON object per line,
// following core/ledger.go's bufio.Scanner + json.Unmarshal replay loop in
// the teacher repo, generalized to carry a StoredBlock (block + sideband)
// instead of a flat UTXO block.
type walRecord struct {
	Type           uint8  `json:"type"`
	Account        string `json:"account"`
	Previous       string `json:"previous"`
	Representative string `json:"representative"`
	Balance        string `json:"balance"`
	Link           string `json:"link"`
	Signature      string `json:"signature"`
	Work           uint64 `json:"work"`

	SBHeight      uint64 `json:"sb_height"`
	SBSuccessor   string `json:"sb_successor"`
	SBAccount     string `json:"sb_account"`
	SBBalance     string `json:"sb_balance"`
	SBEpoch       uint8  `json:"sb_epoch"`
	SBIsSend      bool   `json:"sb_is_send"`
	SBIsReceive   bool   `json:"sb_is_receive"`
	SBIsEpoch     bool   `json:"sb_is_epoch"`
	SBSourceEpoch uint8  `json:"sb_source_epoch"`
	SBTimestamp   int64  `json:"sb_timestamp"`
}

func encodeStoredBlockWAL(sb *StoredBlock) ([]byte, error) {
	r := walRecord{
		Type:           uint8(sb.Block.Type),
		Account:        hex.EncodeToString(sb.Block.Account[:]),
		Previous:       hex.EncodeToString(sb.Block.Previous[:]),
		Representative: hex.EncodeToString(sb.Block.Representative[:]),
		Balance:        balanceOrZero(sb.Block.Balance).String(),
		Link:           hex.EncodeToString(sb.Block.Link[:]),
		Signature:      hex.EncodeToString(sb.Block.Signature[:]),
		Work:           sb.Block.Work,

		SBHeight:      sb.Sideband.Height,
		SBSuccessor:   hex.EncodeToString(sb.Sideband.Successor[:]),
		SBAccount:     hex.EncodeToString(sb.Sideband.Account[:]),
		SBBalance:     balanceOrZero(sb.Sideband.Balance).String(),
		SBEpoch:       uint8(sb.Sideband.Details.Epoch),
		SBIsSend:      sb.Sideband.Details.IsSend,
		SBIsReceive:   sb.Sideband.Details.IsReceive,
		SBIsEpoch:     sb.Sideband.Details.IsEpoch,
		SBSourceEpoch: uint8(sb.Sideband.SourceEpoch),
		SBTimestamp:   sb.Sideband.Timestamp.UnixNano(),
	}
	data, err := json.Marshal(&r)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeStoredBlockWAL(data []byte) (*StoredBlock, error) {
	var r walRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	sb := &StoredBlock{}
	sb.Block.Type = BlockType(r.Type)
	if err := decodeHashInto(sb.Block.Account[:], r.Account); err != nil {
		return nil, err
	}
	if err := decodeHashInto(sb.Block.Previous[:], r.Previous); err != nil {
		return nil, err
	}
	if err := decodeHashInto(sb.Block.Representative[:], r.Representative); err != nil {
		return nil, err
	}
	if err := decodeHashInto(sb.Block.Link[:], r.Link); err != nil {
		return nil, err
	}
	if err := decodeHashInto(sb.Block.Signature[:], r.Signature); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(r.Balance, 10)
	if !ok {
		bal = new(big.Int)
	}
	sb.Block.Balance = bal
	sb.Block.Work = r.Work

	sb.Sideband.Height = r.SBHeight
	if err := decodeHashInto(sb.Sideband.Successor[:], r.SBSuccessor); err != nil {
		return nil, err
	}
	if err := decodeHashInto(sb.Sideband.Account[:], r.SBAccount); err != nil {
		return nil, err
	}
	sbal, ok := new(big.Int).SetString(r.SBBalance, 10)
	if !ok {
		sbal = new(big.Int)
	}
	sb.Sideband.Balance = sbal
	sb.Sideband.Details = BlockDetails{
		Epoch:     Epoch(r.SBEpoch),
		IsSend:    r.SBIsSend,
		IsReceive: r.SBIsReceive,
		IsEpoch:   r.SBIsEpoch,
	}
	sb.Sideband.SourceEpoch = Epoch(r.SBSourceEpoch)
	sb.Sideband.Timestamp = time.Unix(0, r.SBTimestamp)
	return sb, nil
}

func decodeHashInto(dst []byte, s string) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// applyAccepted replays a previously-accepted block during WAL recovery,
// reusing the same index-mutation logic as CommitAccepted but without
// re-appending to the WAL (the record being replayed is already there).
func (s *Store) applyAccepted(sb *StoredBlock) {
	hash := sb.Block.Hash()
	s.mu.Lock()
	var oldInfo *AccountInfo
	if ai, ok := s.accounts[sb.Block.Account]; ok {
		cp := *ai
		oldInfo = &cp
	}
	if oldInfo != nil {
		if prevStored, ok := s.blocks[oldInfo.Head]; ok {
			prevStored.Sideband.Successor = hash
		}
		delete(s.frontiers, oldInfo.Head)
	}
	s.blocks[hash] = sb
	s.frontiers[hash] = sb.Block.Account

	open := hash
	if oldInfo != nil {
		open = oldInfo.Open
	}
	s.accounts[sb.Block.Account] = &AccountInfo{
		Head:           hash,
		Open:           open,
		Representative: sb.Block.Representative,
		Balance:        new(big.Int).Set(sb.Sideband.Balance),
		Modified:       sb.Sideband.Timestamp,
		BlockCount:     sb.Sideband.Height,
		Epoch:          sb.Sideband.Details.Epoch,
	}

	oldRep := Account{}
	oldBalance := new(big.Int)
	if oldInfo != nil {
		oldRep = oldInfo.Representative
		oldBalance = oldInfo.Balance
	}
	s.adjustRepWeightsLocked(oldRep, oldBalance, sb.Block.Representative, sb.Sideband.Balance)

	if sb.Sideband.Details.IsSend {
		dest := Account(sb.Block.Link)
		s.pending[PendingKey{Destination: dest, Send: hash}] = &PendingEntry{
			Source: sb.Block.Account,
			Amount: new(big.Int).Sub(oldBalance, sb.Sideband.Balance),
			Epoch:  sb.Sideband.Details.Epoch,
		}
	}
	if sb.Sideband.Details.IsReceive {
		delete(s.pending, PendingKey{Destination: sb.Block.Account, Send: sb.Block.Link})
	}
	s.mu.Unlock()
}
