// Package blockproc implements the single-block processor of spec §4.C:
// a pure validator that, given a candidate block and a ledger write
// transaction, decides accept/reject with a taxonomised error and, on
// accept, mutates the ledger's indexes.
package blockproc

import (
	"math/big"

	"latticenode/ledger"
	"latticenode/stats"
)

// Status is the outcome of processing a candidate block. StatusProgress is
// the sentinel "accepted" value; every other value names exactly one
// rejected check from spec §4.C.
type Status int

const (
	StatusProgress Status = iota
	StatusOld
	StatusBadSignature
	StatusFork
	StatusGapPrevious
	StatusGapSource
	StatusGapEpochOpenPending
	StatusOpenedBurnAccount
	StatusBalanceMismatch
	StatusRepresentativeMismatch
	StatusBlockPosition
	StatusInsufficientWork
	StatusUnreceivable
)

func (s Status) String() string {
	switch s {
	case StatusProgress:
		return "Progress"
	case StatusOld:
		return "Old"
	case StatusBadSignature:
		return "BadSignature"
	case StatusFork:
		return "Fork"
	case StatusGapPrevious:
		return "GapPrevious"
	case StatusGapSource:
		return "GapSource"
	case StatusGapEpochOpenPending:
		return "GapEpochOpenPending"
	case StatusOpenedBurnAccount:
		return "OpenedBurnAccount"
	case StatusBalanceMismatch:
		return "BalanceMismatch"
	case StatusRepresentativeMismatch:
		return "RepresentativeMismatch"
	case StatusBlockPosition:
		return "BlockPosition"
	case StatusInsufficientWork:
		return "InsufficientWork"
	case StatusUnreceivable:
		return "Unreceivable"
	default:
		return "Unknown"
	}
}

// Config wires the processor's collaborators. EpochLink identifies the
// ledger-constant link value that marks an epoch block, and EpochSigner
// returns the account whose key signs epoch blocks for a given target
// epoch (spec §4.C step 2: "epoch blocks: against the epoch signer for the
// link").
type Config struct {
	EpochLink       ledger.Hash
	EpochSigner     func(target ledger.Epoch) ledger.Account
	WorkThreshold   func(ledger.BlockDetails) uint64
	MeetsWork       func(work uint64, threshold uint64) bool
	VerifySignature func(account ledger.Account, digest ledger.Hash, sig [64]byte) bool
	Stats           *stats.Registry
}

// Processor validates and, on success, commits candidate blocks. It holds
// no ledger state of its own — every check reads through the RWTxn passed
// to Process.
type Processor struct {
	cfg Config
}

// New builds a Processor. A nil WorkThreshold/MeetsWork pair accepts any
// work value (useful for tests; the work-proof subsystem itself is out of
// scope per spec §1).
func New(cfg Config) *Processor {
	if cfg.MeetsWork == nil {
		cfg.MeetsWork = func(work, threshold uint64) bool { return work >= threshold }
	}
	if cfg.WorkThreshold == nil {
		cfg.WorkThreshold = func(ledger.BlockDetails) uint64 { return 0 }
	}
	if cfg.VerifySignature == nil {
		cfg.VerifySignature = ledger.VerifySignature
	}
	return &Processor{cfg: cfg}
}

const statType = "block_process"

// Process runs the exhaustive validation order of spec §4.C against block
// using txn, committing the block's sideband and ledger mutations on
// success. txn must have been acquired from the ledger's write queue by
// the caller (spec §4.B: "process(rw_txn, block)").
func (p *Processor) Process(txn *ledger.RWTxn, block *ledger.Block) (Status, error) {
	hash := block.Hash()

	// 1. Not already stored.
	if txn.BlockExists(hash) {
		p.bump(StatusOld)
		return StatusOld, nil
	}

	isEpoch := p.isEpochBlock(block)
	info := txn.AccountInfo(block.Account)

	// 2. Signature.
	if !p.verifySignature(block, isEpoch, info) {
		p.bump(StatusBadSignature)
		return StatusBadSignature, nil
	}

	// 3. Burn account guard.
	if block.Account.IsZero() {
		p.bump(StatusOpenedBurnAccount)
		return StatusOpenedBurnAccount, nil
	}

	// 4/5. Previous-hash / fork checks.
	if info != nil {
		if block.Previous.IsZero() {
			p.bump(StatusFork)
			return StatusFork, nil
		}
		if block.Previous != info.Head {
			p.bump(StatusFork)
			return StatusFork, nil
		}
	} else {
		if !block.Previous.IsZero() {
			p.bump(StatusGapPrevious)
			return StatusGapPrevious, nil
		}
	}
	var prevStored *ledger.StoredBlock
	if !block.Previous.IsZero() {
		prevStored = txn.GetBlock(block.Previous)
		if prevStored == nil {
			p.bump(StatusGapPrevious)
			return StatusGapPrevious, nil
		}
	}

	// 6. New-account link / epoch-open-pending requirements.
	if info == nil {
		if block.Link.IsZero() {
			p.bump(StatusGapSource)
			return StatusGapSource, nil
		}
		if isEpoch {
			if !p.hasAnyPending(txn, block.Account) {
				p.bump(StatusGapEpochOpenPending)
				return StatusGapEpochOpenPending, nil
			}
		}
	}

	// 7. Representative unchanged on epoch blocks.
	if isEpoch && info != nil && block.Representative != info.Representative {
		p.bump(StatusRepresentativeMismatch)
		return StatusRepresentativeMismatch, nil
	}

	// 8. Sequential epoch upgrade.
	targetEpoch := p.targetEpoch(block, info)
	if isEpoch {
		curEpoch := ledger.EpochUnspecified
		if info != nil {
			curEpoch = info.Epoch
		}
		if targetEpoch != curEpoch+1 {
			p.bump(StatusBlockPosition)
			return StatusBlockPosition, nil
		}
	}

	oldBalance := big.NewInt(0)
	if info != nil {
		oldBalance = info.Balance
	}

	// 9. Epoch blocks must not change balance.
	if isEpoch && block.Balance.Cmp(oldBalance) != 0 {
		p.bump(StatusBalanceMismatch)
		return StatusBalanceMismatch, nil
	}

	isSend := false
	isReceive := false
	if !isEpoch {
		delta := new(big.Int).Sub(block.Balance, oldBalance)
		switch {
		case block.Link.IsZero():
			// 10. No link: amount delta must be zero.
			if delta.Sign() != 0 {
				p.bump(StatusBalanceMismatch)
				return StatusBalanceMismatch, nil
			}
		case delta.Sign() < 0:
			isSend = true
		default:
			isReceive = true
		}
	}

	var pendingEntry *ledger.PendingEntry
	if isReceive {
		// 11. Receive: linked send must exist and match.
		sendStored := txn.GetBlock(block.Link)
		if sendStored == nil {
			p.bump(StatusGapSource)
			return StatusGapSource, nil
		}
		key := ledger.PendingKey{Destination: block.Account, Send: block.Link}
		pendingEntry = txn.Pending(key)
		if pendingEntry == nil {
			p.bump(StatusUnreceivable)
			return StatusUnreceivable, nil
		}
		delta := new(big.Int).Sub(block.Balance, oldBalance)
		if delta.Cmp(pendingEntry.Amount) != 0 {
			p.bump(StatusBalanceMismatch)
			return StatusBalanceMismatch, nil
		}
	}

	// 12. Proof of work.
	curEpoch := ledger.EpochUnspecified
	if info != nil {
		curEpoch = info.Epoch
	}
	details := p.blockDetails(isEpoch, isSend, isReceive, targetEpoch, curEpoch)
	threshold := p.cfg.WorkThreshold(details)
	if !p.cfg.MeetsWork(block.Work, threshold) {
		p.bump(StatusInsufficientWork)
		return StatusInsufficientWork, nil
	}

	sideband := ledger.Sideband{
		Height:      1,
		Account:     block.Account,
		Balance:     new(big.Int).Set(block.Balance),
		Details:     details,
		SourceEpoch: p.sourceEpoch(pendingEntry),
	}
	if prevStored != nil {
		sideband.Height = prevStored.Sideband.Height + 1
	}
	sideband.Timestamp = nowFn()

	if _, err := txn.CommitAccepted(block, sideband); err != nil {
		return StatusProgress, err
	}
	p.bump(StatusProgress)
	return StatusProgress, nil
}

func (p *Processor) isEpochBlock(block *ledger.Block) bool {
	return block.Link == p.cfg.EpochLink && !p.cfg.EpochLink.IsZero()
}

func (p *Processor) verifySignature(block *ledger.Block, isEpoch bool, info *ledger.AccountInfo) bool {
	signer := block.Account
	if isEpoch && p.cfg.EpochSigner != nil {
		signer = p.cfg.EpochSigner(p.targetEpoch(block, info))
	}
	digest := block.Hash()
	return p.cfg.VerifySignature(signer, digest, block.Signature)
}

func (p *Processor) targetEpoch(block *ledger.Block, info *ledger.AccountInfo) ledger.Epoch {
	if info != nil {
		return info.Epoch + 1
	}
	return ledger.Epoch1
}

func (p *Processor) hasAnyPending(txn *ledger.RWTxn, acc ledger.Account) bool {
	return txn.HasPendingForDestination(acc)
}

// blockDetails fills in the sideband's epoch marker. An epoch block raises
// the account to targetEpoch; any other block must carry the account's
// current epoch forward unchanged (curEpoch — EpochUnspecified for a
// brand new account) so AccountInfo.Epoch stays the monotonic version
// marker spec §3 requires and step 8's sequential-upgrade guard can never
// be replayed by an ordinary send/receive/change block resetting it.
func (p *Processor) blockDetails(isEpoch, isSend, isReceive bool, targetEpoch, curEpoch ledger.Epoch) ledger.BlockDetails {
	epoch := curEpoch
	if isEpoch {
		epoch = targetEpoch
	}
	return ledger.BlockDetails{
		Epoch:     epoch,
		IsSend:    isSend,
		IsReceive: isReceive,
		IsEpoch:   isEpoch,
	}
}

func (p *Processor) sourceEpoch(pending *ledger.PendingEntry) ledger.Epoch {
	if pending != nil {
		return pending.Epoch
	}
	return ledger.EpochUnspecified
}

func (p *Processor) bump(status Status) {
	if p.cfg.Stats == nil {
		return
	}
	p.cfg.Stats.Inc(statType, status.String(), stats.DirIn)
}

// nowFn is a package-level seam so tests can pin sideband timestamps; it
// defaults to the real clock.
var nowFn = defaultNow
