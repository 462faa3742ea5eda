// Package ledger implements the block-lattice persistent-state collaborator
// described in spec §3 and §4.B: accounts, blocks, sideband, confirmation
// heights, pending entries, and representative weights, behind a
// read/write-transaction contract the rest of the core depends on.
package ledger

import (
	"math/big"
	"time"
)

// Hash identifies a block by the digest over its canonical fields.
type Hash [32]byte

// IsZero reports whether h is the zero hash (used as "no previous", "no
// successor", "no link").
func (h Hash) IsZero() bool { return h == Hash{} }

// Account is a 32-byte public key identifying an independent chain.
type Account [32]byte

// IsZero reports whether a is the zero/burn account (spec §3,
// OpenedBurnAccount check).
func (a Account) IsZero() bool { return a == Account{} }

// BlockType enumerates the block variants of spec §3. State is the unified
// variant; the legacy four are retained for sideband.Details.
type BlockType uint8

const (
	BlockTypeInvalid BlockType = iota
	BlockTypeSend
	BlockTypeReceive
	BlockTypeOpen
	BlockTypeChange
	BlockTypeState
)

// Epoch is a monotonic version marker on an account (spec §3).
type Epoch uint8

const (
	EpochUnspecified Epoch = iota
	EpochZero
	Epoch1
	Epoch2
)

// Block is a signed record extending one account's chain. Every field named
// in spec §3 is carried; previous is the zero hash for an open block.
type Block struct {
	Type          BlockType
	Account       Account
	Previous      Hash
	Representative Account
	Balance       *big.Int
	Link          Hash // destination, source, or epoch marker
	Signature     [64]byte
	Work          uint64
}

// Hash computes the block's identity hash over its canonical fields. See
// ledger/hash.go for the digest implementation.
func (b *Block) Hash() Hash {
	return hashBlock(b)
}

// BlockDetails is the (epoch, is_send, is_receive, is_epoch) triple stored
// in the sideband (spec §3).
type BlockDetails struct {
	Epoch     Epoch
	IsSend    bool
	IsReceive bool
	IsEpoch   bool
}

// Sideband is the derived, invariant metadata spec §3 requires alongside
// every stored block. Successor is the only field patched after initial
// write, and only once (when a child block is appended).
type Sideband struct {
	Height      uint64
	Successor   Hash
	Account     Account // populated even for legacy blocks that omit it
	Balance     *big.Int
	Details     BlockDetails
	SourceEpoch Epoch
	Timestamp   time.Time
}

// StoredBlock pairs a block with its sideband, the unit the store persists
// and the bootstrap responder (§4.G) walks.
type StoredBlock struct {
	Block    Block
	Sideband Sideband
}

// AccountInfo is the per-account summary of spec §3.
type AccountInfo struct {
	Head         Hash
	Open         Hash
	Representative Account
	Balance      *big.Int
	Modified     time.Time
	BlockCount   uint64
	Epoch        Epoch
}

// ConfirmationHeightInfo is the greatest cemented height/frontier pair for
// an account (spec §3). Height is monotonic non-decreasing.
type ConfirmationHeightInfo struct {
	Height uint64
	Frontier Hash
}

// PendingKey is the (destination, send-hash) identity of an unconsumed send
// (spec §3).
type PendingKey struct {
	Destination Account
	Send        Hash
}

// PendingEntry is the value half of a pending-entry record.
type PendingEntry struct {
	Source Account
	Amount *big.Int
	Epoch  Epoch
}
