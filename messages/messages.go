// Package messages defines the wire message shapes named in spec §6: the
// bootstrap pull request/ack pair and the confirmation request/ack pair,
// plus the publish side-message the request aggregator emits when it
// redirects a peer to a canonical block. Byte-exact layout is delegated
// to the out-of-scope codec collaborator (spec §1); these are the typed
// in-process shapes every component in this module passes around.
package messages

import "latticenode/ledger"

// HashType distinguishes whether an AscPullReq start/target field names an
// account or a block.
type HashType uint8

const (
	HashTypeBlock HashType = iota
	HashTypeAccount
)

// AscPullReqKind tags the union carried by AscPullReq.
type AscPullReqKind uint8

const (
	AscPullReqBlocks AscPullReqKind = iota
	AscPullReqAccountInfo
	AscPullReqFrontiers
)

// MaxBlocksPerAck is MAX_BLOCKS from spec §6.
const MaxBlocksPerAck = 128

// MaxFrontiers is MAX_FRONTIERS from spec §6. The spec leaves it
// codec-defined; this module fixes it at the same order of magnitude as
// MaxBlocksPerAck since no codec collaborator is in scope to define it
// otherwise.
const MaxFrontiers = 1000

// AscPullReq is the bootstrap pull request of spec §6.
type AscPullReq struct {
	ID   uint64
	Kind AscPullReqKind

	// Blocks request fields.
	StartType HashType
	Start     [32]byte
	Count     uint16 // interpreted as u8 for Blocks, u16 for Frontiers

	// AccountInfo request fields.
	Target     [32]byte
	TargetType HashType
}

// AscPullAck is the bootstrap pull reply of spec §6, echoing Req.ID.
type AscPullAck struct {
	ID   uint64
	Kind AscPullReqKind

	Blocks []ledger.StoredBlock

	Account     ledger.Account
	Open        ledger.Hash
	Head        ledger.Hash
	BlockCount  uint64
	ConfFrontier ledger.Hash
	ConfHeight  uint64

	Frontiers []FrontierPair
}

// FrontierPair is one (account, head) entry in an AscPullAck Frontiers
// payload.
type FrontierPair struct {
	Account ledger.Account
	Head    ledger.Hash
}

// ConfirmReqPair is one (hash, root) entry in a confirmation request (spec
// §4.F "a list of (hash, root) pairs from one peer").
type ConfirmReqPair struct {
	Hash ledger.Hash
	Root ledger.Hash
}

// ConfirmReq is the confirmation-request message of spec §6.
type ConfirmReq struct {
	Peer  string
	Pairs []ConfirmReqPair
}

// VoteMessage carries a signed vote for up to MaxVoteHashesPerVote block
// hashes (spec §6 "final votes may span multiple messages").
type VoteMessage struct {
	Voter     ledger.Account
	Hashes    []ledger.Hash
	Signature [64]byte
	Final     bool
}

// MaxVoteHashesPerVote is MAX_VOTE_HASHES_PER_VOTE from spec §6.
const MaxVoteHashesPerVote = 16

// ConfirmAck is the reply to a ConfirmReq: the resolved votes, already
// cached or freshly generated.
type ConfirmAck struct {
	Peer  string
	Votes []VoteMessage
}

// PublishMessage informs a peer of the canonical block for a root it
// asked about with a stale hash (spec §4.F step 2c: "include a publish
// side message informing the peer of the canonical block").
type PublishMessage struct {
	Peer  string
	Block ledger.StoredBlock
}
