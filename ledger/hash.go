package ledger

import (
	"encoding/binary"
	"math/big"

	"lukechampine.com/blake3"
)

// hashBlock computes the block identity hash over its canonical fields:
// type, account, previous, representative, balance, link. Signature and
// work are proofs *about* the block, not part of its identity, so they are
// excluded — matching spec §3 ("digest over its canonical fields").
//
// Nano's own wire format hashes with blake2b; that exact algorithm is
// delegated to the out-of-scope codec collaborator (spec §1). blake3 is
// used here because it is the hash primitive already present in this
// module's dependency graph (see SPEC_FULL.md's DOMAIN STACK), and nothing
// in this spec's Testable Properties depends on matching Nano's on-wire
// digest bit-for-bit.
func hashBlock(b *Block) Hash {
	h := blake3.New(32, nil)
	var typeByte [1]byte
	typeByte[0] = byte(b.Type)
	h.Write(typeByte[:])
	h.Write(b.Account[:])
	h.Write(b.Previous[:])
	h.Write(b.Representative[:])
	h.Write(balanceBytes(b.Balance))
	h.Write(b.Link[:])
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return Hash(sum)
}

func balanceBytes(v *big.Int) []byte {
	var out [32]byte
	if v == nil {
		return out[:]
	}
	b := v.Bytes()
	copy(out[32-len(b):], b)
	return out[:]
}

// hashUint64 returns the blake3 digest of v's little-endian encoding. It
// has no callers in this module and is not part of the protocol
// invariants.
func hashUint64(v uint64) Hash {
	h := blake3.New(32, nil)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return Hash(sum)
}
