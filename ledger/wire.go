package ledger

import (
	"bytes"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// wireBlock is the RLP-encodable shape of a Block. Balance travels as
// *big.Int (rlp's native bignum encoding) rather than the fixed-width
// 32-byte form that hashBlock digests, since on-the-wire canonicalization is
// delegated to the out-of-scope codec collaborator (spec §1) — this is
// simply a serviceable round-trip codec satisfying spec §8's
// "Serialize(block) -> Deserialize -> equal block" law.
type wireBlock struct {
	Type           uint8
	Account        []byte
	Previous       []byte
	Representative []byte
	Balance        *big.Int
	Link           []byte
	Signature      []byte
	Work           uint64
}

// EncodeBlock serializes b with RLP (github.com/ethereum/go-ethereum/rlp),
// the encoder already present in this dependency graph via core/ledger.go
// in the teacher repo.
func EncodeBlock(b *Block) ([]byte, error) {
	w := wireBlock{
		Type:           uint8(b.Type),
		Account:        b.Account[:],
		Previous:       b.Previous[:],
		Representative: b.Representative[:],
		Balance:        balanceOrZero(b.Balance),
		Link:           b.Link[:],
		Signature:      b.Signature[:],
		Work:           b.Work,
	}
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBlock is the inverse of EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	var w wireBlock
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, err
	}
	b := &Block{
		Type:    BlockType(w.Type),
		Balance: new(big.Int).Set(w.Balance),
		Work:    w.Work,
	}
	copy(b.Account[:], w.Account)
	copy(b.Previous[:], w.Previous)
	copy(b.Representative[:], w.Representative)
	copy(b.Link[:], w.Link)
	copy(b.Signature[:], w.Signature)
	return b, nil
}

func balanceOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
