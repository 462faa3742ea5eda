package ledger

import "crypto/ed25519"

// Signer abstracts the key-management collaborator named out of scope in
// spec §1 ("wallet key management"). The block processor only ever needs
// to verify, never to sign.
type Signer interface {
	Sign(account Account, digest Hash) ([64]byte, error)
}

// VerifySignature checks that sig is a valid signature over digest by the
// public key encoded in account, per spec §4.C step 2 (BadSignature).
//
// Nano signs with Ed25519, account bytes ARE the 32-byte Ed25519 public
// key, and a block signature is the 64-byte Ed25519 signature — the same
// primitive the teacher itself uses for account keys (core/wallet.go,
// core/security.go both sign/verify with crypto/ed25519 directly, account
// addresses there are likewise derived from a 32-byte ed25519.PublicKey).
// A malformed key or signature is treated as BadSignature rather than
// propagated as a distinct error, matching the spec's "single error kind
// per check" design.
func VerifySignature(account Account, digest Hash, sig [64]byte) bool {
	pub := ed25519.PublicKey(account[:])
	return ed25519.Verify(pub, digest[:], sig[:])
}
