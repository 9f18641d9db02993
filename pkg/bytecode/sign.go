package bytecode

import (
	"crypto/ed25519"

	"github.com/project-ai/tarl/internal/types"
)

// Verify reports whether sig is a valid Ed25519 signature over programBytes
// under the pinned trusted public key. Malformed input of any kind (empty
// program, wrong-length signature or key) yields false, never a panic.
//
// This is the sole gate against program tampering: the VM must not execute a
// single instruction of a program for which Verify returned false.
func Verify(programBytes []byte, sig types.Signature, trusted types.Pubkey) bool {
	if len(programBytes) == 0 {
		return false
	}
	if trusted.IsZero() {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(trusted.Bytes()), programBytes, sig.Bytes())
}

// Sign produces the detached signature over a program's container bytes with
// the authority's private key. Used by signing tooling, never by the VM.
func Sign(p *Program, priv ed25519.PrivateKey) (types.Signature, error) {
	raw := ed25519.Sign(priv, p.Bytes())
	return types.SignatureFromBytes(raw)
}
