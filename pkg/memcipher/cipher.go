// Package memcipher is the authenticated encryption primitive guarding
// protected values at rest in process memory.
//
// Seal and Open use ChaCha20-Poly1305, so any bit flip in ciphertext or nonce
// surfaces as an authentication failure instead of silently decrypting into
// garbage. Nonces are drawn fresh from crypto/rand for every Seal and tracked
// for the cipher's lifetime; ChaCha20 is a stream cipher, so a repeated nonce
// under one key would let an observer recover plaintext XORs.
//
// The cipher owns its key handle. Close releases it, which zeroes the key
// bytes in locked memory.
package memcipher

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/project-ai/tarl/pkg/keystore"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSize

var (
	// ErrAuthFailure is returned when ciphertext integrity verification
	// fails on Open. Callers treat this as tampering, never as a retryable
	// condition.
	ErrAuthFailure = errors.New("ciphertext authentication failed")

	// ErrNonceReuse is returned when a Seal would repeat a nonce already
	// used under this key.
	ErrNonceReuse = errors.New("nonce reuse detected")

	// ErrInvalidNonce is returned for a nonce of the wrong length.
	ErrInvalidNonce = errors.New("invalid nonce length")

	// ErrKeySize is returned when the key handle holds the wrong key length.
	ErrKeySize = errors.New("invalid key size: must be 32 bytes")

	// ErrClosed is returned when operating on a closed cipher.
	ErrClosed = errors.New("cipher closed")
)

// Cipher seals and opens protected values under a single key. Safe for
// concurrent use, although the VM serializes access by design.
type Cipher struct {
	mu     sync.Mutex
	key    *keystore.KeyHandle
	seen   map[[NonceSize]byte]struct{}
	closed bool
}

// New wraps a key handle. The cipher takes ownership: Close releases the
// handle. The handle must be non-nil and hold exactly KeySize bytes.
func New(key *keystore.KeyHandle) (*Cipher, error) {
	if key == nil || key.Len() != KeySize {
		return nil, ErrKeySize
	}
	return &Cipher{
		key:  key,
		seen: make(map[[NonceSize]byte]struct{}),
	}, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns the
// ciphertext (with the Poly1305 tag appended) and the nonce. The plaintext
// buffer is left untouched; the caller remains responsible for shredding it.
func (c *Cipher) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("memcipher: crypto/rand failed: %w", err)
	}
	ciphertext, err = c.SealWithNonce(plaintext, nonce)
	if err != nil {
		return nil, nil, err
	}
	return ciphertext, nonce, nil
}

// SealWithNonce encrypts plaintext under a caller-supplied nonce. Reusing a
// nonce already consumed under this key fails with ErrNonceReuse; the failure
// is fatal to this operation only, the cipher stays usable.
func (c *Cipher) SealWithNonce(plaintext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	var n [NonceSize]byte
	copy(n[:], nonce)
	if _, used := c.seen[n]; used {
		return nil, ErrNonceReuse
	}

	keyBytes, err := c.key.Bytes()
	if err != nil {
		return nil, ErrClosed
	}
	aead, err := chacha20poly1305.New(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("memcipher: %w", err)
	}

	c.seen[n] = struct{}{}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts and verifies a sealed value. Any corruption of ciphertext or
// nonce yields ErrAuthFailure. The returned plaintext is a fresh buffer the
// caller must shred as soon as the current instruction's evaluation ends.
func (c *Cipher) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	keyBytes, err := c.key.Bytes()
	if err != nil {
		return nil, ErrClosed
	}
	aead, err := chacha20poly1305.New(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("memcipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}

// Close releases the key handle, zeroing the key in memory. Idempotent.
func (c *Cipher) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.key.Release()
	c.seen = nil
}
