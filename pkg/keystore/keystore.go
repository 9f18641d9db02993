// Package keystore holds symmetric key material in hardened process memory.
//
// A KeyHandle owns one key buffer. On platforms that support it the buffer is
// locked against swapping (mlock) so key bytes never reach swap space or
// hibernation files, and Release unconditionally zeroes the buffer. Process
// level hardening (core dumps off, non-dumpable flag) is available through
// HardenProcess.
//
// The keystore never derives or persists keys; provisioning is the kms
// package's concern.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var (
	// ErrReleased is returned when using a key handle after Release.
	ErrReleased = errors.New("key handle released")

	// ErrEmptyKey is returned when wrapping zero-length key material.
	ErrEmptyKey = errors.New("empty key material")
)

// Shred zeroes a byte slice to clear sensitive data from memory. The
// go:noinline directive prevents the compiler from inlining and optimizing
// away the zeroing; runtime.KeepAlive ensures the slice survives until the
// zeroing completes.
//
//go:noinline
func Shred(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// KeyHandle owns one symmetric key resident in locked memory. Exactly one
// component (the memory cipher) may hold a reference to the key bytes, and
// only for the duration of its own lifetime.
type KeyHandle struct {
	mu       sync.Mutex
	key      []byte
	locked   bool
	released bool
}

// NewKeyHandle copies the provided key into a fresh locked buffer and shreds
// the caller's copy, so the only remaining plaintext key lives inside the
// handle.
func NewKeyHandle(key []byte) (*KeyHandle, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	buf := make([]byte, len(key))
	copy(buf, key)
	Shred(key)

	locked := true
	if err := lockMemory(buf); err != nil {
		// mlock can fail under RLIMIT_MEMLOCK or on platforms without it;
		// the handle still works, just without the no-swap guarantee.
		locked = false
	}

	return &KeyHandle{key: buf, locked: locked}, nil
}

// NewRandomKeyHandle generates size random bytes directly into a locked
// buffer.
func NewRandomKeyHandle(size int) (*KeyHandle, error) {
	if size <= 0 {
		return nil, ErrEmptyKey
	}
	buf := make([]byte, size)

	locked := true
	if err := lockMemory(buf); err != nil {
		locked = false
	}
	if _, err := rand.Read(buf); err != nil {
		unlockMemory(buf)
		return nil, fmt.Errorf("keystore: crypto/rand failed: %w", err)
	}
	return &KeyHandle{key: buf, locked: locked}, nil
}

// Bytes exposes the key buffer to the caller. The slice aliases the locked
// buffer: it must not be copied out, retained past the handle's lifetime, or
// mutated. Returns ErrReleased after Release.
func (kh *KeyHandle) Bytes() ([]byte, error) {
	kh.mu.Lock()
	defer kh.mu.Unlock()
	if kh.released {
		return nil, ErrReleased
	}
	return kh.key, nil
}

// Len returns the key length in bytes, or 0 after Release.
func (kh *KeyHandle) Len() int {
	kh.mu.Lock()
	defer kh.mu.Unlock()
	if kh.released {
		return 0
	}
	return len(kh.key)
}

// Locked reports whether the buffer is mlock'd.
func (kh *KeyHandle) Locked() bool {
	kh.mu.Lock()
	defer kh.mu.Unlock()
	return kh.locked && !kh.released
}

// Release zeroes the key buffer and unlocks it. Idempotent. The handle is
// unusable afterwards; this must run on every VM teardown path.
func (kh *KeyHandle) Release() {
	kh.mu.Lock()
	defer kh.mu.Unlock()
	if kh.released {
		return
	}
	Shred(kh.key)
	if kh.locked {
		unlockMemory(kh.key)
	}
	kh.key = nil
	kh.released = true
}
