// Package captable implements the VM's capability table: the only mapping
// from opaque secret handles to protected payloads.
//
// Every payload is sealed through the memory cipher before insertion, so the
// table's backing storage never holds plaintext. Loads decrypt into transient
// buffers the interpreter must shred at the end of the current instruction's
// evaluation. The armored flag is monotonic: once set it never resets for the
// table's lifetime.
package captable

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/project-ai/tarl/internal/types"
	"github.com/project-ai/tarl/pkg/keystore"
	"github.com/project-ai/tarl/pkg/memcipher"
)

var (
	// ErrUnknownHandle is returned when a handle has no table entry.
	ErrUnknownHandle = errors.New("unknown capability handle")

	// ErrArmored is returned when replacing the value of an armored entry.
	ErrArmored = errors.New("entry is armored")

	// ErrClosed is returned when operating on a torn-down table.
	ErrClosed = errors.New("capability table closed")
)

// entry is one sealed secret. Plaintext never rests here.
type entry struct {
	name       string
	scopeID    uint64
	length     int // plaintext length
	ciphertext []byte
	nonce      []byte
	armored    bool
}

// Table maps capability handles to sealed entries. It shares the memory
// cipher with the owning VM instance; serialization is the instance's
// responsibility, the mutex here only keeps the table internally consistent.
type Table struct {
	mu      sync.Mutex
	cipher  *memcipher.Cipher
	entries map[types.Handle]*entry
	closed  bool
}

// New creates an empty capability table backed by the given cipher. The
// table does not own the cipher; the VM instance closes it at teardown.
func New(cipher *memcipher.Cipher) *Table {
	return &Table{
		cipher:  cipher,
		entries: make(map[types.Handle]*entry),
	}
}

// deriveHandle computes the opaque handle for an entry: the truncated blake3
// hash of name, creation scope, and the entry's first nonce. The nonce input
// keeps handles unique across re-declarations of the same name.
func deriveHandle(name string, scopeID uint64, nonce []byte) types.Handle {
	h := blake3.New()
	var scope [8]byte
	binary.LittleEndian.PutUint64(scope[:], scopeID)
	h.Write([]byte(name))
	h.Write(scope[:])
	h.Write(nonce)
	sum := h.Sum(nil)

	var handle types.Handle
	copy(handle[:], sum[:types.HandleSize])
	return handle
}

// Store seals plaintext and inserts a new entry scoped to scopeID. The
// caller's plaintext buffer is shredded before Store returns, whether or not
// the seal succeeded.
func (t *Table) Store(name string, scopeID uint64, plaintext []byte) (types.Handle, error) {
	defer keystore.Shred(plaintext)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return types.Handle{}, ErrClosed
	}

	ciphertext, nonce, err := t.cipher.Seal(plaintext)
	if err != nil {
		return types.Handle{}, err
	}

	handle := deriveHandle(name, scopeID, nonce)
	t.entries[handle] = &entry{
		name:       name,
		scopeID:    scopeID,
		length:     len(plaintext),
		ciphertext: ciphertext,
		nonce:      nonce,
		armored:    false,
	}
	return handle, nil
}

// Load decrypts an entry into a fresh transient buffer. The caller must not
// retain the buffer past the current instruction's evaluation and must shred
// it on every exit path.
func (t *Table) Load(handle types.Handle) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	e, ok := t.entries[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return t.cipher.Open(e.ciphertext, e.nonce)
}

// Replace re-seals an entry with a new value under a fresh nonce. Fails with
// ErrArmored for armored entries; the interpreter checks the armored flag
// before mutating, this second check is the table's own invariant. The
// caller's plaintext buffer is shredded before Replace returns.
func (t *Table) Replace(handle types.Handle, plaintext []byte) error {
	defer keystore.Shred(plaintext)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	e, ok := t.entries[handle]
	if !ok {
		return ErrUnknownHandle
	}
	if e.armored {
		return ErrArmored
	}

	ciphertext, nonce, err := t.cipher.Seal(plaintext)
	if err != nil {
		return err
	}

	keystore.Shred(e.ciphertext)
	keystore.Shred(e.nonce)
	e.ciphertext = ciphertext
	e.nonce = nonce
	e.length = len(plaintext)
	return nil
}

// MarkArmored sets the armored flag. Idempotent and irreversible within the
// table's lifetime.
func (t *Table) MarkArmored(handle types.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	e, ok := t.entries[handle]
	if !ok {
		return ErrUnknownHandle
	}
	e.armored = true
	return nil
}

// IsArmored reports the armored flag.
func (t *Table) IsArmored(handle types.Handle) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, ErrClosed
	}
	e, ok := t.entries[handle]
	if !ok {
		return false, ErrUnknownHandle
	}
	return e.armored, nil
}

// Length returns the plaintext length recorded for an entry.
func (t *Table) Length(handle types.Handle) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	e, ok := t.entries[handle]
	if !ok {
		return 0, ErrUnknownHandle
	}
	return e.length, nil
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// WipeScope removes every entry created in the given scope, shredding its
// ciphertext and nonce buffers. Runs at scope exit.
func (t *Table) WipeScope(scopeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for handle, e := range t.entries {
		if e.scopeID == scopeID {
			keystore.Shred(e.ciphertext)
			keystore.Shred(e.nonce)
			delete(t.entries, handle)
		}
	}
}

// Teardown shreds every buffer the table holds and closes it. Idempotent.
func (t *Table) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for handle, e := range t.entries {
		keystore.Shred(e.ciphertext)
		keystore.Shred(e.nonce)
		delete(t.entries, handle)
	}
	t.closed = true
}
