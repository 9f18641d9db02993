// Package programstore provides the BadgerDB-backed archive of verified
// programs.
//
// Only signature-verified program blobs are admitted: Put re-checks the
// detached signature under the store's pinned authority key before writing,
// so everything the store returns is known-good and can be loaded into a VM
// instance without a separate trust decision. Programs are keyed by their
// blake3 digest.
package programstore

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/project-ai/tarl/internal/types"
	"github.com/project-ai/tarl/pkg/bytecode"
)

var (
	// ErrProgramNotFound is returned when a digest has no stored program.
	ErrProgramNotFound = errors.New("program not found")

	// ErrRejected is returned when Put is given a program whose signature
	// does not verify under the store's authority key.
	ErrRejected = errors.New("program rejected by store")

	// ErrCorrupt is returned when a stored record fails to decode or no
	// longer matches its digest key.
	ErrCorrupt = errors.New("corrupt program record")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("program store closed")
)

// Key prefixes for BadgerDB storage.
var (
	// prefixProgram is the prefix for program records.
	// Key format: prefixProgram + digest (32 bytes)
	prefixProgram = []byte{0x01}

	// prefixMeta is the prefix for metadata.
	prefixMeta = []byte{0x02}

	// metaCount is the key for the stored-program count.
	metaCount = append(prefixMeta, []byte("count")...)
)

// Config contains configuration for the program store.
type Config struct {
	// Path is the directory path for the database.
	Path string

	// InMemory runs the database in memory (for testing).
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// Logger is an optional logger. Nil disables Badger logging.
	Logger badger.Logger
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: true, // signed artifacts; durability over throughput
		Logger:     nil,
	}
}

// Store is a BadgerDB-backed archive of verified programs. The authority
// public key is pinned at open time.
type Store struct {
	db      *badger.DB
	trusted types.Pubkey

	count  atomic.Uint64
	closed atomic.Bool
}

// Open opens or creates the store with the given pinned authority key.
func Open(cfg Config, trusted types.Pubkey) (*Store, error) {
	if trusted.IsZero() {
		return nil, fmt.Errorf("programstore: zero authority key")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{db: db, trusted: trusted}
	if err := s.loadMeta(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load store metadata: %w", err)
	}
	return s, nil
}

// loadMeta restores the cached program count.
func (s *Store) loadMeta() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaCount)
		if err == badger.ErrKeyNotFound {
			s.count.Store(0)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				s.count.Store(beUint64(val))
			}
			return nil
		})
	})
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func bePutUint64(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// programKey returns the BadgerDB key for a digest.
func programKey(digest types.Digest) []byte {
	key := make([]byte, 1+types.DigestSize)
	key[0] = prefixProgram[0]
	copy(key[1:], digest[:])
	return key
}

// Record value layout: signature (64 bytes) followed by the container bytes.
const recordSigOffset = types.SignatureSize

// Put admits a program after re-verifying its signature under the store's
// authority key. Overwriting the same digest is a no-op for the count.
func (s *Store) Put(program *bytecode.Program, sig types.Signature) (types.Digest, error) {
	if s.closed.Load() {
		return types.Digest{}, ErrClosed
	}
	if !bytecode.Verify(program.Bytes(), sig, s.trusted) {
		return types.Digest{}, ErrRejected
	}

	digest := program.Digest()
	key := programKey(digest)

	value := make([]byte, recordSigOffset+len(program.Bytes()))
	copy(value, sig.Bytes())
	copy(value[recordSigOffset:], program.Bytes())

	fresh := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			fresh = true
		} else if err != nil {
			return err
		}

		if err := txn.Set(key, value); err != nil {
			return err
		}
		if fresh {
			return txn.Set(metaCount, bePutUint64(s.count.Load()+1))
		}
		return nil
	})
	if err != nil {
		return types.Digest{}, fmt.Errorf("put program: %w", err)
	}
	if fresh {
		s.count.Add(1)
	}
	return digest, nil
}

// Get returns a stored program and its detached signature. The record's
// digest is re-checked against the key before returning; a mismatch means
// storage corruption and is reported as such.
func (s *Store) Get(digest types.Digest) (*bytecode.Program, types.Signature, error) {
	if s.closed.Load() {
		return nil, types.Signature{}, ErrClosed
	}

	var record []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(programKey(digest))
		if err == badger.ErrKeyNotFound {
			return ErrProgramNotFound
		}
		if err != nil {
			return err
		}
		record, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, types.Signature{}, err
	}

	if len(record) <= recordSigOffset {
		return nil, types.Signature{}, ErrCorrupt
	}
	sig, err := types.SignatureFromBytes(record[:recordSigOffset])
	if err != nil {
		return nil, types.Signature{}, ErrCorrupt
	}

	program, err := bytecode.Decode(record[recordSigOffset:])
	if err != nil {
		return nil, types.Signature{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if program.Digest() != digest {
		return nil, types.Signature{}, ErrCorrupt
	}
	return program, sig, nil
}

// Has reports whether a digest is stored.
func (s *Store) Has(digest types.Digest) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(programKey(digest))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Digests calls fn for every stored program digest. Iteration stops when fn
// returns false.
func (s *Store) Digests(fn func(types.Digest) bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixProgram
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if len(key) != 1+types.DigestSize {
				continue
			}
			digest, err := types.DigestFromBytes(key[1:])
			if err != nil {
				continue
			}
			if !fn(digest) {
				return nil
			}
		}
		return nil
	})
}

// Count returns the number of stored programs.
func (s *Store) Count() uint64 {
	return s.count.Load()
}

// Close closes the underlying database. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
