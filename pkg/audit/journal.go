// Package audit provides persistent storage for VM execution events.
//
// The journal is an append-only BoltDB log of every state transition,
// mediated instruction, and error outcome a VM instance reports. Entries
// carry handle identifiers and outcome kinds only; decrypted plaintext never
// reaches the journal because the VM never includes it in an event.
package audit

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/project-ai/tarl/pkg/vm"
)

var (
	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("audit journal closed")

	// ErrEventNotFound is returned when a sequence number has no entry.
	ErrEventNotFound = errors.New("event not found")
)

// Bucket names for BoltDB.
var (
	// bucketEvents stores gob-encoded events keyed by sequence number.
	bucketEvents = []byte("events")

	// bucketMeta stores journal metadata.
	bucketMeta = []byte("meta")
)

// Metadata keys.
var (
	keyNextSeq = []byte("next_seq")
)

// Config holds journal configuration options.
type Config struct {
	// Path is the journal database file path.
	Path string

	// NoSync disables fsync after each write (faster but less durable).
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool
}

// DefaultConfig returns the default journal configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		NoSync: false,
	}
}

// Journal is a BoltDB-backed append-only event log. It implements
// vm.Reporter, so it can be handed directly to a VM instance.
type Journal struct {
	db *bolt.DB

	mu      sync.Mutex
	nextSeq uint64
	closed  bool
}

// Open opens or creates the journal database.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	opts := &bolt.Options{
		Timeout:  1 * time.Second,
		NoSync:   cfg.NoSync,
		ReadOnly: cfg.ReadOnly,
	}
	db, err := bolt.Open(cfg.Path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}

	if !cfg.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
				return err
			}
			if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
				return err
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create buckets: %w", err)
		}
	}

	if err := j.loadMeta(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load journal metadata: %w", err)
	}
	return j, nil
}

// loadMeta restores the next sequence number.
func (j *Journal) loadMeta() error {
	return j.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyNextSeq); len(v) >= 8 {
			j.nextSeq = binary.BigEndian.Uint64(v)
		}
		return nil
	})
}

// seqKey encodes a sequence number as a big-endian key so entries iterate in
// append order.
func seqKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// Report implements vm.Reporter. Append failures are swallowed: the VM's
// policy checks never depend on the journal, and a reporting failure must
// not alter execution outcomes.
func (j *Journal) Report(ev vm.Event) {
	_ = j.Append(ev)
}

// Append writes one event to the log and returns its sequence number.
func (j *Journal) Append(ev vm.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ev); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	seq := j.nextSeq
	err := j.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketEvents).Put(seqKey(seq), buf.Bytes()); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put(keyNextSeq, seqKey(seq+1))
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	j.nextSeq = seq + 1
	return nil
}

// Get returns the event at a sequence number.
func (j *Journal) Get(seq uint64) (vm.Event, error) {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return vm.Event{}, ErrClosed
	}

	var ev vm.Event
	err := j.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketEvents).Get(seqKey(seq))
		if v == nil {
			return ErrEventNotFound
		}
		return gob.NewDecoder(bytes.NewReader(v)).Decode(&ev)
	})
	if err != nil {
		return vm.Event{}, err
	}
	return ev, nil
}

// Len returns the number of events in the log.
func (j *Journal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Range calls fn for each event in append order, starting at seq. Iteration
// stops when fn returns false.
func (j *Journal) Range(seq uint64, fn func(seq uint64, ev vm.Event) bool) error {
	j.mu.Lock()
	closed := j.closed
	j.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(seqKey(seq)); k != nil; k, v = c.Next() {
			var ev vm.Event
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&ev); err != nil {
				return fmt.Errorf("decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if !fn(binary.BigEndian.Uint64(k), ev) {
				return nil
			}
		}
		return nil
	})
}

// Close flushes and closes the underlying database. Idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}
