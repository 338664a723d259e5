package storage

import (
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// DB is the application state database. All contract state lives here.
type DB struct {
	db *pebble.DB
}

// Open opens a Pebble database tuned for the state workload.
func Open(path string) (*DB, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		LBaseMaxBytes:            64 << 20,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// OpenInMemory opens a throwaway database (tests, dev mode).
func OpenInMemory() (*DB, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Reader exposes committed state for queries.
func (d *DB) Reader() Reader { return d.db }

// Begin starts a transaction. Exactly one of Commit or Discard must be called.
func (d *DB) Begin() *Tx {
	return &Tx{b: d.db.NewIndexedBatch()}
}

// Tx stages all mutations of one operation.
type Tx struct {
	b    *pebble.Batch
	done bool
}

func (t *Tx) Get(key []byte) ([]byte, io.Closer, error) { return t.b.Get(key) }

func (t *Tx) NewIter(o *pebble.IterOptions) (*pebble.Iterator, error) { return t.b.NewIter(o) }

func (t *Tx) Set(key, value []byte, o *pebble.WriteOptions) error { return t.b.Set(key, value, o) }

func (t *Tx) Delete(key []byte, o *pebble.WriteOptions) error { return t.b.Delete(key, o) }

// Commit applies the staged writes atomically.
func (t *Tx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	if err := t.b.Commit(pebble.Sync); err != nil {
		t.b.Close()
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return t.b.Close()
}

// Discard drops the staged writes. Safe to call after Commit.
func (t *Tx) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.b.Close()
}

var _ ReadWriter = (*Tx)(nil)
