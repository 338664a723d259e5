package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/hashclob/pkg/consensus"
)

// PebbleStore is the persistent block store. It lives in its own database,
// separate from application state, so the app hash covers state only.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func NewInMemoryPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// keys: b:<32-byte-hash>, h:<8-byte-height> -> hash, cm:committed
func kBlock(h consensus.Hash) []byte         { return append([]byte("b:"), h[:]...) }
func kHeight(height consensus.Height) []byte { return append([]byte("h:"), heightKey(height)...) }
func kCommitted() []byte                     { return []byte("cm") }

func (s *PebbleStore) SaveBlock(b consensus.Block) {
	h := consensus.HashOfBlock(b)
	val, err := encodeGob(b)
	if err != nil {
		panic(fmt.Errorf("encode block: %w", err))
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kBlock(h), val, nil); err != nil {
		panic(err)
	}
	if err := batch.Set(kHeight(b.Height), h[:], nil); err != nil {
		panic(err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetBlock(h consensus.Hash) (consensus.Block, bool) {
	val, closer, err := s.db.Get(kBlock(h))
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Block{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Block
	if err := decodeGob(val, &out); err != nil {
		panic(err)
	}
	return out, true
}

func (s *PebbleStore) BlockAt(height consensus.Height) (consensus.Block, bool) {
	h, ok := s.getHash(kHeight(height))
	if !ok {
		return consensus.Block{}, false
	}
	return s.GetBlock(h)
}

func (s *PebbleStore) SetCommitted(h consensus.Hash) {
	if err := s.db.Set(kCommitted(), h[:], pebble.Sync); err != nil {
		panic(err)
	}
}

func (s *PebbleStore) GetCommitted() (consensus.Hash, bool) {
	return s.getHash(kCommitted())
}

func (s *PebbleStore) getHash(key []byte) (consensus.Hash, bool) {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return consensus.Hash{}, false
		}
		panic(err)
	}
	defer closer.Close()
	var out consensus.Hash
	copy(out[:], val)
	return out, true
}

var _ consensus.BlockStore = (*PebbleStore)(nil)
