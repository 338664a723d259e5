package storage

import (
	"sync"

	"github.com/uhyunpark/hashclob/pkg/consensus"
)

type InMemoryBlockStore struct {
	mu        sync.Mutex
	blocks    map[consensus.Hash]consensus.Block
	byHeight  map[consensus.Height]consensus.Hash
	committed *consensus.Hash
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{
		blocks:   make(map[consensus.Hash]consensus.Block),
		byHeight: make(map[consensus.Height]consensus.Hash),
	}
}

func (s *InMemoryBlockStore) SaveBlock(b consensus.Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := consensus.HashOfBlock(b)
	s.blocks[h] = b
	s.byHeight[b.Height] = h
}

func (s *InMemoryBlockStore) GetBlock(h consensus.Hash) (consensus.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[h]
	return b, ok
}

func (s *InMemoryBlockStore) BlockAt(height consensus.Height) (consensus.Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.byHeight[height]
	if !ok {
		return consensus.Block{}, false
	}
	b, ok := s.blocks[h]
	return b, ok
}

func (s *InMemoryBlockStore) SetCommitted(h consensus.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = &h
}

func (s *InMemoryBlockStore) GetCommitted() (consensus.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.committed == nil {
		return consensus.Hash{}, false
	}
	return *s.committed, true
}

var _ consensus.BlockStore = (*InMemoryBlockStore)(nil)
