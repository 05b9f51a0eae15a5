package consensus

import (
	"fmt"
	"sync"

	"gitbft/types"
)

// MemoryBlockStore 纯内存实现，仿真与测试用
type MemoryBlockStore struct {
	mu       sync.RWMutex
	byHeight map[uint64]*types.Block
	qcs      map[uint64]*types.QuorumCertificate
	height   uint64
	tip      *types.Block
}

func NewMemoryBlockStore() *MemoryBlockStore {
	genesis := types.NewGenesisBlock()
	return &MemoryBlockStore{
		byHeight: map[uint64]*types.Block{0: genesis},
		qcs:      make(map[uint64]*types.QuorumCertificate),
		tip:      genesis,
	}
}

func (s *MemoryBlockStore) SaveFinalized(block *types.Block, qc *types.QuorumCertificate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byHeight[block.Height]; ok {
		if existing.Hash != block.Hash {
			return fmt.Errorf("height %d already finalized with hash %s, got %s",
				block.Height, existing.Hash, block.Hash)
		}
		return nil // 重复落块幂等
	}
	s.byHeight[block.Height] = block
	if qc != nil {
		s.qcs[block.Height] = qc
	}
	if block.Height > s.height {
		s.height = block.Height
		s.tip = block
	}
	return nil
}

func (s *MemoryBlockStore) GetByHeight(height uint64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byHeight[height]
	if !ok {
		return nil, nil
	}
	return b, nil
}

func (s *MemoryBlockStore) GetQC(height uint64) (*types.QuorumCertificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.qcs[height], nil
}

func (s *MemoryBlockStore) FinalizedHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

func (s *MemoryBlockStore) LastFinalized() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

func (s *MemoryBlockStore) Range(from, to uint64) []*types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Block
	for h := from; h <= to; h++ {
		b, ok := s.byHeight[h]
		if !ok {
			break
		}
		out = append(out, b)
	}
	return out
}
