package consensus

import (
	"sync"

	"gitbft/db"
	"gitbft/logs"
	"gitbft/types"
)

// RealBlockStore badger落盘的区块存储。
// 链尖缓存在内存，重启时从 FinalizedHeight 索引恢复
type RealBlockStore struct {
	manager *db.Manager
	Logger  *logs.Logger

	mu     sync.RWMutex
	height uint64
	tip    *types.Block
}

func NewRealBlockStore(manager *db.Manager, logger *logs.Logger) (*RealBlockStore, error) {
	if logger == nil {
		logger = logs.NewLogger("")
	}
	s := &RealBlockStore{manager: manager, Logger: logger}

	height, err := manager.FinalizedHeight()
	if err != nil {
		return nil, err
	}
	tip, err := manager.GetBlockByHeight(height)
	if err != nil {
		return nil, err
	}
	if tip == nil {
		// 空库：写入创世块
		tip = types.NewGenesisBlock()
		if err := manager.SaveFinalizedBlock(tip, nil); err != nil {
			return nil, err
		}
		height = 0
	}
	s.height = height
	s.tip = tip
	logger.Info("[store] recovered chain tip height=%d hash=%s", height, tip.Hash)
	return s, nil
}

func (s *RealBlockStore) SaveFinalized(block *types.Block, qc *types.QuorumCertificate) error {
	if err := s.manager.SaveFinalizedBlock(block, qc); err != nil {
		return err
	}
	s.mu.Lock()
	if block.Height > s.height {
		s.height = block.Height
		s.tip = block
	}
	s.mu.Unlock()
	return nil
}

func (s *RealBlockStore) GetByHeight(height uint64) (*types.Block, error) {
	return s.manager.GetBlockByHeight(height)
}

func (s *RealBlockStore) GetQC(height uint64) (*types.QuorumCertificate, error) {
	return s.manager.GetQCByHeight(height)
}

func (s *RealBlockStore) FinalizedHeight() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

func (s *RealBlockStore) LastFinalized() *types.Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tip
}

func (s *RealBlockStore) Range(from, to uint64) []*types.Block {
	blocks, err := s.manager.GetBlocksRange(from, to)
	if err != nil {
		s.Logger.Error("[store] range %d-%d: %v", from, to, err)
		return nil
	}
	return blocks
}
