package db

import (
	"encoding/binary"
	"fmt"

	"gitbft/keys"
	"gitbft/types"
)

// 区块链存储：追加写的高度索引表。父链接用哈希查询还原，
// 不在内存里保留回指针，重启恢复全靠索引

// SaveFinalizedBlock 持久化最终化区块及其QC。
// 同一高度重复写入要求哈希一致，不一致说明安全性已被破坏
func (m *Manager) SaveFinalizedBlock(block *types.Block, qc *types.QuorumCertificate) error {
	if existing, err := m.GetBlockByHeight(block.Height); err != nil {
		return err
	} else if existing != nil {
		if existing.Hash != block.Hash {
			return fmt.Errorf("conflicting finalized block at height %d: %s vs %s",
				block.Height, existing.Hash, block.Hash)
		}
		return nil
	}

	raw, err := jsonFast.Marshal(block)
	if err != nil {
		return err
	}
	m.EnqueueSet(keys.KeyBlockByHeight(block.Height), raw)

	heightBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(heightBuf, block.Height)
	m.EnqueueSet(keys.KeyBlockHashToHeight(block.Hash), heightBuf)

	if qc != nil {
		qcRaw, err := jsonFast.Marshal(qc)
		if err != nil {
			return err
		}
		m.EnqueueSet(keys.KeyQCByHeight(block.Height), qcRaw)
	}

	if latest, err := m.FinalizedHeight(); err == nil && block.Height > latest {
		m.EnqueueSet(keys.KeyFinalizedHeight(), heightBuf)
	}

	m.blockCache.Add(block.Height, block)
	return nil
}

// GetBlockByHeight 不存在返回 (nil, nil)
func (m *Manager) GetBlockByHeight(height uint64) (*types.Block, error) {
	if cached, ok := m.blockCache.Get(height); ok {
		return cached.(*types.Block), nil
	}
	var block types.Block
	ok, err := m.getJSON(keys.KeyBlockByHeight(height), &block)
	if err != nil || !ok {
		return nil, err
	}
	m.blockCache.Add(height, &block)
	return &block, nil
}

// GetBlockByHash 哈希查块：先查高度映射再取块
func (m *Manager) GetBlockByHash(hash string) (*types.Block, error) {
	raw, ok, err := m.getRaw(keys.KeyBlockHashToHeight(hash))
	if err != nil || !ok {
		return nil, err
	}
	return m.GetBlockByHeight(binary.BigEndian.Uint64(raw))
}

// GetQCByHeight 高度对应的法定人数证书
func (m *Manager) GetQCByHeight(height uint64) (*types.QuorumCertificate, error) {
	var qc types.QuorumCertificate
	ok, err := m.getJSON(keys.KeyQCByHeight(height), &qc)
	if err != nil || !ok {
		return nil, err
	}
	return &qc, nil
}

// FinalizedHeight 最新最终化高度，空链为0
func (m *Manager) FinalizedHeight() (uint64, error) {
	raw, ok, err := m.getRaw(keys.KeyFinalizedHeight())
	if err != nil || !ok {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// GetBlocksRange [from, to] 区间的最终化区块，缺块即停
func (m *Manager) GetBlocksRange(from, to uint64) ([]*types.Block, error) {
	var out []*types.Block
	for h := from; h <= to; h++ {
		block, err := m.GetBlockByHeight(h)
		if err != nil {
			return nil, err
		}
		if block == nil {
			break
		}
		out = append(out, block)
	}
	return out, nil
}
