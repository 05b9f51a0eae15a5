package db

import (
	"time"

	"gitbft/keys"
	"gitbft/types"
)

// NodeInfo 对等节点信息
type NodeInfo struct {
	PublicKey string    `json:"public_key"` // 压缩公钥十六进制
	Address   string    `json:"address"`    // bech32地址
	Ip        string    `json:"ip"`         // host:port
	BlsPubKey []byte    `json:"bls_pub_key,omitempty"` // 同步证据验签用
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
}

// SaveNodeInfo 持久化节点信息
func (m *Manager) SaveNodeInfo(info *NodeInfo) error {
	return m.setJSONSync(keys.KeyNodeInfo(info.PublicKey), info)
}

// GetAllNodeInfos 加载全部已知节点
func (m *Manager) GetAllNodeInfos() ([]*NodeInfo, error) {
	var out []*NodeInfo
	err := m.scanPrefix(keys.PrefixNodeInfo(), func(_ string, val []byte) bool {
		var info NodeInfo
		if err := jsonFast.Unmarshal(val, &info); err == nil {
			out = append(out, &info)
		}
		return true
	})
	return out, err
}

// SaveValidatorSet 持久化验证人集合
func (m *Manager) SaveValidatorSet(vs *types.ValidatorSet) error {
	return m.setJSONSync(keys.KeyValidatorSet(), vs)
}

// GetValidatorSet 不存在返回 (nil, nil)
func (m *Manager) GetValidatorSet() (*types.ValidatorSet, error) {
	var vs types.ValidatorSet
	ok, err := m.getJSON(keys.KeyValidatorSet(), &vs)
	if err != nil || !ok {
		return nil, err
	}
	return &vs, nil
}
