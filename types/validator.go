package types

import (
	"bytes"
	"encoding/hex"
	"sort"
)

// 验证人状态
const (
	ValidatorActive   = "active"
	ValidatorInactive = "inactive"
	ValidatorSyncing  = "syncing"
	ValidatorJailed   = "jailed"
)

// Validator 验证人定义
type Validator struct {
	PubKey  []byte `json:"pub_key"` // 压缩secp256k1公钥
	Address string `json:"address"` // bech32地址，展示用
	NetAddr string `json:"net_addr"`
	Power   int64  `json:"power"`
	Status  string `json:"status"`
}

// ValidatorSet 带版本号的验证人集合。
// 集合按公钥字典序排序，所有节点对同一版本得到同一顺序，
// 领导人选择依赖这一点。成员变更只通过 validator_change 交易，
// 并且在 ActivationHeight 之后的高度才生效，绝不在轮次中途变化
type ValidatorSet struct {
	Version          uint64       `json:"version"`
	ActivationHeight uint64       `json:"activation_height"`
	Validators       []*Validator `json:"validators"`
}

// NewValidatorSet 创建集合并做规范化排序
func NewValidatorSet(version uint64, vals []*Validator) *ValidatorSet {
	sorted := make([]*Validator, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].PubKey, sorted[j].PubKey) < 0
	})
	return &ValidatorSet{Version: version, Validators: sorted}
}

// Size 集合人数 n
func (vs *ValidatorSet) Size() int {
	return len(vs.Validators)
}

// F 可容忍的拜占庭人数，n = 3f+1
func (vs *ValidatorSet) F() int {
	if len(vs.Validators) == 0 {
		return 0
	}
	return (len(vs.Validators) - 1) / 3
}

// QuorumSize 法定票数 2f+1
func (vs *ValidatorSet) QuorumSize() int {
	return 2*vs.F() + 1
}

// LeaderAt 确定性领导人选择：round 对 n 取模。
// 每个节点独立算出同一个领导人，不需要选举消息
func (vs *ValidatorSet) LeaderAt(round uint64) *Validator {
	if len(vs.Validators) == 0 {
		return nil
	}
	return vs.Validators[round%uint64(len(vs.Validators))]
}

// IndexOf 公钥在规范化顺序中的下标
func (vs *ValidatorSet) IndexOf(pubKey []byte) (int, bool) {
	for i, v := range vs.Validators {
		if bytes.Equal(v.PubKey, pubKey) {
			return i, true
		}
	}
	return 0, false
}

// ByIndex 下标取验证人
func (vs *ValidatorSet) ByIndex(i int) (*Validator, bool) {
	if i < 0 || i >= len(vs.Validators) {
		return nil, false
	}
	return vs.Validators[i], true
}

// Contains 是否为集合成员
func (vs *ValidatorSet) Contains(pubKey []byte) bool {
	_, ok := vs.IndexOf(pubKey)
	return ok
}

// Apply 按 validator_change 载荷生成下一版本集合
func (vs *ValidatorSet) Apply(change *ValidatorChangePayload) *ValidatorSet {
	removed := make(map[string]bool, len(change.RemovePubKeys))
	for _, pk := range change.RemovePubKeys {
		removed[hex.EncodeToString(pk)] = true
	}

	var next []*Validator
	present := make(map[string]bool)
	for _, v := range vs.Validators {
		key := hex.EncodeToString(v.PubKey)
		if !removed[key] {
			next = append(next, v)
			present[key] = true
		}
	}
	for _, v := range change.Add {
		key := hex.EncodeToString(v.PubKey)
		if !present[key] {
			next = append(next, v)
			present[key] = true
		}
	}

	out := NewValidatorSet(vs.Version+1, next)
	out.ActivationHeight = change.ActivationHeight
	return out
}
