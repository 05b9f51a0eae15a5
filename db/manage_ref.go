package db

import (
	"encoding/binary"
	"strings"

	"gitbft/keys"
)

// 引用表。只有引用状态机会调用写入方法

// RefEntry 单条引用
type RefEntry struct {
	Repo string `json:"repo"`
	Name string `json:"name"`
	OID  string `json:"oid"`
}

// GetRef 读取引用当前OID，不存在返回 ("", false, nil)
func (m *Manager) GetRef(repo, name string) (string, bool, error) {
	raw, ok, err := m.getRaw(keys.KeyRef(repo, name))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// SetRef 更新引用（经写队列）
func (m *Manager) SetRef(repo, name, oid string) {
	m.EnqueueSet(keys.KeyRef(repo, name), []byte(oid))
	m.EnqueueSet(keys.KeyRepo(repo), []byte{1})
}

// DeleteRef 删除引用
func (m *Manager) DeleteRef(repo, name string) {
	m.EnqueueDelete(keys.KeyRef(repo, name))
}

// ListRefs 列出仓库全部引用
func (m *Manager) ListRefs(repo string) ([]RefEntry, error) {
	prefix := keys.PrefixRefsOfRepo(repo)
	var out []RefEntry
	err := m.scanPrefix(prefix, func(key string, val []byte) bool {
		name := strings.TrimPrefix(key, prefix)
		out = append(out, RefEntry{Repo: repo, Name: name, OID: string(val)})
		return true
	})
	return out, err
}

// ListRepos 本节点已有的仓库（RepoAnnounce用）
func (m *Manager) ListRepos() ([]string, error) {
	prefix := keys.PrefixRepos()
	var out []string
	err := m.scanPrefix(prefix, func(key string, _ []byte) bool {
		out = append(out, strings.TrimPrefix(key, prefix))
		return true
	})
	return out, err
}

// AppliedHeight 引用状态机的已应用高度水位。
// 重启后从这里继续，同一高度重复应用是幂等的
func (m *Manager) AppliedHeight() (uint64, error) {
	raw, ok, err := m.getRaw(keys.KeyAppliedHeight())
	if err != nil || !ok {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SetAppliedHeight 推进水位（经写队列，随区块一起ForceFlush）
func (m *Manager) SetAppliedHeight(height uint64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, height)
	m.EnqueueSet(keys.KeyAppliedHeight(), buf)
}
