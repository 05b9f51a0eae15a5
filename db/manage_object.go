package db

import (
	"bytes"
	"fmt"

	"gitbft/keys"
)

// 对象库：内容寻址，追加写。值编码为 "<kind>\x00<data>"，
// 同一OID重复写入直接跳过（内容相同，last-writer-wins等价no-op）

// PutObject 写入git对象，按OID去重
func (m *Manager) PutObject(oid, kind string, data []byte) error {
	key := keys.KeyObject(oid)
	if _, ok, err := m.getRaw(key); err != nil {
		return err
	} else if ok {
		return nil
	}

	val := make([]byte, 0, len(kind)+1+len(data))
	val = append(val, kind...)
	val = append(val, 0)
	val = append(val, data...)
	return m.setRawSync(key, val)
}

// GetObject 读取对象，返回类型和内容
func (m *Manager) GetObject(oid string) (string, []byte, error) {
	raw, ok, err := m.getRaw(keys.KeyObject(oid))
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, fmt.Errorf("object %s not found", oid)
	}
	i := bytes.IndexByte(raw, 0)
	if i < 0 {
		return "", nil, fmt.Errorf("object %s has corrupt encoding", oid)
	}
	return string(raw[:i]), raw[i+1:], nil
}

// HasObject 对象是否存在
func (m *Manager) HasObject(oid string) (bool, error) {
	_, ok, err := m.getRaw(keys.KeyObject(oid))
	return ok, err
}
