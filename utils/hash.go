package utils

import (
	"crypto/sha256"

	"github.com/dchest/siphash"
	"github.com/spaolacci/murmur3"
)

// gossip短ID的固定密钥。所有节点一致，短ID只用于去重采样，
// 不承担安全职责
const (
	shortIDKey0 = 0x6769746266740001 // "gitbft"
	shortIDKey1 = 0x6769746266740002
)

func Sha256Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// MurmurHash 使用Murmur3哈希算法（对等采样抖动用）
func MurmurHash(data []byte) []byte {
	h := murmur3.New64()
	_, _ = h.Write(data)
	sum64 := h.Sum64()
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(sum64 >> (8 * i))
	}
	return b
}

// ShortID 交易/公告gossip用的8字节短ID（keyed siphash，防碰撞注入）
func ShortID(data []byte) uint64 {
	return siphash.Hash(shortIDKey0, shortIDKey1, data)
}
