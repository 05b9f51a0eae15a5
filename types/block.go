package types

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/rlp"
)

// GenesisHash 创世区块哈希占位
const GenesisHash = "genesis"

// Block 区块定义。Hash 覆盖头部字段和交易ID列表，
// 交易体只随消息传输，不参与哈希
type Block struct {
	Height     uint64         `json:"height"`
	Hash       string         `json:"hash"`
	ParentHash string         `json:"parent_hash"`
	Timestamp  uint64         `json:"timestamp"` // unix毫秒
	Proposer   []byte         `json:"proposer"`  // 压缩secp256k1公钥
	Round      uint64         `json:"round"`
	TxIDs      []string       `json:"tx_ids"`
	Txs        []*Transaction `json:"txs,omitempty"`
	Signature  []byte         `json:"signature"` // 提案者对Hash的签名
	SizeBytes  int64          `json:"size_bytes"`
}

// blockHeaderRLP 参与哈希的规范化头部
type blockHeaderRLP struct {
	Height     uint64
	ParentHash string
	Timestamp  uint64
	Proposer   []byte
	Round      uint64
	TxIDs      []string
}

// ComputeHash RLP规范化编码后取哈希
func (b *Block) ComputeHash() (string, error) {
	raw, err := rlp.EncodeToBytes(&blockHeaderRLP{
		Height:     b.Height,
		ParentHash: b.ParentHash,
		Timestamp:  b.Timestamp,
		Proposer:   b.Proposer,
		Round:      b.Round,
		TxIDs:      b.TxIDs,
	})
	if err != nil {
		return "", err
	}
	return chainhash.HashH(raw).String(), nil
}

// HashDigest 签名用的32字节摘要
func (b *Block) HashDigest() []byte {
	h, err := chainhash.NewHashFromStr(b.Hash)
	if err != nil {
		return nil
	}
	return h[:]
}

// IsGenesis 创世判定
func (b *Block) IsGenesis() bool {
	return b.Height == 0
}

// NewGenesisBlock 创世区块，所有节点本地生成，内容一致
func NewGenesisBlock() *Block {
	g := &Block{
		Height:     0,
		ParentHash: "",
		Timestamp:  0,
		Round:      0,
	}
	g.Hash = GenesisHash
	return g
}
