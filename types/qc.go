package types

import (
	"crypto/sha256"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/ethereum/go-ethereum/rlp"
)

// Vote 验证人对某个区块哈希的一票
type Vote struct {
	BlockHash string `json:"block_hash"`
	Height    uint64 `json:"height"`
	Round     uint64 `json:"round"`
	Validator []byte `json:"validator"` // 压缩公钥
	Signature []byte `json:"signature"`
}

type voteDigestRLP struct {
	BlockHash string
	Height    uint64
	Round     uint64
}

// VoteDigest 投票签名摘要，对 (block, height, round) 规范化编码后取哈希。
// 提案者和跟随者对同一张票算出同一摘要
func VoteDigest(blockHash string, height, round uint64) []byte {
	raw, err := rlp.EncodeToBytes(&voteDigestRLP{BlockHash: blockHash, Height: height, Round: round})
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

// Digest 本票的签名摘要
func (v *Vote) Digest() []byte {
	return VoteDigest(v.BlockHash, v.Height, v.Round)
}

// QuorumCertificate 法定人数证书：≥2f+1个验证人对同一区块哈希的投票聚合。
// 投票人用验证人集合下标的 roaring 位图记录，
// Signatures 与位图中下标的升序一一对应
type QuorumCertificate struct {
	BlockHash  string   `json:"block_hash"`
	Height     uint64   `json:"height"`
	Round      uint64   `json:"round"`
	SetVersion uint64   `json:"set_version"`
	Voters     []byte   `json:"voters"` // roaring bitmap 序列化
	Signatures [][]byte `json:"signatures"`
}

// VoterBitmap 反序列化投票人位图
func (qc *QuorumCertificate) VoterBitmap() (*roaring.Bitmap, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(qc.Voters); err != nil {
		return nil, fmt.Errorf("bad voter bitmap: %w", err)
	}
	return bm, nil
}

// NewQuorumCertificate 从收集到的投票组装证书。
// votes 以验证人下标为键，保证每个下标只计一票
func NewQuorumCertificate(blockHash string, height, round uint64, vs *ValidatorSet, votes map[int][]byte) (*QuorumCertificate, error) {
	if len(votes) < vs.QuorumSize() {
		return nil, fmt.Errorf("insufficient votes: %d < %d", len(votes), vs.QuorumSize())
	}

	bm := roaring.New()
	for idx := range votes {
		if idx < 0 || idx >= vs.Size() {
			return nil, fmt.Errorf("voter index %d out of range", idx)
		}
		bm.Add(uint32(idx))
	}

	// 按下标升序排列签名
	sigs := make([][]byte, 0, len(votes))
	it := bm.Iterator()
	for it.HasNext() {
		sigs = append(sigs, votes[int(it.Next())])
	}

	raw, err := bm.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &QuorumCertificate{
		BlockHash:  blockHash,
		Height:     height,
		Round:      round,
		SetVersion: vs.Version,
		Voters:     raw,
		Signatures: sigs,
	}, nil
}

// VerifyFunc 单票验签回调，由共识层注入（utils.VerifyECDSASignature）
type VerifyFunc func(pubKey, digest, sig []byte) bool

// Verify 校验证书：票数达到法定人数、每个投票人都是集合成员、
// 且每张签名都能对上该成员的公钥
func (qc *QuorumCertificate) Verify(vs *ValidatorSet, verify VerifyFunc) error {
	if qc.SetVersion != vs.Version {
		return fmt.Errorf("qc set version %d != local %d", qc.SetVersion, vs.Version)
	}
	bm, err := qc.VoterBitmap()
	if err != nil {
		return err
	}
	count := int(bm.GetCardinality())
	if count < vs.QuorumSize() {
		return fmt.Errorf("qc has %d voters, quorum is %d", count, vs.QuorumSize())
	}
	if count != len(qc.Signatures) {
		return fmt.Errorf("qc voter/signature mismatch: %d vs %d", count, len(qc.Signatures))
	}

	digest := VoteDigest(qc.BlockHash, qc.Height, qc.Round)
	it := bm.Iterator()
	i := 0
	for it.HasNext() {
		idx := int(it.Next())
		val, ok := vs.ByIndex(idx)
		if !ok {
			return fmt.Errorf("qc voter index %d not in validator set", idx)
		}
		if !verify(val.PubKey, digest, qc.Signatures[i]) {
			return fmt.Errorf("qc signature %d invalid for validator %s", i, val.Address)
		}
		i++
	}
	return nil
}
