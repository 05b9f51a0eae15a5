package types

import (
	"crypto/sha256"
	"encoding/hex"

	jsoniter "github.com/json-iterator/go"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// 交易类型
type TxType string

const (
	TxRefUpdate       TxType = "ref_update"
	TxValidatorChange TxType = "validator_change"
)

// ZeroOID 空对象ID，引用删除时作为 new_oid
const ZeroOID = "0000000000000000000000000000000000000000"

// Transaction 署名交易，payload 对共识层不透明
type Transaction struct {
	ID          string `json:"id"`
	Type        TxType `json:"type"`
	Payload     []byte `json:"payload"`
	Sender      []byte `json:"sender"` // 压缩secp256k1公钥
	Signature   []byte `json:"signature"`
	SubmittedAt int64  `json:"submitted_at"`
}

// RefUpdatePayload ref_update 交易的载荷
type RefUpdatePayload struct {
	Repo    string `json:"repo"`
	RefName string `json:"ref_name"`
	OldOID  string `json:"old_oid"` // 40位十六进制，首次创建为 ZeroOID
	NewOID  string `json:"new_oid"` // ZeroOID 表示删除引用
}

// ValidatorChangePayload validator_change 交易的载荷，
// 在 ActivationHeight 之后的轮次才生效
type ValidatorChangePayload struct {
	Add              []*Validator `json:"add,omitempty"`
	RemovePubKeys    [][]byte     `json:"remove,omitempty"`
	ActivationHeight uint64       `json:"activation_height"`
}

// ComputeTxID 交易ID = sha256(type || payload || sender) 的十六进制。
// 与签名无关，同一笔交易重复提交得到同一个ID
func ComputeTxID(txType TxType, payload, sender []byte) string {
	h := sha256.New()
	h.Write([]byte(txType))
	h.Write(payload)
	h.Write(sender)
	return hex.EncodeToString(h.Sum(nil))
}

// SigningDigest 交易签名摘要
func (tx *Transaction) SigningDigest() []byte {
	h := sha256.New()
	h.Write([]byte(tx.Type))
	h.Write(tx.Payload)
	h.Write(tx.Sender)
	sum := h.Sum(nil)
	return sum
}

// Size 估算交易占用字节数（池内记账用）
func (tx *Transaction) Size() int64 {
	return int64(len(tx.ID) + len(tx.Payload) + len(tx.Sender) + len(tx.Signature) + 16)
}

// DecodeRefUpdate 解出 ref_update 载荷
func (tx *Transaction) DecodeRefUpdate() (*RefUpdatePayload, error) {
	var p RefUpdatePayload
	if err := jsonFast.Unmarshal(tx.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DecodeValidatorChange 解出 validator_change 载荷
func (tx *Transaction) DecodeValidatorChange() (*ValidatorChangePayload, error) {
	var p ValidatorChangePayload
	if err := jsonFast.Unmarshal(tx.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeRefUpdate 序列化 ref_update 载荷
func EncodeRefUpdate(p *RefUpdatePayload) ([]byte, error) {
	return jsonFast.Marshal(p)
}

// EncodeValidatorChange 序列化 validator_change 载荷
func EncodeValidatorChange(p *ValidatorChangePayload) ([]byte, error) {
	return jsonFast.Marshal(p)
}
