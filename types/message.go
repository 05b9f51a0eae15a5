package types

// NodeID 节点标识（bech32地址字符串）
type NodeID string

// 消息类型
type MessageType string

const (
	MsgProposal       MessageType = "MsgProposal"
	MsgVote           MessageType = "MsgVote"
	MsgQC             MessageType = "MsgQC"
	MsgHeightQuery    MessageType = "MsgHeightQuery"
	MsgHeightResponse MessageType = "MsgHeightResponse"
	MsgSyncRequest    MessageType = "MsgSyncRequest"
	MsgSyncResponse   MessageType = "MsgSyncResponse"
	MsgRepoAnnounce   MessageType = "MsgRepoAnnounce"
	MsgTxGossip       MessageType = "MsgTxGossip"
)

// Message 节点间消息信封：单结构体+按类型取用的可选字段
type Message struct {
	Type MessageType `json:"type"`
	From NodeID      `json:"from"`

	// 共识
	Block *Block             `json:"block,omitempty"`
	Vote  *Vote              `json:"vote,omitempty"`
	QC    *QuorumCertificate `json:"qc,omitempty"`

	// 高度查询
	CurrentHeight uint64 `json:"current_height,omitempty"`

	// 同步
	FromHeight uint64 `json:"from_height,omitempty"`
	ToHeight   uint64 `json:"to_height,omitempty"`
	SyncID     uint32 `json:"sync_id,omitempty"`
	// zstd压缩的SyncBatch（区块+QC+引用的git对象）
	BatchZstd []byte `json:"batch_zstd,omitempty"`
	// BLS聚合的最终化高度证据
	Evidence []byte `json:"evidence,omitempty"`

	// 仓库公告与交易gossip
	Repos    []string     `json:"repos,omitempty"`
	Tx       *Transaction `json:"tx,omitempty"`
	ShortIDs []uint64     `json:"short_ids,omitempty"` // siphash短ID
}

// PackedObject 同步批次中携带的git对象
type PackedObject struct {
	OID  string `json:"oid"`
	Kind string `json:"kind"` // blob/tree/commit/tag
	Data []byte `json:"data"`
}

// SyncBatch 同步响应的解压后内容。
// 同一范围请求两次得到相同结果：对象按内容哈希去重，
// 区块按最终化高度去重
type SyncBatch struct {
	Blocks  []*Block             `json:"blocks"`
	QCs     []*QuorumCertificate `json:"qcs"`
	Objects []PackedObject       `json:"objects"`
}
