package consensus

import (
	"gitbft/types"
)

// BlockStore 最终化链的存储接口。
// 高度→区块的追加索引表，父链接靠哈希查询，不持回指针
type BlockStore interface {
	// SaveFinalized 幂等；同一高度出现不同哈希时必须报错
	SaveFinalized(block *types.Block, qc *types.QuorumCertificate) error
	GetByHeight(height uint64) (*types.Block, error)
	GetQC(height uint64) (*types.QuorumCertificate, error)
	FinalizedHeight() uint64
	LastFinalized() *types.Block
	Range(from, to uint64) []*types.Block
}

// Mempool 共识侧需要的交易池能力
type Mempool interface {
	Submit(tx *types.Transaction) error
	DrainForProposal(maxTxs int, maxBytes int64) []*types.Transaction
	Evict(txID string)
	Validate(tx *types.Transaction) error
	Size() int
	OldestAgeMillis() int64
}

// Transport 网络传输层接口
type Transport interface {
	Send(to types.NodeID, msg types.Message) error
	Broadcast(msg types.Message, peers []types.NodeID)
	Receive() <-chan types.Message
	SamplePeers(exclude types.NodeID, count int) []types.NodeID
}

// NodeSigner 节点签名器
type NodeSigner interface {
	PublicKeyBytes() []byte
	Sign(digest []byte) []byte
}

type Event interface {
	Type() types.EventType
	Data() interface{}
}

type EventHandler func(Event)

type EventBus interface {
	Subscribe(topic types.EventType, handler EventHandler)
	Publish(event Event)
	PublishAsync(event Event)
}
