package consensus

import (
	"math/rand"
	"sync"
	"time"

	"gitbft/types"
)

// ============================================
// 仿真网络：进程内多节点互联，测试用
// ============================================

// SimulatedNetwork 节点ID到收件箱的路由表。
// 可配置延迟与丢包，复现分区和慢领导人场景
type SimulatedNetwork struct {
	mu       sync.RWMutex
	inboxes  map[types.NodeID]chan types.Message
	latency  time.Duration
	dropRate float64 // 0~1
	// 分区：在集合内的节点互相可达，集合外全部丢弃
	partition map[types.NodeID]bool
}

func NewSimulatedNetwork() *SimulatedNetwork {
	return &SimulatedNetwork{
		inboxes: make(map[types.NodeID]chan types.Message),
	}
}

func (n *SimulatedNetwork) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

func (n *SimulatedNetwork) SetDropRate(rate float64) {
	n.mu.Lock()
	n.dropRate = rate
	n.mu.Unlock()
}

// Partition 只允许给定节点互通；传nil解除分区
func (n *SimulatedNetwork) Partition(ids []types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ids == nil {
		n.partition = nil
		return
	}
	n.partition = make(map[types.NodeID]bool, len(ids))
	for _, id := range ids {
		n.partition[id] = true
	}
}

// Join 注册节点并返回其传输端点
func (n *SimulatedNetwork) Join(id types.NodeID) *SimulatedTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	inbox := make(chan types.Message, 1024)
	n.inboxes[id] = inbox
	return &SimulatedTransport{net: n, self: id, inbox: inbox}
}

func (n *SimulatedNetwork) deliver(from, to types.NodeID, msg types.Message) {
	n.mu.RLock()
	inbox, ok := n.inboxes[to]
	latency := n.latency
	drop := n.dropRate
	if n.partition != nil && (!n.partition[from] || !n.partition[to]) {
		ok = false
	}
	n.mu.RUnlock()
	if !ok {
		return
	}
	if drop > 0 && rand.Float64() < drop {
		return
	}
	send := func() {
		select {
		case inbox <- msg:
		default: // 收件箱满直接丢，和真实网络一致
		}
	}
	if latency > 0 {
		time.AfterFunc(latency, send)
		return
	}
	send()
}

// SimulatedTransport 单节点视角的端点，实现 Transport
type SimulatedTransport struct {
	net   *SimulatedNetwork
	self  types.NodeID
	inbox chan types.Message
}

func (t *SimulatedTransport) Send(to types.NodeID, msg types.Message) error {
	msg.From = t.self
	t.net.deliver(t.self, to, msg)
	return nil
}

func (t *SimulatedTransport) Broadcast(msg types.Message, peers []types.NodeID) {
	msg.From = t.self
	for _, p := range peers {
		if p == t.self {
			continue
		}
		t.net.deliver(t.self, p, msg)
	}
}

func (t *SimulatedTransport) Receive() <-chan types.Message {
	return t.inbox
}

// SamplePeers 仿真网络里返回除自己外的全部节点；count<=0 表示全量
func (t *SimulatedTransport) SamplePeers(exclude types.NodeID, count int) []types.NodeID {
	t.net.mu.RLock()
	defer t.net.mu.RUnlock()
	var out []types.NodeID
	for id := range t.net.inboxes {
		if id == exclude || id == t.self {
			continue
		}
		out = append(out, id)
	}
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out
}
