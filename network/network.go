package network

import (
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"gitbft/db"
	"gitbft/logs"
	"gitbft/types"
)

// Network 负责维护对等节点列表、从DB加载或更新
type Network struct {
	dbManager *db.Manager
	mu        sync.RWMutex
	nodes     map[types.NodeID]*db.NodeInfo // key=bech32地址
}

// NewNetwork 创建一个 Network 实例并从DB加载已有节点
func NewNetwork(dbMgr *db.Manager) *Network {
	n := &Network{
		dbManager: dbMgr,
		nodes:     make(map[types.NodeID]*db.NodeInfo),
	}

	nodes, err := dbMgr.GetAllNodeInfos()
	if err != nil {
		logs.Verbose("[Network] Failed to load nodes from DB: %v", err)
	} else {
		for _, node := range nodes {
			n.nodes[types.NodeID(node.Address)] = node
		}
	}
	return n
}

// AddOrUpdateNode 更新或新增节点信息
func (n *Network) AddOrUpdateNode(info *db.NodeInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()

	info.LastSeen = time.Now()
	n.nodes[types.NodeID(info.Address)] = info

	// 同步写DB
	if err := n.dbManager.SaveNodeInfo(info); err != nil {
		logs.Verbose("[Network] Failed to save node info: %v", err)
	}
}

// MarkOffline 发送失败后降级节点，不从路由表删除
func (n *Network) MarkOffline(id types.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if info, ok := n.nodes[id]; ok {
		info.IsOnline = false
	}
}

// GetNode 地址对应的节点信息
func (n *Network) GetNode(id types.NodeID) *db.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[id]
}

// GetAllNodes 返回所有节点信息
func (n *Network) GetAllNodes() []*db.NodeInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var result []*db.NodeInfo
	for _, node := range n.nodes {
		result = append(result, node)
	}
	return result
}

// IsKnownNode 判断节点是否在本地路由表里
func (n *Network) IsKnownNode(id types.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.nodes[id]
	return ok
}

// SamplePeers 确定性采样：按 murmur3(addr, seed) 排序取前count个。
// 同一秒内全节点对同一消息选出近似的扇出集合，减少重复传输；
// count<=0 返回全部在线节点
func (n *Network) SamplePeers(exclude types.NodeID, count int) []types.NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()

	seed := uint32(time.Now().Unix())
	type scored struct {
		id    types.NodeID
		score uint64
	}
	var candidates []scored
	for id, info := range n.nodes {
		if id == exclude || !info.IsOnline {
			continue
		}
		candidates = append(candidates, scored{id: id, score: murmur3.Sum64WithSeed([]byte(id), seed)})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })

	if count > 0 && len(candidates) > count {
		candidates = candidates[:count]
	}
	out := make([]types.NodeID, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.id)
	}
	return out
}
