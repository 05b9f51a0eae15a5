package consensus

import (
	"context"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"gitbft/config"
	"gitbft/db"
	"gitbft/logs"
	"gitbft/txpool"
	"gitbft/types"
	"gitbft/utils"
)

// ============================================
// Gossip：仓库公告 + 交易扩散
// ============================================

// GossipManager 交易按siphash短ID去重后流行病式转发；
// 仓库列表周期性公告，对端据此发现可克隆的仓库
type GossipManager struct {
	transport Transport
	mempool   Mempool
	manager   *db.Manager
	cfg       *config.NetworkConfig
	Logger    *logs.Logger

	seenTxs mapset.Set // 短ID集合，g.mu 保护重置窗口

	mu        sync.RWMutex
	peerRepos map[types.NodeID][]string

	cancel context.CancelFunc
	done   chan struct{}
}

func NewGossipManager(transport Transport, mempool Mempool, manager *db.Manager,
	cfg *config.NetworkConfig, logger *logs.Logger) *GossipManager {
	if logger == nil {
		logger = logs.NewLogger("")
	}
	return &GossipManager{
		transport: transport,
		mempool:   mempool,
		manager:   manager,
		cfg:       cfg,
		Logger:    logger,
		seenTxs:   mapset.NewSet(),
		peerRepos: make(map[types.NodeID][]string),
	}
}

func (g *GossipManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.announceLoop(ctx)
}

func (g *GossipManager) Stop() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
}

func (g *GossipManager) announceLoop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.AnnounceRepos()
		}
	}
}

// AnnounceRepos 广播本地托管的仓库列表
func (g *GossipManager) AnnounceRepos() {
	repos, err := g.manager.ListRepos()
	if err != nil || len(repos) == 0 {
		return
	}
	g.transport.Broadcast(types.Message{
		Type:  types.MsgRepoAnnounce,
		Repos: repos,
	}, g.transport.SamplePeers("", g.cfg.BroadcastPeerCount))
}

func (g *GossipManager) HandleRepoAnnounce(msg *types.Message) {
	if len(msg.Repos) == 0 {
		return
	}
	g.mu.Lock()
	g.peerRepos[msg.From] = msg.Repos
	g.mu.Unlock()
	g.Logger.Trace("[gossip] %s hosts %d repos", msg.From, len(msg.Repos))
}

// KnownRepos 全网已知仓库（本地+公告），排序去重
func (g *GossipManager) KnownRepos() []string {
	set := mapset.NewSet()
	if local, err := g.manager.ListRepos(); err == nil {
		for _, r := range local {
			set.Add(r)
		}
	}
	g.mu.RLock()
	for _, repos := range g.peerRepos {
		for _, r := range repos {
			set.Add(r)
		}
	}
	g.mu.RUnlock()
	out := make([]string, 0, set.Cardinality())
	for _, v := range set.ToSlice() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

// GossipTx 本地新交易向外扩散
func (g *GossipManager) GossipTx(tx *types.Transaction) {
	shortID := utils.ShortID([]byte(tx.ID))
	g.markSeen(shortID)
	g.transport.Broadcast(types.Message{
		Type:     types.MsgTxGossip,
		Tx:       tx,
		ShortIDs: []uint64{shortID},
	}, g.transport.SamplePeers("", g.cfg.BroadcastPeerCount))
}

// HandleTxGossip 短ID见过即止，否则入池并继续转发。
// 入池失败不转发，坏交易在第一跳就断掉；但池满是暂时的，
// 不记seen，同一笔交易从下一跳送达时还有机会进池
func (g *GossipManager) HandleTxGossip(msg *types.Message) {
	if msg.Tx == nil {
		return
	}
	shortID := utils.ShortID([]byte(msg.Tx.ID))
	if g.hasSeen(shortID) {
		return
	}

	if err := g.mempool.Submit(msg.Tx); err != nil {
		if !errors.Is(err, txpool.ErrMempoolFull) {
			g.markSeen(shortID)
		}
		g.Logger.Trace("[gossip] tx %s from %s not admitted: %v", msg.Tx.ID, msg.From, err)
		return
	}
	g.markSeen(shortID)
	g.transport.Broadcast(types.Message{
		Type:     types.MsgTxGossip,
		Tx:       msg.Tx,
		ShortIDs: msg.ShortIDs,
	}, g.transport.SamplePeers(msg.From, g.cfg.BroadcastPeerCount))
}

func (g *GossipManager) hasSeen(shortID uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seenTxs.Contains(shortID)
}

// markSeen 集合超限时整体重置，避免无界增长
func (g *GossipManager) markSeen(shortID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seenTxs.Cardinality() >= g.cfg.SeenAnnounceCacheSize {
		g.seenTxs = mapset.NewSet()
	}
	g.seenTxs.Add(shortID)
}
