package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/DataDog/zstd"
	jsoniter "github.com/json-iterator/go"

	"gitbft/config"
	"gitbft/db"
	"gitbft/gitwire"
	"gitbft/logs"
	"gitbft/types"
	"gitbft/utils"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================
// 区块同步：落后节点的追赶路径
// ============================================

type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRequesting
	SyncApplying
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncRequesting:
		return "requesting"
	case SyncApplying:
		return "applying"
	}
	return "unknown"
}

// BlsEvidenceSigner 同步响应附带的最终性证据签名
type BlsEvidenceSigner interface {
	BLSSign(msg []byte) ([]byte, error)
}

// SyncManager 显式状态机 Idle→Requesting→Applying。
// 重试带指数退避，共识先追上时取消；批次应用幂等
type SyncManager struct {
	transport Transport
	store     BlockStore
	manager   *db.Manager
	engine    *Engine
	cfg       *config.SyncConfig
	Logger    *logs.Logger
	events    EventBus

	blsSigner BlsEvidenceSigner

	apply FinalizeFunc // 与引擎共用的引用状态机回调

	mu         sync.Mutex
	state      SyncState
	syncID     uint32
	targetPeer types.NodeID
	target     uint64
	retries    int
	bestHeight map[types.NodeID]uint64

	wakeCh chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncManager(transport Transport, store BlockStore, manager *db.Manager, engine *Engine,
	apply FinalizeFunc, blsSigner BlsEvidenceSigner, events EventBus,
	cfg *config.SyncConfig, logger *logs.Logger) *SyncManager {

	if logger == nil {
		logger = logs.NewLogger("")
	}
	sm := &SyncManager{
		transport:  transport,
		store:      store,
		manager:    manager,
		engine:     engine,
		cfg:        cfg,
		Logger:     logger,
		events:     events,
		blsSigner:  blsSigner,
		apply:      apply,
		bestHeight: make(map[types.NodeID]uint64),
		wakeCh:     make(chan struct{}, 1),
	}
	events.Subscribe(types.EventSyncNeeded, func(Event) { sm.wake() })
	return sm
}

// SetApplyFunc 注入引用状态机（与引擎共用同一条应用路径）
func (sm *SyncManager) SetApplyFunc(fn FinalizeFunc) {
	sm.apply = fn
}

func (sm *SyncManager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	sm.cancel = cancel
	sm.done = make(chan struct{})
	go sm.run(ctx)
}

func (sm *SyncManager) Stop() {
	if sm.cancel != nil {
		sm.cancel()
		<-sm.done
	}
}

func (sm *SyncManager) State() SyncState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

func (sm *SyncManager) wake() {
	select {
	case sm.wakeCh <- struct{}{}:
	default:
	}
}

// run 周期性高度探测 + 按需发起同步
func (sm *SyncManager) run(ctx context.Context) {
	defer close(sm.done)
	ticker := time.NewTicker(sm.cfg.HeightQueryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.probeHeights()
			sm.maybeStartSync()
		case <-sm.wakeCh:
			sm.probeHeights()
			sm.maybeStartSync()
		}
	}
}

func (sm *SyncManager) probeHeights() {
	sm.transport.Broadcast(types.Message{
		Type:          types.MsgHeightQuery,
		CurrentHeight: sm.store.FinalizedHeight(),
	}, sm.transport.SamplePeers("", 0))
}

// maybeStartSync 落后超过阈值才发起，已在同步中则跳过
func (sm *SyncManager) maybeStartSync() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != SyncIdle {
		return
	}
	local := sm.store.FinalizedHeight()
	var bestPeer types.NodeID
	var best uint64
	for peer, h := range sm.bestHeight {
		if h > best {
			best, bestPeer = h, peer
		}
	}
	if best < local+sm.cfg.BehindThreshold {
		return
	}
	sm.startRequestLocked(bestPeer, best, local)
}

func (sm *SyncManager) startRequestLocked(peer types.NodeID, target, local uint64) {
	sm.state = SyncRequesting
	sm.syncID = rand.Uint32()
	sm.targetPeer = peer
	sm.target = target
	sm.retries = 0
	sm.sendRequestLocked(local + 1)
}

func (sm *SyncManager) sendRequestLocked(from uint64) {
	to := from + sm.cfg.BatchSize - 1
	if to > sm.target {
		to = sm.target
	}
	sm.Logger.Info("[sync] requesting blocks %d-%d from %s (target %d)", from, to, sm.targetPeer, sm.target)
	if err := sm.transport.Send(sm.targetPeer, types.Message{
		Type:       types.MsgSyncRequest,
		FromHeight: from,
		ToHeight:   to,
		SyncID:     sm.syncID,
	}); err != nil {
		sm.Logger.Warn("[sync] send request: %v", err)
	}
	syncID := sm.syncID
	time.AfterFunc(sm.cfg.RequestTimeout, func() { sm.onRequestTimeout(syncID) })
}

// onRequestTimeout 无响应则退避重试，耗尽后回到Idle等下次探测
func (sm *SyncManager) onRequestTimeout(syncID uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != SyncRequesting || sm.syncID != syncID {
		return
	}
	local := sm.store.FinalizedHeight()
	if local >= sm.target {
		// 共识自己追上了，同步取消
		sm.Logger.Debug("[sync] caught up by consensus, cancelling")
		sm.state = SyncIdle
		return
	}
	sm.retries++
	if sm.retries > sm.cfg.MaxRetries {
		sm.Logger.Warn("[sync] giving up on %s after %d retries", sm.targetPeer, sm.cfg.MaxRetries)
		delete(sm.bestHeight, sm.targetPeer)
		sm.state = SyncIdle
		return
	}
	delay := sm.cfg.BaseRetryDelay * time.Duration(1<<uint(sm.retries-1))
	if delay > sm.cfg.MaxRetryDelay {
		delay = sm.cfg.MaxRetryDelay
	}
	sm.Logger.Debug("[sync] retry %d/%d after %v", sm.retries, sm.cfg.MaxRetries, delay)
	from := local + 1
	time.AfterFunc(delay, func() {
		sm.mu.Lock()
		defer sm.mu.Unlock()
		if sm.state != SyncRequesting || sm.syncID != syncID {
			return
		}
		sm.sendRequestLocked(from)
	})
}

// ============================================
// 消息入口（由节点分发循环调用）
// ============================================

// HandleHeightQuery 回报本地最终化高度
func (sm *SyncManager) HandleHeightQuery(msg *types.Message) {
	if msg.CurrentHeight > 0 {
		sm.mu.Lock()
		sm.bestHeight[msg.From] = msg.CurrentHeight
		sm.mu.Unlock()
	}
	if err := sm.transport.Send(msg.From, types.Message{
		Type:          types.MsgHeightResponse,
		CurrentHeight: sm.store.FinalizedHeight(),
	}); err != nil {
		sm.Logger.Debug("[sync] height response to %s: %v", msg.From, err)
	}
}

func (sm *SyncManager) HandleHeightResponse(msg *types.Message) {
	sm.mu.Lock()
	sm.bestHeight[msg.From] = msg.CurrentHeight
	sm.mu.Unlock()
	sm.maybeStartSync()
}

// HandleSyncRequest 打包区块+QC+引用的git对象，zstd压缩后回发
func (sm *SyncManager) HandleSyncRequest(msg *types.Message) {
	from, to := msg.FromHeight, msg.ToHeight
	if from == 0 || to < from {
		sm.Logger.Debug("[sync] malformed sync request from %s, dropped", msg.From)
		return
	}
	if to-from+1 > sm.cfg.BatchSize {
		to = from + sm.cfg.BatchSize - 1
	}
	finalized := sm.store.FinalizedHeight()
	if to > finalized {
		to = finalized
	}
	if from > finalized {
		return // 没有可给的
	}

	batch := &types.SyncBatch{Blocks: sm.store.Range(from, to)}
	for _, block := range batch.Blocks {
		qc, err := sm.store.GetQC(block.Height)
		if err != nil || qc == nil {
			sm.Logger.Warn("[sync] missing qc at height %d, truncating batch", block.Height)
			batch.Blocks = batch.Blocks[:len(batch.QCs)]
			break
		}
		batch.QCs = append(batch.QCs, qc)
	}
	batch.Objects = sm.collectObjects(batch.Blocks)

	raw, err := jsonFast.Marshal(batch)
	if err != nil {
		sm.Logger.Error("[sync] marshal batch: %v", err)
		return
	}
	compressed, err := zstd.Compress(nil, raw)
	if err != nil {
		sm.Logger.Error("[sync] compress batch: %v", err)
		return
	}

	resp := types.Message{
		Type:      types.MsgSyncResponse,
		SyncID:    msg.SyncID,
		ToHeight:  to,
		BatchZstd: compressed,
	}
	if sm.blsSigner != nil && len(batch.Blocks) > 0 {
		last := batch.Blocks[len(batch.Blocks)-1]
		if sig, err := sm.blsSigner.BLSSign(syncEvidenceDigest(last.Height, last.Hash)); err == nil {
			resp.Evidence = sig
		}
	}
	if err := sm.transport.Send(msg.From, resp); err != nil {
		sm.Logger.Warn("[sync] send response to %s: %v", msg.From, err)
	}
}

// collectObjects 批内 ref_update 指向的对象闭包。
// 旧OID作为遍历边界：请求方已有旧引用历史时不重复传输
func (sm *SyncManager) collectObjects(blocks []*types.Block) []types.PackedObject {
	var tips []string
	stop := make(map[string]bool)
	for _, block := range blocks {
		for _, tx := range block.Txs {
			if tx.Type != types.TxRefUpdate {
				continue
			}
			payload, err := tx.DecodeRefUpdate()
			if err != nil {
				continue
			}
			tips = append(tips, payload.NewOID)
			if payload.OldOID != types.ZeroOID {
				stop[payload.OldOID] = true
			}
		}
	}
	if len(tips) == 0 {
		return nil
	}
	lookup := func(oid string) (gitwire.ObjectKind, []byte, bool) {
		kind, data, err := sm.manager.GetObject(oid)
		if err != nil || data == nil {
			return "", nil, false
		}
		return gitwire.ObjectKind(kind), data, true
	}
	objects := gitwire.ReachableObjects(lookup, tips, stop, maxSyncObjects)
	out := make([]types.PackedObject, 0, len(objects))
	for _, obj := range objects {
		out = append(out, types.PackedObject{OID: obj.OID, Kind: string(obj.Kind), Data: obj.Data})
	}
	return out
}

const maxSyncObjects = 50000

// HandleSyncResponse 解压、验证并按高度应用批次
func (sm *SyncManager) HandleSyncResponse(msg *types.Message) {
	sm.mu.Lock()
	if sm.state != SyncRequesting || msg.SyncID != sm.syncID {
		sm.mu.Unlock()
		return // 过期或伪造的响应
	}
	sm.state = SyncApplying
	sm.mu.Unlock()

	err := sm.applyBatch(msg)

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err != nil {
		sm.Logger.Warn("[sync] apply batch from %s: %v", msg.From, err)
		delete(sm.bestHeight, sm.targetPeer)
		sm.state = SyncIdle
		return
	}
	local := sm.store.FinalizedHeight()
	if local < sm.target {
		sm.state = SyncRequesting
		sm.retries = 0
		sm.sendRequestLocked(local + 1)
		return
	}
	sm.Logger.Info("[sync] caught up at height %d", local)
	sm.state = SyncIdle
	sm.events.PublishAsync(types.BaseEvent{EventType: types.EventSyncComplete, EventData: local})
	sm.engine.NotifySynced()
}

func (sm *SyncManager) applyBatch(msg *types.Message) error {
	raw, err := zstd.Decompress(nil, msg.BatchZstd)
	if err != nil {
		return fmt.Errorf("decompress: %v", err)
	}
	var batch types.SyncBatch
	if err := jsonFast.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("unmarshal: %v", err)
	}
	if len(batch.Blocks) == 0 {
		return fmt.Errorf("empty batch")
	}
	if len(batch.QCs) != len(batch.Blocks) {
		return fmt.Errorf("qc count %d != block count %d", len(batch.QCs), len(batch.Blocks))
	}

	sm.verifyEvidence(msg, batch.Blocks[len(batch.Blocks)-1])

	// 先落对象再落块，引用状态机应用时对象必须已就位
	for _, obj := range batch.Objects {
		if !gitwire.ValidKind(obj.Kind) {
			return fmt.Errorf("object %s has invalid kind %q", obj.OID, obj.Kind)
		}
		if gitwire.HashObject(gitwire.ObjectKind(obj.Kind), obj.Data) != obj.OID {
			return fmt.Errorf("object %s content does not match its id", obj.OID)
		}
		if err := sm.manager.PutObject(obj.OID, obj.Kind, obj.Data); err != nil {
			return err
		}
	}

	vals := sm.engine.Validators()
	tip := sm.store.LastFinalized()
	for i, block := range batch.Blocks {
		if block.Height <= tip.Height {
			continue // 已应用过的高度，幂等跳过
		}
		if block.Height != tip.Height+1 {
			return fmt.Errorf("gap in batch: got %d want %d", block.Height, tip.Height+1)
		}
		if block.ParentHash != tip.Hash {
			return fmt.Errorf("block %d parent mismatch", block.Height)
		}
		hash, err := block.ComputeHash()
		if err != nil || hash != block.Hash {
			return fmt.Errorf("block %d hash mismatch", block.Height)
		}
		qc := batch.QCs[i]
		if qc.BlockHash != block.Hash || qc.Height != block.Height {
			return fmt.Errorf("qc/block mismatch at height %d", block.Height)
		}
		if err := qc.Verify(vals, utils.VerifyECDSASignature); err != nil {
			return fmt.Errorf("qc invalid at height %d: %v", block.Height, err)
		}

		if err := sm.store.SaveFinalized(block, qc); err != nil {
			return err
		}
		if sm.apply != nil {
			if err := sm.apply(block, qc); err != nil {
				return fmt.Errorf("apply height %d: %v", block.Height, err)
			}
		}
		tip = block
	}
	return nil
}

// verifyEvidence BLS最终性证据为辅助信号：公钥未知时跳过，
// 批次的真正安全性由逐块QC验证保证
func (sm *SyncManager) verifyEvidence(msg *types.Message, last *types.Block) {
	if len(msg.Evidence) == 0 {
		return
	}
	infos, err := sm.manager.GetAllNodeInfos()
	if err != nil {
		return
	}
	for _, info := range infos {
		if types.NodeID(info.Address) != msg.From || len(info.BlsPubKey) == 0 {
			continue
		}
		digest := syncEvidenceDigest(last.Height, last.Hash)
		if err := utils.BLSVerifyAggregate([][]byte{info.BlsPubKey}, digest, msg.Evidence); err != nil {
			sm.Logger.Warn("[sync] bls evidence from %s failed verification: %v", msg.From, err)
		} else {
			sm.Logger.Debug("[sync] bls evidence from %s verified (height %d)", msg.From, last.Height)
		}
		return
	}
}

func syncEvidenceDigest(height uint64, blockHash string) []byte {
	return utils.Sha256Hash([]byte(fmt.Sprintf("sync-finality|%d|%s", height, blockHash)))
}
