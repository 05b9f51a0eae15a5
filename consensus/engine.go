package consensus

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"gitbft/config"
	"gitbft/logs"
	"gitbft/types"
	"gitbft/utils"
)

// ============================================
// 共识引擎（Simplex风格：轮转领导人 + 乐观响应）
// ============================================

// 轮次状态机
type RoundState int

const (
	RoundIdle RoundState = iota
	RoundProposed
	RoundVoted
	RoundCommitted
)

func (s RoundState) String() string {
	switch s {
	case RoundIdle:
		return "idle"
	case RoundProposed:
		return "proposed"
	case RoundVoted:
		return "voted"
	case RoundCommitted:
		return "committed"
	}
	return "unknown"
}

// engineEvent 核心事件队列里的类型化事件。
// 单消费者顺序处理，轮次状态不需要锁
type engineEvent struct {
	msg     *types.Message // Proposal/Vote/QC
	timeout bool
	synced  bool // 同步落块后重新对齐
}

// FinalizeFunc 最终化回调（引用状态机），与最终化同步执行，
// 返回错误时节点停止，绝不带着坏状态继续出块
type FinalizeFunc func(block *types.Block, qc *types.QuorumCertificate) error

// Status 只读状态快照（/status）
type Status struct {
	Height          uint64 `json:"height"`
	Round           uint64 `json:"round"`
	State           string `json:"state"`
	Synced          bool   `json:"synced"`
	ValidatorCount  int    `json:"validator_count"`
	MempoolSize     int    `json:"mempool_size"`
	FinalizedHeight uint64 `json:"finalized_height"`
	Halted          bool   `json:"halted"`
}

// Engine 每个节点一个。所有轮次状态归事件循环独占
type Engine struct {
	nodeID    types.NodeID
	signer    NodeSigner
	store     BlockStore
	mempool   Mempool
	transport Transport
	events    EventBus
	cfg       *config.ConsensusConfig
	Logger    *logs.Logger

	// 验证人集合显式传入轮次计算，绝不做可变全局；
	// 变更在指定高度之后生效
	vals        *types.ValidatorSet
	pendingVals *types.ValidatorSet

	eventCh chan engineEvent

	// 以下字段只在事件循环goroutine里触碰
	round         uint64
	state         RoundState
	votedRound    uint64 // 已投过票的最高轮次，同轮绝不二次投票
	hasVoted      bool
	currentBlock  *types.Block
	votes         map[string]map[int][]byte // (hash,height,round) -> voterIdx -> sig
	stalledRounds int
	halted        bool
	synced        bool

	onFinalize FinalizeFunc
	timer      *time.Timer // 轮次超时定时器，事件循环独占

	statusMu sync.RWMutex
	status   Status

	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(nodeID types.NodeID, signer NodeSigner, store BlockStore, mempool Mempool,
	transport Transport, events EventBus, vals *types.ValidatorSet,
	cfg *config.ConsensusConfig, logger *logs.Logger) *Engine {

	if logger == nil {
		logger = logs.NewLogger("")
	}
	queueSize := cfg.EventQueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Engine{
		nodeID:    nodeID,
		signer:    signer,
		store:     store,
		mempool:   mempool,
		transport: transport,
		events:    events,
		cfg:       cfg,
		Logger:    logger,
		vals:      vals,
		eventCh:   make(chan engineEvent, queueSize),
		votes:     make(map[string]map[int][]byte),
		synced:    true,
	}
}

// SetFinalizeFunc 注入引用状态机
func (e *Engine) SetFinalizeFunc(fn FinalizeFunc) {
	e.onFinalize = fn
}

// Start 启动事件循环
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
	return nil
}

// Stop 停止事件循环
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Inject 外部投递消息（网络层、同步层调用）。
// 队列满时丢弃并记录，绝不阻塞网络接收路径
func (e *Engine) Inject(msg *types.Message) {
	select {
	case e.eventCh <- engineEvent{msg: msg}:
	default:
		e.Logger.Warn("[engine] event queue full, dropping %s from %s", msg.Type, msg.From)
	}
}

// NotifySynced 同步完成后让引擎重新对齐链尖
func (e *Engine) NotifySynced() {
	select {
	case e.eventCh <- engineEvent{synced: true}:
	default:
	}
}

// Status 线程安全的状态快照
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Validators 当前验证人集合
func (e *Engine) Validators() *types.ValidatorSet {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.vals
}

func (e *Engine) roundTimeout() time.Duration {
	mult := e.cfg.TimeoutMultiple
	if mult < 1 {
		mult = 3
	}
	return e.cfg.TargetBlockTime * time.Duration(mult)
}

// ============================================
// 事件循环
// ============================================

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	e.timer = time.NewTimer(e.roundTimeout())
	defer e.timer.Stop()

	e.enterRound(e.round)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.timer.C:
			e.handleTimeout()
		case ev := <-e.eventCh:
			if ev.timeout {
				e.handleTimeout()
				continue
			}
			if ev.synced {
				e.resyncTip()
				continue
			}
			if ev.msg == nil {
				continue
			}
			switch ev.msg.Type {
			case types.MsgProposal:
				e.handleProposal(ev.msg)
			case types.MsgVote:
				e.handleVote(ev.msg)
			case types.MsgQC:
				e.handleQC(ev.msg)
			}
		}
		e.publishStatus()
	}
}

// enterRound 进入新轮次：清投票、发提案（若轮到自己）
func (e *Engine) enterRound(round uint64) {
	e.round = round
	e.state = RoundIdle
	e.hasVoted = false
	e.currentBlock = nil
	e.votes = make(map[string]map[int][]byte)
	e.maybeActivatePendingSet()
	resetTimer(e.timer, e.roundTimeout())

	leader := e.vals.LeaderAt(round)
	if leader == nil {
		e.Logger.Error("[engine] empty validator set, cannot enter round %d", round)
		return
	}
	isLeader := bytes.Equal(leader.PubKey, e.signer.PublicKeyBytes())
	if isLeader {
		logs.IsCurrentLeader = "*"
		e.propose()
	} else {
		logs.IsCurrentLeader = ""
	}
	e.publishStatus()
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// maybeActivatePendingSet 到达生效高度后切换验证人集合
func (e *Engine) maybeActivatePendingSet() {
	if e.pendingVals == nil {
		return
	}
	next := e.store.FinalizedHeight() + 1
	if next >= e.pendingVals.ActivationHeight {
		e.Logger.Info("[engine] validator set v%d active at height %d (n=%d)",
			e.pendingVals.Version, next, e.pendingVals.Size())
		e.statusMu.Lock()
		e.vals = e.pendingVals
		e.statusMu.Unlock()
		e.pendingVals = nil
	}
}

// ============================================
// 提案
// ============================================

func (e *Engine) propose() {
	if e.halted {
		return
	}
	txs := e.mempool.DrainForProposal(e.cfg.MaxTxsPerBlock, e.cfg.MaxBlockBytes)
	if len(txs) < e.cfg.MinTxsToPropose {
		return // 空轮，等超时轮转
	}
	// 没有交易时不连续出空块，攒够 EmptyBlockPeriod 个停滞轮再出一个心跳块
	if len(txs) == 0 && e.stalledRounds < e.cfg.EmptyBlockPeriod {
		return
	}

	parent := e.store.LastFinalized()
	block := &types.Block{
		Height:     parent.Height + 1,
		ParentHash: parent.Hash,
		Timestamp:  uint64(time.Now().UnixMilli()),
		Proposer:   e.signer.PublicKeyBytes(),
		Round:      e.round,
		Txs:        txs,
	}
	for _, tx := range txs {
		block.TxIDs = append(block.TxIDs, tx.ID)
		block.SizeBytes += tx.Size()
	}
	hash, err := block.ComputeHash()
	if err != nil {
		e.Logger.Error("[engine] compute block hash: %v", err)
		return
	}
	block.Hash = hash
	block.Signature = e.signer.Sign(block.HashDigest())

	e.state = RoundProposed
	e.currentBlock = block
	e.Logger.Debug("[engine] propose height=%d round=%d txs=%d", block.Height, e.round, len(txs))
	e.events.PublishAsync(types.BaseEvent{EventType: types.EventBlockProposed, EventData: block})

	e.transport.Broadcast(types.Message{
		Type:  types.MsgProposal,
		From:  e.nodeID,
		Block: block,
	}, e.transport.SamplePeers(e.nodeID, 0))

	// 领导人也给自己的提案投一票
	e.castVote(block)
}

// ============================================
// 投票
// ============================================

func (e *Engine) handleProposal(msg *types.Message) {
	if e.halted || msg.Block == nil {
		return
	}
	block := msg.Block

	if err := e.validateProposal(block); err != nil {
		// 非法提案只拒票并记录，绝不让引擎崩掉
		e.Logger.Debug("[engine] reject proposal %s: %v", block.Hash, err)
		return
	}
	if e.hasVoted && e.votedRound == e.round {
		// 同一轮只投一票，冲突提案永远不会拿到第二票
		return
	}

	e.state = RoundProposed
	e.currentBlock = block
	e.castVote(block)
}

func (e *Engine) validateProposal(block *types.Block) error {
	if block.Round != e.round {
		return fmt.Errorf("round %d != local %d", block.Round, e.round)
	}
	leader := e.vals.LeaderAt(block.Round)
	if leader == nil || !bytes.Equal(leader.PubKey, block.Proposer) {
		return fmt.Errorf("proposer is not the leader of round %d", block.Round)
	}

	parent := e.store.LastFinalized()
	if block.ParentHash != parent.Hash {
		return fmt.Errorf("parent %s != local tip %s", block.ParentHash, parent.Hash)
	}
	if block.Height != parent.Height+1 {
		return fmt.Errorf("height %d != tip+1 (%d)", block.Height, parent.Height+1)
	}

	hash, err := block.ComputeHash()
	if err != nil {
		return err
	}
	if hash != block.Hash {
		return fmt.Errorf("hash mismatch: declared %s computed %s", block.Hash, hash)
	}
	if !utils.VerifyECDSASignature(block.Proposer, block.HashDigest(), block.Signature) {
		return fmt.Errorf("bad proposer signature")
	}

	if len(block.Txs) != len(block.TxIDs) {
		return fmt.Errorf("tx body/id count mismatch")
	}
	for i, tx := range block.Txs {
		if tx.ID != block.TxIDs[i] {
			return fmt.Errorf("tx order mismatch at %d", i)
		}
		if err := e.mempool.Validate(tx); err != nil {
			return fmt.Errorf("tx %s invalid: %v", tx.ID, err)
		}
	}
	return nil
}

func (e *Engine) castVote(block *types.Block) {
	idx, ok := e.vals.IndexOf(e.signer.PublicKeyBytes())
	if !ok {
		return // 观察者节点不投票
	}
	digest := types.VoteDigest(block.Hash, block.Height, block.Round)
	vote := &types.Vote{
		BlockHash: block.Hash,
		Height:    block.Height,
		Round:     block.Round,
		Validator: e.signer.PublicKeyBytes(),
		Signature: e.signer.Sign(digest),
	}

	e.hasVoted = true
	e.votedRound = e.round
	e.state = RoundVoted
	e.recordVote(idx, vote)

	e.transport.Broadcast(types.Message{
		Type: types.MsgVote,
		From: e.nodeID,
		Vote: vote,
	}, e.transport.SamplePeers(e.nodeID, 0))

	// 自己这票就可能凑齐法定票数（单验证人集合）
	e.tryFormQC(block.Hash, block.Height, block.Round)
}

func (e *Engine) handleVote(msg *types.Message) {
	if e.halted || msg.Vote == nil {
		return
	}
	vote := msg.Vote

	if vote.Round != e.round {
		return // 旧轮/未来轮的散票直接丢
	}
	idx, ok := e.vals.IndexOf(vote.Validator)
	if !ok {
		e.Logger.Debug("[engine] vote from non-validator, dropped")
		return
	}
	if !utils.VerifyECDSASignature(vote.Validator, vote.Digest(), vote.Signature) {
		e.Logger.Debug("[engine] invalid vote signature from idx %d, dropped", idx)
		return
	}

	e.recordVote(idx, vote)
	e.tryFormQC(vote.BlockHash, vote.Height, vote.Round)
}

// voteKey 签名覆盖的是(hash,height,round)三元组，只有
// 同一三元组上的票才能凑进同一个证书。只按哈希归桶的话，
// 一张高度造假但自洽的票也会被算进票数
func voteKey(blockHash string, height, round uint64) string {
	return fmt.Sprintf("%s/%d/%d", blockHash, height, round)
}

func (e *Engine) recordVote(idx int, vote *types.Vote) {
	key := voteKey(vote.BlockHash, vote.Height, vote.Round)
	byVoter := e.votes[key]
	if byVoter == nil {
		byVoter = make(map[int][]byte)
		e.votes[key] = byVoter
	}
	if _, dup := byVoter[idx]; dup {
		return
	}
	byVoter[idx] = vote.Signature
}

// tryFormQC 票数到2f+1就组装证书并最终化
func (e *Engine) tryFormQC(blockHash string, height, round uint64) {
	byVoter := e.votes[voteKey(blockHash, height, round)]
	if len(byVoter) < e.vals.QuorumSize() {
		return
	}
	if e.currentBlock == nil || e.currentBlock.Hash != blockHash ||
		e.currentBlock.Height != height || e.currentBlock.Round != round {
		return // 本地还没有对应区块，等提案或同步补上
	}

	qc, err := types.NewQuorumCertificate(blockHash, height, round, e.vals, byVoter)
	if err != nil {
		e.Logger.Error("[engine] assemble qc: %v", err)
		return
	}
	// 落盘前自验一遍，坏证书绝不能进存储再祸害同步路径
	if err := qc.Verify(e.vals, utils.VerifyECDSASignature); err != nil {
		e.Logger.Error("[engine] assembled qc failed self-verification: %v", err)
		return
	}

	// QC消息随带区块体，接收方缺块时无需额外往返
	e.transport.Broadcast(types.Message{
		Type:  types.MsgQC,
		From:  e.nodeID,
		QC:    qc,
		Block: e.currentBlock,
	}, e.transport.SamplePeers(e.nodeID, 0))

	e.finalize(e.currentBlock, qc)
}

// ============================================
// QC与最终化
// ============================================

func (e *Engine) handleQC(msg *types.Message) {
	if e.halted || msg.QC == nil {
		return
	}
	qc := msg.QC

	finalized := e.store.FinalizedHeight()
	if qc.Height <= finalized {
		e.checkConflict(qc)
		return
	}
	if qc.Height > finalized+1 {
		// 落后不止一个高度，交给同步路径
		e.events.PublishAsync(types.BaseEvent{EventType: types.EventSyncNeeded, EventData: qc.Height})
		return
	}

	if err := qc.Verify(e.vals, utils.VerifyECDSASignature); err != nil {
		e.Logger.Debug("[engine] reject qc for %s: %v", qc.BlockHash, err)
		return
	}

	block := msg.Block
	if block == nil || block.Hash != qc.BlockHash {
		if e.currentBlock != nil && e.currentBlock.Hash == qc.BlockHash {
			block = e.currentBlock
		}
	}
	if block == nil {
		e.Logger.Debug("[engine] qc for unknown block %s, waiting for sync", qc.BlockHash)
		return
	}
	if block.ParentHash != e.store.LastFinalized().Hash {
		e.Logger.Debug("[engine] qc block %s parent mismatch, dropped", block.Hash)
		return
	}

	// 超时只约束"提案"，不约束"有效性"：本地已轮转到更高轮次时，
	// 迟到的QC只要仍接在本地链尖上就照常接受
	e.finalize(block, qc)
}

// checkConflict 已最终化高度上出现不同哈希的QC即安全性破坏
func (e *Engine) checkConflict(qc *types.QuorumCertificate) {
	existing, err := e.store.GetByHeight(qc.Height)
	if err != nil || existing == nil {
		return
	}
	if existing.Hash == qc.BlockHash {
		return
	}
	if err := qc.Verify(e.vals, utils.VerifyECDSASignature); err != nil {
		return // 伪造的冲突证书，不构成违例
	}
	e.declareSafetyViolation(fmt.Sprintf(
		"two quorum certificates at height %d: %s and %s", qc.Height, existing.Hash, qc.BlockHash))
}

// declareSafetyViolation 超过f个拜占庭验证人才可能走到这里。
// 致命：停止最终化并告警，绝不静默继续
func (e *Engine) declareSafetyViolation(reason string) {
	e.halted = true
	e.Logger.Error("[engine] SAFETY VIOLATION: %s — halting finalization", reason)
	e.events.Publish(types.BaseEvent{EventType: types.EventSafetyViolation, EventData: reason})
}

func (e *Engine) finalize(block *types.Block, qc *types.QuorumCertificate) {
	if e.halted {
		return
	}
	if existing, err := e.store.GetByHeight(block.Height); err == nil && existing != nil && existing.Hash != block.Hash {
		e.declareSafetyViolation(fmt.Sprintf(
			"finalize %s but height %d already holds %s", block.Hash, block.Height, existing.Hash))
		return
	}

	if err := e.store.SaveFinalized(block, qc); err != nil {
		e.declareSafetyViolation(fmt.Sprintf("persist finalized block: %v", err))
		return
	}
	if e.onFinalize != nil {
		// 应用与最终化同步，先落稳再处理下一个区块
		if err := e.onFinalize(block, qc); err != nil {
			e.declareSafetyViolation(fmt.Sprintf("apply finalized block %d: %v", block.Height, err))
			return
		}
	}
	for _, id := range block.TxIDs {
		e.mempool.Evict(id)
	}
	e.scheduleValidatorChanges(block)

	e.state = RoundCommitted
	e.stalledRounds = 0
	e.Logger.Info("[engine] finalized height=%d round=%d txs=%d hash=%s",
		block.Height, block.Round, len(block.TxIDs), block.Hash[:8])
	e.events.PublishAsync(types.BaseEvent{EventType: types.EventBlockFinalized, EventData: block})

	e.enterRound(e.round + 1)
}

// scheduleValidatorChanges 成员变更在未来高度生效
func (e *Engine) scheduleValidatorChanges(block *types.Block) {
	for _, tx := range block.Txs {
		if tx.Type != types.TxValidatorChange {
			continue
		}
		change, err := tx.DecodeValidatorChange()
		if err != nil {
			continue // 提案校验已挡掉，防御读
		}
		if change.ActivationHeight <= block.Height {
			change.ActivationHeight = block.Height + 1
		}
		e.pendingVals = e.vals.Apply(change)
		e.Logger.Info("[engine] validator change scheduled: v%d at height %d",
			e.pendingVals.Version, e.pendingVals.ActivationHeight)
	}
}

// ============================================
// 超时与视图切换
// ============================================

// handleTimeout 轮次超时：放弃本轮，下一位领导人对同一个
// 未最终化父块重新提案。链尖不动，安全性不受影响
func (e *Engine) handleTimeout() {
	if e.halted {
		return
	}
	e.stalledRounds++
	if e.stalledRounds >= e.cfg.StalledRoundsWarn && e.stalledRounds%e.cfg.StalledRoundsWarn == 0 {
		e.Logger.Warn("[engine] quorum not reached for %d consecutive rounds (height %d)",
			e.stalledRounds, e.store.FinalizedHeight()+1)
	} else {
		e.Logger.Debug("[engine] round %d timed out, rotating leader", e.round)
	}
	e.events.PublishAsync(types.BaseEvent{EventType: types.EventRoundAdvanced, EventData: e.round + 1})
	e.enterRound(e.round + 1)
}

// resyncTip 同步落块后跳到新链尖继续
func (e *Engine) resyncTip() {
	e.Logger.Debug("[engine] resync to finalized height %d", e.store.FinalizedHeight())
	e.enterRound(e.round + 1)
}

func (e *Engine) publishStatus() {
	finalized := e.store.FinalizedHeight()
	e.statusMu.Lock()
	e.status = Status{
		Height:          finalized + 1,
		Round:           e.round,
		State:           e.state.String(),
		Synced:          e.synced,
		ValidatorCount:  e.vals.Size(),
		MempoolSize:     e.mempool.Size(),
		FinalizedHeight: finalized,
		Halted:          e.halted,
	}
	e.statusMu.Unlock()
}
