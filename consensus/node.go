package consensus

import (
	"context"

	"gitbft/config"
	"gitbft/db"
	"gitbft/logs"
	"gitbft/types"
	"gitbft/utils"
)

// ============================================
// 共识节点：引擎 + 同步 + gossip 的装配与消息分发
// ============================================

type Node struct {
	ID     types.NodeID
	Engine *Engine
	Sync   *SyncManager
	Gossip *GossipManager
	Events EventBus
	Logger *logs.Logger

	km        *utils.KeyManager
	transport Transport

	cancel context.CancelFunc
	done   chan struct{}
}

// blsSigner KeyManager到同步证据签名器的适配
type blsSigner struct{ km *utils.KeyManager }

func (s blsSigner) BLSSign(msg []byte) ([]byte, error) {
	return utils.BLSSign(utils.BLSScalarFromSecp(s.km.PrivKey()), msg)
}

// NewNode 装配共识子系统。apply 为引用状态机回调，
// 引擎最终化与同步追块共用同一条应用路径
func NewNode(km *utils.KeyManager, manager *db.Manager, store BlockStore, mempool Mempool,
	transport Transport, vals *types.ValidatorSet, apply FinalizeFunc,
	cfg *config.Config, logger *logs.Logger) *Node {

	if logger == nil {
		logger = logs.NewLogger("")
	}
	nodeID := types.NodeID(km.GetAddress())
	events := NewEventBus()

	engine := NewEngine(nodeID, km, store, mempool, transport, events, vals,
		&cfg.Consensus, logger)
	engine.SetFinalizeFunc(apply)

	sm := NewSyncManager(transport, store, manager, engine, apply,
		blsSigner{km: km}, events, &cfg.Sync, logger)
	gossip := NewGossipManager(transport, mempool, manager, &cfg.Network, logger)

	return &Node{
		ID:        nodeID,
		Engine:    engine,
		Sync:      sm,
		Gossip:    gossip,
		Events:    events,
		Logger:    logger,
		km:        km,
		transport: transport,
	}
}

func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})

	if err := n.Engine.Start(ctx); err != nil {
		cancel()
		return err
	}
	n.Sync.Start(ctx)
	n.Gossip.Start(ctx)
	go n.dispatch(ctx)
	n.Logger.Info("[node] %s started", n.ID)
	return nil
}

func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
		<-n.done
	}
	n.Gossip.Stop()
	n.Sync.Stop()
	n.Engine.Stop()
}

// SubmitLocal 本地入口（git push、HTTP提交）：入池并gossip
func (n *Node) SubmitLocal(tx *types.Transaction) error {
	if err := n.Engine.mempool.Submit(tx); err != nil {
		return err
	}
	n.Gossip.GossipTx(tx)
	return nil
}

// HandleMessage 单条入站消息按类型分发。
// 同步请求在独立goroutine处理，打包大批次不能卡住共识消息
func (n *Node) HandleMessage(msg *types.Message) {
	switch msg.Type {
	case types.MsgProposal, types.MsgVote, types.MsgQC:
		n.Engine.Inject(msg)
	case types.MsgHeightQuery:
		n.Sync.HandleHeightQuery(msg)
	case types.MsgHeightResponse:
		n.Sync.HandleHeightResponse(msg)
	case types.MsgSyncRequest:
		go n.Sync.HandleSyncRequest(msg)
	case types.MsgSyncResponse:
		go n.Sync.HandleSyncResponse(msg)
	case types.MsgRepoAnnounce:
		n.Gossip.HandleRepoAnnounce(msg)
	case types.MsgTxGossip:
		n.Gossip.HandleTxGossip(msg)
	default:
		n.Logger.Debug("[node] unknown message type %s from %s, dropped", msg.Type, msg.From)
	}
}

// dispatch 传输层收件循环
func (n *Node) dispatch(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-n.transport.Receive():
			if !ok {
				return
			}
			n.HandleMessage(&msg)
		}
	}
}
