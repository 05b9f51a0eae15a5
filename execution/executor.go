package execution

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"gitbft/consensus"
	"gitbft/db"
	"gitbft/logs"
	"gitbft/types"
)

// ============================================
// 引用状态机：最终化区块 → 引用表变更
// ============================================

// ErrStaleRef 旧OID与当前存储不符（乐观并发控制失败）
var ErrStaleRef = errors.New("stale ref: old oid does not match current value")

// Executor 按高度顺序消费最终化区块。
// applied-height水印保证重启后重放幂等；每个高度
// 强制刷盘后才允许处理下一高度
type Executor struct {
	manager *db.Manager
	events  consensus.EventBus
	Logger  *logs.Logger
}

func NewExecutor(manager *db.Manager, events consensus.EventBus, logger *logs.Logger) *Executor {
	if logger == nil {
		logger = logs.NewLogger("")
	}
	return &Executor{manager: manager, events: events, Logger: logger}
}

// CatchUp 重放已最终化但尚未应用的区块。
// 崩溃窗口：区块落盘在先、水印推进在后，重启时补齐
func (ex *Executor) CatchUp(store consensus.BlockStore) error {
	applied, err := ex.manager.AppliedHeight()
	if err != nil {
		return errors.Wrap(err, "read applied height")
	}
	finalized := store.FinalizedHeight()
	for h := applied + 1; h <= finalized; h++ {
		block, err := store.GetByHeight(h)
		if err != nil {
			return err
		}
		if block == nil {
			return fmt.Errorf("finalized height %d missing from store", h)
		}
		if err := ex.ApplyBlock(block, nil); err != nil {
			return err
		}
		ex.Logger.Info("[exec] replayed height %d on startup", h)
	}
	return nil
}

// refOverlay 单个区块的引用变更暂存层。
// SetRef 走异步写队列，区块内的比较-置换直接读badger会
// 看不到本区块前序交易的写入；先记在这里，区块末尾统一落库。
// 空串OID表示删除
type refOverlay struct {
	manager *db.Manager
	pending map[string]string // repo\x00name -> oid
}

func newRefOverlay(manager *db.Manager) *refOverlay {
	return &refOverlay{manager: manager, pending: make(map[string]string)}
}

func overlayKey(repo, name string) string {
	return repo + "\x00" + name
}

func (ov *refOverlay) get(repo, name string) (string, bool, error) {
	if oid, ok := ov.pending[overlayKey(repo, name)]; ok {
		if oid == "" {
			return "", false, nil
		}
		return oid, true, nil
	}
	return ov.manager.GetRef(repo, name)
}

func (ov *refOverlay) set(repo, name, oid string) {
	ov.pending[overlayKey(repo, name)] = oid
}

func (ov *refOverlay) delete(repo, name string) {
	ov.pending[overlayKey(repo, name)] = ""
}

func (ov *refOverlay) flush() {
	for key, oid := range ov.pending {
		repo, name, _ := strings.Cut(key, "\x00")
		if oid == "" {
			ov.manager.DeleteRef(repo, name)
		} else {
			ov.manager.SetRef(repo, name, oid)
		}
	}
}

// ApplyBlock 共识最终化回调。严格按高度顺序调用；
// 已应用过的高度直接返回（同步与正常路径可能重复投递）
func (ex *Executor) ApplyBlock(block *types.Block, qc *types.QuorumCertificate) error {
	applied, err := ex.manager.AppliedHeight()
	if err != nil {
		return errors.Wrap(err, "read applied height")
	}
	if block.Height <= applied {
		ex.Logger.Debug("[exec] height %d already applied (watermark %d), skipping", block.Height, applied)
		return nil
	}
	if block.Height != applied+1 {
		return fmt.Errorf("out-of-order apply: got height %d, watermark %d", block.Height, applied)
	}

	overlay := newRefOverlay(ex.manager)
	for _, tx := range block.Txs {
		ex.applyTx(overlay, block, tx)
	}
	overlay.flush()

	ex.manager.SetAppliedHeight(block.Height)
	// 本高度的全部变更落稳后才能进入下一高度
	if err := ex.manager.ForceFlush(); err != nil {
		return errors.Wrapf(err, "flush height %d", block.Height)
	}
	return nil
}

// applyTx 单笔交易的确定性应用。拒绝不是错误：
// 记回执、发事件，区块继续
func (ex *Executor) applyTx(overlay *refOverlay, block *types.Block, tx *types.Transaction) {
	var reason string
	switch tx.Type {
	case types.TxRefUpdate:
		reason = ex.applyRefUpdate(overlay, tx)
	case types.TxValidatorChange:
		// 成员变更由共识层调度生效，这里只落回执
		reason = ""
	default:
		reason = fmt.Sprintf("unknown tx type %q", tx.Type)
	}

	receipt := &db.TxReceipt{TxID: tx.ID, Height: block.Height}
	if reason == "" {
		receipt.Status = db.ReceiptConfirmed
		ex.events.PublishAsync(types.BaseEvent{EventType: types.EventTxConfirmed, EventData: tx.ID})
	} else {
		receipt.Status = db.ReceiptRejected
		receipt.Reason = reason
		ex.Logger.Debug("[exec] tx %s rejected at height %d: %s", tx.ID, block.Height, reason)
		ex.events.PublishAsync(types.BaseEvent{EventType: types.EventTxRejected, EventData: tx.ID})
	}
	if err := ex.manager.SaveReceipt(receipt); err != nil {
		ex.Logger.Error("[exec] save receipt for %s: %v", tx.ID, err)
	}
}

// applyRefUpdate 返回空串表示确认，非空为拒绝原因。
// 比较-置换语义：同一区块内同一引用的第二笔会看到
// 第一笔已更新的值，先到先得
func (ex *Executor) applyRefUpdate(overlay *refOverlay, tx *types.Transaction) string {
	payload, err := tx.DecodeRefUpdate()
	if err != nil {
		return fmt.Sprintf("malformed payload: %v", err)
	}

	current, exists, err := overlay.get(payload.Repo, payload.RefName)
	if err != nil {
		return fmt.Sprintf("read ref: %v", err)
	}
	if !exists {
		current = types.ZeroOID
	}
	if current != payload.OldOID {
		return fmt.Sprintf("%v: have %s, tx expects %s", ErrStaleRef, current, payload.OldOID)
	}

	if payload.NewOID == types.ZeroOID {
		overlay.delete(payload.Repo, payload.RefName)
		ex.Logger.Info("[exec] %s %s deleted", payload.Repo, payload.RefName)
		return ""
	}

	// 新引用指向的对象必须已经在对象库里
	ok, err := ex.manager.HasObject(payload.NewOID)
	if err != nil {
		return fmt.Sprintf("check object: %v", err)
	}
	if !ok {
		return fmt.Sprintf("missing object %s", payload.NewOID)
	}

	overlay.set(payload.Repo, payload.RefName, payload.NewOID)
	ex.Logger.Info("[exec] %s %s -> %s", payload.Repo, payload.RefName, payload.NewOID[:8])
	return ""
}
