package execution

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitbft/consensus"
	"gitbft/db"
	"gitbft/types"
	"gitbft/utils"
)

// ============================================
// 引用状态机测试（内存badger）
// ============================================

type execEnv struct {
	manager *db.Manager
	store   *consensus.MemoryBlockStore
	ex      *Executor
	km      *utils.KeyManager
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	manager, err := db.NewManager("", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)

	return &execEnv{
		manager: manager,
		store:   consensus.NewMemoryBlockStore(),
		ex:      NewExecutor(manager, consensus.NewEventBus(), nil),
		km:      km,
	}
}

func (e *execEnv) putObject(t *testing.T, seq int) string {
	t.Helper()
	oid := fmt.Sprintf("%040x", seq+1)
	require.NoError(t, e.manager.PutObject(oid, "commit", []byte(fmt.Sprintf("content %d", seq))))
	return oid
}

func (e *execEnv) refUpdateTx(t *testing.T, ref, oldOID, newOID string) *types.Transaction {
	t.Helper()
	payload, err := types.EncodeRefUpdate(&types.RefUpdatePayload{
		Repo: "demo", RefName: ref, OldOID: oldOID, NewOID: newOID,
	})
	require.NoError(t, err)
	tx := &types.Transaction{Type: types.TxRefUpdate, Payload: payload, Sender: e.km.PublicKeyBytes()}
	tx.ID = types.ComputeTxID(tx.Type, tx.Payload, tx.Sender)
	tx.Signature = e.km.Sign(tx.SigningDigest())
	return tx
}

func (e *execEnv) block(height uint64, txs ...*types.Transaction) *types.Block {
	b := &types.Block{Height: height, Hash: fmt.Sprintf("h%d", height), Txs: txs}
	for _, tx := range txs {
		b.TxIDs = append(b.TxIDs, tx.ID)
	}
	return b
}

func TestApplyConfirmsRefUpdate(t *testing.T) {
	e := newExecEnv(t)
	oid := e.putObject(t, 0)
	tx := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oid)

	require.NoError(t, e.ex.ApplyBlock(e.block(1, tx), nil))

	got, exists, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, oid, got)

	r, err := e.manager.GetReceipt(tx.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, db.ReceiptConfirmed, r.Status)
	assert.Equal(t, uint64(1), r.Height)

	h, err := e.manager.AppliedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h)
}

func TestApplyRejectsStaleRef(t *testing.T) {
	e := newExecEnv(t)
	oidA := e.putObject(t, 0)
	oidB := e.putObject(t, 1)

	require.NoError(t, e.ex.ApplyBlock(e.block(1, e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidA)), nil))

	// 基于已经过时的旧值再推一次
	stale := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidB)
	require.NoError(t, e.ex.ApplyBlock(e.block(2, stale), nil))

	// 引用没动，回执为拒绝并带原因
	got, _, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, oidA, got)

	r, err := e.manager.GetReceipt(stale.ID)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, db.ReceiptRejected, r.Status)
	assert.Contains(t, r.Reason, "stale ref")
}

func TestConflictingUpdatesInOneBlock(t *testing.T) {
	// 同一区块内对同一引用的两笔更新：第一笔赢，第二笔看到
	// 已更新的当前值而被拒
	e := newExecEnv(t)
	oidA := e.putObject(t, 0)
	oidB := e.putObject(t, 1)

	txA := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidA)
	txB := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidB)
	require.NoError(t, e.ex.ApplyBlock(e.block(1, txA, txB), nil))

	got, _, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, oidA, got)

	rA, _ := e.manager.GetReceipt(txA.ID)
	rB, _ := e.manager.GetReceipt(txB.ID)
	assert.Equal(t, db.ReceiptConfirmed, rA.Status)
	assert.Equal(t, db.ReceiptRejected, rB.Status)
}

func TestConflictingUpdatesWithWriteQueue(t *testing.T) {
	// 生产路径写队列是异步的：区块内的比较-置换决不能依赖
	// badger里已经可见的值，否则同块两笔冲突更新会双双确认
	e := newExecEnv(t)
	e.manager.InitWriteQueue(500, 200*time.Millisecond)

	oidA := e.putObject(t, 0)
	oidB := e.putObject(t, 1)

	txA := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidA)
	txB := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidB)
	require.NoError(t, e.ex.ApplyBlock(e.block(1, txA, txB), nil))

	got, _, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, oidA, got)

	rA, _ := e.manager.GetReceipt(txA.ID)
	rB, _ := e.manager.GetReceipt(txB.ID)
	require.NotNil(t, rA)
	require.NotNil(t, rB)
	assert.Equal(t, db.ReceiptConfirmed, rA.Status)
	assert.Equal(t, db.ReceiptRejected, rB.Status)
	assert.Contains(t, rB.Reason, "stale ref")

	// 跨区块的比较-置换同样成立：下一高度必须看到 oidA
	txC := e.refUpdateTx(t, "refs/heads/main", oidA, oidB)
	require.NoError(t, e.ex.ApplyBlock(e.block(2, txC), nil))
	got, _, err = e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, oidB, got)
}

func TestApplyRejectsMissingObject(t *testing.T) {
	e := newExecEnv(t)
	missing := fmt.Sprintf("%040x", 0xdead)
	tx := e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, missing)

	require.NoError(t, e.ex.ApplyBlock(e.block(1, tx), nil))

	_, exists, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.False(t, exists)

	r, _ := e.manager.GetReceipt(tx.ID)
	assert.Equal(t, db.ReceiptRejected, r.Status)
	assert.Contains(t, r.Reason, "missing object")
}

func TestRefDelete(t *testing.T) {
	e := newExecEnv(t)
	oid := e.putObject(t, 0)

	require.NoError(t, e.ex.ApplyBlock(e.block(1, e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oid)), nil))
	require.NoError(t, e.ex.ApplyBlock(e.block(2, e.refUpdateTx(t, "refs/heads/main", oid, types.ZeroOID)), nil))

	_, exists, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestApplyIdempotentAndOrdered(t *testing.T) {
	e := newExecEnv(t)
	oid := e.putObject(t, 0)
	b1 := e.block(1, e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oid))

	require.NoError(t, e.ex.ApplyBlock(b1, nil))
	// 同一高度重复投递是无操作
	require.NoError(t, e.ex.ApplyBlock(b1, nil))

	// 跳高度是错误
	err := e.ex.ApplyBlock(e.block(3), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out-of-order")

	h, err := e.manager.AppliedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h)
}

func TestCatchUpReplaysUnapplied(t *testing.T) {
	// 崩溃窗口：区块已最终化落盘，水印还停在0
	e := newExecEnv(t)
	oidA := e.putObject(t, 0)
	oidB := e.putObject(t, 1)

	b1 := e.block(1, e.refUpdateTx(t, "refs/heads/main", types.ZeroOID, oidA))
	b2 := e.block(2, e.refUpdateTx(t, "refs/heads/main", oidA, oidB))
	require.NoError(t, e.store.SaveFinalized(b1, nil))
	require.NoError(t, e.store.SaveFinalized(b2, nil))

	require.NoError(t, e.ex.CatchUp(e.store))

	got, _, err := e.manager.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.Equal(t, oidB, got)

	h, err := e.manager.AppliedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h)

	// 再跑一次没有副作用
	require.NoError(t, e.ex.CatchUp(e.store))
}
