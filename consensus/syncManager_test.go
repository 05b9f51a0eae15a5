package consensus

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitbft/config"
	"gitbft/db"
	"gitbft/gitwire"
	"gitbft/txpool"
	"gitbft/types"
	"gitbft/utils"
)

// ============================================
// 同步端到端：领先节点打包 → 落后节点验证并应用
// ============================================

type syncPeer struct {
	id        types.NodeID
	km        *utils.KeyManager
	manager   *db.Manager
	store     *MemoryBlockStore
	engine    *Engine
	sm        *SyncManager
	transport *SimulatedTransport
	applied   []uint64
}

func newSyncPeer(t *testing.T, net *SimulatedNetwork, vals *types.ValidatorSet, km *utils.KeyManager) *syncPeer {
	t.Helper()
	manager, err := db.NewManager("", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	pool, err := txpool.NewTxPool(nil, nil, config.DefaultConfig().Mempool, nil)
	require.NoError(t, err)

	id := types.NodeID(km.GetAddress())
	transport := net.Join(id)
	store := NewMemoryBlockStore()
	engine := NewEngine(id, km, store, pool, transport, NewEventBus(), vals, fastConsensusConfig(), nil)

	p := &syncPeer{id: id, km: km, manager: manager, store: store, engine: engine, transport: transport}
	cfg := config.DefaultConfig().Sync
	p.sm = NewSyncManager(transport, store, manager, engine,
		func(block *types.Block, qc *types.QuorumCertificate) error {
			p.applied = append(p.applied, block.Height)
			return nil
		},
		blsSigner{km: km}, NewEventBus(), &cfg, nil)
	return p
}

// chainBlock 构造带合法QC的已最终化区块（单验证人，法定票数1）
func chainBlock(t *testing.T, km *utils.KeyManager, vals *types.ValidatorSet,
	parent *types.Block, txs ...*types.Transaction) (*types.Block, *types.QuorumCertificate) {
	t.Helper()
	block := &types.Block{
		Height:     parent.Height + 1,
		ParentHash: parent.Hash,
		Timestamp:  uint64(time.Now().UnixMilli()),
		Proposer:   km.PublicKeyBytes(),
		Round:      parent.Height, // 每高度一轮
		Txs:        txs,
	}
	for _, tx := range txs {
		block.TxIDs = append(block.TxIDs, tx.ID)
	}
	hash, err := block.ComputeHash()
	require.NoError(t, err)
	block.Hash = hash
	block.Signature = km.Sign(block.HashDigest())

	sig := km.Sign(types.VoteDigest(block.Hash, block.Height, block.Round))
	qc, err := types.NewQuorumCertificate(block.Hash, block.Height, block.Round, vals, map[int][]byte{0: sig})
	require.NoError(t, err)
	return block, qc
}

// refTx NewOID指向server对象库里的真实git对象
func refTx(t *testing.T, km *utils.KeyManager, ref, oldOID, newOID string) *types.Transaction {
	t.Helper()
	payload, err := types.EncodeRefUpdate(&types.RefUpdatePayload{
		Repo: "demo", RefName: ref, OldOID: oldOID, NewOID: newOID,
	})
	require.NoError(t, err)
	tx := &types.Transaction{Type: types.TxRefUpdate, Payload: payload, Sender: km.PublicKeyBytes()}
	tx.ID = types.ComputeTxID(tx.Type, tx.Payload, tx.Sender)
	tx.Signature = km.Sign(tx.SigningDigest())
	return tx
}

// putChain 在对象库里放一条 commit→tree→blob 链，返回commit的OID
func putChain(t *testing.T, m *db.Manager, content string) string {
	t.Helper()
	blob := gitwire.NewObject(gitwire.KindBlob, []byte(content))

	rawBlob, err := hex.DecodeString(blob.OID)
	require.NoError(t, err)
	treeData := append([]byte("100644 file.txt\x00"), rawBlob...)
	tree := gitwire.NewObject(gitwire.KindTree, treeData)

	commit := gitwire.NewObject(gitwire.KindCommit,
		[]byte(fmt.Sprintf("tree %s\n\n%s\n", tree.OID, content)))

	for _, obj := range []gitwire.Object{blob, tree, commit} {
		require.NoError(t, m.PutObject(obj.OID, string(obj.Kind), obj.Data))
	}
	return commit.OID
}

func recvMsg(t *testing.T, tr *SimulatedTransport, want types.MessageType) *types.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-tr.Receive():
			if msg.Type == want {
				m := msg
				return &m
			}
		case <-deadline:
			t.Fatalf("no %s message received", want)
		}
	}
}

func TestSyncCatchUp(t *testing.T) {
	net := NewSimulatedNetwork()

	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	vals := types.NewValidatorSet(0, []*types.Validator{{
		PubKey: km.PublicKeyBytes(), Address: km.GetAddress(), Power: 1, Status: types.ValidatorActive,
	}})

	kmB, err := utils.GenerateKeyManager()
	require.NoError(t, err)

	server := newSyncPeer(t, net, vals, km)
	client := newSyncPeer(t, net, vals, kmB)

	// 服务端已有3个最终化高度，引用的对象在它的对象库里
	commitOID := putChain(t, server.manager, "v1")
	parent := server.store.LastFinalized()
	var lastOID string
	for h := 1; h <= 3; h++ {
		oid := commitOID
		old := types.ZeroOID
		if h > 1 {
			oid = putChain(t, server.manager, fmt.Sprintf("v%d", h))
			old = lastOID
		}
		block, qc := chainBlock(t, km, vals, parent, refTx(t, km, "refs/heads/main", old, oid))
		require.NoError(t, server.store.SaveFinalized(block, qc))
		parent = block
		lastOID = oid
	}

	// 客户端知道服务端的BLS公钥，同步证据可验
	blsPub, err := utils.BLSPublicKeyBytes(utils.BLSScalarFromSecp(km.PrivKey()))
	require.NoError(t, err)
	require.NoError(t, client.manager.SaveNodeInfo(&db.NodeInfo{
		PublicKey: hex.EncodeToString(km.PublicKeyBytes()),
		Address:   km.GetAddress(),
		BlsPubKey: blsPub,
	}))

	// 高度应答触发同步请求（落后3 ≥ 阈值）
	client.sm.HandleHeightResponse(&types.Message{
		Type: types.MsgHeightResponse, From: server.id, CurrentHeight: 3,
	})
	assert.Equal(t, SyncRequesting, client.sm.State())

	req := recvMsg(t, server.transport, types.MsgSyncRequest)
	assert.Equal(t, uint64(1), req.FromHeight)
	server.sm.HandleSyncRequest(req)

	resp := recvMsg(t, client.transport, types.MsgSyncResponse)
	require.NotEmpty(t, resp.BatchZstd)
	require.NotEmpty(t, resp.Evidence)
	client.sm.HandleSyncResponse(resp)

	// 客户端追平：区块、对象、应用回调全部就位
	assert.Equal(t, SyncIdle, client.sm.State())
	assert.Equal(t, uint64(3), client.store.FinalizedHeight())
	assert.Equal(t, server.store.LastFinalized().Hash, client.store.LastFinalized().Hash)
	assert.Equal(t, []uint64{1, 2, 3}, client.applied)

	// 对象闭包随块传输（commit+tree+blob）
	ok, err := client.manager.HasObject(lastOID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSyncRejectsTamperedBatch(t *testing.T) {
	net := NewSimulatedNetwork()
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	vals := types.NewValidatorSet(0, []*types.Validator{{
		PubKey: km.PublicKeyBytes(), Address: km.GetAddress(), Power: 1, Status: types.ValidatorActive,
	}})
	kmB, err := utils.GenerateKeyManager()
	require.NoError(t, err)

	server := newSyncPeer(t, net, vals, km)
	client := newSyncPeer(t, net, vals, kmB)

	// 服务端签了一个QC与区块不匹配的链（篡改哈希）
	block, qc := chainBlock(t, km, vals, server.store.LastFinalized())
	tampered := *block
	tampered.Hash = "deadbeef"
	require.NoError(t, server.store.SaveFinalized(&tampered, qc))

	client.sm.HandleHeightResponse(&types.Message{
		Type: types.MsgHeightResponse, From: server.id, CurrentHeight: 1,
	})
	// 落后1 < 阈值2，不触发；手动压低阈值意义不大，直接抬高服务端高度
	client.sm.HandleHeightResponse(&types.Message{
		Type: types.MsgHeightResponse, From: server.id, CurrentHeight: 2,
	})
	require.Equal(t, SyncRequesting, client.sm.State())

	req := recvMsg(t, server.transport, types.MsgSyncRequest)
	server.sm.HandleSyncRequest(req)
	resp := recvMsg(t, client.transport, types.MsgSyncResponse)
	client.sm.HandleSyncResponse(resp)

	// 批次被拒，本地链不动
	assert.Equal(t, SyncIdle, client.sm.State())
	assert.Equal(t, uint64(0), client.store.FinalizedHeight())
	assert.Empty(t, client.applied)
}
