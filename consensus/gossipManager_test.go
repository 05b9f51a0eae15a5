package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitbft/config"
	"gitbft/db"
	"gitbft/txpool"
	"gitbft/types"
	"gitbft/utils"
)

func newGossipEnv(t *testing.T, net *SimulatedNetwork, id types.NodeID) (*GossipManager, *txpool.TxPool, *db.Manager) {
	t.Helper()
	manager, err := db.NewManager("", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	pool, err := txpool.NewTxPool(nil, nil, config.DefaultConfig().Mempool, nil)
	require.NoError(t, err)

	cfg := config.DefaultConfig().Network
	g := NewGossipManager(net.Join(id), pool, manager, &cfg, nil)
	return g, pool, manager
}

func TestTxGossipRelay(t *testing.T) {
	net := NewSimulatedNetwork()
	gA, _, _ := newGossipEnv(t, net, "a")
	gB, poolB, _ := newGossipEnv(t, net, "b")
	gC, _, _ := newGossipEnv(t, net, "c")

	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tx := makeTx(t, km, 0)

	// a 扩散 → b 入池并转发（排除a）→ c 收到两份
	gA.GossipTx(tx)

	var toB types.Message
	select {
	case toB = <-gB.transport.Receive():
	case <-time.After(time.Second):
		t.Fatal("b did not receive gossip")
	}
	require.Equal(t, types.MsgTxGossip, toB.Type)
	gB.HandleTxGossip(&toB)
	assert.True(t, poolB.Has(tx.ID))

	// 重复投递被短ID挡住，不再转发也不再入池
	gB.HandleTxGossip(&toB)
	assert.Equal(t, 1, poolB.Size())

	// c 先后收到 a 的原始扩散和 b 的转发
	var froms []types.NodeID
	for i := 0; i < 2; i++ {
		select {
		case m := <-gC.transport.Receive():
			require.Equal(t, types.MsgTxGossip, m.Type)
			froms = append(froms, m.From)
		case <-time.After(time.Second):
			t.Fatal("c did not receive both copies")
		}
	}
	assert.ElementsMatch(t, []types.NodeID{"a", "b"}, froms)
}

func TestTxGossipStopsOnRejection(t *testing.T) {
	net := NewSimulatedNetwork()
	gA, _, _ := newGossipEnv(t, net, "a")
	gB, poolB, _ := newGossipEnv(t, net, "b")

	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tx := makeTx(t, km, 0)
	tx.Signature[0] ^= 0xff // 签名坏掉

	gA.GossipTx(tx)
	var msg types.Message
	select {
	case msg = <-gB.transport.Receive():
	case <-time.After(time.Second):
		t.Fatal("b did not receive gossip")
	}
	gB.HandleTxGossip(&msg)

	// 非法交易在第一跳断掉：不入池，a的收件箱里没有回流
	assert.False(t, poolB.Has(tx.ID))
	select {
	case relayed := <-gA.transport.Receive():
		t.Fatalf("unexpected relay of rejected tx: %s", relayed.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTxGossipRetryAfterMempoolFull(t *testing.T) {
	net := NewSimulatedNetwork()

	manager, err := db.NewManager("", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	mempoolCfg := config.DefaultConfig().Mempool
	mempoolCfg.MaxTxs = 1
	pool, err := txpool.NewTxPool(nil, nil, mempoolCfg, nil)
	require.NoError(t, err)

	netCfg := config.DefaultConfig().Network
	g := NewGossipManager(net.Join("b"), pool, manager, &netCfg, nil)

	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	filler := makeTx(t, km, 0)
	require.NoError(t, pool.Submit(filler))

	tx := makeTx(t, km, 1)
	msg := &types.Message{Type: types.MsgTxGossip, From: "a", Tx: tx,
		ShortIDs: []uint64{utils.ShortID([]byte(tx.ID))}}

	// 池满被拒是暂时状态，短ID不能就此记死
	g.HandleTxGossip(msg)
	assert.False(t, pool.Has(tx.ID))

	// 腾出位置后同一笔交易再次送达，必须还能入池
	pool.Evict(filler.ID)
	g.HandleTxGossip(msg)
	assert.True(t, pool.Has(tx.ID))
}

func TestRepoAnnounceAndKnownRepos(t *testing.T) {
	net := NewSimulatedNetwork()
	gA, _, mA := newGossipEnv(t, net, "a")
	gB, _, mB := newGossipEnv(t, net, "b")

	mA.SetRef("alpha", "refs/heads/main", "0000000000000000000000000000000000000001")
	mB.SetRef("beta", "refs/heads/main", "0000000000000000000000000000000000000002")

	gA.AnnounceRepos()
	var msg types.Message
	select {
	case msg = <-gB.transport.Receive():
	case <-time.After(time.Second):
		t.Fatal("b did not receive announce")
	}
	require.Equal(t, types.MsgRepoAnnounce, msg.Type)
	gB.HandleRepoAnnounce(&msg)

	// 本地+公告合并排序
	assert.Equal(t, []string{"alpha", "beta"}, gB.KnownRepos())
	assert.Equal(t, []string{"alpha"}, gA.KnownRepos())
}
