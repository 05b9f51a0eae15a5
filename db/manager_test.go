package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitbft/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager("", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestObjectStoreDedup(t *testing.T) {
	m := newTestManager(t)
	oid := fmt.Sprintf("%040x", 1)

	require.NoError(t, m.PutObject(oid, "blob", []byte("hello")))
	// 同一OID重复写入是无操作
	require.NoError(t, m.PutObject(oid, "blob", []byte("hello")))

	kind, data, err := m.GetObject(oid)
	require.NoError(t, err)
	assert.Equal(t, "blob", kind)
	assert.Equal(t, []byte("hello"), data)

	ok, err := m.HasObject(oid)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.HasObject(fmt.Sprintf("%040x", 2))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = m.GetObject(fmt.Sprintf("%040x", 2))
	assert.Error(t, err)
}

func TestRefTable(t *testing.T) {
	m := newTestManager(t)

	_, exists, err := m.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	assert.False(t, exists)

	m.SetRef("demo", "refs/heads/main", fmt.Sprintf("%040x", 1))
	m.SetRef("demo", "refs/heads/dev", fmt.Sprintf("%040x", 2))
	m.SetRef("other", "refs/heads/main", fmt.Sprintf("%040x", 3))

	got, exists, err := m.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, fmt.Sprintf("%040x", 1), got)

	refs, err := m.ListRefs("demo")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	repos, err := m.ListRepos()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"demo", "other"}, repos)

	m.DeleteRef("demo", "refs/heads/dev")
	_, exists, err = m.GetRef("demo", "refs/heads/dev")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRefTableRepoNameWithUnderscore(t *testing.T) {
	// 仓库id允许下划线："a"的引用扫描不能把"a_b"的引用也捞进来
	m := newTestManager(t)

	m.SetRef("a", "refs/heads/main", fmt.Sprintf("%040x", 1))
	m.SetRef("a_b", "refs/heads/main", fmt.Sprintf("%040x", 2))
	m.SetRef("a_b", "refs/heads/dev", fmt.Sprintf("%040x", 3))

	refs, err := m.ListRefs("a")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "refs/heads/main", refs[0].Name)
	assert.Equal(t, fmt.Sprintf("%040x", 1), refs[0].OID)

	refs, err = m.ListRefs("a_b")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	for _, r := range refs {
		assert.Equal(t, "a_b", r.Repo)
	}

	repos, err := m.ListRepos()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "a_b"}, repos)
}

func TestBlockChainStorage(t *testing.T) {
	m := newTestManager(t)

	h, err := m.FinalizedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h)

	b1 := &types.Block{Height: 1, Hash: "h1", ParentHash: types.GenesisHash}
	b2 := &types.Block{Height: 2, Hash: "h2", ParentHash: "h1"}
	require.NoError(t, m.SaveFinalizedBlock(b1, nil))
	require.NoError(t, m.SaveFinalizedBlock(b2, nil))

	h, err = m.FinalizedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h)

	got, err := m.GetBlockByHeight(1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.Hash)

	byHash, err := m.GetBlockByHash("h2")
	require.NoError(t, err)
	require.NotNil(t, byHash)
	assert.Equal(t, uint64(2), byHash.Height)

	// 幂等重写和冲突检测
	require.NoError(t, m.SaveFinalizedBlock(b1, nil))
	conflict := &types.Block{Height: 1, Hash: "hx", ParentHash: types.GenesisHash}
	assert.Error(t, m.SaveFinalizedBlock(conflict, nil))

	blocks, err := m.GetBlocksRange(1, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2) // 缺块即停
	assert.Equal(t, "h1", blocks[0].Hash)
	assert.Equal(t, "h2", blocks[1].Hash)
}

func TestReceipts(t *testing.T) {
	m := newTestManager(t)

	r, err := m.GetReceipt("missing")
	require.NoError(t, err)
	assert.Nil(t, r)

	require.NoError(t, m.SaveReceipt(&TxReceipt{TxID: "t1", Status: ReceiptPending}))
	require.NoError(t, m.SaveReceipt(&TxReceipt{TxID: "t1", Status: ReceiptConfirmed, Height: 7}))

	r, err = m.GetReceipt("t1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, ReceiptConfirmed, r.Status)
	assert.Equal(t, uint64(7), r.Height)
}

func TestAppliedHeightWatermark(t *testing.T) {
	m := newTestManager(t)

	h, err := m.AppliedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h)

	m.SetAppliedHeight(5)
	h, err = m.AppliedHeight()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h)
}

func TestValidatorSetRoundTrip(t *testing.T) {
	m := newTestManager(t)

	vs, err := m.GetValidatorSet()
	require.NoError(t, err)
	assert.Nil(t, vs)

	in := types.NewValidatorSet(3, []*types.Validator{
		{PubKey: []byte{0x02, 0x01}, Address: "bc1qaaa", Power: 1, Status: types.ValidatorActive},
		{PubKey: []byte{0x02, 0x02}, Address: "bc1qbbb", Power: 1, Status: types.ValidatorActive},
	})
	require.NoError(t, m.SaveValidatorSet(in))

	vs, err = m.GetValidatorSet()
	require.NoError(t, err)
	require.NotNil(t, vs)
	assert.Equal(t, uint64(3), vs.Version)
	assert.Equal(t, 2, vs.Size())
}

func TestNodeInfos(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SaveNodeInfo(&NodeInfo{
		PublicKey: "02aa", Address: "bc1qaaa", Ip: "127.0.0.1:6000", IsOnline: true, LastSeen: time.Now(),
	}))
	require.NoError(t, m.SaveNodeInfo(&NodeInfo{
		PublicKey: "02bb", Address: "bc1qbbb", Ip: "127.0.0.1:6001",
	}))

	infos, err := m.GetAllNodeInfos()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestWriteQueueForceFlush(t *testing.T) {
	m := newTestManager(t)
	m.InitWriteQueue(100, 10*time.Second) // 刷盘间隔拉长，靠ForceFlush落库

	m.SetRef("demo", "refs/heads/main", fmt.Sprintf("%040x", 1))
	require.NoError(t, m.ForceFlush())

	got, exists, err := m.GetRef("demo", "refs/heads/main")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, fmt.Sprintf("%040x", 1), got)
}
