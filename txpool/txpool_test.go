package txpool

import (
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitbft/config"
	"gitbft/types"
	"gitbft/utils"
)

func testConfig() config.MempoolConfig {
	cfg := config.DefaultConfig().Mempool
	cfg.MaxTxs = 8
	cfg.MaxBytes = 1 << 20
	return cfg
}

func newTestPool(t *testing.T, cfg config.MempoolConfig) *TxPool {
	t.Helper()
	tp, err := NewTxPool(nil, nil, cfg, nil)
	require.NoError(t, err)
	return tp
}

// makeRefUpdateTx 构造一笔签名合法的 ref_update 交易
func makeRefUpdateTx(t *testing.T, km *utils.KeyManager, ref string, newOID string) *types.Transaction {
	t.Helper()
	payload, err := types.EncodeRefUpdate(&types.RefUpdatePayload{
		Repo:    "demo",
		RefName: ref,
		OldOID:  types.ZeroOID,
		NewOID:  newOID,
	})
	require.NoError(t, err)

	tx := &types.Transaction{
		Type:    types.TxRefUpdate,
		Payload: payload,
		Sender:  km.PublicKeyBytes(),
	}
	tx.ID = types.ComputeTxID(tx.Type, tx.Payload, tx.Sender)
	tx.Signature = km.Sign(tx.SigningDigest())
	return tx
}

func fakeOID(i int) string {
	return fmt.Sprintf("%040x", i+1)
}

func TestSubmitAndQuery(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tp := newTestPool(t, testConfig())

	tx := makeRefUpdateTx(t, km, "refs/heads/main", fakeOID(0))
	require.NoError(t, tp.Submit(tx))

	assert.True(t, tp.Has(tx.ID))
	got, ok := tp.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, 1, tp.Size())
	assert.Equal(t, tx.Size(), tp.TotalBytes())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tp := newTestPool(t, testConfig())

	// 签名被篡改
	bad := makeRefUpdateTx(t, km, "refs/heads/main", fakeOID(0))
	bad.Signature[0] ^= 0xff
	assert.ErrorIs(t, tp.Submit(bad), ErrInvalidSignature)

	// ID与内容不符
	mismatch := makeRefUpdateTx(t, km, "refs/heads/dev", fakeOID(1))
	mismatch.ID = types.ComputeTxID(mismatch.Type, mismatch.Payload, []byte("other"))
	assert.ErrorIs(t, tp.Submit(mismatch), ErrMalformedPayload)

	// 载荷不完整
	payload, _ := types.EncodeRefUpdate(&types.RefUpdatePayload{Repo: "demo"})
	short := &types.Transaction{Type: types.TxRefUpdate, Payload: payload, Sender: km.PublicKeyBytes()}
	short.ID = types.ComputeTxID(short.Type, short.Payload, short.Sender)
	short.Signature = km.Sign(short.SigningDigest())
	assert.ErrorIs(t, tp.Submit(short), ErrMalformedPayload)

	assert.Equal(t, 0, tp.Size())
}

func TestSubmitIdempotent(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tp := newTestPool(t, testConfig())

	tx := makeRefUpdateTx(t, km, "refs/heads/main", fakeOID(0))
	require.NoError(t, tp.Submit(tx))
	require.NoError(t, tp.Submit(tx))
	assert.Equal(t, 1, tp.Size())

	// 已逐出的交易通过dedup缓存继续挡重复
	tp.Evict(tx.ID)
	require.NoError(t, tp.Submit(tx))
	assert.Equal(t, 0, tp.Size())
}

func TestMempoolFullBackpressure(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.MaxTxs = 3
	tp := newTestPool(t, cfg)

	var first *types.Transaction
	for i := 0; i < 3; i++ {
		tx := makeRefUpdateTx(t, km, fmt.Sprintf("refs/heads/b%d", i), fakeOID(i))
		if first == nil {
			first = tx
		}
		require.NoError(t, tp.Submit(tx))
	}

	overflow := makeRefUpdateTx(t, km, "refs/heads/overflow", fakeOID(99))
	err = tp.Submit(overflow)
	assert.True(t, errors.Is(err, ErrMempoolFull))

	// 池满不会挤掉更早的待确认交易
	assert.True(t, tp.Has(first.ID))
	assert.Equal(t, 3, tp.Size())
}

func TestMempoolFullByBytes(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.MaxTxs = 1000
	tx := makeRefUpdateTx(t, km, "refs/heads/main", fakeOID(0))
	cfg.MaxBytes = tx.Size() + 1 // 只容得下一笔
	tp := newTestPool(t, cfg)

	require.NoError(t, tp.Submit(tx))
	second := makeRefUpdateTx(t, km, "refs/heads/dev", fakeOID(1))
	assert.True(t, errors.Is(tp.Submit(second), ErrMempoolFull))
}

func TestDrainForProposal(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tp := newTestPool(t, testConfig())

	var ids []string
	for i := 0; i < 5; i++ {
		tx := makeRefUpdateTx(t, km, fmt.Sprintf("refs/heads/b%d", i), fakeOID(i))
		require.NoError(t, tp.Submit(tx))
		ids = append(ids, tx.ID)
	}

	// 插入序拷贝，池本身不变
	batch := tp.DrainForProposal(3, 0)
	require.Len(t, batch, 3)
	for i, tx := range batch {
		assert.Equal(t, ids[i], tx.ID)
	}
	assert.Equal(t, 5, tp.Size())

	// 字节上限截断。DER签名长度不定，预算必须取队首两笔的实际大小
	budget := batch[0].Size() + batch[1].Size()
	batch = tp.DrainForProposal(0, budget)
	assert.Len(t, batch, 2)

	// 无上限取全量
	batch = tp.DrainForProposal(0, 0)
	assert.Len(t, batch, 5)
}

func TestEvict(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tp := newTestPool(t, testConfig())

	a := makeRefUpdateTx(t, km, "refs/heads/a", fakeOID(0))
	b := makeRefUpdateTx(t, km, "refs/heads/b", fakeOID(1))
	require.NoError(t, tp.Submit(a))
	require.NoError(t, tp.Submit(b))

	tp.Evict(a.ID)
	assert.False(t, tp.Has(a.ID))
	assert.True(t, tp.Has(b.ID))
	assert.Equal(t, b.Size(), tp.TotalBytes())

	// 幂等
	tp.Evict(a.ID)
	assert.Equal(t, 1, tp.Size())

	batch := tp.DrainForProposal(0, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, b.ID, batch[0].ID)
}

func TestDropExpired(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	cfg := testConfig()
	cfg.TxExpiration = 10 * time.Millisecond
	tp := newTestPool(t, cfg)

	tx := makeRefUpdateTx(t, km, "refs/heads/main", fakeOID(0))
	require.NoError(t, tp.Submit(tx))
	time.Sleep(20 * time.Millisecond)

	fresh := makeRefUpdateTx(t, km, "refs/heads/dev", fakeOID(1))
	require.NoError(t, tp.Submit(fresh))

	tp.dropExpired()
	assert.False(t, tp.Has(tx.ID))
	assert.True(t, tp.Has(fresh.ID))
}

func TestOldestAge(t *testing.T) {
	km, err := utils.GenerateKeyManager()
	require.NoError(t, err)
	tp := newTestPool(t, testConfig())
	assert.Equal(t, time.Duration(0), tp.OldestAge())

	tx := makeRefUpdateTx(t, km, "refs/heads/main", fakeOID(0))
	require.NoError(t, tp.Submit(tx))
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, tp.OldestAge(), time.Duration(0))
}
