package txpool

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"gitbft/config"
	"gitbft/db"
	"gitbft/logs"
	"gitbft/types"
)

// 提交失败的错误分类
var (
	ErrInvalidSignature = errors.New("invalid transaction signature")
	ErrMalformedPayload = errors.New("malformed transaction payload")
	// ErrMempoolFull 池满背压信号，调用方稍后重试。
	// 绝不为腾位置静默丢弃更早的待确认交易
	ErrMempoolFull = errors.New("mempool full")
)

// TxValidator 交易校验抽象，共识层投票前也用它复验
type TxValidator interface {
	CheckTx(tx *types.Transaction) error
}

type poolEntry struct {
	tx      *types.Transaction
	addedAt time.Time
}

// TxPool 未确认交易的有界持有区。
// 摄入路径和领导人提案路径并发访问，单把读写锁保证不出现撕裂读：
// 提案方在持读锁期间拷贝批次，新提交在写锁下排队
type TxPool struct {
	mu     sync.RWMutex
	cfg    config.MempoolConfig
	Logger *logs.Logger

	dbManager *db.Manager
	validator TxValidator

	entries    map[string]*poolEntry
	order      []string // 插入序，最老在前
	totalBytes int64

	// 近期见过的交易ID（含已确认/已过期），挡掉重复gossip
	dedupCache *lru.Cache

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewTxPool validator为nil时使用默认校验
func NewTxPool(dbManager *db.Manager, validator TxValidator, cfg config.MempoolConfig, logger *logs.Logger) (*TxPool, error) {
	if logger == nil {
		logger = logs.NewLogger("")
	}
	dedupSize := cfg.DedupCacheSize
	if dedupSize <= 0 {
		dedupSize = 100000
	}
	dedupCache, err := lru.New(dedupSize)
	if err != nil {
		return nil, err
	}

	tp := &TxPool{
		cfg:        cfg,
		Logger:     logger,
		dbManager:  dbManager,
		entries:    make(map[string]*poolEntry),
		dedupCache: dedupCache,
		stopChan:   make(chan struct{}),
	}
	if validator == nil {
		validator = &defaultValidator{cfg: cfg}
	}
	tp.validator = validator
	return tp, nil
}

// Start 启动过期清理循环
func (tp *TxPool) Start() {
	interval := tp.cfg.ExpiryCheck
	if interval <= 0 {
		interval = time.Minute
	}
	tp.wg.Add(1)
	go func() {
		defer tp.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tp.stopChan:
				return
			case <-ticker.C:
				tp.dropExpired()
			}
		}
	}()
}

func (tp *TxPool) Stop() {
	close(tp.stopChan)
	tp.wg.Wait()
}

// Submit 校验并入池。签名或载荷不合法、池满时返回对应错误；
// 重复提交同一ID直接成功（幂等）
func (tp *TxPool) Submit(tx *types.Transaction) error {
	if err := tp.validator.CheckTx(tx); err != nil {
		return err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if _, ok := tp.entries[tx.ID]; ok {
		return nil
	}
	if tp.dedupCache.Contains(tx.ID) {
		return nil
	}

	size := tx.Size()
	if len(tp.entries) >= tp.cfg.MaxTxs || tp.totalBytes+size > tp.cfg.MaxBytes {
		return errors.Wrapf(ErrMempoolFull, "txs=%d bytes=%d", len(tp.entries), tp.totalBytes)
	}

	tp.entries[tx.ID] = &poolEntry{tx: tx, addedAt: time.Now()}
	tp.order = append(tp.order, tx.ID)
	tp.totalBytes += size
	tp.dedupCache.Add(tx.ID, struct{}{})

	if tp.dbManager != nil {
		if err := tp.dbManager.SaveTx(tx); err != nil {
			tp.Logger.Warn("[txpool] persist tx %s failed: %v", tx.ID, err)
		}
		if err := tp.dbManager.SaveReceipt(&db.TxReceipt{TxID: tx.ID, Status: db.ReceiptPending}); err != nil {
			tp.Logger.Warn("[txpool] persist receipt %s failed: %v", tx.ID, err)
		}
	}
	return nil
}

// DrainForProposal 按插入序拷贝一个批次，不移除池内条目。
// 条目只在最终化或过期时被逐出
func (tp *TxPool) DrainForProposal(maxTxs int, maxBytes int64) []*types.Transaction {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	var out []*types.Transaction
	var bytes int64
	for _, id := range tp.order {
		entry, ok := tp.entries[id]
		if !ok {
			continue
		}
		size := entry.tx.Size()
		if maxTxs > 0 && len(out) >= maxTxs {
			break
		}
		if maxBytes > 0 && bytes+size > maxBytes {
			break
		}
		out = append(out, entry.tx)
		bytes += size
	}
	return out
}

// Evict 交易确认或过期后移除
func (tp *TxPool) Evict(txID string) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.evictLocked(txID)
}

func (tp *TxPool) evictLocked(txID string) {
	entry, ok := tp.entries[txID]
	if !ok {
		return
	}
	delete(tp.entries, txID)
	tp.totalBytes -= entry.tx.Size()

	// order里留下的死ID在压缩时清掉
	if len(tp.order) > 2*len(tp.entries)+64 {
		live := tp.order[:0]
		for _, id := range tp.order {
			if _, ok := tp.entries[id]; ok {
				live = append(live, id)
			}
		}
		tp.order = live
	}
}

// Has 是否在池中
func (tp *TxPool) Has(txID string) bool {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	_, ok := tp.entries[txID]
	return ok
}

// Get 取池内交易
func (tp *TxPool) Get(txID string) (*types.Transaction, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	entry, ok := tp.entries[txID]
	if !ok {
		return nil, false
	}
	return entry.tx, true
}

// Size 池内条数
func (tp *TxPool) Size() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return len(tp.entries)
}

// TotalBytes 池内字节数
func (tp *TxPool) TotalBytes() int64 {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.totalBytes
}

// Validate 只做校验不入池（共识层投票前复验提案内交易）
func (tp *TxPool) Validate(tx *types.Transaction) error {
	return tp.validator.CheckTx(tx)
}

// OldestAgeMillis 最老待确认交易的毫秒年龄
func (tp *TxPool) OldestAgeMillis() int64 {
	return tp.OldestAge().Milliseconds()
}

// OldestAge 最老待确认交易的年龄（健康上报用）
func (tp *TxPool) OldestAge() time.Duration {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	for _, id := range tp.order {
		if entry, ok := tp.entries[id]; ok {
			return time.Since(entry.addedAt)
		}
	}
	return 0
}

func (tp *TxPool) dropExpired() {
	ttl := tp.cfg.TxExpiration
	if ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-ttl)
	maxDrop := tp.cfg.MaxTxsPerDrop
	if maxDrop <= 0 {
		maxDrop = 1000
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	dropped := 0
	for _, id := range tp.order {
		if dropped >= maxDrop {
			break
		}
		entry, ok := tp.entries[id]
		if !ok {
			continue
		}
		if entry.addedAt.After(cutoff) {
			break // 插入序遍历，后面的更年轻
		}
		tp.evictLocked(id)
		dropped++
	}
	if dropped > 0 {
		tp.Logger.Debug("[txpool] expired %d txs", dropped)
	}
}
