package db

import (
	"os"
	"time"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/badger/v2/options"
	lru "github.com/hashicorp/golang-lru"
	jsoniter "github.com/json-iterator/go"

	"gitbft/config"
	"gitbft/logs"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// Manager 封装 BadgerDB 的管理器。
// 区块/对象/引用/交易都走这里，写入通过批量写队列落盘
type Manager struct {
	Db     *badger.DB
	Logger *logs.Logger
	cfg    *config.Config

	// 写队列，批量落库
	writeQueueChan chan WriteTask
	forceFlushChan chan flushRequest
	stopChan       chan struct{}
	queueRunning   bool

	// 最近最终化区块缓存
	blockCache *lru.Cache
}

// NewManager 打开数据库。path为空时使用内存模式（测试用）
func NewManager(path string, logger *logs.Logger, cfg *config.Config) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewLogger("")
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
		opts = badger.DefaultOptions(path)
		opts.ValueLogFileSize = cfg.Database.ValueLogFileSize
		opts.TableLoadingMode = options.FileIO
	}
	opts.Logger = nil

	database, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	cacheSize := cfg.Database.BlockCacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}
	blockCache, _ := lru.New(cacheSize)

	m := &Manager{
		Db:         database,
		Logger:     logger,
		cfg:        cfg,
		blockCache: blockCache,
		stopChan:   make(chan struct{}),
	}
	return m, nil
}

// InitWriteQueue 启动批量写队列
func (m *Manager) InitWriteQueue(maxBatchSize int, flushInterval time.Duration) {
	if m.queueRunning {
		return
	}
	if maxBatchSize <= 0 {
		maxBatchSize = m.cfg.Database.MaxBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = m.cfg.Database.FlushInterval
	}
	queueSize := m.cfg.Database.WriteQueueSize
	if queueSize <= 0 {
		queueSize = 100000
	}

	m.writeQueueChan = make(chan WriteTask, queueSize)
	m.forceFlushChan = make(chan flushRequest, 16)
	m.queueRunning = true
	go m.runWriteQueue(maxBatchSize, flushInterval)
}

// Close 停写队列并关库
func (m *Manager) Close() error {
	if m.queueRunning {
		close(m.stopChan)
		m.queueRunning = false
	}
	return m.Db.Close()
}

// ===================== 底层读写 =====================

// getRaw 单键读取，键不存在返回 (nil, false, nil)
func (m *Manager) getRaw(key string) ([]byte, bool, error) {
	var val []byte
	err := m.Db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// setRawSync 绕过写队列的同步写（小表项和测试用）
func (m *Manager) setRawSync(key string, val []byte) error {
	return m.Db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

// getJSON / setJSONSync 结构体read/write便捷封装
func (m *Manager) getJSON(key string, out interface{}) (bool, error) {
	raw, ok, err := m.getRaw(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := jsonFast.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) setJSONSync(key string, v interface{}) error {
	raw, err := jsonFast.Marshal(v)
	if err != nil {
		return err
	}
	return m.setRawSync(key, raw)
}

// scanPrefix 按前缀遍历，fn返回false时终止
func (m *Manager) scanPrefix(prefix string, fn func(key string, val []byte) bool) error {
	return m.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(string(item.Key()), val) {
				return nil
			}
		}
		return nil
	})
}
