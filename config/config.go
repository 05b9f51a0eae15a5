// config/config.go
package config

import (
	"fmt"
	"time"
)

// Config 主配置结构
type Config struct {
	DataPath string
	Port     int

	Server    ServerConfig
	Database  DatabaseConfig
	Network   NetworkConfig
	Mempool   MempoolConfig
	Consensus ConsensusConfig
	Sync      SyncConfig
	Sender    SenderConfig
	Git       GitConfig
}

// ServerConfig HTTP/3服务器配置
type ServerConfig struct {
	TLSMinVersion string // "1.3"
	TLSMaxVersion string // "1.3"

	QUICKeepAlivePeriod time.Duration // 10 * time.Second
	QUICMaxIdleTimeout  time.Duration // 5 * time.Minute
	QUICAllow0RTT       bool

	HTTPTimeout        time.Duration // 30 * time.Second
	MaxRequestBodySize int64         // 64 << 20 (收pack文件，放宽到64MB)

	CertValidityDays    int // 365
	TLSSessionCacheSize int // 128
}

// DatabaseConfig BadgerDB配置
type DatabaseConfig struct {
	ValueLogFileSize int64         // 64 << 20 (64MB)
	MaxBatchSize     int           // 500
	FlushInterval    time.Duration // 200 * time.Millisecond

	WriteQueueSize      int   // 100000
	WriteBatchSoftLimit int64 // 8 * 1024 * 1024
	PerEntryOverhead    int   // 32

	BlockCacheSize int // 128 最近区块LRU
}

// NetworkConfig 网络配置
type NetworkConfig struct {
	BasePort           int // 6000
	PeerSampleSize     int // 10
	BroadcastPeerCount int // 5
	MaxBroadcastPeers  int // 20

	ConnectionTimeout time.Duration // 5 * time.Second
	HandshakeTimeout  time.Duration // 10 * time.Second

	SeenAnnounceCacheSize int // 100000 gossip 去重集合上限
}

// MempoolConfig 交易池配置
type MempoolConfig struct {
	MaxTxs     int   // 10000 条数上限
	MaxBytes   int64 // 32 << 20 字节上限
	MaxTxBytes int64 // 1 << 20 单笔上限

	DedupCacheSize   int // 100000
	AppliedCacheSize int // 50000
	QueueSize        int // 10000

	TxExpiration  time.Duration // 24 * time.Hour
	ExpiryCheck   time.Duration // 1 * time.Minute
	MaxTxsPerDrop int           // 每次过期检查最多清理多少条
}

// ConsensusConfig 共识配置
type ConsensusConfig struct {
	TargetBlockTime time.Duration // 2 * time.Second 目标出块间隔
	// 视图切换超时 = TargetBlockTime * TimeoutMultiple，默认3
	TimeoutMultiple int

	MaxTxsPerBlock   int   // 2500
	MaxBlockBytes    int64 // 8 << 20
	MinTxsToPropose  int   // 0 允许空块维持活性
	EmptyBlockPeriod int   // 连续多少轮无交易才出空块

	// 连续多少轮没有形成QC后升级为Warn日志
	StalledRoundsWarn int // 10

	EventQueueSize int // 4096 共识核心事件队列
}

// SyncConfig 同步配置
type SyncConfig struct {
	HeightQueryInterval time.Duration // 5 * time.Second
	BatchSize           uint64        // 64 每批同步区块数
	MaxRetries          int           // 5
	BaseRetryDelay      time.Duration // 1 * time.Second
	MaxRetryDelay       time.Duration // 30 * time.Second
	RequestTimeout      time.Duration // 15 * time.Second
	BehindThreshold     uint64        // 2 落后多少高度触发同步
}

// SenderConfig 发送器配置
type SenderConfig struct {
	WorkerCount   int // 32
	QueueCapacity int // 10000

	DefaultMaxRetries int // 3
	ControlMaxRetries int // 2
	DataMaxRetries    int // 1

	BaseRetryDelay     time.Duration // 1 * time.Second
	MaxRetryDelay      time.Duration // 30 * time.Second
	ControlTaskTimeout time.Duration // 200 * time.Millisecond
}

// GitConfig Git接入配置
type GitConfig struct {
	MaxPktPayload   int   // 65516 pkt-line载荷上限
	MaxPackObjects  uint32
	MaxPackBytes    int64 // 512 << 20
	ReportTimeout   time.Duration // 30 * time.Second 等待最终化的上限
	MaxRefNameBytes int   // 4096
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		DataPath: "./data",
		Port:     6000,
		Server: ServerConfig{
			TLSMinVersion:       "1.3",
			TLSMaxVersion:       "1.3",
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  64 << 20,
			CertValidityDays:    365,
			TLSSessionCacheSize: 128,
		},
		Database: DatabaseConfig{
			ValueLogFileSize:    64 << 20,
			MaxBatchSize:        500,
			FlushInterval:       200 * time.Millisecond,
			WriteQueueSize:      100000,
			WriteBatchSoftLimit: 8 * 1024 * 1024,
			PerEntryOverhead:    32,
			BlockCacheSize:      128,
		},
		Network: NetworkConfig{
			BasePort:              6000,
			PeerSampleSize:        10,
			BroadcastPeerCount:    5,
			MaxBroadcastPeers:     20,
			ConnectionTimeout:     5 * time.Second,
			HandshakeTimeout:      10 * time.Second,
			SeenAnnounceCacheSize: 100000,
		},
		Mempool: MempoolConfig{
			MaxTxs:           10000,
			MaxBytes:         32 << 20,
			MaxTxBytes:       1 << 20,
			DedupCacheSize:   100000,
			AppliedCacheSize: 50000,
			QueueSize:        10000,
			TxExpiration:     24 * time.Hour,
			ExpiryCheck:      time.Minute,
			MaxTxsPerDrop:    1000,
		},
		Consensus: ConsensusConfig{
			TargetBlockTime:   2 * time.Second,
			TimeoutMultiple:   3,
			MaxTxsPerBlock:    2500,
			MaxBlockBytes:     8 << 20,
			MinTxsToPropose:   0,
			EmptyBlockPeriod:  5,
			StalledRoundsWarn: 10,
			EventQueueSize:    4096,
		},
		Sync: SyncConfig{
			HeightQueryInterval: 5 * time.Second,
			BatchSize:           64,
			MaxRetries:          5,
			BaseRetryDelay:      time.Second,
			MaxRetryDelay:       30 * time.Second,
			RequestTimeout:      15 * time.Second,
			BehindThreshold:     2,
		},
		Sender: SenderConfig{
			WorkerCount:        32,
			QueueCapacity:      10000,
			DefaultMaxRetries:  3,
			ControlMaxRetries:  2,
			DataMaxRetries:     1,
			BaseRetryDelay:     time.Second,
			MaxRetryDelay:      30 * time.Second,
			ControlTaskTimeout: 200 * time.Millisecond,
		},
		Git: GitConfig{
			MaxPktPayload:   65516,
			MaxPackObjects:  1 << 20,
			MaxPackBytes:    512 << 20,
			ReportTimeout:   30 * time.Second,
			MaxRefNameBytes: 4096,
		},
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Consensus.TargetBlockTime <= 0 {
		return fmt.Errorf("target block time must be positive")
	}
	if c.Consensus.TimeoutMultiple < 1 {
		return fmt.Errorf("timeout multiple must be >= 1")
	}
	if c.Mempool.MaxTxs <= 0 || c.Mempool.MaxBytes <= 0 {
		return fmt.Errorf("mempool caps must be positive")
	}
	if c.Mempool.MaxTxBytes > c.Mempool.MaxBytes {
		return fmt.Errorf("single tx cap exceeds pool byte cap")
	}
	if c.Sync.BatchSize == 0 {
		return fmt.Errorf("sync batch size must be positive")
	}
	if c.Git.MaxPktPayload <= 0 || c.Git.MaxPktPayload > 65516 {
		return fmt.Errorf("pkt payload limit out of range: %d", c.Git.MaxPktPayload)
	}
	return nil
}
