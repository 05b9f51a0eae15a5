package sender

import (
	"net/http"
	"sync"
	"time"

	"gitbft/config"
	"gitbft/logs"
	"gitbft/types"
)

// 任务优先级
type TaskPriority int

const (
	PriorityData    TaskPriority = iota // 数据面：交易gossip、同步批次
	PriorityControl                     // 控制面：提案/投票/QC
)

// SendTask 封装一次发送所需的信息
type SendTask struct {
	Peer        types.NodeID // 目标节点，重试耗尽后降级用
	Target      string       // host:port
	Path        string
	Payload     []byte
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	NextAttempt time.Time
	Priority    TaskPriority
}

// SendQueue 双队列 + worker：控制面消息不被数据面大包压住。
// 控制面满了丢弃并告警（共识靠轮转自愈），数据面满了静默丢
type SendQueue struct {
	controlWorkerCount int
	dataWorkerCount    int
	controlChan        chan *SendTask
	dataChan           chan *SendTask
	stopChan           chan struct{}
	wg                 sync.WaitGroup
	httpClient         *http.Client
	cfg                *config.Config
	Logger             *logs.Logger

	// 重试耗尽后的节点降级回调（sender.Manager 注入）
	onGiveUp func(peer types.NodeID)
}

// SetGiveUpHandler 注册重试耗尽回调
func (sq *SendQueue) SetGiveUpHandler(fn func(peer types.NodeID)) {
	sq.onGiveUp = fn
}

func NewSendQueue(workerCount, queueCapacity int, httpClient *http.Client,
	logger *logs.Logger, cfg *config.Config) *SendQueue {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logs.NewLogger("")
	}

	// 控制面占 1/3 worker，数据面占 2/3，最少各 1 个
	controlWorkers := workerCount / 3
	if controlWorkers < 1 {
		controlWorkers = 1
	}
	dataWorkers := workerCount - controlWorkers
	if dataWorkers < 1 {
		dataWorkers = 1
	}
	controlCapacity := queueCapacity / 4
	if controlCapacity < 64 {
		controlCapacity = 64
	}

	sq := &SendQueue{
		controlWorkerCount: controlWorkers,
		dataWorkerCount:    dataWorkers,
		controlChan:        make(chan *SendTask, controlCapacity),
		dataChan:           make(chan *SendTask, queueCapacity-controlCapacity),
		stopChan:           make(chan struct{}),
		httpClient:         httpClient,
		cfg:                cfg,
		Logger:             logger,
	}
	sq.start()
	return sq
}

func (sq *SendQueue) start() {
	sq.wg.Add(sq.controlWorkerCount)
	for i := 0; i < sq.controlWorkerCount; i++ {
		go sq.workerLoop(sq.controlChan, "control")
	}
	sq.wg.Add(sq.dataWorkerCount)
	for i := 0; i < sq.dataWorkerCount; i++ {
		go sq.workerLoop(sq.dataChan, "data")
	}
	sq.Logger.Verbose("[SendQueue] Started with %d control workers + %d data workers",
		sq.controlWorkerCount, sq.dataWorkerCount)
}

// Stop 停止队列, 等待所有worker退出
func (sq *SendQueue) Stop() {
	close(sq.stopChan)
	sq.wg.Wait()
	sq.Logger.Verbose("[SendQueue] Stopped")
}

func (sq *SendQueue) Enqueue(task *SendTask) {
	if task == nil {
		return
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	if task.NextAttempt.After(time.Now()) {
		// 未到重试时间：定时后再真正入队
		go func() {
			timer := time.NewTimer(time.Until(task.NextAttempt))
			defer timer.Stop()
			select {
			case <-timer.C:
				sq.enqueueNow(task)
			case <-sq.stopChan:
			}
		}()
		return
	}
	sq.enqueueNow(task)
}

func (sq *SendQueue) enqueueNow(task *SendTask) {
	if task.Priority == PriorityControl {
		select {
		case sq.controlChan <- task:
		default:
			sq.Logger.Warn("[SendQueue] Control queue FULL, dropping task target=%s path=%s",
				task.Target, task.Path)
		}
		return
	}
	select {
	case sq.dataChan <- task:
	default:
		sq.Logger.Debug("[SendQueue] Data task dropped: queue full, target=%s", task.Target)
	}
}

func (sq *SendQueue) workerLoop(taskChan chan *SendTask, queueType string) {
	defer sq.wg.Done()
	for {
		select {
		case <-sq.stopChan:
			return
		case task := <-taskChan:
			if task == nil {
				return
			}
			// 在队列里躺太久的任务已经没有发送价值
			if age := time.Since(task.CreatedAt); age > sq.cfg.Sync.RequestTimeout {
				sq.Logger.Debug("[SendQueue][%s] Dropping stale task: age=%v target=%s",
					queueType, age, task.Target)
				continue
			}
			if err := doPost(sq.httpClient, task); err != nil {
				sq.handleRetry(task, err)
			}
		}
	}
}

// handleRetry 指数退避，重试耗尽记错误日志
func (sq *SendQueue) handleRetry(task *SendTask, err error) {
	task.RetryCount++
	if task.RetryCount > task.MaxRetries {
		sq.Logger.Error("[SendQueue] give up %s%s after %d attempts: %v",
			task.Target, task.Path, task.RetryCount, err)
		if sq.onGiveUp != nil && task.Peer != "" {
			sq.onGiveUp(task.Peer)
		}
		return
	}
	delay := sq.cfg.Sender.BaseRetryDelay * time.Duration(1<<uint(task.RetryCount-1))
	if delay > sq.cfg.Sender.MaxRetryDelay {
		delay = sq.cfg.Sender.MaxRetryDelay
	}
	task.NextAttempt = time.Now().Add(delay)
	sq.Logger.Debug("[SendQueue] retry %d/%d to %s%s after %v: %v",
		task.RetryCount, task.MaxRetries, task.Target, task.Path, delay, err)
	sq.Enqueue(task)
}
