package db

import (
	"time"

	"github.com/dgraph-io/badger/v2"
)

// 批量写队列：写请求先进通道，后台goroutine按条数/时间/显式刷盘
// 三个条件之一触发，经badger的WriteBatch落库

// WriteTask 单条写请求
type WriteTask struct {
	Key    string
	Value  []byte
	Delete bool
}

type flushRequest struct {
	done chan error
}

// EnqueueSet 排队写入
func (m *Manager) EnqueueSet(key string, val []byte) {
	if !m.queueRunning {
		if err := m.setRawSync(key, val); err != nil {
			m.Logger.Error("[db] sync set %s failed: %v", key, err)
		}
		return
	}
	m.writeQueueChan <- WriteTask{Key: key, Value: val}
}

// EnqueueDelete 排队删除
func (m *Manager) EnqueueDelete(key string) {
	if !m.queueRunning {
		if err := m.Db.Update(func(txn *badger.Txn) error {
			return txn.Delete([]byte(key))
		}); err != nil {
			m.Logger.Error("[db] sync delete %s failed: %v", key, err)
		}
		return
	}
	m.writeQueueChan <- WriteTask{Key: key, Delete: true}
}

// ForceFlush 同步刷盘。引用状态机在推进到下一高度之前必须调用，
// 保证已应用状态先于后续区块持久化
func (m *Manager) ForceFlush() error {
	if !m.queueRunning {
		return nil
	}
	req := flushRequest{done: make(chan error, 1)}
	m.forceFlushChan <- req
	return <-req.done
}

func (m *Manager) runWriteQueue(maxBatchSize int, flushInterval time.Duration) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	pending := make([]WriteTask, 0, maxBatchSize)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		wb := m.Db.NewWriteBatch()
		defer wb.Cancel()
		for _, task := range pending {
			var err error
			if task.Delete {
				err = wb.Delete([]byte(task.Key))
			} else {
				err = wb.Set([]byte(task.Key), task.Value)
			}
			if err != nil {
				return err
			}
		}
		if err := wb.Flush(); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	for {
		select {
		case <-m.stopChan:
			if err := flush(); err != nil {
				m.Logger.Error("[db] final flush failed: %v", err)
			}
			return
		case task := <-m.writeQueueChan:
			pending = append(pending, task)
			if len(pending) >= maxBatchSize {
				if err := flush(); err != nil {
					m.Logger.Error("[db] batch flush failed: %v", err)
				}
			}
		case req := <-m.forceFlushChan:
			// 把通道里已排队的先吸干再刷
			drained := false
			for !drained {
				select {
				case task := <-m.writeQueueChan:
					pending = append(pending, task)
				default:
					drained = true
				}
			}
			req.done <- flush()
		case <-ticker.C:
			if err := flush(); err != nil {
				m.Logger.Error("[db] interval flush failed: %v", err)
			}
		}
	}
}
