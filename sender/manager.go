package sender

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"gitbft/config"
	"gitbft/logs"
	"gitbft/network"
	"gitbft/types"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================
// Manager：HTTP/3 出站传输
// ============================================

// Manager 实现共识层的 Transport 接口。
// 出站走 SendQueue；入站由 handlers 侧写入 inbox
type Manager struct {
	network *network.Network
	queue   *SendQueue
	cfg     *config.Config
	Logger  *logs.Logger

	inbox chan types.Message
}

func NewManager(net *network.Network, cfg *config.Config, logger *logs.Logger) *Manager {
	if logger == nil {
		logger = logs.NewLogger("")
	}
	client := createHttp3Client(cfg)
	queue := NewSendQueue(cfg.Sender.WorkerCount, cfg.Sender.QueueCapacity, client, logger, cfg)
	if net != nil {
		// 重试耗尽视为节点失联，降级为 offline，等下次公告再恢复
		queue.SetGiveUpHandler(net.MarkOffline)
	}
	return &Manager{
		network: net,
		queue:   queue,
		cfg:     cfg,
		Logger:  logger,
		inbox:   make(chan types.Message, 4096),
	}
}

func (m *Manager) Stop() {
	m.queue.Stop()
}

// Deliver 入站消息投递（HTTP handler 调用）。
// 满则丢，背压交还给 QUIC 层
func (m *Manager) Deliver(msg types.Message) {
	select {
	case m.inbox <- msg:
	default:
		m.Logger.Warn("[sender] inbox full, dropping %s from %s", msg.Type, msg.From)
	}
}

// Send 单播
func (m *Manager) Send(to types.NodeID, msg types.Message) error {
	task, err := m.buildTask(to, &msg)
	if err != nil {
		return err
	}
	m.queue.Enqueue(task)
	return nil
}

// Broadcast 逐个入队；目标地址未知的跳过
func (m *Manager) Broadcast(msg types.Message, peers []types.NodeID) {
	for _, peer := range peers {
		task, err := m.buildTask(peer, &msg)
		if err != nil {
			m.Logger.Debug("[sender] broadcast to %s skipped: %v", peer, err)
			continue
		}
		m.queue.Enqueue(task)
	}
}

func (m *Manager) Receive() <-chan types.Message {
	return m.inbox
}

func (m *Manager) SamplePeers(exclude types.NodeID, count int) []types.NodeID {
	if count <= 0 {
		count = m.cfg.Network.MaxBroadcastPeers
	}
	return m.network.SamplePeers(exclude, count)
}

func (m *Manager) buildTask(to types.NodeID, msg *types.Message) (*SendTask, error) {
	info := m.network.GetNode(to)
	if info == nil || info.Ip == "" {
		return nil, fmt.Errorf("no address for node %s", to)
	}
	path, ok := routeOf[msg.Type]
	if !ok {
		return nil, fmt.Errorf("no route for message type %s", msg.Type)
	}
	payload, err := jsonFast.Marshal(msg)
	if err != nil {
		return nil, err
	}

	task := &SendTask{
		Peer:    to,
		Target:  info.Ip,
		Path:    path,
		Payload: payload,
	}
	if controlPlane[msg.Type] {
		task.Priority = PriorityControl
		task.MaxRetries = m.cfg.Sender.ControlMaxRetries
	} else {
		task.Priority = PriorityData
		task.MaxRetries = m.cfg.Sender.DataMaxRetries
		if msg.Type == types.MsgSyncRequest || msg.Type == types.MsgSyncResponse {
			// 同步批次值得多试几次
			task.MaxRetries = m.cfg.Sender.DefaultMaxRetries
		}
	}
	return task, nil
}
