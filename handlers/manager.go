package handlers

import (
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	lru "github.com/hashicorp/golang-lru"

	"gitbft/config"
	"gitbft/consensus"
	"gitbft/db"
	"gitbft/gitwire"
	"gitbft/logs"
	"gitbft/sender"
	"gitbft/txpool"
	"gitbft/types"
	"gitbft/utils"
)

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// HandlerManager 管理所有HTTP处理器及其依赖
type HandlerManager struct {
	dbManager     *db.Manager
	node          *consensus.Node
	senderManager *sender.Manager
	txPool        *txpool.TxPool
	gitAdapter    *gitwire.Adapter
	cfg           *config.Config
	port          string
	address       string

	// 重复投递的消息直接丢（网络重试会再送一遍）
	seenMsgCache *lru.Cache
	Logger       *logs.Logger
}

// NewHandlerManager 创建新的处理器管理器
func NewHandlerManager(
	dbMgr *db.Manager,
	node *consensus.Node,
	senderMgr *sender.Manager,
	txPool *txpool.TxPool,
	gitAdapter *gitwire.Adapter,
	cfg *config.Config,
	port, address string,
	logger *logs.Logger,
) *HandlerManager {
	if logger == nil {
		logger = logs.NewLogger("")
	}
	seenMsgCache, _ := lru.New(10000)
	return &HandlerManager{
		dbManager:     dbMgr,
		node:          node,
		senderManager: senderMgr,
		txPool:        txPool,
		gitAdapter:    gitAdapter,
		cfg:           cfg,
		port:          port,
		address:       address,
		seenMsgCache:  seenMsgCache,
		Logger:        logger,
	}
}

// RegisterRoutes 注册所有路由
func (hm *HandlerManager) RegisterRoutes(mux *http.ServeMux) {
	// 节点间消息
	mux.HandleFunc("/proposal", hm.HandlePeerMessage)
	mux.HandleFunc("/vote", hm.HandlePeerMessage)
	mux.HandleFunc("/qc", hm.HandlePeerMessage)
	mux.HandleFunc("/heightquery", hm.HandlePeerMessage)
	mux.HandleFunc("/syncblocks", hm.HandlePeerMessage)
	mux.HandleFunc("/repoannounce", hm.HandlePeerMessage)
	mux.HandleFunc("/txgossip", hm.HandlePeerMessage)

	// 只读查询
	mux.HandleFunc("/status", hm.HandleStatus)
	mux.HandleFunc("/blocks", hm.HandleBlocks)
	mux.HandleFunc("/block", hm.HandleBlock)
	mux.HandleFunc("/validators", hm.HandleValidators)
	mux.HandleFunc("/refs", hm.HandleRefs)
	mux.HandleFunc("/repos", hm.HandleRepos)
	mux.HandleFunc("/receipt", hm.HandleReceipt)

	// 交易提交
	mux.HandleFunc("/tx", hm.HandleTx)

	// Git接入
	mux.HandleFunc("/repo/", hm.HandleGitRepo)
}

// HandlePeerMessage 节点间消息统一入口：解码信封后丢进收件箱。
// 解析失败即4xx丢弃，绝不部分应用
func (hm *HandlerManager) HandlePeerMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, hm.cfg.Server.MaxRequestBodySize))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}
	var msg types.Message
	if err := jsonFast.Unmarshal(body, &msg); err != nil {
		hm.Logger.Debug("[handlers] malformed message on %s from %s: %v", r.URL.Path, r.RemoteAddr, err)
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		http.Error(w, "missing message type", http.StatusBadRequest)
		return
	}

	// 同一消息被多个peer转发是常态，按内容指纹挡重复
	fingerprint := utils.ShortID(body)
	if ok, _ := hm.seenMsgCache.ContainsOrAdd(fingerprint, struct{}{}); ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	hm.senderManager.Deliver(msg)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := jsonFast.Marshal(v)
	if err != nil {
		http.Error(w, "marshal response failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
