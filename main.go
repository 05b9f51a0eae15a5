package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gitbft/config"
	"gitbft/consensus"
	"gitbft/db"
	"gitbft/execution"
	"gitbft/gitwire"
	"gitbft/handlers"
	"gitbft/logs"
	"gitbft/network"
	"gitbft/sender"
	"gitbft/txpool"
	"gitbft/types"
	"gitbft/utils"
)

func main() {
	// 1. 解析命令行参数
	var (
		dataPath   = flag.String("data", "./data", "database directory")
		port       = flag.Int("port", 6000, "HTTP/3 server port")
		privKey    = flag.String("key", "", "node private key (hex or WIF); generated if empty")
		genesisStr = flag.String("genesis", "", "genesis validators: pubkeyhex@host:port,...")
		logLevel   = flag.Int("loglevel", logs.LevelInfo, "log level (0=trace..5=error)")
	)
	flag.Parse()
	logs.SetLevel(*logLevel)

	if err := run(*dataPath, *port, *privKey, *genesisStr); err != nil {
		logs.Error("node exited with error: %v", err)
		os.Exit(1)
	}
}

func run(dataPath string, port int, privKey, genesisStr string) error {
	cfg := config.DefaultConfig()
	cfg.DataPath = dataPath
	cfg.Port = port
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %v", err)
	}

	// 2. 密钥
	var km *utils.KeyManager
	var err error
	if privKey == "" {
		km, err = utils.GenerateKeyManager()
		if err != nil {
			return fmt.Errorf("generate key: %v", err)
		}
		logs.Warn("no -key given, generated ephemeral key (address %s)", km.GetAddress())
	} else {
		km, err = utils.NewKeyManager(privKey)
		if err != nil {
			return fmt.Errorf("parse key: %v", err)
		}
	}
	logs.MyAddress = km.GetAddress()
	logger := logs.NewLogger(km.GetAddress()[:12])

	// 3. 数据库与写队列
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return err
	}
	dbManager, err := db.NewManager(dataPath, logger, cfg)
	if err != nil {
		return fmt.Errorf("open db: %v", err)
	}
	defer dbManager.Close()
	dbManager.InitWriteQueue(cfg.Database.MaxBatchSize, cfg.Database.FlushInterval)

	// 4. 交易池
	txPool, err := txpool.NewTxPool(dbManager, txpool.NewDefaultValidator(cfg.Mempool), cfg.Mempool, logger)
	if err != nil {
		return fmt.Errorf("init txpool: %v", err)
	}
	txPool.Start()
	defer txPool.Stop()

	// 5. 验证人集合：命令行优先，否则接着用库里的
	vals, err := loadValidatorSet(dbManager, genesisStr)
	if err != nil {
		return err
	}
	if !vals.Contains(km.PublicKeyBytes()) {
		logger.Warn("this node is not in the validator set, running as observer")
	}

	// 6. 对等网络与发送器
	net := network.NewNetwork(dbManager)
	registerGenesisPeers(net, km, vals, port)
	senderManager := sender.NewManager(net, cfg, logger)
	defer senderManager.Stop()

	// 7. 区块存储、执行器、共识节点
	store, err := consensus.NewRealBlockStore(dbManager, logger)
	if err != nil {
		return fmt.Errorf("init block store: %v", err)
	}
	node := consensus.NewNode(km, dbManager, store, txPool, senderManager, vals, nil, cfg, logger)
	executor := execution.NewExecutor(dbManager, node.Events, logger)
	node.Engine.SetFinalizeFunc(executor.ApplyBlock)
	node.Sync.SetApplyFunc(executor.ApplyBlock)
	if err := executor.CatchUp(store); err != nil {
		return fmt.Errorf("replay finalized blocks: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("start consensus: %v", err)
	}
	defer node.Stop()

	// 8. Git适配器与HTTP/3服务
	gitAdapter := gitwire.NewAdapter(dbManager, km, cfg.Git, logger)
	hm := handlers.NewHandlerManager(dbManager, node, senderManager, txPool, gitAdapter,
		cfg, fmt.Sprintf("%d", port), km.GetAddress(), logger)
	server, err := hm.StartHTTP3Server(dataPath)
	if err != nil {
		return fmt.Errorf("start http3 server: %v", err)
	}

	// 9. 等退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := handlers.ShutdownHTTP3Server(shutdownCtx, server); err != nil {
		logger.Warn("http3 shutdown: %v", err)
	}
	return nil
}

// loadValidatorSet 解析 -genesis 或回落到库里已持久化的集合
func loadValidatorSet(dbManager *db.Manager, genesisStr string) (*types.ValidatorSet, error) {
	if genesisStr == "" {
		vs, err := dbManager.GetValidatorSet()
		if err != nil {
			return nil, fmt.Errorf("load validator set: %v", err)
		}
		if vs == nil {
			return nil, fmt.Errorf("no validator set: pass -genesis on first start")
		}
		return vs, nil
	}

	var vals []*types.Validator
	for _, entry := range strings.Split(genesisStr, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "@", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("bad genesis entry %q, want pubkeyhex@host:port", entry)
		}
		pubKey, err := hex.DecodeString(parts[0])
		if err != nil || len(pubKey) != 33 {
			return nil, fmt.Errorf("bad pubkey in genesis entry %q", entry)
		}
		addr, err := utils.AddressFromPubKey(pubKey)
		if err != nil {
			return nil, err
		}
		vals = append(vals, &types.Validator{
			PubKey:  pubKey,
			Address: addr,
			NetAddr: parts[1],
			Power:   1,
			Status:  types.ValidatorActive,
		})
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("empty genesis validator list")
	}
	vs := types.NewValidatorSet(0, vals)
	if err := dbManager.SaveValidatorSet(vs); err != nil {
		return nil, err
	}
	return vs, nil
}

// registerGenesisPeers 把验证人写进对等路由表，BLS公钥随手发布
func registerGenesisPeers(net *network.Network, km *utils.KeyManager, vals *types.ValidatorSet, port int) {
	for _, v := range vals.Validators {
		info := &db.NodeInfo{
			PublicKey: hex.EncodeToString(v.PubKey),
			Address:   v.Address,
			Ip:        v.NetAddr,
			IsOnline:  true,
		}
		if v.Address == km.GetAddress() {
			info.Ip = fmt.Sprintf("127.0.0.1:%d", port)
			if blsPub, err := utils.BLSPublicKeyBytes(utils.BLSScalarFromSecp(km.PrivKey())); err == nil {
				info.BlsPubKey = blsPub
			}
		}
		net.AddOrUpdateNode(info)
	}
}
