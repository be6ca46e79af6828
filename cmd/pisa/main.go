package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pisa/internal/appointmentapi"
	"pisa/internal/appointmentstore"
	"pisa/internal/blockcache"
	"pisa/internal/blockprocessor"
	"pisa/internal/blocksource"
	"pisa/internal/config"
	"pisa/internal/connection"
	"pisa/internal/engine"
	"pisa/internal/output"
	"pisa/internal/responder"
	"pisa/internal/shutdown"
	"pisa/internal/signer"
	"pisa/internal/watcher"
	"pisa/pkg/models"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pisa",
		Short: "PISA 状态通道监视塔",
		Long:  `监视链上事件、代表客户在触发条件满足时提交预约响应交易的监视塔服务`,
		RunE:  run,
	}

	rootCmd.Flags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "详细输出")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	if cfg.Responder.PrivateKeyHex == "" {
		return fmt.Errorf("未配置签名私钥，请设置 responder.private_key 或 PISA_SIGNER_KEY 环境变量")
	}

	pool := connection.NewConnectionPool(cfg.Blockchain.Nodes, logger)
	if err := pool.Initialize(); err != nil {
		return fmt.Errorf("初始化节点连接池失败: %w", err)
	}
	defer pool.Close()

	store, err := appointmentstore.New(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("打开预约账本失败: %w", err)
	}
	defer store.Close()

	outputter, err := output.NewOutputWithConfig(cfg.Output.Path, cfg.Output.Format, cfg.Output.Compress, cfg.Output.Kafka)
	if err != nil {
		return fmt.Errorf("创建输出器失败: %w", err)
	}
	defer outputter.Close()
	publisher := &output.Publisher{Output: outputter}

	cache := blockcache.NewBlockCache(cfg.BlockCache.MaxDepth)

	ethSigner, err := signer.NewEthSigner(pool, cfg.Responder.PrivateKeyHex, logger)
	if err != nil {
		return fmt.Errorf("初始化签名器失败: %w", err)
	}

	initialNonce, err := ethSigner.PendingNonceAt(cmd.Context())
	if err != nil {
		return fmt.Errorf("获取初始 nonce 失败: %w", err)
	}

	// The tracker's callbacks need to call back into the multi-responder,
	// which itself needs a tracker to broadcast through; build the
	// tracker first with closures over the not-yet-assigned responder
	// variable, then assign it.
	var multiResponder *responder.MultiResponder
	tracker := responder.NewTransactionTracker(cache, logger,
		func(id models.TxId, observedNonce uint64, txHash common.Hash, blockNumber uint64) {
			if err := multiResponder.TxMined(id, observedNonce, txHash, blockNumber); err != nil {
				logger.Errorf("处理已上链交易失败: %v", err)
			}
		},
		func(id models.TxId) { multiResponder.TxReorgedOut(id) },
	)
	multiResponder = responder.New(ethSigner, tracker, publisher, logger,
		cfg.Blockchain.ChainID, initialNonce, cfg.GasQueue.MaxQueueDepth, cfg.GasQueue.ReplacementRatePct)

	w, err := watcher.New(cache, store, multiResponder, publisher, logger,
		cfg.Watcher.ConfirmationsBeforeResponse, cfg.Watcher.ConfirmationsBeforeRemoval)
	if err != nil {
		return fmt.Errorf("初始化监视器失败: %w", err)
	}

	source := blocksource.NewEthSource(pool, cfg.Blockchain.ChainID, logger)

	onNewHead := engine.ComposeOnNewHead(
		engine.WatcherHead(w),
		engine.TrackerHead(tracker),
	)

	processor := blockprocessor.NewBlockProcessor(source, cache, logger, onNewHead)
	if cfg.BlockProcessor.NewBlockTimeoutMs > 0 {
		processor.SetPollInterval(time.Duration(cfg.BlockProcessor.NewBlockTimeoutMs) * time.Millisecond)
	}

	apiServer := appointmentapi.New(store, cfg, logger)

	gs := shutdown.NewGracefulShutdown(30*time.Second, logger)
	gs.RegisterShutdownFunc("appointment-store", func(ctx context.Context) error { return store.Close() }, 10)

	eng := engine.New(processor, apiServer, gs, logger)
	return eng.Run()
}
