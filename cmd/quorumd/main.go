package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"QuorumLaunch/internal/api"
	"QuorumLaunch/internal/config"
	"QuorumLaunch/internal/observability/alerting"
	"QuorumLaunch/internal/observability/metrics"
	"QuorumLaunch/internal/pricing"
	"QuorumLaunch/internal/profile"
	"QuorumLaunch/internal/quorum"
	"QuorumLaunch/internal/settlement"
	"QuorumLaunch/internal/web3/provider"
	"QuorumLaunch/pkg/logger"
)

// main 是 QuorumLaunch 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("quorumd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("QUORUM_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "quorumlaunch.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var store quorum.Store
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		store = quorum.NewMemoryStore()
	case "mysql":
		sqlStore, err := quorum.NewSQLStore(ctx, quorum.MySQLConfig{
			DSN:             cfg.Storage.Ledger.DSN,
			MaxOpenConns:    cfg.Storage.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Ledger.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Ledger.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.Storage.Ledger.ConnMaxIdleTime(),
		})
		if err != nil {
			return err
		}
		store = sqlStore
	default:
		return fmt.Errorf("未知的账本驱动: %s", cfg.Storage.Ledger.Driver)
	}
	defer store.Close()

	var queue settlement.Queue
	switch cfg.Feed.Driver {
	case "", "memory":
		queue = settlement.NewMemoryQueue(1024)
	case "redis":
		redisQueue, err := settlement.NewRedisQueue(settlement.RedisQueueConfig{
			Address:   cfg.Feed.Redis.Address,
			Password:  cfg.Feed.Redis.Password,
			DB:        cfg.Feed.Redis.DB,
			Queue:     cfg.Feed.Redis.Queue,
			BlockWait: time.Duration(cfg.Feed.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := settlement.NewRabbitMQQueue(settlement.RabbitMQConfig{
			URL:        cfg.Feed.RabbitMQ.URL,
			Queue:      cfg.Feed.RabbitMQ.Queue,
			Prefetch:   cfg.Feed.RabbitMQ.Prefetch,
			Durable:    cfg.Feed.RabbitMQ.Durable,
			AutoDelete: cfg.Feed.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("未知的事件源驱动: %s", cfg.Feed.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭事件源失败", slog.Any("error", err))
		}
	}()

	var directory profile.Directory
	if cfg.Profile.Source != "" {
		staticDirectory, err := profile.LoadStaticDirectory(cfg.Profile.Source)
		if err != nil {
			return err
		}
		directory = staticDirectory
	}

	curve := pricing.New(pricing.Config{
		InitialPrice:        parseWei(cfg.Pricing.InitialPriceWei),
		PriceIncrement:      parseWei(cfg.Pricing.PriceIncrementWei),
		GraduationThreshold: parseWei(cfg.Pricing.GraduationThresholdWei),
	})

	alerter := alerting.NewFanout(&alerting.LogNotifier{})
	machine := quorum.NewMachine(store, curve, quorum.WithAlertDispatcher(alerter))
	service := quorum.NewService(store, machine, directory)

	reconciler := settlement.NewReconciler(machine, store, queue, queue,
		settlement.WithWorkerCount(cfg.Feed.Worker),
		settlement.WithMaxAttempts(cfg.Feed.MaxAttempts),
		settlement.WithBackoff(cfg.Feed.BaseDelay(), 0),
		settlement.WithAlertDispatcher(alerter),
	)

	reconcilerCtx, reconcilerCancel := context.WithCancel(ctx)
	defer reconcilerCancel()
	go func() {
		if err := reconciler.Start(reconcilerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("对账器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Web3.ChainConfig != "" || strings.TrimSpace(cfg.Web3.RPCURL) != "" {
		registry, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return err
		}
		defer registry.Close()

		for _, watcher := range registry.Watchers(queue) {
			w := watcher
			go func() {
				if err := w.Run(reconcilerCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.L().Error("链监听器异常退出", slog.Any("error", err))
				}
			}()
		}
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// parseWei 解析十进制 wei 字符串，空串或非法值返回 nil 交由定价引擎取默认。
func parseWei(raw string) *big.Int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}
