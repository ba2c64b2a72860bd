package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"

	"superdao-relay/internal/api"
	"superdao-relay/internal/auth"
	"superdao-relay/internal/catalog"
	"superdao-relay/internal/config"
	"superdao-relay/internal/fee"
	"superdao-relay/internal/job"
	"superdao-relay/internal/metadata"
	"superdao-relay/internal/metatx"
	"superdao-relay/internal/observability/alerting"
	"superdao-relay/internal/observability/metrics"
	"superdao-relay/internal/orchestrator"
	"superdao-relay/internal/reward"
	"superdao-relay/internal/scheduler"
	"superdao-relay/internal/storage/mysql"
	"superdao-relay/internal/web3/provider"
	"superdao-relay/internal/web3/signer"
	"superdao-relay/internal/whitelist"
	"superdao-relay/pkg/logger"
)

func serve(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	return run(cctx.Context, cfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.Named("superdaod")

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()

	var redisClient *redis.Client
	if cfg.JobQueue.Driver == "redis" || cfg.Fee.CacheDriver == "redis" {
		redisClient, err = job.NewRedisClient(ctx, redisConfig(cfg))
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	oracle := newOracle(cfg, redisClient)

	relayerKey, err := signer.New(cfg.Relayer.PrivateKey)
	if err != nil {
		return err
	}
	sender := signer.NewSender(relayerKey, oracle)
	sender.OnSent(metrics.ObserveTxSent)
	log.Info("代付钱包已加载", slog.String("address", relayerKey.Address().Hex()))

	var db *sql.DB
	if cfg.Storage.Driver == "mysql" {
		db, err = mysql.Open(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := mysql.Migrate(ctx, db); err != nil {
			return err
		}
	}

	wl, err := newWhitelist(cfg, db)
	if err != nil {
		return err
	}

	var store job.Store
	switch cfg.Storage.Driver {
	case "memory":
		store = job.NewMemoryStore()
	case "mysql":
		store = job.NewMySQLStore(db)
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}

	queue, err := newQueue(cfg, redisClient)
	if err != nil {
		return err
	}

	jobs := job.NewService(store, queue, cfg.JobQueue.MaxRetries)
	defer func() {
		if err := jobs.Close(); err != nil {
			log.Warn("关闭任务服务失败", slog.Any("error", err))
		}
	}()

	relayer := metatx.NewRelayer(sender,
		metatx.AnyOf(metatx.TargetFunc(cat.IsCollection), metatx.NewAllowList(cfg.MetaTx.AllowedTargets)),
		cfg.MetaTx.Forwarders,
		cfg.Relayer.MetaTxGasOverhead,
		metatx.WithMaxGas(cfg.Relayer.MetaTxMaxGas),
	)
	executor := orchestrator.NewExecutor(registry, cat, sender,
		orchestrator.WithReceipts(cfg.Relayer.WaitReceipt, cfg.Relayer.ReceiptTimeout()),
		orchestrator.WithBatchSize(cfg.Relayer.AirdropBatchSize),
		orchestrator.WithWhitelist(wl),
		orchestrator.WithRelayer(relayer),
	)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, 5*time.Second))
	}
	processor := job.NewProcessor(executor, store, queue, queue,
		job.WithWorkerCount(cfg.JobQueue.Workers),
		job.WithProcessorLogger(logger.Named("processor")),
		job.WithRecoveryHandler(orchestrator.PartialAirdropRecovery{}),
		job.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
		job.WithOutcomeObserver(func(kind job.Kind, outcome string) {
			metrics.ObserveJob(string(kind), outcome)
		}),
	)

	authSvc, err := auth.NewService(auth.Config{
		Mode:       auth.Mode(cfg.Auth.Mode),
		Secret:     cfg.Auth.Secret,
		Issuer:     cfg.Auth.Issuer,
		TTLSeconds: cfg.Auth.TTLSeconds,
	})
	if err != nil {
		return err
	}
	if authSvc.Mode() == auth.ModeDisabled {
		log.Warn("运营接口未启用认证")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := processor.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("任务处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Scheduler.Enabled {
		sched := scheduler.New()
		if err := sched.AddFeeRefresh(cfg.Fee.RefreshInterval(), oracle, registry); err != nil {
			return err
		}
		if err := sched.AddStaleRequeue(cfg.JobQueue.StaleAfter()/2, cfg.JobQueue.StaleAfter(), jobs); err != nil {
			return err
		}
		go func() { _ = sched.Start(runCtx) }()
	}

	serveMetricsOnAPI := cfg.Metrics.Enabled && cfg.Metrics.Address == ""
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(runCtx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address,
		api.WithJobs(jobs),
		api.WithChains(registry, oracle),
		api.WithCatalog(cat, metadata.NewBuilder(cfg.Metadata.Gateway)),
		api.WithWhitelist(wl),
		api.WithMetaTx(relayer),
		api.WithRewards(reward.NewService(cat, jobs), cfg.Server.WebhookAPIKey, cfg.Server.WebhookRPS, cfg.Server.WebhookBurst),
		api.WithAuth(authSvc),
		api.WithMetrics(serveMetricsOnAPI),
		api.WithShutdownTimeout(time.Duration(cfg.Server.ShutdownSecond)*time.Second),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func redisConfig(cfg *config.Config) job.RedisQueueConfig {
	return job.RedisQueueConfig{
		Address:   cfg.JobQueue.Redis.Address,
		Password:  cfg.JobQueue.Redis.Password,
		DB:        cfg.JobQueue.Redis.DB,
		Queue:     cfg.JobQueue.Redis.Queue,
		BlockWait: time.Duration(cfg.JobQueue.Redis.BlockWait) * time.Second,
	}
}

// newOracle 按配置构造费用预言机，client 非空且配置了 redis 缓存时跨实例共享费用。
func newOracle(cfg *config.Config, client *redis.Client) *fee.Oracle {
	var cache fee.Cache = fee.NewMemoryCache()
	if cfg.Fee.CacheDriver == "redis" && client != nil {
		cache = fee.NewRedisCache(client, "superdao:fees")
	}
	return fee.NewOracle(
		fee.WithCache(cache, cfg.Fee.FeeCacheTTL()),
		fee.WithSpeed(fee.Speed(cfg.Fee.Speed)),
		fee.WithHTTPClient(&http.Client{Timeout: cfg.Fee.HTTPTimeout()}),
		fee.WithMaxRetries(cfg.Fee.MaxRetries),
		fee.WithGasLimits(cfg.Fee.GasMultiplier, cfg.Fee.DefaultGasLimit),
		fee.WithFallback(fee.Fees{
			MaxFeePerGas:         fee.Gwei(cfg.Fee.FallbackMaxFeeGwei),
			MaxPriorityFeePerGas: fee.Gwei(cfg.Fee.FallbackPriorityGwei),
			GasPrice:             fee.Gwei(cfg.Fee.FallbackGasPriceGwei),
			Source:               fee.SourceFallback,
		}),
		fee.WithObserver(func(chain string, source fee.Source) {
			metrics.ObserveFeeSource(chain, string(source))
		}),
	)
}

func newWhitelist(cfg *config.Config, db *sql.DB) (*whitelist.CachedStore, error) {
	var base whitelist.Store
	switch cfg.Storage.Driver {
	case "memory":
		base = whitelist.NewMemoryStore()
	case "mysql":
		base = whitelist.NewMySQLStore(db)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	return whitelist.NewCachedStore(base, cfg.Storage.WhitelistCacheSize)
}

func newQueue(cfg *config.Config, client *redis.Client) (job.Queue, error) {
	switch cfg.JobQueue.Driver {
	case "memory":
		return job.NewMemoryQueue(cfg.JobQueue.MemoryQueueSize), nil
	case "redis":
		return job.NewRedisQueue(client, cfg.JobQueue.Redis.Queue, time.Duration(cfg.JobQueue.Redis.BlockWait)*time.Second), nil
	case "rabbitmq":
		queue, err := job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.JobQueue.RabbitMQ.URL,
			Queue:      cfg.JobQueue.RabbitMQ.Queue,
			Prefetch:   cfg.JobQueue.RabbitMQ.Prefetch,
			Durable:    cfg.JobQueue.RabbitMQ.Durable,
			AutoDelete: cfg.JobQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return nil, err
		}
		return queue, nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.JobQueue.Driver)
	}
}
