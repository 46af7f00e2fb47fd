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
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"bbdfi/internal/api"
	"bbdfi/internal/batch"
	"bbdfi/internal/config"
	"bbdfi/internal/dca"
	"bbdfi/internal/execution"
	"bbdfi/internal/lending"
	"bbdfi/internal/ledger"
	"bbdfi/internal/observability/alerting"
	"bbdfi/internal/observability/metrics"
	"bbdfi/internal/quote"
	"bbdfi/internal/sequencer"
	"bbdfi/internal/storage/mysql"
	"bbdfi/internal/storage/redis"
	"bbdfi/internal/web3"
	"bbdfi/internal/web3/provider"
	"bbdfi/pkg/logger"
)

// main 是 bbdfi 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("bbdfid 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 只用于本地开发，缺失时忽略。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}

	cfg, err := config.Load(os.Getenv("BBDFI_CONFIG"))
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
	defer func() { _ = logger.Sync() }()
	appLog := logger.L()

	registry, err := provider.NewRegistry(cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()
	binding, err := registry.Default(ctx)
	if err != nil {
		return err
	}
	profile := binding.Profile

	store, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	notifier, err := openNotifier(ctx, cfg.Events)
	if err != nil {
		_ = store.Close()
		return err
	}
	ledgerOpts := []ledger.Option{ledger.WithLogger(logger.Named("ledger"))}
	if notifier != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithNotifier(notifier))
	}
	records := ledger.New(store, ledgerOpts...)
	defer func() {
		if err := records.Close(); err != nil {
			appLog.Warn("关闭交易记录失败", slog.Any("error", err))
		}
	}()

	var registryMetrics *metrics.Registry
	if cfg.Metrics.Enabled {
		registryMetrics = metrics.New()
	}
	dispatcher := newDispatcher(cfg.Alerting)

	guard, closeGuard, err := openGuard(ctx, cfg.Guard)
	if err != nil {
		return err
	}
	defer closeGuard()

	runner := execution.NewRunner(binding.Chain, records,
		execution.WithWatchOptions(web3.WatchOptions{
			PollInterval: cfg.Web3.PollInterval,
			Timeout:      cfg.Web3.ConfirmTimeout,
		}),
		execution.WithMetrics(registryMetrics),
	)

	quotes, err := quote.NewAggregatorClient(quote.Config{
		BaseURL: cfg.Quote.BaseURL,
		APIKey:  cfg.Quote.ResolveAPIKey(),
		ChainID: profile.ChainID,
		Timeout: cfg.Quote.Timeout,
	})
	if err != nil {
		return err
	}

	settings, err := sequencerSettings(cfg.Sequencer)
	if err != nil {
		return err
	}
	seq := sequencer.New(profile, runner, quotes,
		sequencer.WithSettings(settings),
		sequencer.WithGuard(guard),
		sequencer.WithAlertDispatcher(dispatcher),
		sequencer.WithMetrics(registryMetrics),
	)
	lendingOps := lending.New(profile, runner,
		lending.WithGuard(guard),
		lending.WithAlertDispatcher(dispatcher),
		lending.WithMetrics(registryMetrics),
		lending.WithHealthFactorFloor(settings.HealthFactorFloor),
	)

	apiOpts := []api.Option{
		api.WithSequencer(seq),
		api.WithLending(lendingOps),
		api.WithLedger(records),
		api.WithPositions(seq.Positions(), binding.Chain.Account(), settings.HealthFactorFloor),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	}
	if registryMetrics != nil && cfg.Metrics.Address == "" {
		apiOpts = append(apiOpts, api.WithMetrics(registryMetrics, cfg.Metrics.Path))
	}
	server := api.NewServer(cfg.Server.Address, apiOpts...)

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.DCA.Enabled {
		plan, err := dca.PlanFromConfig(cfg.DCA)
		if err != nil {
			return err
		}
		scheduler, err := dca.NewScheduler(seq, plan)
		if err != nil {
			return err
		}
		if err := scheduler.Start(groupCtx); err != nil {
			return err
		}
		defer scheduler.Stop()
	}
	if registryMetrics != nil && cfg.Metrics.Address != "" {
		group.Go(func() error {
			if err := registryMetrics.StartServer(groupCtx, cfg.Metrics.Address, cfg.Metrics.Path); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		if err := server.Start(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	appLog.Info("bbdfid 已启动",
		slog.String("chain", profile.Name),
		slog.String("account", binding.Chain.Account().Hex()),
		slog.String("mode", string(settings.Mode)),
		slog.Bool("dca", cfg.DCA.Enabled),
	)
	return group.Wait()
}

func openLedgerStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return ledger.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewLedgerStore(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		})
	default:
		return nil, fmt.Errorf("未知的交易记录存储驱动: %s", cfg.Driver)
	}
}

func openNotifier(ctx context.Context, cfg config.EventsConfig) (ledger.Notifier, error) {
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		return ledger.NewMemoryBroker(), nil
	case "redis":
		return ledger.NewRedisNotifier(ctx, ledger.RedisNotifierConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
	case "rabbitmq":
		return ledger.NewRabbitMQNotifier(ledger.RabbitMQNotifierConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

func openGuard(ctx context.Context, cfg config.GuardConfig) (sequencer.Guard, func(), error) {
	switch cfg.Driver {
	case "", "local":
		return sequencer.NewLocalGuard(), func() {}, nil
	case "redis":
		guard, err := redis.NewGuard(ctx, redis.GuardConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Key,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return guard, func() { _ = guard.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的互斥驱动: %s", cfg.Driver)
	}
}

func newDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, cfg.Timeout))
	}
	return alerting.NewFanout(notifiers...)
}

func sequencerSettings(cfg config.SequencerConfig) (sequencer.Settings, error) {
	mode, err := sequencer.ParseMode(cfg.Mode)
	if err != nil {
		return sequencer.Settings{}, err
	}
	settings := sequencer.DefaultSettings()
	if mode != "" {
		settings.Mode = mode
	}
	settings.MinLegAmount = big.NewInt(cfg.MinLegAmount)
	if cfg.DepositBalanceBps > 0 {
		settings.DepositBalanceBps = cfg.DepositBalanceBps
	}
	if cfg.BatchApproveBps > 0 || cfg.BatchDepositBps > 0 {
		settings.Batch = batch.Policy{ApproveBps: cfg.BatchApproveBps, DepositBps: cfg.BatchDepositBps}
		if err := settings.Batch.Validate(); err != nil {
			return sequencer.Settings{}, err
		}
	}
	if cfg.HealthFactorFloor > 0 {
		settings.HealthFactorFloor = cfg.HealthFactorFloor
	}
	settings.PreviewBatch = cfg.PreviewBatch
	return settings, nil
}
