package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tokenrelay/internal/application"
	"tokenrelay/internal/config"
	"tokenrelay/internal/infrastructure/ethbridge"
	"tokenrelay/internal/infrastructure/ethrpc"
	"tokenrelay/internal/infrastructure/kafka"
	"tokenrelay/internal/infrastructure/logging"
	"tokenrelay/internal/infrastructure/redislock"
	"tokenrelay/internal/infrastructure/solana"
	"tokenrelay/internal/infrastructure/storage"
	"tokenrelay/internal/infrastructure/telemetry"
	"tokenrelay/internal/interfaces/httpapi"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.RequireRelayer(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	logFile, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Service:    "relayer",
	})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	slog.Info("relayer starting", "version", version, "commit", commit, "config", cfg.Redacted())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracer(ctx, "tokenrelay-relayer", version, cfg.OtelEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown error", "err", err)
			}
		}()
	}

	journal, err := storage.Open(storage.Config{DSN: cfg.JournalDSN, Path: cfg.JournalPath})
	if err != nil {
		log.Fatalf("journal error: %v", err)
	}
	defer journal.Close()

	// a run on another relayer writes an entry at least once per chain call
	recoverOpts := application.RecoverOptions{Instance: cfg.InstanceID, StaleAfter: 2 * cfg.ChainCallTimeout}
	if pending, err := application.Recover(ctx, journal, recoverOpts); err != nil {
		log.Fatalf("journal replay error: %v", err)
	} else if len(pending) > 0 {
		slog.Warn("interrupted migrations found, acknowledge each with relayctl ack once reconciled", "count", len(pending))
	}

	source, err := ethbridge.Dial(ctx, ethbridge.Config{
		URL:        cfg.SourceEndpoint(),
		Address:    cfg.SourceBridgeAddress,
		PrivateKey: cfg.SourceAdminPrivateKey,
	})
	if err != nil {
		log.Fatalf("source chain error: %v", err)
	}
	destination, err := solana.Dial(solana.Config{
		URL:              cfg.DestRPCURL,
		PrivateKey:       cfg.DestAdminPrivateKey,
		TokenProgram:     cfg.DestTokenProgramID,
		Mint:             cfg.DestTokenMint,
		MigrationProgram: cfg.DestMigrationProgramID,
	})
	if err != nil {
		log.Fatalf("destination chain error: %v", err)
	}
	slog.Info("chain adapters ready", "source_admin", source.Admin(), "destination_admin", destination.Admin())

	scaler, err := application.NewScaler(cfg.AmountScaleDecimals)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := httpapi.NewMetrics()

	var sink application.OutcomeSink
	if cfg.PublishOutcomes {
		producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, TopicPrefix: cfg.KafkaTopicPrefix})
		if err != nil {
			log.Fatalf("kafka producer error: %v", err)
		}
		defer producer.Close()
		sink = producer
	}

	orchestrator, err := application.NewOrchestrator(source, destination, journal, sink, metrics, application.OrchestratorConfig{
		CallTimeout: cfg.ChainCallTimeout,
		Scaler:      scaler,
		Instance:    cfg.InstanceID,
	})
	if err != nil {
		log.Fatalf("orchestrator error: %v", err)
	}

	var locker application.AccountLocker
	if cfg.SerializeByAccount && cfg.RedisAddr != "" {
		redisLocker, err := redislock.Dial(ctx, redislock.Config{Addr: cfg.RedisAddr, TTL: cfg.LockTTL})
		if err != nil {
			slog.Warn("redis lock unavailable, serializing in process", "addr", cfg.RedisAddr, "err", err)
		} else {
			defer redisLocker.Close()
			locker = redisLocker
		}
	}
	dispatcher, err := application.NewDispatcher(orchestrator, locker, metrics, application.DispatcherConfig{
		SerializeByAccount: cfg.SerializeByAccount,
	})
	if err != nil {
		log.Fatalf("dispatcher error: %v", err)
	}

	lockSource, closeSource, err := newLockSource(cfg, journal, metrics)
	if err != nil {
		log.Fatalf("lock source error: %v", err)
	}
	defer closeSource()

	httpServer, err := httpapi.NewServer(cfg.Redacted(), journal, metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		log.Fatalf("http server error: %v", err)
	}
	go func() {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	slog.Info("relayer started", "lock_source", cfg.LockSource, "serialize_by_account", cfg.SerializeByAccount)
	if err := dispatcher.Run(ctx, lockSource); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("lock source stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("relayer stopped")
}

func newLockSource(cfg config.Config, state application.StateRepository, metrics *httpapi.Metrics) (application.LockSource, func(), error) {
	if cfg.LockSource == config.LockSourceKafka {
		consumer, err := kafka.NewLockConsumer(kafka.ConsumerConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			GroupID:     cfg.KafkaGroupID,
			Observer:    metrics,
		})
		if err != nil {
			return nil, nil, err
		}
		return consumer, func() { _ = consumer.Close() }, nil
	}

	rpcClient, err := ethrpc.NewClient(ethrpc.Config{
		URL:     cfg.SourceRPCURL,
		Address: cfg.SourceBridgeAddress,
		Topic:   ethbridge.LockTopic(),
	})
	if err != nil {
		return nil, nil, err
	}
	watcher, err := application.NewWatcher(rpcClient, ethbridge.Decoder{}, state, metrics, application.WatcherConfig{
		StartBlock:    cfg.SourceStartBlock,
		Confirmations: cfg.SourceConfirmations,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.SourceBatchSize,
	})
	if err != nil {
		return nil, nil, err
	}
	return watcher, func() {}, nil
}
