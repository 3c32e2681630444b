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
	"tokenrelay/internal/domain"
	"tokenrelay/internal/infrastructure/ethbridge"
	"tokenrelay/internal/infrastructure/ethrpc"
	"tokenrelay/internal/infrastructure/kafka"
	"tokenrelay/internal/infrastructure/logging"
	"tokenrelay/internal/infrastructure/storage"
	"tokenrelay/internal/infrastructure/telemetry"
	"tokenrelay/internal/interfaces/httpapi"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// The watcher polls the source bridge and republishes every lock event on the
// lock topic, so several relayers can share one chain cursor.
func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := cfg.RequireWatcher(); err != nil {
		log.Fatalf("config error: %v", err)
	}

	logFile, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Service:    "watcher",
	})
	if err != nil {
		log.Fatalf("logging error: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTracer(ctx, "tokenrelay-watcher", version, cfg.OtelEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(shutdownCtx)
		}()
	}

	state, err := storage.Open(storage.Config{DSN: cfg.JournalDSN, Path: cfg.JournalPath})
	if err != nil {
		log.Fatalf("state store error: %v", err)
	}
	defer state.Close()

	rpcClient, err := ethrpc.NewClient(ethrpc.Config{
		URL:     cfg.SourceRPCURL,
		Address: cfg.SourceBridgeAddress,
		Topic:   ethbridge.LockTopic(),
	})
	if err != nil {
		log.Fatalf("rpc error: %v", err)
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.KafkaBrokers, TopicPrefix: cfg.KafkaTopicPrefix})
	if err != nil {
		log.Fatalf("kafka producer error: %v", err)
	}
	defer producer.Close()

	metrics := httpapi.NewMetrics()
	watcher, err := application.NewWatcher(rpcClient, ethbridge.Decoder{}, state, metrics, application.WatcherConfig{
		StartBlock:    cfg.SourceStartBlock,
		Confirmations: cfg.SourceConfirmations,
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.SourceBatchSize,
	})
	if err != nil {
		log.Fatalf("watcher error: %v", err)
	}

	httpServer, err := httpapi.NewServer(cfg.Redacted(), state, metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		log.Fatalf("http server error: %v", err)
	}
	go func() {
		if err := httpServer.ListenAndServe(ctx, cfg.HTTPAddr); err != nil {
			slog.Error("http server error", "err", err)
			cancel()
		}
	}()

	slog.Info("watcher started", "bridge", cfg.SourceBridgeAddress, "topic", kafka.TopicsFor(cfg.KafkaTopicPrefix).Locks)
	err = watcher.Subscribe(ctx, func(ctx context.Context, event domain.LockEvent) error {
		metrics.OnEventReceived()
		return producer.PublishLock(ctx, event)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("watcher stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("watcher stopped")
}
