package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tokenrelay/internal/application"
	"tokenrelay/internal/config"
	"tokenrelay/internal/infrastructure/logging"
	"tokenrelay/internal/infrastructure/storage"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	// keep stdout for tables
	if _, err := logging.Init(logging.Config{Level: "warn", Format: cfg.LogFormat, Service: "relayctl", Output: os.Stderr}); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		os.Exit(1)
	}

	builder := CommandBuilder{
		Open: func() (application.JournalStore, func() error, error) {
			repo, err := storage.Open(storage.Config{DSN: cfg.JournalDSN, Path: cfg.JournalPath})
			if err != nil {
				return nil, nil, err
			}
			return repo, repo.Close, nil
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := builder.Build().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
