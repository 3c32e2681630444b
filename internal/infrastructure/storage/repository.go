package storage

import (
	"context"
	"errors"
	"log/slog"

	"tokenrelay/internal/application"
	"tokenrelay/internal/infrastructure/mysql"
	"tokenrelay/internal/infrastructure/sqlite"
)

// Repository is a journal backend: the append-only run journal plus the
// watcher cursor.
type Repository interface {
	application.Journal
	application.JournalReader
	application.StateRepository
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	// DSN selects the shared MySQL journal when set.
	DSN string
	// Path is the embedded sqlite file used otherwise.
	Path string
}

func (c Config) Backend() string {
	if c.DSN != "" {
		return "mysql"
	}
	return "sqlite"
}

func Open(cfg Config) (Repository, error) {
	if cfg.DSN != "" {
		repo, err := mysql.NewRepository(cfg.DSN)
		if err != nil {
			return nil, err
		}
		slog.Info("journal opened", "backend", "mysql")
		return repo, nil
	}
	if cfg.Path == "" {
		return nil, errors.New("journal path or dsn is required")
	}
	repo, err := sqlite.NewRepository(cfg.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("journal opened", "backend", "sqlite", "path", cfg.Path)
	return repo, nil
}

var (
	_ Repository = (*mysql.Repository)(nil)
	_ Repository = (*sqlite.Repository)(nil)
)
