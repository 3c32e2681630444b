package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

type WatcherObserver interface {
	OnLatestBlock(block uint64)
	OnBatchProcessed(fromBlock, toBlock uint64, lockCount int)
}

type WatcherConfig struct {
	StartBlock    uint64
	Confirmations uint64
	PollInterval  time.Duration
	BatchSize     uint64
}

// Watcher polls the source bridge for lock logs and turns them into a
// continuous LockSource. The cursor is persisted per chain once every event of
// a block has been handed off.
type Watcher struct {
	source   LogSource
	decoder  LockDecoder
	state    StateRepository
	observer WatcherObserver
	cfg      WatcherConfig
}

func NewWatcher(source LogSource, decoder LockDecoder, state StateRepository, observer WatcherObserver, cfg WatcherConfig) (*Watcher, error) {
	if source == nil || decoder == nil || state == nil {
		return nil, errors.New("watcher dependencies must not be nil")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Watcher{source: source, decoder: decoder, state: state, observer: observer, cfg: cfg}, nil
}

func (w *Watcher) Subscribe(ctx context.Context, handle LockHandler) error {
	if handle == nil {
		return errors.New("lock handler must not be nil")
	}
	chainID, err := w.source.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("source chain id: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current := w.cfg.StartBlock
		if last, ok, err := w.state.LastProcessedBlock(ctx, chainID); err != nil {
			return err
		} else if ok {
			current = last + 1
		}

		latest, err := w.source.LatestBlockNumber(ctx)
		if err != nil {
			slog.Warn("source head unavailable", "chain_id", chainID, "err", err)
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		if w.observer != nil {
			w.observer.OnLatestBlock(latest)
		}
		if latest < w.cfg.Confirmations {
			latest = 0
		} else {
			latest -= w.cfg.Confirmations
		}

		if current > latest {
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		toBlock := current + w.cfg.BatchSize - 1
		if toBlock > latest {
			toBlock = latest
		}

		logs, err := w.source.FetchLogs(ctx, current, toBlock)
		if err != nil {
			slog.Warn("lock log fetch failed", "chain_id", chainID, "from", current, "to", toBlock, "err", err)
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue
		}
		sort.Slice(logs, func(a, b int) bool {
			if logs[a].BlockNumber == logs[b].BlockNumber {
				return logs[a].LogIndex < logs[b].LogIndex
			}
			return logs[a].BlockNumber < logs[b].BlockNumber
		})

		handled := 0
		for _, entry := range logs {
			if entry.Removed {
				continue
			}
			event, err := w.decoder.DecodeLock(entry)
			if err != nil {
				slog.Warn("undecodable lock log skipped",
					"tx_hash", entry.TxHash,
					"log_index", entry.LogIndex,
					"block_number", entry.BlockNumber,
					"err", err,
				)
				continue
			}
			event.ChainID = chainID
			if err := handle(ctx, event); err != nil {
				w.saveUntil(ctx, chainID, current, entry.BlockNumber)
				return fmt.Errorf("lock handler at block %d: %w", entry.BlockNumber, err)
			}
			handled++
		}

		if err := w.state.SetLastProcessedBlock(ctx, chainID, toBlock); err != nil {
			return err
		}
		if w.observer != nil {
			w.observer.OnBatchProcessed(current, toBlock, handled)
		}
		slog.Debug("lock batch processed", "chain_id", chainID, "from", current, "to", toBlock, "locks", handled)
	}
}

// saveUntil records every block before failedBlock as processed so a restart
// resumes at the block whose event could not be handed off.
func (w *Watcher) saveUntil(ctx context.Context, chainID, current, failedBlock uint64) {
	if failedBlock <= current {
		return
	}
	if err := w.state.SetLastProcessedBlock(ctx, chainID, failedBlock-1); err != nil {
		slog.Error("cursor save failed", "chain_id", chainID, "block", failedBlock-1, "err", err)
	}
}

func (w *Watcher) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.cfg.PollInterval):
		return nil
	}
}
