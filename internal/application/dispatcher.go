package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"tokenrelay/internal/domain"
)

type Processor interface {
	Process(ctx context.Context, req domain.MigrationRequest) domain.MigrationOutcome
}

type DispatchObserver interface {
	OnEventReceived()
	OnEventRejected()
	OnRunStarted()
	OnRunFinished()
}

type DispatcherConfig struct {
	SerializeByAccount bool
}

// Dispatcher starts one orchestrator run per lock event. It applies no
// back-pressure and no deduplication; with SerializeByAccount set, runs that
// target the same destination account wait for each other.
type Dispatcher struct {
	processor Processor
	locker    AccountLocker
	observer  DispatchObserver
	cfg       DispatcherConfig
	now       func() time.Time
	wg        sync.WaitGroup
}

func NewDispatcher(processor Processor, locker AccountLocker, observer DispatchObserver, cfg DispatcherConfig) (*Dispatcher, error) {
	if processor == nil {
		return nil, errors.New("dispatcher processor must not be nil")
	}
	if cfg.SerializeByAccount && locker == nil {
		locker = NewKeyedLocker()
	}
	return &Dispatcher{processor: processor, locker: locker, observer: observer, cfg: cfg, now: time.Now}, nil
}

// Run subscribes to source and returns once the subscription ends and every
// run it started has finished.
func (d *Dispatcher) Run(ctx context.Context, source LockSource) error {
	if source == nil {
		return errors.New("lock source must not be nil")
	}
	err := source.Subscribe(ctx, d.Dispatch)
	d.Wait()
	return err
}

// Dispatch hands the event to a new run and returns immediately.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.LockEvent) error {
	if d.observer != nil {
		d.observer.OnEventReceived()
	}
	req, err := domain.NewMigrationRequest(event, d.now())
	if err != nil {
		slog.Warn("lock event rejected",
			"tx_hash", event.TxHash,
			"log_index", event.LogIndex,
			"source_account", event.SourceAccount,
			"destination_account", event.DestinationAccount,
			"amount", event.Amount,
			"err", err,
		)
		if d.observer != nil {
			d.observer.OnEventRejected()
		}
		return nil
	}

	if req.Unmintable != nil {
		slog.Warn("lock event cannot be migrated, refunding",
			"request_id", req.ID,
			"source_account", req.SourceAccount,
			"destination_account", req.DestinationAccount,
			"amount", event.Amount,
			"err", req.Unmintable,
		)
	}

	slog.Info("lock event received",
		"request_id", req.ID,
		"source_account", req.SourceAccount,
		"destination_account", req.DestinationAccount,
		"amount", req.Amount,
		"block_number", event.BlockNumber,
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.WithoutCancel(ctx), req)
	}()
	return nil
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, req domain.MigrationRequest) {
	if d.observer != nil {
		d.observer.OnRunStarted()
		defer d.observer.OnRunFinished()
	}
	if d.cfg.SerializeByAccount && d.locker != nil {
		unlock, err := d.locker.Lock(ctx, req.DestinationAccount)
		if err != nil {
			slog.Warn("account lock unavailable, running unserialized",
				"request_id", req.ID,
				"destination_account", req.DestinationAccount,
				"err", err,
			)
		} else {
			defer unlock()
		}
	}
	d.processor.Process(ctx, req)
}
