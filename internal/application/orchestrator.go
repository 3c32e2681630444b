package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"tokenrelay/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type OrchestratorConfig struct {
	CallTimeout time.Duration
	Scaler      Scaler
	// Instance tags journal entries with the relayer that wrote them.
	Instance string
}

// Orchestrator runs the mint, migrate, burn saga for one lock event and picks
// the compensation path when the destination side fails.
type Orchestrator struct {
	source      SourceChain
	destination DestinationChain
	journal     Journal
	sink        OutcomeSink
	observer    OutcomeObserver
	cfg         OrchestratorConfig
	now         func() time.Time
	newRunID    func() string
}

func NewOrchestrator(source SourceChain, destination DestinationChain, journal Journal, sink OutcomeSink, observer OutcomeObserver, cfg OrchestratorConfig) (*Orchestrator, error) {
	if source == nil || destination == nil {
		return nil, errors.New("orchestrator chain adapters must not be nil")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		source:      source,
		destination: destination,
		journal:     journal,
		sink:        sink,
		observer:    observer,
		cfg:         cfg,
		now:         time.Now,
		newRunID:    uuid.NewString,
	}, nil
}

type migrationRun struct {
	outcome domain.MigrationOutcome
	logger  *slog.Logger
}

// Process drives one request to a terminal phase. It never fails: adapter
// errors become state transitions recorded in the returned outcome.
// Cancellation of ctx does not interrupt the run, each chain call is bounded
// by the configured call timeout instead.
func (o *Orchestrator) Process(ctx context.Context, req domain.MigrationRequest) domain.MigrationOutcome {
	ctx = context.WithoutCancel(ctx)
	run := &migrationRun{
		outcome: domain.MigrationOutcome{
			RunID:     o.newRunID(),
			Request:   req,
			Phase:     domain.PhaseStarted,
			StartedAt: o.now().UTC(),
		},
	}
	run.logger = slog.With(
		"run_id", run.outcome.RunID,
		"request_id", req.ID,
		"source_account", req.SourceAccount,
		"destination_account", req.DestinationAccount,
		"amount", req.Amount,
	)

	ctx, span := otel.Tracer("tokenrelay/orchestrator").Start(ctx, "migration.process", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("migration.run_id", run.outcome.RunID),
		attribute.String("migration.request_id", req.ID),
		attribute.String("migration.source_account", req.SourceAccount),
		attribute.String("migration.destination_account", req.DestinationAccount),
		attribute.String("migration.amount", strconv.FormatUint(req.Amount, 10)),
	)

	run.logger.Info("processing migration")

	minted := false
	var scaled uint64
	var err error
	if req.Unmintable != nil {
		o.recordFailure(ctx, run, domain.StepMint, req.Unmintable)
	} else if scaled, err = o.cfg.Scaler.ToDestination(req.Amount); err != nil {
		o.recordFailure(ctx, run, domain.StepMint, domain.Rejected("scale amount", err))
	} else {
		run.outcome.MintTx, minted = o.call(ctx, run, domain.StepMint, func(ctx context.Context) (domain.TxRef, error) {
			return o.destination.Mint(ctx, scaled, req.DestinationAccount)
		})
	}

	if minted {
		run.outcome.Phase = domain.PhaseMinted
		var migrated bool
		run.outcome.MigrateTx, migrated = o.call(ctx, run, domain.StepMigrate, func(ctx context.Context) (domain.TxRef, error) {
			return o.destination.Migrate(ctx, scaled, req.DestinationAccount)
		})
		if migrated {
			run.outcome.Phase = domain.PhaseMigrated
			return o.complete(ctx, span, run)
		}
	}

	return o.compensate(ctx, span, run, minted, scaled)
}

// complete burns the source-side lock. Destination delivery is already final
// here, so a failed burn ends the run without compensation.
func (o *Orchestrator) complete(ctx context.Context, span trace.Span, run *migrationRun) domain.MigrationOutcome {
	var burned bool
	run.outcome.BurnTx, burned = o.call(ctx, run, domain.StepBurn, func(ctx context.Context) (domain.TxRef, error) {
		return o.source.Burn(ctx, run.outcome.Request.SourceAccount)
	})
	if !burned {
		return o.finish(ctx, span, run, domain.PhasePartiallyFailed)
	}
	return o.finish(ctx, span, run, domain.PhaseCompleted)
}

// compensate refunds the user and destroys the minted supply. Both actions are
// attempted whatever the other returns.
func (o *Orchestrator) compensate(ctx context.Context, span trace.Span, run *migrationRun, minted bool, scaled uint64) domain.MigrationOutcome {
	run.logger.Warn("compensating migration", "phase", run.outcome.Phase, "minted", minted)

	var refunded bool
	run.outcome.RefundTx, refunded = o.call(ctx, run, domain.StepRefund, func(ctx context.Context) (domain.TxRef, error) {
		return o.source.Refund(ctx, run.outcome.Request.SourceAccount)
	})

	burnedExcess := true
	if minted {
		run.outcome.BurnExcessTx, burnedExcess = o.call(ctx, run, domain.StepBurnExcess, func(ctx context.Context) (domain.TxRef, error) {
			return o.destination.Burn(ctx, scaled)
		})
	}

	if !refunded || !burnedExcess {
		return o.finish(ctx, span, run, domain.PhasePartiallyFailed)
	}
	return o.finish(ctx, span, run, domain.PhaseRolledBack)
}

func (o *Orchestrator) call(ctx context.Context, run *migrationRun, step domain.Step, fn func(context.Context) (domain.TxRef, error)) (domain.TxRef, bool) {
	o.appendJournal(ctx, run, step, domain.EntryStarted, "", nil)
	run.logger.Info("migration step started", "step", step, "phase", run.outcome.Phase)

	ctx, span := otel.Tracer("tokenrelay/orchestrator").Start(ctx, "migration."+string(step))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	ref, err := invoke(callCtx, step, fn)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && domain.Classify(err) != domain.ErrorTransient {
			err = domain.Transient(string(step), fmt.Errorf("timed out after %s: %w", o.cfg.CallTimeout, err))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.recordFailure(ctx, run, step, err)
		return "", false
	}

	span.SetAttributes(attribute.String("tx.ref", string(ref)))
	run.logger.Info("migration step succeeded", "step", step, "tx", ref)
	o.appendJournal(ctx, run, step, domain.EntrySucceeded, ref, nil)
	return ref, true
}

func invoke(ctx context.Context, step domain.Step, fn func(context.Context) (domain.TxRef, error)) (ref domain.TxRef, err error) {
	defer func() {
		if r := recover(); r != nil {
			ref = ""
			err = domain.Rejected(string(step), fmt.Errorf("adapter panic: %v", r))
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) recordFailure(ctx context.Context, run *migrationRun, step domain.Step, err error) {
	kind := domain.Classify(err)
	run.outcome.Errors = append(run.outcome.Errors, domain.StepError{
		Step:  step,
		Phase: run.outcome.Phase,
		Kind:  kind,
		Err:   err,
	})
	run.logger.Error("migration step failed", "step", step, "phase", run.outcome.Phase, "kind", kind, "err", err)
	if o.observer != nil {
		o.observer.OnStepFailed(step, kind)
	}
	o.appendJournal(ctx, run, step, domain.EntryFailed, "", err)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, run *migrationRun, phase domain.Phase) domain.MigrationOutcome {
	run.outcome.Phase = phase
	run.outcome.FinishedAt = o.now().UTC()
	o.appendJournal(ctx, run, "", domain.EntryTerminal, "", nil)

	attrs := []any{
		"phase", phase,
		"mint_tx", run.outcome.MintTx,
		"migrate_tx", run.outcome.MigrateTx,
		"burn_tx", run.outcome.BurnTx,
		"refund_tx", run.outcome.RefundTx,
		"burn_excess_tx", run.outcome.BurnExcessTx,
		"failed_steps", len(run.outcome.Errors),
		"duration", run.outcome.FinishedAt.Sub(run.outcome.StartedAt),
	}
	switch phase {
	case domain.PhaseCompleted:
		run.logger.Info("migration completed", attrs...)
	case domain.PhaseRolledBack:
		run.logger.Warn("migration rolled back", attrs...)
	default:
		run.logger.Error("migration partially failed, manual reconciliation required", attrs...)
	}

	span.SetAttributes(attribute.String("migration.phase", string(phase)))
	if phase != domain.PhaseCompleted {
		span.SetStatus(codes.Error, string(phase))
	}

	if o.sink != nil {
		if err := o.sink.PublishOutcome(ctx, run.outcome); err != nil {
			run.logger.Warn("outcome publish failed", "err", err)
		}
	}
	if o.observer != nil {
		o.observer.OnOutcome(run.outcome)
	}
	return run.outcome
}

func (o *Orchestrator) appendJournal(ctx context.Context, run *migrationRun, step domain.Step, status domain.EntryStatus, ref domain.TxRef, stepErr error) {
	if o.journal == nil {
		return
	}
	req := run.outcome.Request
	entry := domain.JournalEntry{
		RunID:              run.outcome.RunID,
		Instance:           o.cfg.Instance,
		RequestID:          req.ID,
		SourceAccount:      req.SourceAccount,
		DestinationAccount: req.DestinationAccount,
		Amount:             req.Amount,
		Step:               step,
		Status:             status,
		Phase:              run.outcome.Phase,
		TxRef:              ref,
		RecordedAt:         o.now().UTC(),
	}
	if stepErr != nil {
		entry.ErrorKind = domain.Classify(stepErr)
		entry.Error = stepErr.Error()
	}
	if err := o.journal.Append(ctx, entry); err != nil {
		run.logger.Error("journal append failed", "step", step, "status", status, "err", err)
	}
}
