package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tokenrelay/internal/domain"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunClosed   = errors.New("run already finished or acknowledged")
)

// RecoverOptions scopes startup replay to the runs this relayer is answerable
// for when several relayers share one journal.
type RecoverOptions struct {
	// Instance is this relayer's id. Runs it wrote are always reported.
	Instance string
	// StaleAfter is how long another relayer's run may go without a journal
	// entry before it is treated as abandoned. Zero reports every run.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Recover replays the journal at startup and reports every run that stopped
// before reaching a terminal phase and has not been acknowledged. Runs are not
// resumed: each one needs an operator to reconcile both chains and then close
// it with Acknowledge.
func Recover(ctx context.Context, journal JournalReader, opts RecoverOptions) ([]domain.JournalEntry, error) {
	if journal == nil {
		return nil, errors.New("journal reader is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	pending, err := journal.Incomplete(ctx)
	if err != nil {
		return nil, err
	}

	var interrupted []domain.JournalEntry
	for _, entry := range pending {
		if !ownedOrAbandoned(entry, opts, now()) {
			slog.Debug("migration in flight on another relayer",
				"run_id", entry.RunID,
				"instance", entry.Instance,
				"recorded_at", entry.RecordedAt,
			)
			continue
		}
		slog.Error("interrupted migration requires reconciliation",
			"run_id", entry.RunID,
			"instance", entry.Instance,
			"request_id", entry.RequestID,
			"source_account", entry.SourceAccount,
			"destination_account", entry.DestinationAccount,
			"amount", entry.Amount,
			"phase", entry.Phase,
			"last_step", entry.Step,
			"last_status", entry.Status,
			"recorded_at", entry.RecordedAt,
		)
		interrupted = append(interrupted, entry)
	}
	if len(interrupted) == 0 {
		slog.Info("journal replay found no interrupted migrations", "in_flight_elsewhere", len(pending))
	}
	return interrupted, nil
}

func ownedOrAbandoned(entry domain.JournalEntry, opts RecoverOptions, now time.Time) bool {
	if entry.Instance == "" || entry.Instance == opts.Instance || opts.StaleAfter <= 0 {
		return true
	}
	return now.Sub(entry.RecordedAt) >= opts.StaleAfter
}

// Acknowledge closes an interrupted run after an operator has reconciled it.
// The appended entry repeats the run's last state and carries the note.
func Acknowledge(ctx context.Context, journal JournalStore, runID, instance, note string, now time.Time) (domain.JournalEntry, error) {
	if journal == nil {
		return domain.JournalEntry{}, errors.New("journal is required")
	}
	entries, err := journal.Run(ctx, runID)
	if err != nil {
		return domain.JournalEntry{}, err
	}
	if len(entries) == 0 {
		return domain.JournalEntry{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	for _, entry := range entries {
		if entry.Status.Closes() {
			return domain.JournalEntry{}, fmt.Errorf("%w: %s", ErrRunClosed, runID)
		}
	}

	ack := entries[len(entries)-1]
	ack.Instance = instance
	ack.Status = domain.EntryAcknowledged
	ack.TxRef = ""
	ack.ErrorKind = ""
	ack.Error = note
	ack.RecordedAt = now.UTC()
	if err := journal.Append(ctx, ack); err != nil {
		return domain.JournalEntry{}, err
	}
	slog.Info("interrupted migration acknowledged", "run_id", runID, "phase", ack.Phase, "note", note)
	return ack, nil
}
