package application

import (
	"context"

	"tokenrelay/internal/domain"
)

// DestinationChain mints and moves the migrated token. Every call returns only
// once the transaction is finalized.
type DestinationChain interface {
	Mint(ctx context.Context, amount uint64, destinationAccount string) (domain.TxRef, error)
	Migrate(ctx context.Context, amount uint64, destinationAccount string) (domain.TxRef, error)
	Burn(ctx context.Context, amount uint64) (domain.TxRef, error)
}

// SourceChain settles the user's lock on the source bridge, keyed by account.
type SourceChain interface {
	Burn(ctx context.Context, sourceAccount string) (domain.TxRef, error)
	Refund(ctx context.Context, sourceAccount string) (domain.TxRef, error)
}

type Journal interface {
	Append(ctx context.Context, entry domain.JournalEntry) error
}

type JournalReader interface {
	Incomplete(ctx context.Context) ([]domain.JournalEntry, error)
	History(ctx context.Context, limit int) ([]domain.JournalEntry, error)
	Run(ctx context.Context, runID string) ([]domain.JournalEntry, error)
}

// JournalStore reads the journal and can append to it.
type JournalStore interface {
	Journal
	JournalReader
}

type OutcomeSink interface {
	PublishOutcome(ctx context.Context, outcome domain.MigrationOutcome) error
}

type OutcomeObserver interface {
	OnStepFailed(step domain.Step, kind domain.ErrorKind)
	OnOutcome(outcome domain.MigrationOutcome)
}

// LockHandler receives lock events in the order the source delivers them.
type LockHandler func(ctx context.Context, event domain.LockEvent) error

// LockSource delivers lock events until ctx is done or the source fails.
type LockSource interface {
	Subscribe(ctx context.Context, handle LockHandler) error
}

type AccountLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type LogSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	FetchLogs(ctx context.Context, fromBlock, toBlock uint64) ([]domain.LogEntry, error)
	ChainID(ctx context.Context) (uint64, error)
}

type LockDecoder interface {
	DecodeLock(entry domain.LogEntry) (domain.LockEvent, error)
}

type StateRepository interface {
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error
}
