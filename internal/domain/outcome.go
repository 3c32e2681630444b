package domain

import "time"

// Phase is the progress marker of a migration run.
type Phase string

const (
	PhaseStarted         Phase = "Started"
	PhaseMinted          Phase = "Minted"
	PhaseMigrated        Phase = "Migrated"
	PhaseCompleted       Phase = "Completed"
	PhaseRolledBack      Phase = "RolledBack"
	PhasePartiallyFailed Phase = "PartiallyFailed"
)

// Terminal reports whether no further chain call follows the phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseRolledBack, PhasePartiallyFailed:
		return true
	default:
		return false
	}
}

// Step names a single chain call made by the orchestrator.
type Step string

const (
	StepMint       Step = "mint"
	StepMigrate    Step = "migrate"
	StepBurn       Step = "burn"
	StepRefund     Step = "refund"
	StepBurnExcess Step = "burn_excess"
)

// TxRef is a transaction reference (hash or signature). Empty means the step
// did not execute successfully.
type TxRef string

func (t TxRef) Present() bool {
	return t != ""
}

// StepError records a failed step together with the phase the run had reached.
type StepError struct {
	Step  Step
	Phase Phase
	Kind  ErrorKind
	Err   error
}

func (e StepError) Error() string {
	return string(e.Step) + ": " + e.Err.Error()
}

// MigrationOutcome is the terminal record of one orchestrator run.
type MigrationOutcome struct {
	RunID        string
	Request      MigrationRequest
	Phase        Phase
	MintTx       TxRef
	MigrateTx    TxRef
	BurnTx       TxRef
	RefundTx     TxRef
	BurnExcessTx TxRef
	Errors       []StepError
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (o MigrationOutcome) Failed(step Step) bool {
	for _, stepErr := range o.Errors {
		if stepErr.Step == step {
			return true
		}
	}
	return false
}
