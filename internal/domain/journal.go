package domain

import "time"

// EntryStatus is the state of a journaled step.
type EntryStatus string

const (
	EntryStarted   EntryStatus = "started"
	EntrySucceeded EntryStatus = "succeeded"
	EntryFailed    EntryStatus = "failed"
	EntryTerminal  EntryStatus = "terminal"
	// EntryAcknowledged closes an interrupted run once an operator has
	// reconciled both chains by hand.
	EntryAcknowledged EntryStatus = "acknowledged"
)

// Closes reports whether an entry with this status ends its run.
func (s EntryStatus) Closes() bool {
	return s == EntryTerminal || s == EntryAcknowledged
}

// JournalEntry is one append-only record of a run's progress. A started entry
// is written before every chain call.
type JournalEntry struct {
	RunID              string
	Instance           string
	RequestID          string
	SourceAccount      string
	DestinationAccount string
	Amount             uint64
	Step               Step
	Status             EntryStatus
	Phase              Phase
	TxRef              TxRef
	ErrorKind          ErrorKind
	Error              string
	RecordedAt         time.Time
}
