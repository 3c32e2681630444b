package domain

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidAmount      = errors.New("amount must be a positive integer")
	ErrAmountTooLarge     = errors.New("amount does not fit in 64 bits")
	ErrMissingSource      = errors.New("source account is required")
	ErrMissingDestination = errors.New("destination account is required")
)

// LockEvent is a TokensLocked notification read from the source bridge contract.
type LockEvent struct {
	Amount             *big.Int
	SourceAccount      string
	DestinationAccount string
	Timestamp          uint64
	ChainID            uint64
	BlockNumber        uint64
	TxHash             string
	LogIndex           uint64
}

// Key identifies the on-chain position of the event, or returns "" when the
// event was not read from a log.
func (e LockEvent) Key() string {
	if e.TxHash == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", strings.ToLower(e.TxHash), e.LogIndex)
}

// MigrationRequest is the unit of work handed to the orchestrator. It is passed
// by value and never changes once built.
type MigrationRequest struct {
	ID                 string
	SourceAccount      string
	DestinationAccount string
	Amount             uint64
	ObservedAt         time.Time
	// Unmintable is set for a lock that can be refunded but never migrated.
	// The run fails the mint step with it and compensates.
	Unmintable error
}

// NewMigrationRequest builds the request for a lock event. Only events with
// nothing to refund are rejected: a missing source account or a non-positive
// amount. A lock whose amount overflows 64 bits or whose destination is blank
// still yields a request, marked Unmintable, so the user gets a refund.
func NewMigrationRequest(event LockEvent, observedAt time.Time) (MigrationRequest, error) {
	if event.Amount == nil || event.Amount.Sign() <= 0 {
		return MigrationRequest{}, ErrInvalidAmount
	}
	source := strings.TrimSpace(event.SourceAccount)
	if source == "" {
		return MigrationRequest{}, ErrMissingSource
	}
	id := event.Key()
	if id == "" {
		id = uuid.NewString()
	}
	req := MigrationRequest{
		ID:                 id,
		SourceAccount:      source,
		DestinationAccount: strings.TrimSpace(event.DestinationAccount),
		ObservedAt:         observedAt.UTC(),
	}
	switch {
	case !event.Amount.IsUint64():
		req.Unmintable = Rejected("lock amount", fmt.Errorf("%w: %s", ErrAmountTooLarge, event.Amount))
	case req.DestinationAccount == "":
		req.Amount = event.Amount.Uint64()
		req.Unmintable = AccountResolution("destination account", ErrMissingDestination)
	default:
		req.Amount = event.Amount.Uint64()
	}
	return req, nil
}
