package streaming

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"tokenrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockMessageCarriesWideAmounts(t *testing.T) {
	amount, ok := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	require.True(t, ok)
	event := domain.LockEvent{
		Amount:             amount,
		SourceAccount:      "0xabc",
		DestinationAccount: "Dest111",
		ChainID:            1,
		BlockNumber:        9,
		TxHash:             "0xtx",
		LogIndex:           2,
	}

	payload, err := Encode(LockMessage(event))
	require.NoError(t, err)
	decoded, err := Decode(payload)
	require.NoError(t, err)

	got, err := decoded.LockEvent()
	require.NoError(t, err)
	assert.Equal(t, 0, amount.Cmp(got.Amount))
	assert.Equal(t, event.Key(), got.Key())
	assert.Equal(t, uint64(1), got.ChainID)
}

func TestLockEventWithGarbageAmountFailsValidation(t *testing.T) {
	msg := Message{Type: MessageTypeLock, ChainID: 1, Lock: &Lock{Amount: "lots", SourceAccount: "a", DestinationAccount: "b"}}
	event, err := msg.LockEvent()
	require.NoError(t, err)
	assert.Nil(t, event.Amount)

	_, err = domain.NewMigrationRequest(event, time.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestOutcomeMessageFlattensErrors(t *testing.T) {
	outcome := domain.MigrationOutcome{
		RunID:    "run-1",
		Request:  domain.MigrationRequest{ID: "req", SourceAccount: "0xabc", DestinationAccount: "Dest", Amount: 3},
		Phase:    domain.PhaseRolledBack,
		MintTx:   "mint-sig",
		RefundTx: "0xrefund",
		Errors: []domain.StepError{
			{Step: domain.StepMigrate, Phase: domain.PhaseMinted, Kind: domain.ErrorRejected, Err: errors.New("custom program error")},
		},
	}

	payload, err := Encode(OutcomeMessage(outcome))
	require.NoError(t, err)
	decoded, err := Decode(payload)
	require.NoError(t, err)

	require.NotNil(t, decoded.Outcome)
	assert.Equal(t, "RolledBack", decoded.Outcome.Phase)
	assert.Equal(t, "mint-sig", decoded.Outcome.MintTx)
	assert.Empty(t, decoded.Outcome.BurnTx)
	assert.Equal(t, []StepError{{Step: "migrate", Phase: "Minted", Kind: "rejected", Message: "custom program error"}}, decoded.Outcome.Errors)
}

func TestEncodeDecodeValidation(t *testing.T) {
	_, err := Encode(Message{})
	assert.Error(t, err)
	_, err = Encode(Message{Type: MessageTypeLock, Lock: &Lock{}})
	assert.Error(t, err, "lock without chain id")
	_, err = Encode(Message{Type: "reorg"})
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"lock","chain_id":1}`))
	assert.Error(t, err)
	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}
