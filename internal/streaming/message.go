package streaming

import (
	"encoding/json"
	"errors"
	"math/big"
	"time"

	"tokenrelay/internal/domain"
)

type MessageType string

const (
	MessageTypeLock    MessageType = "lock"
	MessageTypeOutcome MessageType = "outcome"
)

// Message is the envelope written to the relay topics. Amounts travel as
// decimal strings so 256-bit source values survive JSON.
type Message struct {
	Type     MessageType `json:"type"`
	ChainID  uint64      `json:"chain_id,omitempty"`
	TraceID  string      `json:"trace_id,omitempty"`
	Lock     *Lock       `json:"lock,omitempty"`
	Outcome  *Outcome    `json:"outcome,omitempty"`
	Produced time.Time   `json:"produced_at"`
}

type Lock struct {
	Amount             string `json:"amount"`
	SourceAccount      string `json:"source_account"`
	DestinationAccount string `json:"destination_account"`
	Timestamp          uint64 `json:"timestamp,omitempty"`
	BlockNumber        uint64 `json:"block_number"`
	TxHash             string `json:"tx_hash"`
	LogIndex           uint64 `json:"log_index"`
}

type Outcome struct {
	RunID              string      `json:"run_id"`
	RequestID          string      `json:"request_id"`
	SourceAccount      string      `json:"source_account"`
	DestinationAccount string      `json:"destination_account"`
	Amount             uint64      `json:"amount"`
	Phase              string      `json:"phase"`
	MintTx             string      `json:"mint_tx,omitempty"`
	MigrateTx          string      `json:"migrate_tx,omitempty"`
	BurnTx             string      `json:"burn_tx,omitempty"`
	RefundTx           string      `json:"refund_tx,omitempty"`
	BurnExcessTx       string      `json:"burn_excess_tx,omitempty"`
	Errors             []StepError `json:"errors,omitempty"`
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at"`
}

type StepError struct {
	Step    string `json:"step"`
	Phase   string `json:"phase"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func Encode(msg Message) ([]byte, error) {
	switch msg.Type {
	case MessageTypeLock:
		if msg.Lock == nil {
			return nil, errors.New("lock payload is required")
		}
		if msg.ChainID == 0 {
			return nil, errors.New("chain_id is required")
		}
	case MessageTypeOutcome:
		if msg.Outcome == nil {
			return nil, errors.New("outcome payload is required")
		}
	case "":
		return nil, errors.New("message type is required")
	default:
		return nil, errors.New("unknown message type " + string(msg.Type))
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	switch msg.Type {
	case MessageTypeLock:
		if msg.Lock == nil {
			return Message{}, errors.New("lock payload is missing")
		}
	case MessageTypeOutcome:
		if msg.Outcome == nil {
			return Message{}, errors.New("outcome payload is missing")
		}
	case "":
		return Message{}, errors.New("message type is missing")
	default:
		return Message{}, errors.New("unknown message type " + string(msg.Type))
	}
	return msg, nil
}

func LockMessage(event domain.LockEvent) Message {
	amount := ""
	if event.Amount != nil {
		amount = event.Amount.String()
	}
	return Message{
		Type:    MessageTypeLock,
		ChainID: event.ChainID,
		Lock: &Lock{
			Amount:             amount,
			SourceAccount:      event.SourceAccount,
			DestinationAccount: event.DestinationAccount,
			Timestamp:          event.Timestamp,
			BlockNumber:        event.BlockNumber,
			TxHash:             event.TxHash,
			LogIndex:           event.LogIndex,
		},
	}
}

// LockEvent rebuilds the domain event. An unparsable amount yields a nil
// Amount, which request validation rejects.
func (m Message) LockEvent() (domain.LockEvent, error) {
	if m.Type != MessageTypeLock || m.Lock == nil {
		return domain.LockEvent{}, errors.New("not a lock message")
	}
	var amount *big.Int
	if parsed, ok := new(big.Int).SetString(m.Lock.Amount, 10); ok {
		amount = parsed
	}
	return domain.LockEvent{
		Amount:             amount,
		SourceAccount:      m.Lock.SourceAccount,
		DestinationAccount: m.Lock.DestinationAccount,
		Timestamp:          m.Lock.Timestamp,
		ChainID:            m.ChainID,
		BlockNumber:        m.Lock.BlockNumber,
		TxHash:             m.Lock.TxHash,
		LogIndex:           m.Lock.LogIndex,
	}, nil
}

func OutcomeMessage(outcome domain.MigrationOutcome) Message {
	errs := make([]StepError, 0, len(outcome.Errors))
	for _, stepErr := range outcome.Errors {
		message := ""
		if stepErr.Err != nil {
			message = stepErr.Err.Error()
		}
		errs = append(errs, StepError{
			Step:    string(stepErr.Step),
			Phase:   string(stepErr.Phase),
			Kind:    string(stepErr.Kind),
			Message: message,
		})
	}
	return Message{
		Type: MessageTypeOutcome,
		Outcome: &Outcome{
			RunID:              outcome.RunID,
			RequestID:          outcome.Request.ID,
			SourceAccount:      outcome.Request.SourceAccount,
			DestinationAccount: outcome.Request.DestinationAccount,
			Amount:             outcome.Request.Amount,
			Phase:              string(outcome.Phase),
			MintTx:             string(outcome.MintTx),
			MigrateTx:          string(outcome.MigrateTx),
			BurnTx:             string(outcome.BurnTx),
			RefundTx:           string(outcome.RefundTx),
			BurnExcessTx:       string(outcome.BurnExcessTx),
			Errors:             errs,
			StartedAt:          outcome.StartedAt,
			FinishedAt:         outcome.FinishedAt,
		},
	}
}
