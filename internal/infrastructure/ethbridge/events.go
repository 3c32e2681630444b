package ethbridge

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"tokenrelay/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const lockEventName = "TokensLocked"

// minimal bridge ABI: the lock event plus the two settlement calls
const bridgeABIJSON = `[
{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"},{"indexed":true,"internalType":"address","name":"user","type":"address"},{"indexed":false,"internalType":"string","name":"solanaAddress","type":"string"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"TokensLocked","type":"event"},
{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"burnTokens","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[{"internalType":"address","name":"user","type":"address"}],"name":"unlockTokens","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var bridgeABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(bridgeABIJSON))
	if err != nil {
		panic(fmt.Sprintf("bridge abi: %v", err))
	}
	return parsed
}

// LockTopic is the topic0 hash of TokensLocked, used to filter eth_getLogs.
func LockTopic() string {
	return bridgeABI.Events[lockEventName].ID.Hex()
}

// Decoder turns raw bridge logs into lock events.
type Decoder struct{}

func (Decoder) DecodeLock(entry domain.LogEntry) (domain.LockEvent, error) {
	event := bridgeABI.Events[lockEventName]
	if len(entry.Topics) < 2 {
		return domain.LockEvent{}, fmt.Errorf("lock log has %d topics", len(entry.Topics))
	}
	if common.HexToHash(entry.Topics[0]) != event.ID {
		return domain.LockEvent{}, errors.New("not a TokensLocked log")
	}
	data, err := hexutil.Decode(entry.Data)
	if err != nil {
		return domain.LockEvent{}, fmt.Errorf("lock log data: %w", err)
	}

	values := make(map[string]any)
	if err := bridgeABI.UnpackIntoMap(values, lockEventName, data); err != nil {
		return domain.LockEvent{}, fmt.Errorf("abi unpack: %w", err)
	}
	var indexed abi.Arguments
	for _, input := range event.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	topics := make([]common.Hash, 0, len(entry.Topics)-1)
	for _, topic := range entry.Topics[1:] {
		topics = append(topics, common.HexToHash(topic))
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, topics); err != nil {
		return domain.LockEvent{}, fmt.Errorf("abi topics: %w", err)
	}

	amount, ok := values["amount"].(*big.Int)
	if !ok {
		return domain.LockEvent{}, errors.New("lock amount missing")
	}
	user, ok := values["user"].(common.Address)
	if !ok {
		return domain.LockEvent{}, errors.New("lock user missing")
	}
	destination, _ := values["solanaAddress"].(string)
	var timestamp uint64
	if ts, ok := values["timestamp"].(*big.Int); ok && ts.IsUint64() {
		timestamp = ts.Uint64()
	}

	return domain.LockEvent{
		Amount:             amount,
		SourceAccount:      user.Hex(),
		DestinationAccount: destination,
		Timestamp:          timestamp,
		ChainID:            entry.ChainID,
		BlockNumber:        entry.BlockNumber,
		TxHash:             entry.TxHash,
		LogIndex:           entry.LogIndex,
	}, nil
}
