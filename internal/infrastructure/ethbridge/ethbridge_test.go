package ethbridge

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"tokenrelay/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// well-known development key (hardhat account #0)
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func lockLog(t *testing.T, amount *big.Int, user common.Address, destination string, timestamp int64) domain.LogEntry {
	t.Helper()
	event := bridgeABI.Events[lockEventName]
	data, err := event.Inputs.NonIndexed().Pack(amount, destination, big.NewInt(timestamp))
	require.NoError(t, err)
	return domain.LogEntry{
		ChainID:     11155111,
		BlockNumber: 42,
		TxHash:      "0xabc",
		LogIndex:    3,
		Data:        hexutil.Encode(data),
		Topics: []string{
			event.ID.Hex(),
			common.BytesToHash(user.Bytes()).Hex(),
		},
	}
}

func TestLockTopicMatchesEventSignature(t *testing.T) {
	want := crypto.Keccak256Hash([]byte("TokensLocked(uint256,address,string,uint256)")).Hex()
	assert.Equal(t, want, LockTopic())
}

func TestDecodeLock(t *testing.T) {
	user := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	entry := lockLog(t, big.NewInt(25), user, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", 1700000000)

	event, err := Decoder{}.DecodeLock(entry)
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(25), event.Amount)
	assert.Equal(t, user.Hex(), event.SourceAccount)
	assert.Equal(t, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", event.DestinationAccount)
	assert.Equal(t, uint64(1700000000), event.Timestamp)
	assert.Equal(t, uint64(42), event.BlockNumber)
	assert.Equal(t, "0xabc:3", event.Key())
}

func TestDecodeLockRejectsForeignLogs(t *testing.T) {
	user := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	entry := lockLog(t, big.NewInt(1), user, "dest", 1)

	wrongTopic := entry
	wrongTopic.Topics = []string{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex(), entry.Topics[1]}
	_, err := Decoder{}.DecodeLock(wrongTopic)
	assert.Error(t, err)

	short := entry
	short.Topics = entry.Topics[:1]
	_, err = Decoder{}.DecodeLock(short)
	assert.Error(t, err)

	truncated := entry
	truncated.Data = entry.Data[:20]
	_, err = Decoder{}.DecodeLock(truncated)
	assert.Error(t, err)
}

func TestNewBridgeValidatesSettings(t *testing.T) {
	_, err := NewBridge(nil, big.NewInt(1), Config{Address: "bridge", PrivateKey: testKey})
	assert.Error(t, err)

	_, err = NewBridge(nil, big.NewInt(1), Config{Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3", PrivateKey: "nothex"})
	assert.Error(t, err)

	bridge, err := NewBridge(nil, big.NewInt(1), Config{Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3", PrivateKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", bridge.Admin())
}

func TestInvalidSourceAccountIsAccountResolution(t *testing.T) {
	bridge, err := NewBridge(nil, big.NewInt(1), Config{Address: "0x5FbDB2315678afecb367f032d93F642f64180aa3", PrivateKey: testKey})
	require.NoError(t, err)

	_, err = bridge.Refund(context.Background(), "not-an-address")
	require.Error(t, err)
	assert.Equal(t, domain.ErrorAccountResolution, domain.Classify(err))

	_, err = bridge.Burn(context.Background(), "")
	assert.Equal(t, domain.ErrorAccountResolution, domain.Classify(err))
}

func TestClassifySubmit(t *testing.T) {
	assert.Equal(t, domain.ErrorRejected, domain.Classify(classifySubmit("burnTokens", errors.New("execution reverted: nothing locked"))))
	assert.Equal(t, domain.ErrorTransient, domain.Classify(classifySubmit("burnTokens", errors.New("connection reset by peer"))))
}
