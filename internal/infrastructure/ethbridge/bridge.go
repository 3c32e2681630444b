package ethbridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"tokenrelay/internal/domain"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const (
	methodBurn   = "burnTokens"
	methodUnlock = "unlockTokens"
)

// Backend is the subset of an Ethereum client the bridge needs to submit and
// await transactions.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

type Config struct {
	URL        string
	Address    string
	PrivateKey string
}

// Bridge settles locks on the source bridge contract. Burn and Refund return
// once the transaction is mined with a successful receipt.
type Bridge struct {
	backend  Backend
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int

	// submissions are serialized so nonces are assigned in order
	submitMu sync.Mutex
}

func Dial(ctx context.Context, cfg Config) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, errors.New("source rpc url is required")
	}
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial source chain: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("source chain id: %w", err)
	}
	bridge, err := NewBridge(client, chainID, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return bridge, nil
}

func NewBridge(backend Backend, chainID *big.Int, cfg Config) (*Bridge, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("invalid bridge address %q", cfg.Address)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("source admin key: %w", err)
	}
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	address := common.HexToAddress(cfg.Address)
	return &Bridge{
		backend:  backend,
		contract: bind.NewBoundContract(address, bridgeABI, backend, backend, backend),
		address:  address,
		key:      key,
		chainID:  chainID,
	}, nil
}

// Admin is the address that signs bridge transactions.
func (b *Bridge) Admin() string {
	return crypto.PubkeyToAddress(b.key.PublicKey).Hex()
}

func (b *Bridge) Burn(ctx context.Context, sourceAccount string) (domain.TxRef, error) {
	return b.transact(ctx, methodBurn, sourceAccount)
}

func (b *Bridge) Refund(ctx context.Context, sourceAccount string) (domain.TxRef, error) {
	return b.transact(ctx, methodUnlock, sourceAccount)
}

func (b *Bridge) transact(ctx context.Context, method, account string) (domain.TxRef, error) {
	if !common.IsHexAddress(account) {
		return "", domain.AccountResolution(method, fmt.Errorf("invalid source account %q", account))
	}
	opts, err := bind.NewKeyedTransactorWithChainID(b.key, b.chainID)
	if err != nil {
		return "", domain.Rejected(method, err)
	}
	opts.Context = ctx

	b.submitMu.Lock()
	tx, err := b.contract.Transact(opts, method, common.HexToAddress(account))
	b.submitMu.Unlock()
	if err != nil {
		return "", classifySubmit(method, err)
	}
	slog.Debug("bridge transaction submitted", "method", method, "account", account, "tx_hash", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, b.backend, tx)
	if err != nil {
		return "", domain.Transient(method, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", domain.Rejected(method, fmt.Errorf("transaction %s reverted", tx.Hash().Hex()))
	}
	return domain.TxRef(tx.Hash().Hex()), nil
}

func classifySubmit(method string, err error) error {
	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "execution reverted"),
		strings.Contains(message, "insufficient funds"),
		strings.Contains(message, "nonce too low"):
		return domain.Rejected(method, err)
	default:
		return domain.Transient(method, err)
	}
}
