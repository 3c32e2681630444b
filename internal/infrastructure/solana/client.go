package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tokenrelay/internal/domain"

	sol "github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPC is the subset of the Solana JSON-RPC API used by the client.
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account sol.PublicKey) (*rpc.GetAccountInfoResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *sol.Transaction, opts rpc.TransactionOpts) (sol.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...sol.Signature) (*rpc.GetSignatureStatusesResult, error)
}

type Config struct {
	URL              string
	PrivateKey       string
	TokenProgram     string
	Mint             string
	MigrationProgram string
	PollInterval     time.Duration
}

// Client mints, migrates and burns the destination token. Every call waits
// for finalized commitment before returning.
type Client struct {
	rpc      RPC
	admin    sol.PrivateKey
	programs Programs
	poll     time.Duration
}

func Dial(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("destination rpc url is required")
	}
	admin, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}
	tokenProgram, err := parsePublicKey("token program", cfg.TokenProgram)
	if err != nil {
		return nil, err
	}
	mint, err := parsePublicKey("token mint", cfg.Mint)
	if err != nil {
		return nil, err
	}
	migrationProgram, err := parsePublicKey("migration program", cfg.MigrationProgram)
	if err != nil {
		return nil, err
	}
	return New(rpc.New(cfg.URL), admin, Programs{
		TokenProgram:     tokenProgram,
		Mint:             mint,
		MigrationProgram: migrationProgram,
	}, cfg.PollInterval), nil
}

func New(client RPC, admin sol.PrivateKey, programs Programs, poll time.Duration) *Client {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{rpc: client, admin: admin, programs: programs, poll: poll}
}

func (c *Client) Admin() string {
	return c.admin.PublicKey().String()
}

// Mint credits the admin token account; the destination is only validated so
// an unresolvable account fails before anything is minted.
func (c *Client) Mint(ctx context.Context, amount uint64, destinationAccount string) (domain.TxRef, error) {
	const op = "mint_tokens"
	if _, err := parsePublicKey("destination", destinationAccount); err != nil {
		return "", domain.AccountResolution(op, err)
	}
	admin := c.admin.PublicKey()
	adminATA, _, err := sol.FindAssociatedTokenAddress(admin, c.programs.Mint)
	if err != nil {
		return "", domain.Rejected(op, err)
	}
	instructions, err := c.createIfMissing(ctx, op, admin, adminATA)
	if err != nil {
		return "", err
	}
	mint, err := mintInstruction(c.programs, admin, adminATA, amount)
	if err != nil {
		return "", domain.Rejected(op, err)
	}
	return c.submit(ctx, op, append(instructions, mint))
}

func (c *Client) Migrate(ctx context.Context, amount uint64, destinationAccount string) (domain.TxRef, error) {
	const op = "migrate"
	destination, err := parsePublicKey("destination", destinationAccount)
	if err != nil {
		return "", domain.AccountResolution(op, err)
	}
	admin := c.admin.PublicKey()
	accounts, err := deriveMigrateAccounts(c.programs, admin, destination)
	if err != nil {
		return "", domain.AccountResolution(op, err)
	}
	instructions, err := c.createIfMissing(ctx, op, destination, accounts.destinationATA)
	if err != nil {
		return "", err
	}
	migrate, err := migrateInstruction(c.programs, admin, destination, accounts, amount)
	if err != nil {
		return "", domain.Rejected(op, err)
	}
	return c.submit(ctx, op, append(instructions, migrate))
}

// Burn destroys tokens held by the admin token account.
func (c *Client) Burn(ctx context.Context, amount uint64) (domain.TxRef, error) {
	const op = "burn_tokens"
	admin := c.admin.PublicKey()
	adminATA, _, err := sol.FindAssociatedTokenAddress(admin, c.programs.Mint)
	if err != nil {
		return "", domain.Rejected(op, err)
	}
	burn, err := burnInstruction(c.programs, admin, adminATA, amount)
	if err != nil {
		return "", domain.Rejected(op, err)
	}
	return c.submit(ctx, op, []sol.Instruction{burn})
}

func (c *Client) createIfMissing(ctx context.Context, op string, owner, ata sol.PublicKey) ([]sol.Instruction, error) {
	_, err := c.rpc.GetAccountInfo(ctx, ata)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, rpc.ErrNotFound) {
		return nil, domain.Transient(op, fmt.Errorf("token account %s: %w", ata, err))
	}
	slog.Debug("creating associated token account", "owner", owner.String(), "ata", ata.String())
	create := associatedtokenaccount.NewCreateInstruction(c.admin.PublicKey(), owner, c.programs.Mint).Build()
	return []sol.Instruction{create}, nil
}

func (c *Client) submit(ctx context.Context, op string, instructions []sol.Instruction) (domain.TxRef, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", domain.Transient(op, fmt.Errorf("latest blockhash: %w", err))
	}
	admin := c.admin.PublicKey()
	tx, err := sol.NewTransaction(instructions, recent.Value.Blockhash, sol.TransactionPayer(admin))
	if err != nil {
		return "", domain.Rejected(op, err)
	}
	if _, err := tx.Sign(func(key sol.PublicKey) *sol.PrivateKey {
		if key.Equals(admin) {
			return &c.admin
		}
		return nil
	}); err != nil {
		return "", domain.Rejected(op, fmt.Errorf("sign: %w", err))
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentFinalized,
	})
	if err != nil {
		return "", classifySend(op, err)
	}
	slog.Debug("destination transaction submitted", "op", op, "signature", sig.String())

	if err := c.awaitFinalized(ctx, op, sig); err != nil {
		return "", err
	}
	return domain.TxRef(sig.String()), nil
}

func (c *Client) awaitFinalized(ctx context.Context, op string, sig sol.Signature) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			slog.Debug("signature status unavailable", "signature", sig.String(), "err", err)
		} else if out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			status := out.Value[0]
			if status.Err != nil {
				return domain.Rejected(op, fmt.Errorf("transaction %s failed: %v", sig, status.Err))
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return domain.Transient(op, fmt.Errorf("await finality of %s: %w", sig, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// classifySend treats errors reported by the node (preflight failures,
// program errors) as rejections and everything else as transport trouble.
func classifySend(op string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return domain.Rejected(op, err)
	}
	return domain.Transient(op, err)
}
