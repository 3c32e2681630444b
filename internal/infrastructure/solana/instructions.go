package solana

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
)

const (
	stateSeed     = "state"
	migrationSeed = "migration"
)

// Programs holds the on-chain addresses the relayer drives.
type Programs struct {
	TokenProgram     sol.PublicKey
	Mint             sol.PublicKey
	MigrationProgram sol.PublicKey
}

type amountArgs struct {
	Amount uint64
}

// discriminator is the 8-byte selector an Anchor program expects in front of
// the instruction arguments.
func discriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

func instructionData(name string, amount uint64) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(discriminator(name))
	if err := bin.NewBorshEncoder(&buf).Encode(amountArgs{Amount: amount}); err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	return buf.Bytes(), nil
}

func mintInstruction(p Programs, admin, adminATA sol.PublicKey, amount uint64) (sol.Instruction, error) {
	data, err := instructionData("mint_tokens", amount)
	if err != nil {
		return nil, err
	}
	return sol.NewInstruction(p.TokenProgram, sol.AccountMetaSlice{
		sol.Meta(p.Mint).WRITE(),
		sol.Meta(adminATA).WRITE(),
		sol.Meta(admin).WRITE().SIGNER(),
		sol.Meta(sol.SysVarRentPubkey),
		sol.Meta(sol.SystemProgramID),
		sol.Meta(sol.TokenProgramID),
		sol.Meta(sol.SPLAssociatedTokenAccountProgramID),
	}, data), nil
}

func burnInstruction(p Programs, admin, adminATA sol.PublicKey, amount uint64) (sol.Instruction, error) {
	data, err := instructionData("burn_tokens", amount)
	if err != nil {
		return nil, err
	}
	return sol.NewInstruction(p.TokenProgram, sol.AccountMetaSlice{
		sol.Meta(p.Mint).WRITE(),
		sol.Meta(adminATA).WRITE(),
		sol.Meta(admin).WRITE().SIGNER(),
		sol.Meta(sol.SysVarRentPubkey),
		sol.Meta(sol.SystemProgramID),
		sol.Meta(sol.TokenProgramID),
		sol.Meta(sol.SPLAssociatedTokenAccountProgramID),
	}, data), nil
}

type migrateAccounts struct {
	migration      sol.PublicKey
	state          sol.PublicKey
	destinationATA sol.PublicKey
	adminATA       sol.PublicKey
}

func deriveMigrateAccounts(p Programs, admin, destination sol.PublicKey) (migrateAccounts, error) {
	state, _, err := sol.FindProgramAddress([][]byte{[]byte(stateSeed)}, p.MigrationProgram)
	if err != nil {
		return migrateAccounts{}, fmt.Errorf("state pda: %w", err)
	}
	migration, _, err := sol.FindProgramAddress([][]byte{[]byte(migrationSeed), destination.Bytes()}, p.MigrationProgram)
	if err != nil {
		return migrateAccounts{}, fmt.Errorf("migration pda: %w", err)
	}
	destinationATA, _, err := sol.FindAssociatedTokenAddress(destination, p.Mint)
	if err != nil {
		return migrateAccounts{}, fmt.Errorf("destination ata: %w", err)
	}
	adminATA, _, err := sol.FindAssociatedTokenAddress(admin, p.Mint)
	if err != nil {
		return migrateAccounts{}, fmt.Errorf("admin ata: %w", err)
	}
	return migrateAccounts{
		migration:      migration,
		state:          state,
		destinationATA: destinationATA,
		adminATA:       adminATA,
	}, nil
}

func migrateInstruction(p Programs, admin, destination sol.PublicKey, accounts migrateAccounts, amount uint64) (sol.Instruction, error) {
	data, err := instructionData("migrate", amount)
	if err != nil {
		return nil, err
	}
	return sol.NewInstruction(p.MigrationProgram, sol.AccountMetaSlice{
		sol.Meta(accounts.migration).WRITE(),
		sol.Meta(accounts.state).WRITE(),
		sol.Meta(accounts.destinationATA).WRITE(),
		sol.Meta(accounts.adminATA).WRITE(),
		sol.Meta(admin).WRITE().SIGNER(),
		sol.Meta(destination),
		sol.Meta(p.Mint).WRITE(),
		sol.Meta(sol.TokenProgramID),
		sol.Meta(sol.SystemProgramID),
		sol.Meta(sol.SPLAssociatedTokenAccountProgramID),
	}, data), nil
}
