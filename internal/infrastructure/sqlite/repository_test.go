package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"tokenrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func entry(runID string, step domain.Step, status domain.EntryStatus, phase domain.Phase) domain.JournalEntry {
	return domain.JournalEntry{
		RunID:              runID,
		Instance:           "relayer-a",
		RequestID:          "req-" + runID,
		SourceAccount:      "0xabc",
		DestinationAccount: "Dest",
		Amount:             ^uint64(0),
		Step:               step,
		Status:             status,
		Phase:              phase,
		RecordedAt:         time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC),
	}
}

func TestJournalRunPreservesAppendOrder(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	succeeded := entry("r1", domain.StepMint, domain.EntrySucceeded, domain.PhaseMinted)
	succeeded.TxRef = "mint-sig"
	failed := entry("r1", domain.StepMigrate, domain.EntryFailed, domain.PhaseMinted)
	failed.ErrorKind = domain.ErrorRejected
	failed.Error = "custom program error"

	for _, e := range []domain.JournalEntry{
		entry("r1", domain.StepMint, domain.EntryStarted, domain.PhaseStarted),
		succeeded,
		entry("r1", domain.StepMigrate, domain.EntryStarted, domain.PhaseMinted),
		failed,
	} {
		require.NoError(t, repo.Append(ctx, e))
	}

	got, err := repo.Run(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, succeeded, got[1])
	assert.Equal(t, failed, got[3])
	assert.Equal(t, ^uint64(0), got[0].Amount)
}

func TestIncompleteAndHistory(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, entry("done", domain.StepMint, domain.EntryStarted, domain.PhaseStarted)))
	require.NoError(t, repo.Append(ctx, entry("done", domain.StepBurn, domain.EntryTerminal, domain.PhaseCompleted)))
	require.NoError(t, repo.Append(ctx, entry("stuck", domain.StepMint, domain.EntrySucceeded, domain.PhaseMinted)))
	require.NoError(t, repo.Append(ctx, entry("stuck", domain.StepMigrate, domain.EntryStarted, domain.PhaseMinted)))
	require.NoError(t, repo.Append(ctx, entry("later", domain.StepRefund, domain.EntryTerminal, domain.PhaseRolledBack)))

	pending, err := repo.Incomplete(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stuck", pending[0].RunID)
	assert.Equal(t, domain.StepMigrate, pending[0].Step)
	assert.Equal(t, domain.EntryStarted, pending[0].Status)

	history, err := repo.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "later", history[0].RunID)
	assert.Equal(t, domain.PhaseCompleted, history[1].Phase)

	limited, err := repo.History(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAcknowledgedRunsLeaveIncomplete(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, entry("stuck", domain.StepMigrate, domain.EntryStarted, domain.PhaseMinted)))
	other := entry("other", domain.StepMint, domain.EntryStarted, domain.PhaseStarted)
	other.Instance = "relayer-b"
	require.NoError(t, repo.Append(ctx, other))

	pending, err := repo.Incomplete(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "relayer-a", pending[0].Instance)
	assert.Equal(t, "relayer-b", pending[1].Instance)

	ack := entry("stuck", domain.StepMigrate, domain.EntryAcknowledged, domain.PhaseMinted)
	ack.Error = "burned excess by hand"
	require.NoError(t, repo.Append(ctx, ack))

	pending, err = repo.Incomplete(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "other", pending[0].RunID)

	history, err := repo.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNewRepositoryAddsInstanceColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		source_account TEXT NOT NULL,
		destination_account TEXT NOT NULL,
		amount TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT NOT NULL,
		tx_ref TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO journal (run_id, request_id, source_account, destination_account, amount, step, status, phase, recorded_at)
		VALUES ('old', 'req-old', '0xabc', 'Dest', '5', 'mint', 'started', 'Started', 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := NewRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	pending, err := repo.Incomplete(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "old", pending[0].RunID)
	assert.Empty(t, pending[0].Instance)
}

func TestCursorIsPerChain(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()

	_, ok, err := repo.LastProcessedBlock(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SetLastProcessedBlock(ctx, 1, 100))
	require.NoError(t, repo.SetLastProcessedBlock(ctx, 1, 150))
	require.NoError(t, repo.SetLastProcessedBlock(ctx, 5, 7))

	block, ok, err := repo.LastProcessedBlock(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(150), block)

	block, _, err = repo.LastProcessedBlock(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), block)
	assert.NoError(t, repo.Ping(ctx))
}

func TestNewRepositoryRequiresPath(t *testing.T) {
	_, err := NewRepository("")
	assert.Error(t, err)
}
