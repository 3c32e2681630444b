package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"tokenrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// Repository is the embedded run journal. It also stores the watcher cursor.
type Repository struct {
	db *sql.DB
}

func NewRepository(dbPath string) (*Repository, error) {
	if dbPath == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// a single writer keeps appends ordered and avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			instance TEXT NOT NULL DEFAULT '',
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
		)`,
		`CREATE INDEX IF NOT EXISTS journal_run_idx ON journal (run_id, id)`,
		`CREATE INDEX IF NOT EXISTS journal_status_idx ON journal (status, id)`,
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return addInstanceColumn(db)
}

// journals created before entries carried the relayer instance lack the column
func addInstanceColumn(db *sql.DB) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('journal') WHERE name = 'instance'`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := db.Exec(`ALTER TABLE journal ADD COLUMN instance TEXT NOT NULL DEFAULT ''`)
	return err
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Append(ctx context.Context, entry domain.JournalEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := r.db.ExecContext(ctx, `INSERT INTO journal
		(run_id, instance, request_id, source_account, destination_account, amount, step, status, phase, tx_ref, error_kind, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Instance,
		entry.RequestID,
		entry.SourceAccount,
		entry.DestinationAccount,
		strconv.FormatUint(entry.Amount, 10),
		string(entry.Step),
		string(entry.Status),
		string(entry.Phase),
		string(entry.TxRef),
		string(entry.ErrorKind),
		entry.Error,
		entry.RecordedAt.UTC().UnixNano(),
	)
	return err
}

// Incomplete returns the latest entry of every run that was neither finished
// nor acknowledged by an operator.
func (r *Repository) Incomplete(ctx context.Context) ([]domain.JournalEntry, error) {
	return r.query(ctx, `SELECT `+journalColumns+` FROM journal
		WHERE id IN (SELECT MAX(id) FROM journal GROUP BY run_id)
		AND run_id NOT IN (SELECT run_id FROM journal WHERE status IN (?, ?))
		ORDER BY id ASC`, string(domain.EntryTerminal), string(domain.EntryAcknowledged))
}

// History returns terminal entries, newest first.
func (r *Repository) History(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+journalColumns+` FROM journal
		WHERE status = ? ORDER BY id DESC LIMIT ?`, string(domain.EntryTerminal), limit)
}

func (r *Repository) Run(ctx context.Context, runID string) ([]domain.JournalEntry, error) {
	return r.query(ctx, `SELECT `+journalColumns+` FROM journal WHERE run_id = ? ORDER BY id ASC`, runID)
}

const journalColumns = `run_id, instance, request_id, source_account, destination_account, amount, step, status, phase, tx_ref, error_kind, error, recorded_at`

func (r *Repository) query(ctx context.Context, query string, args ...any) ([]domain.JournalEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var entry domain.JournalEntry
		var amount, step, status, phase, txRef, errorKind string
		var recordedAt int64
		if err := rows.Scan(&entry.RunID, &entry.Instance, &entry.RequestID, &entry.SourceAccount, &entry.DestinationAccount,
			&amount, &step, &status, &phase, &txRef, &errorKind, &entry.Error, &recordedAt); err != nil {
			return nil, err
		}
		if entry.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("journal amount %q: %w", amount, err)
		}
		entry.Step = domain.Step(step)
		entry.Status = domain.EntryStatus(status)
		entry.Phase = domain.Phase(phase)
		entry.TxRef = domain.TxRef(txRef)
		entry.ErrorKind = domain.ErrorKind(errorKind)
		entry.RecordedAt = time.Unix(0, recordedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *Repository) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, stateKey(chainID)).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (r *Repository) SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, stateKey(chainID), strconv.FormatUint(block, 10))
	return err
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

func stateKey(chainID uint64) string {
	return "last_block:" + strconv.FormatUint(chainID, 10)
}
