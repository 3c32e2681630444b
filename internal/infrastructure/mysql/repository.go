package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"tokenrelay/internal/domain"

	mysqldriver "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Repository is the shared run journal for deployments running more than one
// relayer. It implements the same contract as the embedded sqlite journal.
type Repository struct {
	db *sql.DB
}

func NewRepository(dsn string) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	cfg, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS journal (
			id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			run_id VARCHAR(64) NOT NULL,
			instance VARCHAR(128) NOT NULL DEFAULT '',
			request_id VARCHAR(128) NOT NULL,
			source_account VARCHAR(64) NOT NULL,
			destination_account VARCHAR(64) NOT NULL,
			amount BIGINT UNSIGNED NOT NULL,
			step VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			phase VARCHAR(32) NOT NULL,
			tx_ref VARCHAR(128) NOT NULL DEFAULT '',
			error_kind VARCHAR(32) NOT NULL DEFAULT '',
			error TEXT NOT NULL,
			recorded_at DATETIME(6) NOT NULL,
			PRIMARY KEY (id),
			KEY journal_run_idx (run_id, id),
			KEY journal_status_idx (status, id)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			state_key VARCHAR(64) NOT NULL,
			state_value VARCHAR(64) NOT NULL,
			PRIMARY KEY (state_key)
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
	if err := db.QueryRow(`SELECT COUNT(*) FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'journal' AND COLUMN_NAME = 'instance'`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := db.Exec(`ALTER TABLE journal ADD COLUMN instance VARCHAR(128) NOT NULL DEFAULT '' AFTER run_id`)
	return err
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) Append(ctx context.Context, entry domain.JournalEntry) error {
	ctx, span := startDBSpan(ctx, "mysql.Append",
		attribute.String("run.id", entry.RunID),
		attribute.String("migration.step", string(entry.Step)),
		attribute.String("journal.status", string(entry.Status)),
	)
	defer span.End()
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
		entry.Amount,
		string(entry.Step),
		string(entry.Status),
		string(entry.Phase),
		string(entry.TxRef),
		string(entry.ErrorKind),
		entry.Error,
		entry.RecordedAt.UTC(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) Incomplete(ctx context.Context) ([]domain.JournalEntry, error) {
	return r.query(ctx, "mysql.Incomplete", `SELECT `+journalColumns+` FROM journal j
		JOIN (SELECT MAX(id) AS id FROM journal GROUP BY run_id) latest ON latest.id = j.id
		WHERE NOT EXISTS (SELECT 1 FROM journal t WHERE t.run_id = j.run_id AND t.status IN (?, ?))
		ORDER BY j.id ASC`, string(domain.EntryTerminal), string(domain.EntryAcknowledged))
}

func (r *Repository) History(ctx context.Context, limit int) ([]domain.JournalEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.query(ctx, "mysql.History", `SELECT `+journalColumns+` FROM journal j
		WHERE j.status = ? ORDER BY j.id DESC LIMIT ?`, string(domain.EntryTerminal), limit)
}

func (r *Repository) Run(ctx context.Context, runID string) ([]domain.JournalEntry, error) {
	return r.query(ctx, "mysql.Run", `SELECT `+journalColumns+` FROM journal j
		WHERE j.run_id = ? ORDER BY j.id ASC`, runID)
}

const journalColumns = `j.run_id, j.instance, j.request_id, j.source_account, j.destination_account, j.amount, j.step, j.status, j.phase, j.tx_ref, j.error_kind, j.error, j.recorded_at`

func (r *Repository) query(ctx context.Context, name, query string, args ...any) ([]domain.JournalEntry, error) {
	ctx, span := startDBSpan(ctx, name)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var entry domain.JournalEntry
		var step, status, phase, txRef, errorKind string
		if err := rows.Scan(&entry.RunID, &entry.Instance, &entry.RequestID, &entry.SourceAccount, &entry.DestinationAccount,
			&entry.Amount, &step, &status, &phase, &txRef, &errorKind, &entry.Error, &entry.RecordedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		entry.Step = domain.Step(step)
		entry.Status = domain.EntryStatus(status)
		entry.Phase = domain.Phase(phase)
		entry.TxRef = domain.TxRef(txRef)
		entry.ErrorKind = domain.ErrorKind(errorKind)
		entry.RecordedAt = entry.RecordedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return entries, nil
}

func (r *Repository) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var value string
	if err := r.db.QueryRowContext(ctx, `SELECT state_value FROM state WHERE state_key = ?`, stateKey(chainID)).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	block, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cursor value %q: %w", value, err)
	}
	return block, true, nil
}

func (r *Repository) SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.SetLastProcessedBlock",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int64("block.number", int64(block)),
	)
	defer span.End()
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`, stateKey(chainID), strconv.FormatUint(block, 10))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
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

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("tokenrelay/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
