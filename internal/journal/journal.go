package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"helios/pkg/errors"
	"helios/pkg/logger"
)

// Entry is one persisted decision. Hold decisions are not journaled; only
// actions and error outcomes carry operator value.
type Entry struct {
	ID          uuid.UUID           `db:"id"`
	Task        string              `db:"task"`
	RunID       string              `db:"run_id"`
	Symbol      string              `db:"symbol"`
	Kind        string              `db:"kind"` // act|error
	Action      string              `db:"action"`
	Rationale   string              `db:"rationale"`
	Provider    string              `db:"provider"`
	Model       string              `db:"model"`
	LatencyMs   int64               `db:"latency_ms"`
	RealizedPnL decimal.NullDecimal `db:"realized_pnl"`
	CreatedAt   time.Time           `db:"created_at"`
}

// Journal persists decisions to postgres
type Journal struct {
	db  *sqlx.DB
	log *logger.Logger
}

// New connects to postgres and prepares the journal
func New(dsn string, log *logger.Logger) (*Journal, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to postgres")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	return &Journal{
		db:  db,
		log: log.With("component", "journal"),
	}, nil
}

// EnsureSchema creates the decisions table if it does not exist
func (j *Journal) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS decisions (
			id UUID PRIMARY KEY,
			task TEXT NOT NULL,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			realized_pnl NUMERIC,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_decisions_task_created
			ON decisions (task, created_at DESC);`

	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to ensure journal schema")
	}
	return nil
}

// Record inserts a decision entry
func (j *Journal) Record(ctx context.Context, entry *Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO decisions (
			id, task, run_id, symbol, kind, action, rationale,
			provider, model, latency_ms, realized_pnl, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)`

	_, err := j.db.ExecContext(ctx, query,
		entry.ID, entry.Task, entry.RunID, entry.Symbol, entry.Kind,
		entry.Action, entry.Rationale, entry.Provider, entry.Model,
		entry.LatencyMs, entry.RealizedPnL, entry.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to record decision")
	}
	return nil
}

// RecentByTask retrieves the latest entries for one task
func (j *Journal) RecentByTask(ctx context.Context, task string, limit int) ([]Entry, error) {
	var entries []Entry

	query := `
		SELECT * FROM decisions
		WHERE task = $1
		ORDER BY created_at DESC
		LIMIT $2`

	if err := j.db.SelectContext(ctx, &entries, query, task, limit); err != nil {
		return nil, errors.Wrap(err, "failed to load recent decisions")
	}
	return entries, nil
}

// Health checks database connectivity
func (j *Journal) Health(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}
