// Package history archives budget transactions and provider switches in a
// local SQLite database. The JSON ledger only ever holds the current day; the
// archive is what survives rollover and feeds the history endpoints.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive wraps a modernc.org/sqlite (pure-Go, no CGO) database.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the archive at the given DSN (":memory:" in tests).
func Open(dsn string) (*Archive, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Enable WAL mode and set busy timeout.
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// SQLite only supports one writer at a time. The hook path is the sole
	// writer, so a tiny pool is enough.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	return &Archive{db: db}, nil
}

func (a *Archive) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			date TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_date ON transactions(date)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_provider ON transactions(provider_id)`,
		`CREATE TABLE IF NOT EXISTS switches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			date TEXT NOT NULL,
			from_provider TEXT NOT NULL DEFAULT '',
			to_provider TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_switches_date ON switches(date)`,
	}
	for _, q := range queries {
		if _, err := a.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// TransactionRow is one archived spend record.
type TransactionRow struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Date         string    `json:"date"` // YYYY-MM-DD, UTC
	ProviderID   string    `json:"providerId"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
}

// SwitchRow is one archived provider switch.
type SwitchRow struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Date         string    `json:"date"`
	FromProvider string    `json:"fromProvider"`
	ToProvider   string    `json:"toProvider"`
	Reason       string    `json:"reason"`
}

func (a *Archive) RecordTransaction(ctx context.Context, tx TransactionRow) error {
	ts := tx.Timestamp.UTC()
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO transactions (timestamp, date, provider_id, model, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339), ts.Format("2006-01-02"),
		tx.ProviderID, tx.Model, tx.InputTokens, tx.OutputTokens, tx.CostUSD)
	return err
}

func (a *Archive) RecordSwitch(ctx context.Context, sw SwitchRow) error {
	ts := sw.Timestamp.UTC()
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO switches (timestamp, date, from_provider, to_provider, reason)
		 VALUES (?, ?, ?, ?, ?)`,
		ts.Format(time.RFC3339), ts.Format("2006-01-02"),
		sw.FromProvider, sw.ToProvider, sw.Reason)
	return err
}

func (a *Archive) ListTransactions(ctx context.Context, limit, offset int) ([]TransactionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, timestamp, date, provider_id, model, input_tokens, output_tokens, cost_usd
		 FROM transactions ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TransactionRow
	for rows.Next() {
		var tx TransactionRow
		var ts string
		if err := rows.Scan(&tx.ID, &ts, &tx.Date, &tx.ProviderID, &tx.Model,
			&tx.InputTokens, &tx.OutputTokens, &tx.CostUSD); err != nil {
			return nil, err
		}
		tx.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (a *Archive) ListSwitches(ctx context.Context, limit, offset int) ([]SwitchRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, timestamp, date, from_provider, to_provider, reason
		 FROM switches ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SwitchRow
	for rows.Next() {
		var sw SwitchRow
		var ts string
		if err := rows.Scan(&sw.ID, &ts, &sw.Date, &sw.FromProvider, &sw.ToProvider, &sw.Reason); err != nil {
			return nil, err
		}
		sw.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, sw)
	}
	return out, rows.Err()
}

// DailySpend aggregates cost per provider for one UTC date.
type DailySpend struct {
	Date       string  `json:"date"`
	ProviderID string  `json:"providerId"`
	Turns      int64   `json:"turns"`
	CostUSD    float64 `json:"costUsd"`
}

func (a *Archive) SpendByDay(ctx context.Context, days int) ([]DailySpend, error) {
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := a.db.QueryContext(ctx,
		`SELECT date, provider_id, COUNT(*), SUM(cost_usd)
		 FROM transactions WHERE date >= ?
		 GROUP BY date, provider_id ORDER BY date DESC, provider_id`, cutoff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DailySpend
	for rows.Next() {
		var d DailySpend
		if err := rows.Scan(&d.Date, &d.ProviderID, &d.Turns, &d.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
