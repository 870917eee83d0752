// Package sqlite is the persistence adapter: trader records and produced
// signals in one SQLite database. Writes go through a single connection;
// the dedup key (trader_id, symbol, interval, ts) is the signals table's
// primary key, so re-emissions within the dedup window collapse into a
// count bump at the storage layer as well.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"screener-systemv1/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to the database file, e.g. "data/screener.db"
}

// Store implements model.TraderStore and model.SignalStore.
type Store struct {
	db *sql.DB

	// OnBatchCommit fires after each committed signal batch with the time
	// the transaction took (optional, set before use).
	OnBatchCommit func(d time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// New opens (creating if needed) the database in WAL mode and applies the
// schema.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single-writer discipline
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS traders (
			id          TEXT    PRIMARY KEY,
			owner       TEXT,
			name        TEXT    NOT NULL,
			description TEXT    NOT NULL DEFAULT '',
			enabled     INTEGER NOT NULL DEFAULT 1,
			filter      TEXT    NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS signals (
			id             TEXT    NOT NULL,
			trader_id      TEXT    NOT NULL,
			owner          TEXT,
			symbol         TEXT    NOT NULL,
			interval       TEXT    NOT NULL,
			ts             INTEGER NOT NULL,
			price          REAL    NOT NULL,
			change_percent REAL    NOT NULL,
			volume         REAL    NOT NULL,
			count          INTEGER NOT NULL DEFAULT 1,
			source         TEXT    NOT NULL,
			created_at     INTEGER NOT NULL,
			PRIMARY KEY (trader_id, symbol, interval, ts)
		);

		CREATE INDEX IF NOT EXISTS idx_signals_ts ON signals (ts);
	`)
	return err
}

// ── TraderStore ──

// ListActiveTraders returns all enabled traders, built-in and user-owned.
func (s *Store) ListActiveTraders(ctx context.Context) ([]model.Trader, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, name, description, enabled, filter, created_at, updated_at
		FROM traders WHERE enabled = 1 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list traders: %w", err)
	}
	defer rows.Close()

	var out []model.Trader
	for rows.Next() {
		t, err := scanTrader(rows)
		if err != nil {
			// One corrupt row must not hide the rest.
			log.Printf("[sqlite] skipping unreadable trader row: %v", err)
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTrader returns one trader by id, nil when absent.
func (s *Store) GetTrader(ctx context.Context, id string) (*model.Trader, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, description, enabled, filter, created_at, updated_at
		FROM traders WHERE id = ?
	`, id)
	t, err := scanTrader(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get trader %s: %w", id, err)
	}
	return &t, nil
}

// HealthCheck probes the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}

// UpsertTrader writes a trader record, replacing any existing row with the
// same id. The filter is stored as canonical JSON regardless of how an
// earlier writer may have encoded it.
func (s *Store) UpsertTrader(ctx context.Context, t model.Trader) error {
	filter, err := json.Marshal(t.Filter)
	if err != nil {
		return fmt.Errorf("sqlite marshal filter: %w", err)
	}
	now := time.Now().UnixMilli()
	created := t.CreatedAt.UnixMilli()
	if t.CreatedAt.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO traders (id, owner, name, description, enabled, filter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			name = excluded.name,
			description = excluded.description,
			enabled = excluded.enabled,
			filter = excluded.filter,
			updated_at = excluded.updated_at
	`, t.ID, t.Owner, t.Name, t.Description, t.Enabled, string(filter), created, now)
	if err != nil {
		return fmt.Errorf("sqlite upsert trader %s: %w", t.ID, err)
	}
	return nil
}

// DeleteTrader removes a trader record. Missing ids are a no-op.
func (s *Store) DeleteTrader(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM traders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite delete trader %s: %w", id, err)
	}
	return nil
}

// ── SignalStore ──

const insertSignalSQL = `
	INSERT INTO signals (id, trader_id, owner, symbol, interval, ts,
		price, change_percent, volume, count, source, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(trader_id, symbol, interval, ts) DO UPDATE SET
		count = count + 1
`

// InsertSignal writes one signal; a dedup-key collision bumps count.
func (s *Store) InsertSignal(ctx context.Context, sig model.Signal) error {
	_, err := s.db.ExecContext(ctx, insertSignalSQL, signalArgs(sig)...)
	if err != nil {
		return fmt.Errorf("sqlite insert signal: %w", err)
	}
	return nil
}

// InsertSignals writes a batch in one transaction. All-or-nothing: the
// caller retries or drops the whole batch on failure.
func (s *Store) InsertSignals(ctx context.Context, batch []model.Signal) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSignalSQL)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	for i := range batch {
		if _, err := stmt.ExecContext(ctx, signalArgs(batch[i])...); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert signal %s: %w", batch[i].ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	if s.OnBatchCommit != nil {
		s.OnBatchCommit(time.Since(start))
	}
	return nil
}

// GetSignal reads one signal row by dedup key, nil when absent.
func (s *Store) GetSignal(ctx context.Context, traderID, symbol string, itv model.Interval, ts time.Time) (*model.Signal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trader_id, owner, symbol, interval, ts,
			price, change_percent, volume, count, source
		FROM signals WHERE trader_id = ? AND symbol = ? AND interval = ? AND ts = ?
	`, traderID, symbol, string(itv), ts.UnixMilli())

	var sig model.Signal
	var tsMillis int64
	var interval string
	err := row.Scan(&sig.ID, &sig.TraderID, &sig.Owner, &sig.Symbol, &interval, &tsMillis,
		&sig.PriceAtSignal, &sig.ChangePercentAtSignal, &sig.VolumeAtSignal, &sig.Count, &sig.Source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get signal: %w", err)
	}
	sig.Interval = model.Interval(interval)
	sig.Timestamp = time.UnixMilli(tsMillis).UTC()
	return &sig, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── row decoding ──

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrader(row rowScanner) (model.Trader, error) {
	var t model.Trader
	var filterRaw string
	var created, updated int64
	err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.Description, &t.Enabled, &filterRaw, &created, &updated)
	if err != nil {
		return model.Trader{}, err
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()

	filter, err := decodeFilter(filterRaw)
	if err != nil {
		return model.Trader{}, fmt.Errorf("trader %s: %w", t.ID, err)
	}
	t.Filter = filter
	return t, nil
}

// decodeFilter accepts both the canonical form ({"code":...}) and the
// double-encoded form some earlier writers produced, where the JSON object
// was itself serialized into a JSON string ("{\"code\":...}").
func decodeFilter(raw string) (model.FilterConfig, error) {
	var f model.FilterConfig
	if err := json.Unmarshal([]byte(raw), &f); err == nil {
		return f, nil
	}
	if strings.HasPrefix(strings.TrimSpace(raw), `"`) {
		var inner string
		if err := json.Unmarshal([]byte(raw), &inner); err != nil {
			return f, fmt.Errorf("decode stringified filter: %w", err)
		}
		if err := json.Unmarshal([]byte(inner), &f); err != nil {
			return f, fmt.Errorf("decode inner filter: %w", err)
		}
		return f, nil
	}
	return f, fmt.Errorf("unparseable filter config %.40q", raw)
}

func signalArgs(sig model.Signal) []any {
	return []any{
		sig.ID, sig.TraderID, sig.Owner, sig.Symbol, string(sig.Interval),
		sig.Timestamp.UnixMilli(), sig.PriceAtSignal, sig.ChangePercentAtSignal,
		sig.VolumeAtSignal, max(sig.Count, 1), sig.Source, time.Now().UnixMilli(),
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
