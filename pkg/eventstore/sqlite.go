package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cellarstack/winelog/pkg/clock"
	"github.com/cellarstack/winelog/pkg/domain"
	"github.com/cellarstack/winelog/pkg/idgen"
	_ "modernc.org/sqlite" // pure Go driver, registered as "sqlite"
)

// storeConfig holds the functional-options configuration for OpenDB,
// mirroring pkg/sqlite/eventstore.go's EventStoreOption shape.
type storeConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
}

func defaultStoreConfig() storeConfig {
	return storeConfig{
		dsn:          "winelog.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
	}
}

// Option configures OpenDB.
type Option func(*storeConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *storeConfig) { c.dsn = dsn }
}

// WithMemoryDatabase selects an in-memory database, suitable for tests.
func WithMemoryDatabase() Option {
	return func(c *storeConfig) { c.dsn = ":memory:" }
}

// WithMaxOpenConns sets the connection pool's open connection ceiling.
func WithMaxOpenConns(n int) Option {
	return func(c *storeConfig) { c.maxOpenConns = n }
}

// WithMaxIdleConns sets the connection pool's idle connection ceiling.
func WithMaxIdleConns(n int) Option {
	return func(c *storeConfig) { c.maxIdleConns = n }
}

// WithWALMode toggles write-ahead logging. Ignored for :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *storeConfig) { c.walMode = enabled }
}

// OpenDB opens (and lightly tunes) the shared *sql.DB all of this
// process's per-aggregate-type event stores and aggregate tables share.
func OpenDB(opts ...Option) (*sql.DB, error) {
	cfg := defaultStoreConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode && cfg.dsn != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA synchronous = NORMAL; PRAGMA foreign_keys = ON;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set wal mode: %w", err)
		}
	}
	return db, nil
}

// SQLiteStore is the production EventStore, bound to one table.
type SQLiteStore struct {
	db            *sql.DB
	table         string
	aggregateType string
	ids           idgen.IdGen
	clk           clock.Clock
}

// NewSQLiteStore binds a SQLiteStore to aggregateType's event table
// (e.g. "wine_lot" -> "wine_lot_events") and ensures the table exists.
func NewSQLiteStore(db *sql.DB, aggregateType string, ids idgen.IdGen, clk clock.Clock) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:            db,
		table:         aggregateType + "_events",
		aggregateType: aggregateType,
		ids:           ids,
		clk:           clk,
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			aggregate_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_version INTEGER NOT NULL,
			event_data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			occurred_at TIMESTAMP,
			sequence_number TEXT,
			UNIQUE(aggregate_id, sequence_number)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_aggregate ON %s(aggregate_id);
		CREATE INDEX IF NOT EXISTS idx_%s_canonical ON %s(occurred_at, sequence_number, id);
	`, s.table, s.table, s.table, s.table, s.table)
	_, err := s.db.Exec(stmt)
	return err
}

func (s *SQLiteStore) AggregateType() string { return s.aggregateType }

// Append bulk-inserts rows inside tx, preserving input order. Each row
// gets a freshly minted ULID and created_at stamp.
func (s *SQLiteStore) Append(ctx context.Context, tx *sql.Tx, rows []PendingRow) ([]domain.StoredEvent, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, aggregate_id, event_type, event_version, event_data, created_at, occurred_at, sequence_number)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table))
	if err != nil {
		return nil, fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	now := s.clk.Now()
	stored := make([]domain.StoredEvent, 0, len(rows))
	for _, row := range rows {
		id := s.ids.NewID()
		_, err := stmt.ExecContext(ctx, id, row.AggregateID, row.EventType, row.EventVersion,
			string(row.EventData), now, nullableTime(row.OccurredAt), nullableString(row.SequenceNumber))
		if err != nil {
			if isUniqueViolation(err) {
				seq := ""
				if row.SequenceNumber != nil {
					seq = *row.SequenceNumber
				}
				return nil, &SequenceCollisionError{AggregateID: row.AggregateID, SequenceNumber: seq}
			}
			return nil, fmt.Errorf("insert event: %w", err)
		}
		stored = append(stored, domain.StoredEvent{
			ID:             id,
			AggregateID:    row.AggregateID,
			EventType:      row.EventType,
			EventVersion:   row.EventVersion,
			EventData:      append([]byte(nil), row.EventData...),
			CreatedAt:      now,
			OccurredAt:     row.OccurredAt,
			SequenceNumber: row.SequenceNumber,
		})
	}
	return stored, nil
}

// Fetch returns every row for the given aggregate IDs in canonical order
// (occurred_at ASC, sequence_number ASC NULLS FIRST, id ASC), or the
// reverse. Callers apply any temporal-cutoff narrowing themselves over the
// full, correctly-ordered result (see pkg/replay, pkg/composition) —
// winemaking lot histories are small enough that pushing cutoff predicates
// into SQL buys no real performance and would duplicate the same
// NULLS-FIRST tie-break logic in two places.
func (s *SQLiteStore) Fetch(ctx context.Context, tx *sql.Tx, aggregateIDs []string, filter FetchFilter) ([]domain.StoredEvent, error) {
	if len(aggregateIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(aggregateIDs))
	args := make([]interface{}, len(aggregateIDs))
	for i, id := range aggregateIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	order := "occurred_at ASC, sequence_number ASC, id ASC"
	if filter.Reverse {
		order = "occurred_at DESC, sequence_number DESC, id DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, aggregate_id, event_type, event_version, event_data, created_at, occurred_at, sequence_number
		 FROM %s WHERE aggregate_id IN (%s) ORDER BY %s`,
		s.table, strings.Join(placeholders, ","), order)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, args...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	var result []domain.StoredEvent
	for rows.Next() {
		var ev domain.StoredEvent
		var data string
		var occurredAt sql.NullTime
		var seq sql.NullString
		if err := rows.Scan(&ev.ID, &ev.AggregateID, &ev.EventType, &ev.EventVersion, &data, &ev.CreatedAt, &occurredAt, &seq); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.EventData = []byte(data)
		if occurredAt.Valid {
			t := occurredAt.Time
			ev.OccurredAt = &t
		}
		if seq.Valid {
			v := seq.String
			ev.SequenceNumber = &v
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// Delete bulk-removes previously persisted rows by ID.
func (s *SQLiteStore) Delete(ctx context.Context, tx *sql.Tx, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(rowIDs))
	args := make([]interface{}, len(rowIDs))
	for i, id := range rowIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, s.table, strings.Join(placeholders, ","))
	_, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// isUniqueViolation recognizes modernc.org/sqlite's constraint-failure
// message text. The driver does not export a typed sentinel for this, so
// matching on the SQLite wire-level message is the documented approach.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
