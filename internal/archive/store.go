package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/courier/internal/archive/migrate"
	"github.com/tinytelemetry/courier/internal/model"
)

// Store keeps delivered events in a local DuckDB database for operator
// inspection. Writes come from the archive plugin; reads serve the API.
type Store struct {
	db           *sql.DB
	dbPath       string
	QueryTimeout time.Duration
}

// DeliveredEvent is one archived row as served by the operator API.
type DeliveredEvent struct {
	EventID     string    `json:"event_id"`
	SessionID   string    `json:"session_id"`
	PageURL     string    `json:"page_url"`
	PagePath    string    `json:"page_path"`
	EventName   string    `json:"event_name"`
	EventTime   time.Time `json:"event_time"`
	UserID      string    `json:"user_id,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// NewStore opens or creates the archive database and applies migrations.
// If dbPath is empty, an in-memory database is used.
// An optional queryTimeout can be passed; it defaults to 30s.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	dsn := ""
	if dbPath != "" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		dsn = dbPath
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, err
	}

	qt := 30 * time.Second
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}

	return &Store{
		db:           db,
		dbPath:       dbPath,
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBPath returns the on-disk database location, empty for in-memory.
func (s *Store) DBPath() string { return s.dbPath }

// DB returns the underlying *sql.DB for direct query access.
func (s *Store) DB() *sql.DB { return s.db }

// InsertDelivered writes one batch of delivered events in a single
// transaction. The full event is retained as its JSON payload alongside the
// indexed columns.
func (s *Store) InsertDelivered(events []*model.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO delivered_events
		(event_id, session_id, page_url, page_path, event_name, event_ts, user_id, payload, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("archive: prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("archive: marshal event %s: %w", ev.EventID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.EventID, ev.SessionID, ev.PageURL, ev.PagePath, ev.EventName,
			ev.Timestamp, ev.UserID, string(payload), now,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("archive: insert event %s: %w", ev.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("archive: commit: %w", err)
	}
	return nil
}

// RecentDelivered returns the most recently archived events, newest first.
func (s *Store) RecentDelivered(limit int) ([]DeliveredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT
			event_id, session_id, page_url, coalesce(page_path, ''),
			event_name, event_ts, coalesce(user_id, ''), delivered_at
		FROM delivered_events
		ORDER BY delivered_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: query recent: %w", err)
	}
	defer rows.Close()

	var out []DeliveredEvent
	for rows.Next() {
		var de DeliveredEvent
		if err := rows.Scan(&de.EventID, &de.SessionID, &de.PageURL, &de.PagePath,
			&de.EventName, &de.EventTime, &de.UserID, &de.DeliveredAt); err != nil {
			return nil, fmt.Errorf("archive: scan row: %w", err)
		}
		out = append(out, de)
	}
	return out, rows.Err()
}

// CountDelivered returns the number of archived rows.
func (s *Store) CountDelivered() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM delivered_events").Scan(&n)
	return n, err
}

// DeleteBefore removes archived rows delivered before the cutoff and reports
// how many were deleted.
func (s *Store) DeleteBefore(cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.QueryTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM delivered_events WHERE delivered_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}
