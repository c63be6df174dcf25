package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"argus/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// EventFilter narrows ListEvents. Zero values mean no filtering.
type EventFilter struct {
	SessionID string
	Kind      pipeline.EventKind
	Since     *time.Time
	Limit     int
}

// New creates a new database connection
func New(dbPath string, logger *zap.SugaredLogger) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db, logger: logger.Named("database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			kind TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			path TEXT,
			top_class TEXT,
			confidence REAL,
			detections INTEGER DEFAULT 0,
			delivered INTEGER DEFAULT 0,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Debug("database migrations completed")
	return nil
}

// SaveEvent stores an event; saving the same ID twice updates delivery state
func (d *Database) SaveEvent(ctx context.Context, event pipeline.Event) error {
	delivered := 0
	if event.Delivered {
		delivered = 1
	}

	query := `INSERT INTO events
		(id, session_id, kind, timestamp, path, top_class, confidence, detections, delivered, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			delivered = excluded.delivered,
			error = excluded.error`

	_, err := d.db.ExecContext(ctx, query, event.ID, event.SessionID, string(event.Kind), event.Timestamp.UTC(),
		event.Path, event.TopClass, event.Confidence, event.Detections, delivered, event.Error)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

const eventColumns = `id, session_id, kind, timestamp, path, top_class, confidence, detections, delivered, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (pipeline.Event, error) {
	var (
		event     pipeline.Event
		kind      string
		delivered int
		sessionID sql.NullString
		path      sql.NullString
		topClass  sql.NullString
		errText   sql.NullString
		conf      sql.NullFloat64
	)
	if err := row.Scan(&event.ID, &sessionID, &kind, &event.Timestamp, &path, &topClass, &conf,
		&event.Detections, &delivered, &errText); err != nil {
		return event, err
	}
	event.Kind = pipeline.EventKind(kind)
	event.SessionID = sessionID.String
	event.Path = path.String
	event.TopClass = topClass.String
	event.Confidence = float32(conf.Float64)
	event.Delivered = delivered == 1
	event.Error = errText.String
	return event, nil
}

// GetEvent retrieves an event by ID. It returns (nil, nil) when not found.
func (d *Database) GetEvent(ctx context.Context, id string) (*pipeline.Event, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &event, nil
}

// ListEvents returns events newest first with optional filtering
func (d *Database) ListEvents(ctx context.Context, filter EventFilter) ([]pipeline.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}

	if filter.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, filter.SessionID)
	}
	if filter.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(filter.Kind))
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteOldEvents deletes events older than the specified time
func (d *Database) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

// Consume stores every event received on events until the channel closes
// or ctx is done. Failures are logged and skipped.
func (d *Database) Consume(ctx context.Context, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := d.SaveEvent(ctx, ev); err != nil {
				d.logger.Warnw("failed to persist event", "kind", ev.Kind, "error", err)
			}
		}
	}
}
