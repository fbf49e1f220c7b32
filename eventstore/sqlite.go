package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	permission "github.com/goliatone/go-permission"
)

// SQLiteStore persists the event log in a single SQLite table.
type SQLiteStore struct {
	db     *sql.DB
	table  string
	schema sync.Once
	// schemaErr is set once by ensureSchema.
	schemaErr error
}

// NewSQLiteStore builds a store on db using table, defaulting to permission_events.
func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	if strings.TrimSpace(table) == "" {
		table = "permission_events"
	}
	return &SQLiteStore{db: db, table: table}
}

func (s *SQLiteStore) Append(ctx context.Context, event permission.Event) (permission.Event, error) {
	if s == nil || s.db == nil {
		return permission.Event{}, permission.StoreError("append", errors.New("sqlite store not configured"))
	}
	if err := event.Validate(); err != nil {
		return permission.Event{}, err
	}
	// an append that started must finish, even when the caller gives up
	ctx = context.WithoutCancel(ctx)
	if err := s.ensureSchema(ctx); err != nil {
		return permission.Event{}, permission.StoreError("append", err)
	}
	payload, err := EncodePayload(event.Payload)
	if err != nil {
		return permission.Event{}, permission.CloneError(permission.ErrInvalidEvent, "encode payload", err, nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return permission.Event{}, permission.StoreError("append", err)
	}
	var lastCreated string
	q := fmt.Sprintf(`SELECT created_at FROM %s WHERE permission_id = ? ORDER BY id DESC LIMIT 1`, s.table)
	err = tx.QueryRowContext(ctx, q, event.PermissionID).Scan(&lastCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return permission.Event{}, permission.StoreError("append", err)
	}
	if ts, ok := parseTimestamp(lastCreated); ok && event.CreatedAt.Before(ts) {
		event.CreatedAt = ts
	}

	insert := fmt.Sprintf(`INSERT INTO %s (permission_id, status, event_type, created_at, payload) VALUES (?, ?, ?, ?, ?)`, s.table)
	res, err := tx.ExecContext(ctx, insert,
		event.PermissionID,
		string(event.Status),
		string(event.Type),
		formatTimestamp(event.CreatedAt),
		string(payload),
	)
	if err != nil {
		_ = tx.Rollback()
		return permission.Event{}, permission.StoreError("append", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return permission.Event{}, permission.StoreError("append", err)
	}
	if err := tx.Commit(); err != nil {
		return permission.Event{}, permission.StoreError("append", err)
	}
	event.ID = id
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}

func (s *SQLiteStore) FindByPermissionID(ctx context.Context, permissionID string) ([]permission.Event, error) {
	q := fmt.Sprintf(`SELECT id, permission_id, status, event_type, created_at, payload FROM %s WHERE permission_id = ? ORDER BY id ASC`, s.table)
	return s.query(ctx, q, strings.TrimSpace(permissionID))
}

func (s *SQLiteStore) FindByStatus(ctx context.Context, status permission.Status) ([]permission.Event, error) {
	q := fmt.Sprintf(`SELECT id, permission_id, status, event_type, created_at, payload FROM %s WHERE status = ? ORDER BY id ASC`, s.table)
	return s.query(ctx, q, string(status))
}

func (s *SQLiteStore) Since(ctx context.Context, afterID int64, limit int) ([]permission.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	q := fmt.Sprintf(`SELECT id, permission_id, status, event_type, created_at, payload FROM %s WHERE id > ? ORDER BY id ASC LIMIT ?`, s.table)
	return s.query(ctx, q, afterID, limit)
}

func (s *SQLiteStore) query(ctx context.Context, q string, args ...any) ([]permission.Event, error) {
	if s == nil || s.db == nil {
		return nil, permission.StoreError("query", errors.New("sqlite store not configured"))
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, permission.StoreError("query", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, permission.StoreError("query", err)
	}
	defer rows.Close()

	var out []permission.Event
	for rows.Next() {
		ev, err := decodeEvent(rows)
		if err != nil {
			return nil, permission.StoreError("query", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, permission.StoreError("query", err)
	}
	return out, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	s.schema.Do(func() {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			permission_id TEXT NOT NULL,
			status TEXT NOT NULL,
			event_type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			payload TEXT
		)`, s.table)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.schemaErr = err
			return
		}
		indexes := []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_permission_idx ON %s (permission_id, id)`, s.table, s.table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)`, s.table, s.table),
		}
		for _, stmt := range indexes {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				s.schemaErr = err
				return
			}
		}
	})
	return s.schemaErr
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

func decodeEvent(row sqlRowScanner) (permission.Event, error) {
	var (
		ev        permission.Event
		status    string
		eventType string
		createdAt string
		payload   sql.NullString
	)
	if err := row.Scan(&ev.ID, &ev.PermissionID, &status, &eventType, &createdAt, &payload); err != nil {
		return permission.Event{}, err
	}
	ev.Status = permission.Status(status)
	ev.Type = permission.EventType(eventType)
	if ts, ok := parseTimestamp(createdAt); ok {
		ev.CreatedAt = ts
	}
	if payload.Valid {
		p, err := DecodePayload(ev.Type, []byte(payload.String))
		if err != nil {
			return permission.Event{}, err
		}
		ev.Payload = p
	}
	return ev, nil
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}
