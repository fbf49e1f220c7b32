package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Ledger remembers which events each named subscriber already processed and
// how far catch-up replay has scanned for it.
type Ledger interface {
	Acked(ctx context.Context, subscriber string, eventID int64) (bool, error)
	Ack(ctx context.Context, subscriber string, eventID int64) error
	Cursor(ctx context.Context, subscriber string) (int64, error)
	SetCursor(ctx context.Context, subscriber string, eventID int64) error
}

// InMemoryLedger keeps acknowledgements in memory.
type InMemoryLedger struct {
	mu      sync.RWMutex
	acks    map[string]map[int64]struct{}
	cursors map[string]int64
}

func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{
		acks:    make(map[string]map[int64]struct{}),
		cursors: make(map[string]int64),
	}
}

func (l *InMemoryLedger) Acked(_ context.Context, subscriber string, eventID int64) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if eventID <= l.cursors[subscriber] {
		return true, nil
	}
	_, ok := l.acks[subscriber][eventID]
	return ok, nil
}

func (l *InMemoryLedger) Ack(_ context.Context, subscriber string, eventID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.acks[subscriber]
	if !ok {
		set = make(map[int64]struct{})
		l.acks[subscriber] = set
	}
	set[eventID] = struct{}{}
	return nil
}

func (l *InMemoryLedger) Cursor(_ context.Context, subscriber string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cursors[subscriber], nil
}

func (l *InMemoryLedger) SetCursor(_ context.Context, subscriber string, eventID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if eventID <= l.cursors[subscriber] {
		return nil
	}
	l.cursors[subscriber] = eventID
	// acknowledgements at or below the cursor are implied
	for id := range l.acks[subscriber] {
		if id <= eventID {
			delete(l.acks[subscriber], id)
		}
	}
	return nil
}

// SQLiteLedger persists acknowledgements next to the event log.
type SQLiteLedger struct {
	db          *sql.DB
	ackTable    string
	cursorTable string
	schema      sync.Once
	schemaErr   error
}

func NewSQLiteLedger(db *sql.DB, prefix string) *SQLiteLedger {
	if strings.TrimSpace(prefix) == "" {
		prefix = "permission"
	}
	return &SQLiteLedger{
		db:          db,
		ackTable:    prefix + "_acks",
		cursorTable: prefix + "_cursors",
	}
}

func (l *SQLiteLedger) Acked(ctx context.Context, subscriber string, eventID int64) (bool, error) {
	if err := l.ensureSchema(ctx); err != nil {
		return false, err
	}
	cursor, err := l.Cursor(ctx, subscriber)
	if err != nil {
		return false, err
	}
	if eventID <= cursor {
		return true, nil
	}
	var one int
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE subscriber = ? AND event_id = ?`, l.ackTable)
	err = l.db.QueryRowContext(ctx, q, subscriber, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (l *SQLiteLedger) Ack(ctx context.Context, subscriber string, eventID int64) error {
	if err := l.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (subscriber, event_id, acked_at) VALUES (?, ?, ?)`, l.ackTable)
	_, err := l.db.ExecContext(ctx, q, subscriber, eventID, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (l *SQLiteLedger) Cursor(ctx context.Context, subscriber string) (int64, error) {
	if err := l.ensureSchema(ctx); err != nil {
		return 0, err
	}
	var cursor int64
	q := fmt.Sprintf(`SELECT event_id FROM %s WHERE subscriber = ?`, l.cursorTable)
	err := l.db.QueryRowContext(ctx, q, subscriber).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return cursor, err
}

func (l *SQLiteLedger) SetCursor(ctx context.Context, subscriber string, eventID int64) error {
	if err := l.ensureSchema(ctx); err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	upsert := fmt.Sprintf(`INSERT INTO %s (subscriber, event_id) VALUES (?, ?)
		ON CONFLICT(subscriber) DO UPDATE SET event_id = excluded.event_id WHERE excluded.event_id > %s.event_id`, l.cursorTable, l.cursorTable)
	if _, err := tx.ExecContext(ctx, upsert, subscriber, eventID); err != nil {
		_ = tx.Rollback()
		return err
	}
	prune := fmt.Sprintf(`DELETE FROM %s WHERE subscriber = ? AND event_id <= ?`, l.ackTable)
	if _, err := tx.ExecContext(ctx, prune, subscriber, eventID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (l *SQLiteLedger) ensureSchema(ctx context.Context) error {
	if l == nil || l.db == nil {
		return errors.New("sqlite ledger not configured")
	}
	l.schema.Do(func() {
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				subscriber TEXT NOT NULL,
				event_id INTEGER NOT NULL,
				acked_at TEXT NOT NULL,
				PRIMARY KEY (subscriber, event_id)
			)`, l.ackTable),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				subscriber TEXT PRIMARY KEY,
				event_id INTEGER NOT NULL
			)`, l.cursorTable),
		}
		for _, stmt := range stmts {
			if _, err := l.db.ExecContext(ctx, stmt); err != nil {
				l.schemaErr = err
				return
			}
		}
	})
	return l.schemaErr
}
