package outbox

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLedgers(t *testing.T) {
	ledgers := map[string]func(t *testing.T) Ledger{
		"memory": func(*testing.T) Ledger { return NewInMemoryLedger() },
		"sqlite": func(t *testing.T) Ledger { return NewSQLiteLedger(openSQLite(t), "") },
	}
	for name, factory := range ledgers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := factory(t)

			acked, err := l.Acked(ctx, "sender", 1)
			if err != nil || acked {
				t.Fatalf("fresh ledger should not ack: %v %v", acked, err)
			}
			if err := l.Ack(ctx, "sender", 3); err != nil {
				t.Fatalf("ack: %v", err)
			}
			if err := l.Ack(ctx, "sender", 3); err != nil {
				t.Fatalf("repeated ack: %v", err)
			}
			if acked, _ := l.Acked(ctx, "sender", 3); !acked {
				t.Fatalf("expected event 3 acked")
			}
			if acked, _ := l.Acked(ctx, "other", 3); acked {
				t.Fatalf("acks are per subscriber")
			}

			if err := l.SetCursor(ctx, "sender", 2); err != nil {
				t.Fatalf("set cursor: %v", err)
			}
			if acked, _ := l.Acked(ctx, "sender", 1); !acked {
				t.Fatalf("events at or below the cursor count as acked")
			}
			if acked, _ := l.Acked(ctx, "sender", 3); !acked {
				t.Fatalf("acks above the cursor must survive")
			}
			if err := l.SetCursor(ctx, "sender", 1); err != nil {
				t.Fatalf("set lower cursor: %v", err)
			}
			cursor, err := l.Cursor(ctx, "sender")
			if err != nil || cursor != 2 {
				t.Fatalf("cursor must not move backwards, got %d %v", cursor, err)
			}
			if cursor, _ := l.Cursor(ctx, "other"); cursor != 0 {
				t.Fatalf("unknown subscriber cursor should be 0, got %d", cursor)
			}
		})
	}
}
