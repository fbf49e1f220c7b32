package readmodel

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/uptrace/bun"

	permission "github.com/goliatone/go-permission"
)

type snapshotRecord struct {
	bun.BaseModel `bun:"table:permission_snapshots,alias:ps"`

	PermissionID string         `bun:"permission_id,pk"`
	ConnectionID string         `bun:"connection_id,notnull"`
	DataNeedID   string         `bun:"data_need_id,notnull"`
	Status       string         `bun:"status,notnull"`
	Attributes   map[string]any `bun:"attributes,type:json"`
	Version      int            `bun:"version,notnull"`
	SendAttempts int            `bun:"send_attempts,notnull"`
	LastReason   string         `bun:"last_reason"`
	UpdatedAt    time.Time      `bun:"updated_at,notnull"`
}

func toRecord(s permission.Snapshot) *snapshotRecord {
	return &snapshotRecord{
		PermissionID: s.PermissionID,
		ConnectionID: s.ConnectionID,
		DataNeedID:   s.DataNeedID,
		Status:       string(s.Status),
		Attributes:   cloneSnapshot(s).Attributes,
		Version:      s.Version,
		SendAttempts: s.SendAttempts,
		LastReason:   s.LastReason,
		UpdatedAt:    s.UpdatedAt.UTC(),
	}
}

func (r *snapshotRecord) snapshot() permission.Snapshot {
	return permission.Snapshot{
		PermissionID: r.PermissionID,
		ConnectionID: r.ConnectionID,
		DataNeedID:   r.DataNeedID,
		Status:       permission.Status(r.Status),
		Attributes:   r.Attributes,
		Version:      r.Version,
		SendAttempts: r.SendAttempts,
		LastReason:   r.LastReason,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

// BunStore keeps snapshots in a SQL table through bun.
type BunStore struct {
	db        *bun.DB
	schema    sync.Once
	schemaErr error
}

func NewBunStore(db *bun.DB) *BunStore {
	return &BunStore{db: db}
}

// EnsureSchema creates the snapshot table and its status index.
func (s *BunStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("bun read model not configured")
	}
	s.schema.Do(func() {
		if _, err := s.db.NewCreateTable().Model((*snapshotRecord)(nil)).IfNotExists().Exec(ctx); err != nil {
			s.schemaErr = err
			return
		}
		_, s.schemaErr = s.db.NewCreateIndex().
			Model((*snapshotRecord)(nil)).
			Index("permission_snapshots_status_idx").
			Column("status").
			IfNotExists().
			Exec(ctx)
	})
	return s.schemaErr
}

func (s *BunStore) Upsert(ctx context.Context, snapshot permission.Snapshot) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	rec := toRecord(snapshot)
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var current snapshotRecord
		err := tx.NewSelect().
			Model(&current).
			Column("version").
			Where("permission_id = ?", rec.PermissionID).
			Scan(ctx)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return err
		case current.Version > rec.Version:
			return nil
		}
		_, err = tx.NewInsert().
			Model(rec).
			On("CONFLICT (permission_id) DO UPDATE").
			Set("connection_id = EXCLUDED.connection_id").
			Set("data_need_id = EXCLUDED.data_need_id").
			Set("status = EXCLUDED.status").
			Set("attributes = EXCLUDED.attributes").
			Set("version = EXCLUDED.version").
			Set("send_attempts = EXCLUDED.send_attempts").
			Set("last_reason = EXCLUDED.last_reason").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
}

func (s *BunStore) Get(ctx context.Context, permissionID string) (permission.Snapshot, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return permission.Snapshot{}, err
	}
	var rec snapshotRecord
	err := s.db.NewSelect().
		Model(&rec).
		Where("permission_id = ?", strings.TrimSpace(permissionID)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return permission.Snapshot{}, permission.NotFoundError(permissionID)
	}
	if err != nil {
		return permission.Snapshot{}, err
	}
	return rec.snapshot(), nil
}

func (s *BunStore) FindByStatus(ctx context.Context, status permission.Status) ([]permission.Snapshot, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	var records []snapshotRecord
	if err := s.db.NewSelect().
		Model(&records).
		Where("status = ?", string(status)).
		Order("updated_at ASC", "permission_id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]permission.Snapshot, 0, len(records))
	for i := range records {
		out = append(out, records[i].snapshot())
	}
	return out, nil
}
