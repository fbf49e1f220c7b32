package readmodel

import (
	"context"
	"sort"
	"sync"

	permission "github.com/goliatone/go-permission"
	"github.com/goliatone/go-permission/eventstore"
)

// Store holds the latest snapshot per permission id.
type Store interface {
	// Upsert writes snapshot keyed by permission id. A snapshot older than the
	// stored one (lower Version) is ignored, so replays are harmless.
	Upsert(ctx context.Context, snapshot permission.Snapshot) error
	Get(ctx context.Context, permissionID string) (permission.Snapshot, error)
	FindByStatus(ctx context.Context, status permission.Status) ([]permission.Snapshot, error)
}

// InMemoryStore is a map backed read model.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]permission.Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]permission.Snapshot)}
}

func (s *InMemoryStore) Upsert(_ context.Context, snapshot permission.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.items[snapshot.PermissionID]; ok && current.Version > snapshot.Version {
		return nil
	}
	s.items[snapshot.PermissionID] = cloneSnapshot(snapshot)
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, permissionID string) (permission.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[permissionID]
	if !ok {
		return permission.Snapshot{}, permission.NotFoundError(permissionID)
	}
	return cloneSnapshot(snap), nil
}

func (s *InMemoryStore) FindByStatus(_ context.Context, status permission.Status) ([]permission.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []permission.Snapshot
	for _, snap := range s.items {
		if snap.Status == status {
			out = append(out, cloneSnapshot(snap))
		}
	}
	sortSnapshots(out)
	return out, nil
}

// Rebuild folds the whole event log into target. It returns the number of
// requests written.
func Rebuild(ctx context.Context, source eventstore.Store, target Store, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	histories := map[string][]permission.Event{}
	var order []string
	var cursor int64
	for {
		events, err := source.Since(ctx, cursor, batchSize)
		if err != nil {
			return 0, err
		}
		for _, ev := range events {
			if _, ok := histories[ev.PermissionID]; !ok {
				order = append(order, ev.PermissionID)
			}
			histories[ev.PermissionID] = append(histories[ev.PermissionID], ev)
			cursor = ev.ID
		}
		if len(events) < batchSize {
			break
		}
	}
	for _, id := range order {
		agg, err := permission.Load(histories[id])
		if err != nil {
			return 0, err
		}
		if err := target.Upsert(ctx, agg.Snapshot()); err != nil {
			return 0, err
		}
	}
	return len(order), nil
}

func cloneSnapshot(s permission.Snapshot) permission.Snapshot {
	if s.Attributes != nil {
		attrs := make(map[string]any, len(s.Attributes))
		for k, v := range s.Attributes {
			attrs[k] = v
		}
		s.Attributes = attrs
	}
	return s
}

func sortSnapshots(in []permission.Snapshot) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].UpdatedAt.Equal(in[j].UpdatedAt) {
			return in[i].PermissionID < in[j].PermissionID
		}
		return in[i].UpdatedAt.Before(in[j].UpdatedAt)
	})
}
