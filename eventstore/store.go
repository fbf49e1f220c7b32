package eventstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	permission "github.com/goliatone/go-permission"
)

// Store is the append-only, permission id partitioned event log.
type Store interface {
	// Append persists event and returns it with its assigned id. CreatedAt is
	// clamped so it never goes backwards for the same permission id.
	Append(ctx context.Context, event permission.Event) (permission.Event, error)
	// FindByPermissionID returns the history of one request, oldest first.
	FindByPermissionID(ctx context.Context, permissionID string) ([]permission.Event, error)
	// FindByStatus returns every event asserting status.
	FindByStatus(ctx context.Context, status permission.Status) ([]permission.Event, error)
	// Since returns up to limit events with id greater than afterID, in id order.
	Since(ctx context.Context, afterID int64, limit int) ([]permission.Event, error)
}

// InMemoryStore keeps the log in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []permission.Event
	byID   map[string][]int
	nextID int64
	// failAppend lets tests simulate an unavailable store.
	failAppend error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[string][]int)}
}

// FailAppends makes every following Append fail with err. Nil restores normal behavior.
func (s *InMemoryStore) FailAppends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppend = err
}

func (s *InMemoryStore) Append(_ context.Context, event permission.Event) (permission.Event, error) {
	if err := event.Validate(); err != nil {
		return permission.Event{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return permission.Event{}, permission.StoreError("append", s.failAppend)
	}

	idx := s.byID[event.PermissionID]
	if len(idx) > 0 {
		last := s.events[idx[len(idx)-1]]
		if event.CreatedAt.Before(last.CreatedAt) {
			event.CreatedAt = last.CreatedAt
		}
	}
	s.nextID++
	event.ID = s.nextID
	s.events = append(s.events, event.Clone())
	s.byID[event.PermissionID] = append(idx, len(s.events)-1)
	return event, nil
}

func (s *InMemoryStore) FindByPermissionID(_ context.Context, permissionID string) ([]permission.Event, error) {
	permissionID = strings.TrimSpace(permissionID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.byID[permissionID]
	out := make([]permission.Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.events[i].Clone())
	}
	return out, nil
}

func (s *InMemoryStore) FindByStatus(_ context.Context, status permission.Status) ([]permission.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []permission.Event
	for _, ev := range s.events {
		if ev.Status == status {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

func (s *InMemoryStore) Since(_ context.Context, afterID int64, limit int) ([]permission.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := sort.Search(len(s.events), func(i int) bool { return s.events[i].ID > afterID })
	end := len(s.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]permission.Event, 0, end-start)
	for _, ev := range s.events[start:end] {
		out = append(out, ev.Clone())
	}
	return out, nil
}

// Len reports the number of stored events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LoadRequest folds the stored history of permissionID into an aggregate.
func LoadRequest(ctx context.Context, store Store, permissionID string, opts ...permission.Option) (*permission.Aggregate, error) {
	events, err := store.FindByPermissionID(ctx, permissionID)
	if err != nil {
		return nil, permission.StoreError("find", err)
	}
	if len(events) == 0 {
		return nil, permission.NotFoundError(permissionID)
	}
	return permission.Load(events, opts...)
}
