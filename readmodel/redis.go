package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	permission "github.com/goliatone/go-permission"
)

// RedisClient is the subset of go-redis used by RedisStore. *redis.Client
// and *redis.ClusterClient implement it.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisStore keeps each snapshot as a JSON string and one set of ids per
// status. Writers for one permission id are expected to be serialized.
type RedisStore struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a store under key prefix. A zero ttl keeps snapshots forever.
func NewRedisStore(client RedisClient, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "permission"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) Upsert(ctx context.Context, snapshot permission.Snapshot) error {
	if s == nil || s.client == nil {
		return errors.New("redis read model not configured")
	}
	current, err := s.Get(ctx, snapshot.PermissionID)
	found := err == nil
	if err != nil && !permission.IsNotFound(err) {
		return err
	}
	if found && current.Version > snapshot.Version {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.snapshotKey(snapshot.PermissionID), data, s.ttl).Err(); err != nil {
		return err
	}
	if found && current.Status != snapshot.Status {
		if err := s.client.SRem(ctx, s.statusKey(current.Status), snapshot.PermissionID).Err(); err != nil {
			return err
		}
	}
	return s.client.SAdd(ctx, s.statusKey(snapshot.Status), snapshot.PermissionID).Err()
}

func (s *RedisStore) Get(ctx context.Context, permissionID string) (permission.Snapshot, error) {
	if s == nil || s.client == nil {
		return permission.Snapshot{}, errors.New("redis read model not configured")
	}
	raw, err := s.client.Get(ctx, s.snapshotKey(permissionID)).Result()
	if errors.Is(err, redis.Nil) {
		return permission.Snapshot{}, permission.NotFoundError(permissionID)
	}
	if err != nil {
		return permission.Snapshot{}, err
	}
	var snap permission.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return permission.Snapshot{}, err
	}
	return snap, nil
}

// FindByStatus resolves the status set. Ids whose snapshot expired or moved
// on are dropped from the result.
func (s *RedisStore) FindByStatus(ctx context.Context, status permission.Status) ([]permission.Snapshot, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis read model not configured")
	}
	ids, err := s.client.SMembers(ctx, s.statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]permission.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.Get(ctx, id)
		if permission.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out, nil
}

func (s *RedisStore) snapshotKey(id string) string {
	return s.prefix + ":snapshot:" + strings.TrimSpace(id)
}

func (s *RedisStore) statusKey(status permission.Status) string {
	return s.prefix + ":status:" + string(status)
}
