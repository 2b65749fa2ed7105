package queue

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/redisx"
)

// Fingerprint is the canonical URL fingerprint: MD5 over the trimmed URL.
func Fingerprint(url string) string {
	sum := md5.Sum([]byte(strings.TrimSpace(url)))
	return hex.EncodeToString(sum[:])
}

// DedupStore is the per-project URL-fingerprint set. Add is atomic per
// project: of N concurrent adders of one fingerprint exactly one sees true.
type DedupStore interface {
	// EnsureStore declares capacity and error rate for the project's set.
	// Implementations without sized filters treat it as a no-op.
	EnsureStore(ctx context.Context, projectID string, capacity int64, errorRate float64) error
	Exists(ctx context.Context, projectID, fp string) (bool, error)
	// Add records fp and reports whether it was new.
	Add(ctx context.Context, projectID, fp string) (bool, error)
	ExistsMany(ctx context.Context, projectID string, fps []string) ([]bool, error)
	AddMany(ctx context.Context, projectID string, fps []string) ([]bool, error)
	Size(ctx context.Context, projectID string) (int64, error)
	Clear(ctx context.Context, projectID string) error
}

// MemoryDedup is the in-process DedupStore backed by per-project sets.
type MemoryDedup struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

// NewMemoryDedup creates an empty MemoryDedup.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{sets: make(map[string]map[string]struct{})}
}

func (d *MemoryDedup) set(projectID string) map[string]struct{} {
	s, ok := d.sets[projectID]
	if !ok {
		s = make(map[string]struct{})
		d.sets[projectID] = s
	}
	return s
}

func (d *MemoryDedup) EnsureStore(ctx context.Context, projectID string, capacity int64, errorRate float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.set(projectID)
	return nil
}

func (d *MemoryDedup) Exists(ctx context.Context, projectID, fp string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.set(projectID)[fp]
	return ok, nil
}

func (d *MemoryDedup) Add(ctx context.Context, projectID, fp string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.set(projectID)
	if _, ok := s[fp]; ok {
		return false, nil
	}
	s[fp] = struct{}{}
	return true, nil
}

func (d *MemoryDedup) ExistsMany(ctx context.Context, projectID string, fps []string) ([]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.set(projectID)
	out := make([]bool, len(fps))
	for i, fp := range fps {
		_, out[i] = s[fp]
	}
	return out, nil
}

func (d *MemoryDedup) AddMany(ctx context.Context, projectID string, fps []string) ([]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.set(projectID)
	out := make([]bool, len(fps))
	for i, fp := range fps {
		if _, ok := s[fp]; !ok {
			s[fp] = struct{}{}
			out[i] = true
		}
	}
	return out, nil
}

func (d *MemoryDedup) Size(ctx context.Context, projectID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.set(projectID))), nil
}

func (d *MemoryDedup) Clear(ctx context.Context, projectID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sets, projectID)
	return nil
}

// RedisDedup is the Bloom-filter DedupStore on RedisBloom (BF.* commands).
// Exists may rarely report a false positive at the declared error rate; Add
// never loses an update.
type RedisDedup struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisDedup wraps the shared redis client.
func NewRedisDedup(client *redisx.Client) *RedisDedup {
	return &RedisDedup{rdb: client.Raw(), namespace: client.Keys().Namespace}
}

func (d *RedisDedup) key(projectID string) string {
	return fmt.Sprintf("%s:dedup:%s", d.namespace, projectID)
}

func (d *RedisDedup) EnsureStore(ctx context.Context, projectID string, capacity int64, errorRate float64) error {
	if capacity <= 0 {
		capacity = 1_000_000
	}
	if errorRate <= 0 {
		errorRate = 0.001
	}
	err := d.rdb.Do(ctx, "BF.RESERVE", d.key(projectID), errorRate, capacity).Err()
	if err != nil && !strings.Contains(err.Error(), "exists") {
		return fmt.Errorf("failed to reserve bloom filter: %w", err)
	}
	return nil
}

func (d *RedisDedup) Exists(ctx context.Context, projectID, fp string) (bool, error) {
	n, err := d.rdb.Do(ctx, "BF.EXISTS", d.key(projectID), fp).Int()
	if err != nil {
		return false, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	return n == 1, nil
}

func (d *RedisDedup) Add(ctx context.Context, projectID, fp string) (bool, error) {
	n, err := d.rdb.Do(ctx, "BF.ADD", d.key(projectID), fp).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add fingerprint: %w", err)
	}
	return n == 1, nil
}

func (d *RedisDedup) ExistsMany(ctx context.Context, projectID string, fps []string) ([]bool, error) {
	return d.multi(ctx, "BF.MEXISTS", projectID, fps)
}

func (d *RedisDedup) AddMany(ctx context.Context, projectID string, fps []string) ([]bool, error) {
	return d.multi(ctx, "BF.MADD", projectID, fps)
}

func (d *RedisDedup) multi(ctx context.Context, cmd, projectID string, fps []string) ([]bool, error) {
	if len(fps) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(fps)+2)
	args = append(args, cmd, d.key(projectID))
	for _, fp := range fps {
		args = append(args, fp)
	}
	vals, err := d.rdb.Do(ctx, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", cmd, err)
	}
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = v == 1
	}
	return out, nil
}

func (d *RedisDedup) Size(ctx context.Context, projectID string) (int64, error) {
	n, err := d.rdb.Do(ctx, "BF.CARD", d.key(projectID)).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "not exist") {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read filter cardinality: %w", err)
	}
	return n, nil
}

func (d *RedisDedup) Clear(ctx context.Context, projectID string) error {
	if err := d.rdb.Del(ctx, d.key(projectID)).Err(); err != nil {
		return fmt.Errorf("failed to clear dedup store: %w", err)
	}
	return nil
}
