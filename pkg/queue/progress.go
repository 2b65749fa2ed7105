package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/redisx"
)

// ProgressStore tracks per-(project, batch) progress: an opaque key-value
// map with atomic counters, checkpoints, and an active-worker registry with
// TTL expiry.
type ProgressStore interface {
	Get(ctx context.Context, projectID, batchID string) (map[string]string, error)
	Set(ctx context.Context, projectID, batchID string, fields map[string]string) error
	Update(ctx context.Context, projectID, batchID string, fields map[string]string) error
	// Increment atomically adds each delta to its counter field and returns
	// the new values.
	Increment(ctx context.Context, projectID, batchID string, deltas map[string]int64) (map[string]int64, error)
	SaveCheckpoint(ctx context.Context, projectID, batchID string, state map[string]string) error
	LoadCheckpoint(ctx context.Context, projectID, batchID string) (map[string]string, error)
	// RegisterWorker refreshes the worker's liveness for ttl.
	RegisterWorker(ctx context.Context, projectID, workerID string, ttl time.Duration) error
	// ActiveWorkers lists live workers; expired registrations are removed
	// lazily here.
	ActiveWorkers(ctx context.Context, projectID string) ([]string, error)
}

// MemoryProgress is the in-process ProgressStore.
type MemoryProgress struct {
	mu          sync.Mutex
	fields      map[string]map[string]string
	checkpoints map[string]map[string]string
	workers     map[string]map[string]time.Time
}

// NewMemoryProgress creates an empty MemoryProgress.
func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{
		fields:      make(map[string]map[string]string),
		checkpoints: make(map[string]map[string]string),
		workers:     make(map[string]map[string]time.Time),
	}
}

func progressKey(projectID, batchID string) string {
	return projectID + "/" + batchID
}

func (p *MemoryProgress) Get(ctx context.Context, projectID, batchID string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	for k, v := range p.fields[progressKey(projectID, batchID)] {
		out[k] = v
	}
	return out, nil
}

func (p *MemoryProgress) Set(ctx context.Context, projectID, batchID string, fields map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[string]string, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	p.fields[progressKey(projectID, batchID)] = m
	return nil
}

func (p *MemoryProgress) Update(ctx context.Context, projectID, batchID string, fields map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := progressKey(projectID, batchID)
	if p.fields[key] == nil {
		p.fields[key] = make(map[string]string)
	}
	for k, v := range fields {
		p.fields[key][k] = v
	}
	return nil
}

func (p *MemoryProgress) Increment(ctx context.Context, projectID, batchID string, deltas map[string]int64) (map[string]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := progressKey(projectID, batchID)
	if p.fields[key] == nil {
		p.fields[key] = make(map[string]string)
	}
	out := make(map[string]int64, len(deltas))
	for k, d := range deltas {
		cur, _ := strconv.ParseInt(p.fields[key][k], 10, 64)
		cur += d
		p.fields[key][k] = strconv.FormatInt(cur, 10)
		out[k] = cur
	}
	return out, nil
}

func (p *MemoryProgress) SaveCheckpoint(ctx context.Context, projectID, batchID string, state map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := make(map[string]string, len(state))
	for k, v := range state {
		m[k] = v
	}
	p.checkpoints[progressKey(projectID, batchID)] = m
	return nil
}

func (p *MemoryProgress) LoadCheckpoint(ctx context.Context, projectID, batchID string) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp, ok := p.checkpoints[progressKey(projectID, batchID)]
	if !ok {
		return nil, nil
	}
	out := make(map[string]string, len(cp))
	for k, v := range cp {
		out[k] = v
	}
	return out, nil
}

func (p *MemoryProgress) RegisterWorker(ctx context.Context, projectID, workerID string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[projectID] == nil {
		p.workers[projectID] = make(map[string]time.Time)
	}
	p.workers[projectID][workerID] = time.Now().Add(ttl)
	return nil
}

func (p *MemoryProgress) ActiveWorkers(ctx context.Context, projectID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []string
	for id, exp := range p.workers[projectID] {
		if now.After(exp) {
			delete(p.workers[projectID], id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// incrScript adds all deltas to their hash fields in one atomic step and
// returns the new values in argument order.
var incrScript = redis.NewScript(`
	local out = {}
	for i = 1, #ARGV, 2 do
		out[#out + 1] = redis.call("hincrby", KEYS[1], ARGV[i], ARGV[i + 1])
	end
	return out
`)

// RedisProgress is the Redis ProgressStore: one hash per (project, batch),
// server-side scripted increments, checkpoint strings, and a sorted set of
// worker registrations scored by expiry.
type RedisProgress struct {
	rdb       *redis.Client
	namespace string
}

// NewRedisProgress wraps the shared redis client.
func NewRedisProgress(client *redisx.Client) *RedisProgress {
	return &RedisProgress{rdb: client.Raw(), namespace: client.Keys().Namespace}
}

func (p *RedisProgress) hashKey(projectID, batchID string) string {
	return fmt.Sprintf("%s:progress:%s:%s", p.namespace, projectID, batchID)
}

func (p *RedisProgress) checkpointKey(projectID, batchID string) string {
	return p.hashKey(projectID, batchID) + ":checkpoint"
}

func (p *RedisProgress) workersKey(projectID string) string {
	return fmt.Sprintf("%s:progress:%s:workers", p.namespace, projectID)
}

func (p *RedisProgress) Get(ctx context.Context, projectID, batchID string) (map[string]string, error) {
	m, err := p.rdb.HGetAll(ctx, p.hashKey(projectID, batchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	return m, nil
}

func (p *RedisProgress) Set(ctx context.Context, projectID, batchID string, fields map[string]string) error {
	key := p.hashKey(projectID, batchID)
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, flatten(fields)...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set progress: %w", err)
	}
	return nil
}

func (p *RedisProgress) Update(ctx context.Context, projectID, batchID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := p.rdb.HSet(ctx, p.hashKey(projectID, batchID), flatten(fields)...).Err(); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func flatten(m map[string]string) []interface{} {
	out := make([]interface{}, 0, len(m)*2)
	for k, v := range m {
		out = append(out, k, v)
	}
	return out
}

func (p *RedisProgress) Increment(ctx context.Context, projectID, batchID string, deltas map[string]int64) (map[string]int64, error) {
	if len(deltas) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(deltas))
	args := make([]interface{}, 0, len(deltas)*2)
	for k, d := range deltas {
		keys = append(keys, k)
		args = append(args, k, d)
	}
	vals, err := incrScript.Run(ctx, p.rdb, []string{p.hashKey(projectID, batchID)}, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to increment progress: %w", err)
	}
	out := make(map[string]int64, len(keys))
	for i, k := range keys {
		out[k] = vals[i]
	}
	return out, nil
}

func (p *RedisProgress) SaveCheckpoint(ctx context.Context, projectID, batchID string, state map[string]string) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := p.rdb.Set(ctx, p.checkpointKey(projectID, batchID), body, 0).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (p *RedisProgress) LoadCheckpoint(ctx context.Context, projectID, batchID string) (map[string]string, error) {
	body, err := p.rdb.Get(ctx, p.checkpointKey(projectID, batchID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var state map[string]string
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return state, nil
}

func (p *RedisProgress) RegisterWorker(ctx context.Context, projectID, workerID string, ttl time.Duration) error {
	score := float64(time.Now().Add(ttl).Unix())
	if err := p.rdb.ZAdd(ctx, p.workersKey(projectID), redis.Z{Score: score, Member: workerID}).Err(); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

func (p *RedisProgress) ActiveWorkers(ctx context.Context, projectID string) ([]string, error) {
	key := p.workersKey(projectID)
	now := time.Now().Unix()
	// drop expired registrations, then list the rest
	pipe := p.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now, 10))
	members := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to list active workers: %w", err)
	}
	return members.Val(), nil
}
