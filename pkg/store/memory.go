package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

// MemoryStore is the in-process Store used by tests and single-node
// deployments without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*types.Task
	runs      map[string]*types.TaskRun
	workers   map[string]*types.Worker
	keys      map[string]*types.InstallKey
	lastToken int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*types.Task),
		runs:    make(map[string]*types.TaskRun),
		workers: make(map[string]*types.Worker),
		keys:    make(map[string]*types.InstallKey),
	}
}

func (m *MemoryStore) Close() error { return nil }

// checkToken enforces fencing. Token 0 means the write does not come from a
// leader-gated path (worker-originated status reports).
func (m *MemoryStore) checkToken(token int64) error {
	if token == 0 {
		return nil
	}
	if token < m.lastToken {
		return ErrStaleToken
	}
	m.lastToken = token
	return nil
}

func copyTask(t *types.Task) *types.Task {
	c := *t
	return &c
}

func (m *MemoryStore) CreateTask(ctx context.Context, t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

func (m *MemoryStore) UpdateTask(ctx context.Context, t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, f TaskFilter) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if f.ProjectID != "" && t.ProjectID != f.ProjectID {
			continue
		}
		if f.Active != nil && t.Active != *f.Active {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if !t.Active || t.NextRunTime.IsZero() || t.NextRunTime.After(now) {
			continue
		}
		out = append(out, copyTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].NextRunTime.Before(out[j].NextRunTime)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetNextRun(ctx context.Context, taskID string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.NextRunTime = next
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func copyRun(r *types.TaskRun) *types.TaskRun {
	c := *r
	return &c
}

func (m *MemoryStore) CreateRun(ctx context.Context, r *types.TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; ok {
		return ErrAlreadyExists
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.runs[r.RunID] = copyRun(r)
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*types.TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

func (m *MemoryStore) ApplyDispatch(ctx context.Context, runID string, s types.DispatchStatus, at time.Time, token int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkToken(token); err != nil {
		return false, err
	}
	r, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	return r.ApplyDispatchStatus(s, at), nil
}

func (m *MemoryStore) ApplyRuntime(ctx context.Context, runID string, s types.RuntimeStatus, at time.Time, token int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkToken(token); err != nil {
		return false, err
	}
	r, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	return r.ApplyRuntimeStatus(s, at), nil
}

func (m *MemoryStore) AssignWorker(ctx context.Context, runID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.WorkerID = workerID
	return nil
}

func (m *MemoryStore) RecordTerminal(ctx context.Context, res *types.TaskResult, token int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkToken(token); err != nil {
		return false, err
	}
	r, ok := m.runs[res.RunID]
	if !ok {
		return false, ErrNotFound
	}
	at := res.EndTime
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if !r.ApplyRuntimeStatus(res.Status, at) {
		return false, nil
	}
	r.ExitCode = res.ExitCode
	r.Error = res.Error
	if !res.StartTime.IsZero() {
		r.StartTime = res.StartTime
	}
	if t, ok := m.tasks[r.TaskID]; ok {
		if res.Status == types.RuntimeSuccess {
			t.SuccessCount++
		} else {
			t.FailureCount++
		}
	}
	return true, nil
}

func (m *MemoryStore) TouchRunHeartbeat(ctx context.Context, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if at.After(r.LastHeartbeat) {
		r.LastHeartbeat = at
	}
	return nil
}

func (m *MemoryStore) ListRunsByWorker(ctx context.Context, workerID string) ([]*types.TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.TaskRun
	for _, r := range m.runs {
		if r.WorkerID == workerID {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (m *MemoryStore) ListNonTerminalRuns(ctx context.Context) ([]*types.TaskRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.TaskRun
	for _, r := range m.runs {
		if !r.Terminal() {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func copyWorker(w *types.Worker) *types.Worker {
	c := *w
	return &c
}

func (m *MemoryStore) CreateWorker(ctx context.Context, w *types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; ok {
		return ErrAlreadyExists
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	m.workers[w.ID] = copyWorker(w)
	return nil
}

func (m *MemoryStore) GetWorker(ctx context.Context, id string) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorker(w), nil
}

func (m *MemoryStore) UpdateWorker(ctx context.Context, w *types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		return ErrNotFound
	}
	m.workers[w.ID] = copyWorker(w)
	return nil
}

func (m *MemoryStore) DeleteWorker(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		return ErrNotFound
	}
	delete(m.workers, id)
	return nil
}

func (m *MemoryStore) ListWorkers(ctx context.Context) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, copyWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) OnlineWorkers(ctx context.Context) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Worker
	for _, w := range m.workers {
		if w.Status == types.WorkerOnline {
			out = append(out, copyWorker(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) MarkWorkerStatus(ctx context.Context, id string, status types.WorkerStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	if at.After(w.LastHeartbeat) {
		w.LastHeartbeat = at
	}
	return nil
}

func (m *MemoryStore) CreateInstallKey(ctx context.Context, k *types.InstallKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[k.Key]; ok {
		return ErrAlreadyExists
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	c := *k
	m.keys[k.Key] = &c
	return nil
}

func (m *MemoryStore) GetInstallKey(ctx context.Context, key string) (*types.InstallKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *k
	return &c, nil
}

func (m *MemoryStore) ConsumeInstallKey(ctx context.Context, key, workerID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[key]
	if !ok {
		return ErrNotFound
	}
	if k.Consumed {
		return ErrKeyConsumed
	}
	if k.Expired(now) {
		return ErrKeyExpired
	}
	k.Consumed = true
	k.ConsumedBy = workerID
	return nil
}
