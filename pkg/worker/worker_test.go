package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antcode/antcode/pkg/artifact"
	"github.com/antcode/antcode/pkg/events"
	"github.com/antcode/antcode/pkg/executor"
	"github.com/antcode/antcode/pkg/identity"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/plugin"
	"github.com/antcode/antcode/pkg/transport"
	"github.com/antcode/antcode/pkg/types"
)

type ackRec struct {
	Receipt  string
	Accepted bool
	Reason   string
}

type ctrlReply struct {
	RequestID string
	OK        bool
	Data      string
	Err       string
}

// fakeTransport hands out scripted deliveries and records everything the
// engine sends back, in call order.
type fakeTransport struct {
	mu         sync.Mutex
	deliveries []transport.Delivered
	control    []transport.DeliveredControl
	order      []string
	acks       []ackRec
	results    []*types.TaskResult
	chunks     []*types.LogChunk
	batches    [][]*types.LogEntry
	heartbeats []*types.HeartbeatMessage
	ctrlAcks   []string
	replies    []ctrlReply
	offsets    map[string]int64
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{offsets: make(map[string]int64)}
}

func (f *fakeTransport) deliver(d transport.Delivered) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
}

func (f *fakeTransport) Poll(ctx context.Context, count int, block time.Duration) ([]transport.Delivered, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if count > len(f.deliveries) {
		count = len(f.deliveries)
	}
	out := f.deliveries[:count]
	f.deliveries = f.deliveries[count:]
	return out, nil
}

func (f *fakeTransport) Ack(ctx context.Context, receipt string, accepted bool, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "ack")
	f.acks = append(f.acks, ackRec{Receipt: receipt, Accepted: accepted, Reason: reason})
	return nil
}

func (f *fakeTransport) ReportResult(ctx context.Context, result *types.TaskResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "result")
	f.results = append(f.results, result)
	return nil
}

func (f *fakeTransport) Heartbeat(ctx context.Context, hb *types.HeartbeatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return nil
}

func (f *fakeTransport) SendLogBatch(ctx context.Context, entries []*types.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, entries)
	return nil
}

func (f *fakeTransport) SendLogChunk(ctx context.Context, chunk *types.LogChunk) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, "chunk")
	f.chunks = append(f.chunks, chunk)
	key := chunk.RunID + "/" + string(chunk.Type)
	f.offsets[key] = chunk.Offset + int64(len(chunk.Data))
	return f.offsets[key], nil
}

func (f *fakeTransport) PollControl(ctx context.Context, block time.Duration) ([]transport.DeliveredControl, error) {
	f.mu.Lock()
	out := f.control
	f.control = nil
	f.mu.Unlock()
	if len(out) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return out, nil
}

func (f *fakeTransport) AckControl(ctx context.Context, receipt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctrlAcks = append(f.ctrlAcks, receipt)
	return nil
}

func (f *fakeTransport) SendControlResult(ctx context.Context, requestID, replyStream string, ok bool, data, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, ctrlReply{RequestID: requestID, OK: ok, Data: data, Err: errMsg})
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) ackFor(receipt string) (ackRec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.acks {
		if a.Receipt == receipt {
			return a, true
		}
	}
	return ackRec{}, false
}

// recordingExecutor reports success without spawning anything.
type recordingExecutor struct {
	mu    sync.Mutex
	plans []*types.ExecPlan
}

func (r *recordingExecutor) Run(ctx context.Context, plan *types.ExecPlan, rt *types.RuntimeHandle, sink executor.LogSink) (*types.ExecResult, error) {
	r.mu.Lock()
	r.plans = append(r.plans, plan)
	r.mu.Unlock()
	sink.Emit(types.StreamStdout, "hello from task")
	now := time.Now().UTC()
	return &types.ExecResult{
		ExitCode:  0,
		Status:    types.RuntimeSuccess,
		StartTime: now.Add(-time.Second),
		EndTime:   now,
	}, nil
}

func (r *recordingExecutor) Cancel(runID string) error { return nil }
func (r *recordingExecutor) Running() []string         { return nil }

func (r *recordingExecutor) planCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plans)
}

// blockingExecutor holds the run until its context is cancelled.
type blockingExecutor struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingExecutor) Run(ctx context.Context, plan *types.ExecPlan, rt *types.RuntimeHandle, sink executor.LogSink) (*types.ExecResult, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	now := time.Now().UTC()
	return &types.ExecResult{
		ExitCode:  -1,
		Status:    types.RuntimeCancelled,
		StartTime: now,
		EndTime:   now,
	}, nil
}

func (b *blockingExecutor) Cancel(runID string) error { return nil }
func (b *blockingExecutor) Running() []string         { return nil }

const testSecret = "worker-secret"

func newTestIndex(t *testing.T) *artifact.Index {
	t.Helper()
	idx, err := artifact.OpenIndex(filepath.Join(t.TempDir(), "index.db"), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func serveArtifact(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signedDelivery(t *testing.T, runID, taskID string, srvURL string, body []byte) transport.Delivered {
	t.Helper()
	sum := sha256.Sum256(body)
	now := time.Now().UTC()
	payload := &types.TaskPayload{
		RunID:       runID,
		TaskID:      taskID,
		ProjectID:   "p-1",
		ProjectType: types.ProjectTypeCode,
		DownloadURL: srvURL + "/main.py",
		FileHash:    hex.EncodeToString(sum[:]),
		EntryPoint:  "main.py",
		Signature:   identity.SignTask(testSecret, taskID, now, now.Add(time.Minute)),
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return transport.Delivered{
		Task:    &types.QueuedTask{TaskID: taskID, Band: types.PriorityNormal, Payload: raw},
		Receipt: "receipt-" + runID,
	}
}

func newTestEngine(t *testing.T, tr transport.Transport, exec *recordingExecutor) *Engine {
	t.Helper()
	idx := newTestIndex(t)
	fetcher := artifact.NewFetcher(idx, t.TempDir())
	registry := plugin.NewRegistry()
	registry.Register(plugin.NewCodePlugin())
	return New(Config{
		WorkerID:          "w-1",
		Secret:            testSecret,
		DataDir:           t.TempDir(),
		MaxConcurrent:     2,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ControlBlock:      20 * time.Millisecond,
		ShutdownGrace:     2 * time.Second,
	}, tr, fetcher, idx, nil, registry, exec)
}

func TestTaskQueueOrdering(t *testing.T) {
	q := newTaskQueue(10)
	push := func(runID string, prio int) {
		err := q.Push(transport.Delivered{Receipt: runID}, &types.TaskPayload{RunID: runID, Priority: prio})
		require.NoError(t, err)
	}
	push("normal-a", 0)
	push("high-a", 15)
	push("low-a", -1)
	push("high-b", 12)
	push("normal-b", 5)

	var got []string
	for it := q.Pop(); it != nil; it = q.Pop() {
		got = append(got, it.payload.RunID)
	}
	assert.Equal(t, []string{"high-a", "high-b", "normal-a", "normal-b", "low-a"}, got)
}

func TestTaskQueueCapacityAndRemove(t *testing.T) {
	q := newTaskQueue(2)
	require.NoError(t, q.Push(transport.Delivered{}, &types.TaskPayload{RunID: "r-1"}))
	require.NoError(t, q.Push(transport.Delivered{}, &types.TaskPayload{RunID: "r-2"}))
	assert.ErrorIs(t, q.Push(transport.Delivered{}, &types.TaskPayload{RunID: "r-3"}), ErrQueueFull)

	it := q.Remove("r-1")
	require.NotNil(t, it)
	assert.Equal(t, "r-1", it.payload.RunID)
	assert.Nil(t, q.Remove("r-1"))
	assert.Equal(t, 1, q.Len())
}

func TestEngineRunsTaskEndToEnd(t *testing.T) {
	body := []byte("print('hi')\n")
	srv := serveArtifact(t, body)
	tr := newFakeTransport()
	exec := &recordingExecutor{}
	eng := newTestEngine(t, tr, exec)

	tr.deliver(signedDelivery(t, "r-1", "t-1", srv.URL, body))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	require.Eventually(t, func() bool {
		a, ok := tr.ackFor("receipt-r-1")
		return ok && a.Accepted
	}, 5*time.Second, 20*time.Millisecond)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.results, 1)
	assert.Equal(t, types.RuntimeSuccess, tr.results[0].Status)
	assert.Equal(t, "w-1", tr.results[0].WorkerID)
	assert.Equal(t, 1, exec.planCount())

	// the durable trail lands before the result, the receipt settles last
	var finals int
	for _, c := range tr.chunks {
		if c.IsFinal {
			finals++
		}
	}
	assert.GreaterOrEqual(t, finals, 2)
	resultAt, ackAt, lastChunkAt := -1, -1, -1
	for i, op := range tr.order {
		switch op {
		case "result":
			resultAt = i
		case "ack":
			ackAt = i
		case "chunk":
			lastChunkAt = i
		}
	}
	assert.Less(t, lastChunkAt, resultAt)
	assert.Less(t, resultAt, ackAt)
}

func TestEngineObservesLifecycleEvents(t *testing.T) {
	body := []byte("print('hi')\n")
	srv := serveArtifact(t, body)
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})

	queued := testutil.ToFloat64(metrics.RunEvents.WithLabelValues(string(events.EventRunQueued)))
	completed := testutil.ToFloat64(metrics.RunEvents.WithLabelValues(string(events.EventRunCompleted)))

	tr.deliver(signedDelivery(t, "r-ev", "t-ev", srv.URL, body))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	require.Eventually(t, func() bool {
		a, ok := tr.ackFor("receipt-r-ev")
		return ok && a.Accepted
	}, 5*time.Second, 20*time.Millisecond)

	// the engine's own subscriber mirrors the feed into the metrics series
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.RunEvents.WithLabelValues(string(events.EventRunCompleted))) >= completed+1
	}, 2*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t,
		testutil.ToFloat64(metrics.RunEvents.WithLabelValues(string(events.EventRunQueued))),
		queued+1)
}

func TestStopSettlesCancelledRunsBeforeReturning(t *testing.T) {
	body := []byte("print('hi')\n")
	srv := serveArtifact(t, body)
	tr := newFakeTransport()
	exec := &blockingExecutor{started: make(chan struct{})}

	idx := newTestIndex(t)
	fetcher := artifact.NewFetcher(idx, t.TempDir())
	registry := plugin.NewRegistry()
	registry.Register(plugin.NewCodePlugin())
	eng := New(Config{
		WorkerID:          "w-1",
		Secret:            testSecret,
		DataDir:           t.TempDir(),
		MaxConcurrent:     2,
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		ControlBlock:      20 * time.Millisecond,
		ShutdownGrace:     50 * time.Millisecond,
	}, tr, fetcher, idx, nil, registry, exec)

	tr.deliver(signedDelivery(t, "r-stuck", "t-stuck", srv.URL, body))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)

	select {
	case <-exec.started:
	case <-time.After(5 * time.Second):
		t.Fatal("run never started")
	}

	done := make(chan struct{})
	go func() {
		eng.Stop(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	// the run goroutine observed the cancel and settled while Stop waited;
	// nothing touches the transport after Stop returns
	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.results, 1)
	assert.Equal(t, types.RuntimeCancelled, tr.results[0].Status)
}

func TestEngineRejectsBadSignature(t *testing.T) {
	body := []byte("print('hi')\n")
	srv := serveArtifact(t, body)
	tr := newFakeTransport()
	exec := &recordingExecutor{}
	eng := newTestEngine(t, tr, exec)

	d := signedDelivery(t, "r-1", "t-1", srv.URL, body)
	// re-sign with the wrong secret
	var payload types.TaskPayload
	require.NoError(t, json.Unmarshal(d.Task.Payload, &payload))
	now := time.Now().UTC()
	payload.Signature = identity.SignTask("wrong-secret", "t-1", now, now.Add(time.Minute))
	raw, err := json.Marshal(&payload)
	require.NoError(t, err)
	d.Task.Payload = raw
	tr.deliver(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	require.Eventually(t, func() bool {
		a, ok := tr.ackFor("receipt-r-1")
		return ok && !a.Accepted
	}, 5*time.Second, 20*time.Millisecond)

	a, _ := tr.ackFor("receipt-r-1")
	assert.Contains(t, a.Reason, "signature")
	assert.Equal(t, 0, exec.planCount())
}

func TestEngineRefusesMalformedPayload(t *testing.T) {
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})
	tr.deliver(transport.Delivered{
		Task:    &types.QueuedTask{TaskID: "t-1", Payload: []byte("{")},
		Receipt: "receipt-bad",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop(context.Background())

	require.Eventually(t, func() bool {
		a, ok := tr.ackFor("receipt-bad")
		return ok && !a.Accepted
	}, 5*time.Second, 20*time.Millisecond)
	a, _ := tr.ackFor("receipt-bad")
	assert.Contains(t, a.Reason, "malformed")
}

func TestControlCancelQueuedRun(t *testing.T) {
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})

	require.NoError(t, eng.queue.Push(
		transport.Delivered{Receipt: "receipt-q"},
		&types.TaskPayload{RunID: "r-q", TaskID: "t-q"},
	))

	eng.handleControl(context.Background(), transport.DeliveredControl{
		Message: &types.ControlMessage{
			RequestID:   "req-1",
			Kind:        types.ControlCancel,
			TargetRunID: "r-q",
			ReplyStream: "reply-1",
		},
		Receipt: "ctrl-1",
	})

	a, ok := tr.ackFor("receipt-q")
	require.True(t, ok)
	assert.False(t, a.Accepted)
	assert.Contains(t, a.Reason, "cancelled")
	assert.Equal(t, []string{"ctrl-1"}, tr.ctrlAcks)
	require.Len(t, tr.replies, 1)
	assert.True(t, tr.replies[0].OK)
	assert.Equal(t, 0, eng.queue.Len())
}

func TestControlCancelUnknownRun(t *testing.T) {
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})

	eng.handleControl(context.Background(), transport.DeliveredControl{
		Message: &types.ControlMessage{
			RequestID:   "req-2",
			Kind:        types.ControlCancel,
			TargetRunID: "r-missing",
			ReplyStream: "reply-2",
		},
		Receipt: "ctrl-2",
	})

	require.Len(t, tr.replies, 1)
	assert.False(t, tr.replies[0].OK)
	assert.Contains(t, tr.replies[0].Err, "not found")
}

func TestControlConfigPush(t *testing.T) {
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})

	eng.handleControl(context.Background(), transport.DeliveredControl{
		Message: &types.ControlMessage{
			RequestID:   "req-3",
			Kind:        types.ControlConfigPush,
			Config:      map[string]string{"log_level": "debug"},
			ReplyStream: "reply-3",
		},
		Receipt: "ctrl-3",
	})

	eng.mu.Lock()
	assert.Equal(t, "debug", eng.dynCfg["log_level"])
	eng.mu.Unlock()
	require.Len(t, tr.replies, 1)
	assert.True(t, tr.replies[0].OK)
}

func TestHeartbeatCarriesSnapshot(t *testing.T) {
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})

	eng.sendHeartbeat(context.Background())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	require.Len(t, tr.heartbeats, 1)
	hb := tr.heartbeats[0]
	assert.Equal(t, "w-1", hb.WorkerID)
	assert.Equal(t, types.WorkerOnline, hb.Status)
	require.NotNil(t, hb.Metrics)
	assert.False(t, hb.Metrics.CollectedAt.IsZero())
}

func TestStopRefusesQueuedTasks(t *testing.T) {
	tr := newFakeTransport()
	eng := newTestEngine(t, tr, &recordingExecutor{})

	require.NoError(t, eng.queue.Push(
		transport.Delivered{Receipt: "receipt-drain"},
		&types.TaskPayload{RunID: "r-d", TaskID: "t-d"},
	))

	ctx, cancel := context.WithCancel(context.Background())
	eng.Start(ctx)
	eng.Stop(context.Background())
	cancel()

	a, ok := tr.ackFor("receipt-drain")
	require.True(t, ok)
	assert.False(t, a.Accepted)
	assert.Contains(t, a.Reason, "shutting down")
}
