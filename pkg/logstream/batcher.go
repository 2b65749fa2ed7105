package logstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

// ErrRefused is returned by Append under the refuse policy once the queue is
// blocked.
var ErrRefused = errors.New("log queue blocked")

// BatchSender delivers one batch of live log entries.
type BatchSender interface {
	SendLogBatch(ctx context.Context, entries []*types.LogEntry) error
}

// DropPolicy selects what gives way when the queue saturates.
type DropPolicy string

const (
	DropOldest DropPolicy = "drop_oldest"
	DropNewest DropPolicy = "drop_newest"
	Refuse     DropPolicy = "refuse"
)

// State is the batcher's backpressure state, derived from queue occupancy.
type State string

const (
	StateNormal   State = "normal"
	StateWarning  State = "warning"
	StateCritical State = "critical"
	StateBlocked  State = "blocked"
)

// BatcherConfig tunes the live-channel batch sender.
type BatcherConfig struct {
	Capacity      int
	WarningAt     float64 // occupancy fraction
	CriticalAt    float64
	FlushSize     int
	FlushInterval time.Duration
	Policy        DropPolicy
	MaxRetryWait  time.Duration
}

// DefaultBatcherConfig returns the tuning used by workers.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		Capacity:      4096,
		WarningAt:     0.5,
		CriticalAt:    0.8,
		FlushSize:     100,
		FlushInterval: time.Second,
		Policy:        DropOldest,
		MaxRetryWait:  30 * time.Second,
	}
}

// Batcher buffers live log entries and flushes them in batches on size or
// interval. Occupancy drives a backpressure state; past blocked, the
// configured drop policy decides whether old entries, new entries, or the
// caller gives way.
type Batcher struct {
	cfg    BatcherConfig
	sender BatchSender
	logger zerolog.Logger

	mu      sync.Mutex
	queue   []*types.LogEntry
	dropped int64

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBatcher creates a Batcher; call Run to start the flush loop.
func NewBatcher(sender BatchSender, cfg BatcherConfig) *Batcher {
	if cfg.Capacity <= 0 {
		cfg = DefaultBatcherConfig()
	}
	return &Batcher{
		cfg:     cfg,
		sender:  sender,
		logger:  log.WithComponent("log-batcher"),
		flushCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State reports the current backpressure state.
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Batcher) stateLocked() State {
	occ := float64(len(b.queue)) / float64(b.cfg.Capacity)
	switch {
	case len(b.queue) >= b.cfg.Capacity:
		return StateBlocked
	case occ >= b.cfg.CriticalAt:
		return StateCritical
	case occ >= b.cfg.WarningAt:
		return StateWarning
	default:
		return StateNormal
	}
}

// Dropped returns the number of entries discarded by the drop policy.
func (b *Batcher) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Append queues one entry. Under the refuse policy a blocked queue returns
// ErrRefused; under the drop policies the entry or the oldest queued entry
// is discarded silently.
func (b *Batcher) Append(e *types.LogEntry) error {
	b.mu.Lock()
	if len(b.queue) >= b.cfg.Capacity {
		switch b.cfg.Policy {
		case Refuse:
			b.mu.Unlock()
			return ErrRefused
		case DropNewest:
			b.dropped++
			metrics.LogEntriesDropped.Inc()
			b.mu.Unlock()
			return nil
		default: // DropOldest
			b.queue = b.queue[1:]
			b.dropped++
			metrics.LogEntriesDropped.Inc()
		}
	}
	b.queue = append(b.queue, e)
	ready := len(b.queue) >= b.cfg.FlushSize
	b.mu.Unlock()

	if ready {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes on size or interval until ctx is done, then drains once.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.doneCh)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-b.stopCh:
			b.flush(context.Background())
			return
		case <-b.flushCh:
			b.flush(ctx)
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// Stop drains the queue and stops the loop.
func (b *Batcher) Stop() {
	close(b.stopCh)
	<-b.doneCh
}

func (b *Batcher) flush(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.queue)
		if n > b.cfg.FlushSize {
			n = b.cfg.FlushSize
		}
		batch := make([]*types.LogEntry, n)
		copy(batch, b.queue[:n])
		b.queue = b.queue[n:]
		b.mu.Unlock()

		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = b.cfg.MaxRetryWait
		err := backoff.Retry(func() error {
			return b.sender.SendLogBatch(ctx, batch)
		}, backoff.WithContext(bo, ctx))
		if err != nil {
			b.logger.Warn().Err(err).Int("entries", len(batch)).
				Msg("log batch dropped after retries")
			b.mu.Lock()
			b.dropped += int64(len(batch))
			b.mu.Unlock()
			metrics.LogEntriesDropped.Add(float64(len(batch)))
			return
		}
		metrics.LogBatchesSent.Inc()
	}
}
