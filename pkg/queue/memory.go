package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antcode/antcode/pkg/types"
)

// MemoryQueue is the in-process CrawlQueue.
type MemoryQueue struct {
	deliveryCeiling int64

	mu       sync.Mutex
	projects map[string]*memProject
}

type memProject struct {
	ready      map[types.PriorityBand][]*CrawlTask
	processing map[string]*memPending
	dead       []*CrawlTask
}

type memPending struct {
	task        *CrawlTask
	band        types.PriorityBand
	deliveries  int64
	deliveredAt time.Time
	consumer    string
}

// NewMemoryQueue creates a MemoryQueue. deliveryCeiling <= 0 means entries
// are reclaimed forever.
func NewMemoryQueue(deliveryCeiling int64) *MemoryQueue {
	return &MemoryQueue{
		deliveryCeiling: deliveryCeiling,
		projects:        make(map[string]*memProject),
	}
}

func (q *MemoryQueue) project(id string) *memProject {
	p, ok := q.projects[id]
	if !ok {
		p = &memProject{
			ready:      make(map[types.PriorityBand][]*CrawlTask),
			processing: make(map[string]*memPending),
		}
		q.projects[id] = p
	}
	return p
}

func (q *MemoryQueue) Enqueue(ctx context.Context, projectID string, tasks []*CrawlTask, band types.PriorityBand) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.project(projectID)
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		p.ready[band] = append(p.ready[band], t)
		ids = append(ids, t.ID)
	}
	return ids, nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, projectID, consumer string, count int, block time.Duration) ([]*Delivered, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.project(projectID)

	var out []*Delivered
	for _, band := range bands {
		for len(p.ready[band]) > 0 && len(out) < count {
			t := p.ready[band][0]
			p.ready[band] = p.ready[band][1:]
			receipt := uuid.New().String()
			p.processing[receipt] = &memPending{
				task: t, band: band, deliveries: 1,
				deliveredAt: time.Now(), consumer: consumer,
			}
			out = append(out, &Delivered{Task: t, Receipt: receipt, DeliveryCount: 1})
		}
		if len(out) >= count {
			break
		}
	}
	return out, nil
}

func (q *MemoryQueue) Ack(ctx context.Context, projectID string, receipts []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.project(projectID)
	for _, r := range receipts {
		delete(p.processing, r)
	}
	return nil
}

func (q *MemoryQueue) Reclaim(ctx context.Context, projectID string, minIdle time.Duration, count int) ([]*Delivered, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.project(projectID)
	cutoff := time.Now().Add(-minIdle)

	var out []*Delivered
	for receipt, pend := range p.processing {
		if len(out) >= count {
			break
		}
		if pend.deliveredAt.After(cutoff) {
			continue
		}
		if q.deliveryCeiling > 0 && pend.deliveries >= q.deliveryCeiling {
			p.dead = append(p.dead, pend.task)
			delete(p.processing, receipt)
			continue
		}
		pend.deliveries++
		pend.deliveredAt = time.Now()
		out = append(out, &Delivered{Task: pend.task, Receipt: receipt, DeliveryCount: pend.deliveries})
	}
	return out, nil
}

func (q *MemoryQueue) Stats(ctx context.Context, projectID string) (*Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.project(projectID)
	s := &Stats{Ready: make(map[types.PriorityBand]int64)}
	for _, band := range bands {
		s.Ready[band] = int64(len(p.ready[band]))
	}
	s.Processing = int64(len(p.processing))
	s.DeadLetter = int64(len(p.dead))
	return s, nil
}

func (q *MemoryQueue) MoveToDeadLetter(ctx context.Context, projectID string, tasks []*Delivered) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.project(projectID)
	for _, d := range tasks {
		if d.Task == nil {
			return fmt.Errorf("dead-letter move with nil task")
		}
		p.dead = append(p.dead, d.Task)
		delete(p.processing, d.Receipt)
	}
	return nil
}
