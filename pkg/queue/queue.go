package queue

import (
	"context"
	"errors"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

// ErrRefused is returned by enqueue when a bounded queue is full.
var ErrRefused = errors.New("queue refused entry")

// CrawlTask is one unit of crawl work. The crawler plugin treats Meta as
// opaque rule state.
type CrawlTask struct {
	ID    string            `json:"id"`
	URL   string            `json:"url"`
	Depth int               `json:"depth"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Delivered is a dequeued task plus its ack receipt and delivery count.
type Delivered struct {
	Task          *CrawlTask
	Receipt       string
	DeliveryCount int64
}

// Stats is a point-in-time snapshot of a project's queue.
type Stats struct {
	Ready      map[types.PriorityBand]int64 `json:"ready"`
	Processing int64                        `json:"processing"`
	DeadLetter int64                        `json:"dead_letter"`
}

// CrawlQueue is the multi-project, priority-aware work queue behind the
// rule-driven crawler. Delivery is at-most-once per consumer between dequeue
// and ack; entries idle past min_idle may be reclaimed by any consumer, and
// entries reclaimed past the delivery ceiling land on the dead-letter list.
type CrawlQueue interface {
	Enqueue(ctx context.Context, projectID string, tasks []*CrawlTask, band types.PriorityBand) ([]string, error)
	Dequeue(ctx context.Context, projectID, consumer string, count int, block time.Duration) ([]*Delivered, error)
	Ack(ctx context.Context, projectID string, receipts []string) error
	// Reclaim re-delivers entries idle longer than minIdle. Entries past the
	// backend's delivery ceiling are moved to the dead-letter list instead of
	// being returned.
	Reclaim(ctx context.Context, projectID string, minIdle time.Duration, count int) ([]*Delivered, error)
	Stats(ctx context.Context, projectID string) (*Stats, error)
	MoveToDeadLetter(ctx context.Context, projectID string, tasks []*Delivered) error
}

var bands = []types.PriorityBand{types.PriorityHigh, types.PriorityNormal, types.PriorityLow}
