package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/redisx"
	"github.com/antcode/antcode/pkg/types"
)

// crawlGroup is the consumer group on every crawl stream.
const crawlGroup = "antcode-crawlers"

// RedisQueue is the Redis Streams CrawlQueue: one stream per (project, band),
// consumer-group delivery, XAUTOCLAIM reclaim, and a dead-letter list.
type RedisQueue struct {
	rdb             *redis.Client
	namespace       string
	deliveryCeiling int64
}

// NewRedisQueue wraps the shared redis client. deliveryCeiling <= 0 disables
// dead-lettering on reclaim.
func NewRedisQueue(client *redisx.Client, deliveryCeiling int64) *RedisQueue {
	return &RedisQueue{
		rdb:             client.Raw(),
		namespace:       client.Keys().Namespace,
		deliveryCeiling: deliveryCeiling,
	}
}

func (q *RedisQueue) stream(projectID string, band types.PriorityBand) string {
	return fmt.Sprintf("%s:crawl:%s:%s", q.namespace, projectID, band)
}

func (q *RedisQueue) deadKey(projectID string) string {
	return fmt.Sprintf("%s:crawl:%s:dead", q.namespace, projectID)
}

func (q *RedisQueue) ensureGroup(ctx context.Context, stream string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, stream, crawlGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create crawl group on %s: %w", stream, err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, projectID string, tasks []*CrawlTask, band types.PriorityBand) ([]string, error) {
	stream := q.stream(projectID, band)
	ids := make([]string, 0, len(tasks))
	pipe := q.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(tasks))
	for _, t := range tasks {
		body, err := json.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal crawl task: %w", err)
		}
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"task": body},
		}))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue crawl tasks: %w", err)
	}
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val())
	}
	return ids, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, projectID, consumer string, count int, block time.Duration) ([]*Delivered, error) {
	var out []*Delivered
	for _, band := range bands {
		if len(out) >= count {
			break
		}
		stream := q.stream(projectID, band)
		if err := q.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
		blockMS := time.Duration(-1)
		if block > 0 && band == bands[len(bands)-1] && len(out) == 0 {
			// only the last, still-empty read may block
			blockMS = block
		}
		res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    crawlGroup,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(count - len(out)),
			Block:    blockMS,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to dequeue from %s: %w", stream, err)
		}
		for _, sr := range res {
			for _, msg := range sr.Messages {
				t, err := decodeCrawlTask(msg)
				if err != nil {
					q.rdb.XAck(ctx, sr.Stream, crawlGroup, msg.ID)
					continue
				}
				out = append(out, &Delivered{
					Task:          t,
					Receipt:       redisx.EncodeReceipt(sr.Stream, msg.ID),
					DeliveryCount: 1,
				})
			}
		}
	}
	return out, nil
}

func decodeCrawlTask(msg redis.XMessage) (*CrawlTask, error) {
	raw, ok := msg.Values["task"].(string)
	if !ok {
		return nil, fmt.Errorf("message %s carries no task field", msg.ID)
	}
	var t CrawlTask
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("failed to decode crawl task: %w", err)
	}
	return &t, nil
}

func (q *RedisQueue) Ack(ctx context.Context, projectID string, receipts []string) error {
	for _, r := range receipts {
		stream, msgID, err := redisx.DecodeReceipt(r)
		if err != nil {
			return err
		}
		if err := q.rdb.XAck(ctx, stream, crawlGroup, msgID).Err(); err != nil {
			return fmt.Errorf("failed to ack crawl message %s: %w", msgID, err)
		}
	}
	return nil
}

func (q *RedisQueue) Reclaim(ctx context.Context, projectID string, minIdle time.Duration, count int) ([]*Delivered, error) {
	var out []*Delivered
	for _, band := range bands {
		if len(out) >= count {
			break
		}
		stream := q.stream(projectID, band)
		if err := q.ensureGroup(ctx, stream); err != nil {
			return nil, err
		}
		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    crawlGroup,
			Consumer: "reclaimer",
			MinIdle:  minIdle,
			Start:    "0-0",
			Count:    int64(count - len(out)),
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to autoclaim on %s: %w", stream, err)
		}
		for _, msg := range msgs {
			t, derr := decodeCrawlTask(msg)
			if derr != nil {
				q.rdb.XAck(ctx, stream, crawlGroup, msg.ID)
				continue
			}
			deliveries := q.deliveryCount(ctx, stream, msg.ID)
			d := &Delivered{
				Task:          t,
				Receipt:       redisx.EncodeReceipt(stream, msg.ID),
				DeliveryCount: deliveries,
			}
			if q.deliveryCeiling > 0 && deliveries > q.deliveryCeiling {
				if err := q.MoveToDeadLetter(ctx, projectID, []*Delivered{d}); err != nil {
					return nil, err
				}
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// deliveryCount reads the pending-entry retry count; 1 when unavailable.
func (q *RedisQueue) deliveryCount(ctx context.Context, stream, msgID string) int64 {
	pend, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  crawlGroup,
		Start:  msgID,
		End:    msgID,
		Count:  1,
	}).Result()
	if err != nil || len(pend) == 0 {
		return 1
	}
	return pend[0].RetryCount
}

func (q *RedisQueue) Stats(ctx context.Context, projectID string) (*Stats, error) {
	s := &Stats{Ready: make(map[types.PriorityBand]int64)}
	for _, band := range bands {
		stream := q.stream(projectID, band)
		n, err := q.rdb.XLen(ctx, stream).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read stream length: %w", err)
		}
		pending := int64(0)
		if p, err := q.rdb.XPending(ctx, stream, crawlGroup).Result(); err == nil {
			pending = p.Count
		}
		s.Ready[band] = n - pending
		s.Processing += pending
	}
	dead, err := q.rdb.LLen(ctx, q.deadKey(projectID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read dead letter length: %w", err)
	}
	s.DeadLetter = dead
	return s, nil
}

func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, projectID string, tasks []*Delivered) error {
	for _, d := range tasks {
		body, err := json.Marshal(d.Task)
		if err != nil {
			return fmt.Errorf("failed to marshal dead-letter task: %w", err)
		}
		pipe := q.rdb.TxPipeline()
		pipe.LPush(ctx, q.deadKey(projectID), body)
		if stream, msgID, derr := redisx.DecodeReceipt(d.Receipt); derr == nil {
			pipe.XAck(ctx, stream, crawlGroup, msgID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to move task to dead letter: %w", err)
		}
	}
	return nil
}
