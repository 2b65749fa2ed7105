package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/antcode/antcode/pkg/types"
)

// ErrBadReceipt is returned for receipts that do not decode to
// "stream|message_id".
var ErrBadReceipt = errors.New("malformed receipt")

// Client wraps a go-redis client with the stream operations the control
// plane performs. All blocking calls respect the caller's context and block
// duration.
type Client struct {
	rdb  *redis.Client
	keys Keys
}

// New creates a Client from a redis URL and namespace.
func New(redisURL, namespace string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return &Client{rdb: redis.NewClient(opts), keys: Keys{Namespace: namespace}}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(rdb *redis.Client, namespace string) *Client {
	return &Client{rdb: rdb, keys: Keys{Namespace: namespace}}
}

// Keys exposes the key schema for callers that need raw access.
func (c *Client) Keys() Keys { return c.keys }

// Raw exposes the underlying client for specialized callers (election,
// queue backends).
func (c *Client) Raw() *redis.Client { return c.rdb }

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// blockArg maps our "zero means don't block" convention onto go-redis,
// where Block >= 0 is passed through to BLOCK (and 0 blocks forever).
func blockArg(block time.Duration) time.Duration {
	if block <= 0 {
		return -1
	}
	return block
}

// EncodeReceipt packs a stream name and message ID into the opaque receipt
// workers echo back on ack.
func EncodeReceipt(stream, messageID string) string {
	return stream + "|" + messageID
}

// DecodeReceipt splits a receipt back into stream and message ID.
func DecodeReceipt(receipt string) (stream, messageID string, err error) {
	i := strings.LastIndexByte(receipt, '|')
	if i <= 0 || i == len(receipt)-1 {
		return "", "", ErrBadReceipt
	}
	return receipt[:i], receipt[i+1:], nil
}

// EnqueueTask appends a queued task to the given ready stream, capped at
// maxLen entries, and returns the assigned message ID.
func (c *Client) EnqueueTask(ctx context.Context, stream string, qt *types.QueuedTask, maxLen int64) (string, error) {
	body, err := json.Marshal(qt)
	if err != nil {
		return "", fmt.Errorf("failed to marshal queued task: %w", err)
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"task":     body,
			"band":     string(qt.Band),
			"enqueued": qt.EnqueuedAt.UnixMilli(),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue on %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group on a stream if it does not exist.
// BUSYGROUP errors are swallowed.
func (c *Client) EnsureGroup(ctx context.Context, stream string) error {
	return c.ensureGroupAs(ctx, stream, ConsumerGroup)
}

func (c *Client) ensureGroupAs(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group on %s: %w", stream, err)
	}
	return nil
}

// PolledTask is a dequeued task plus the receipt required to ack it.
type PolledTask struct {
	Task    *types.QueuedTask
	Receipt string
}

// PollTasks reads up to count tasks from the named streams via XREADGROUP,
// blocking up to block. The consumer name is the worker ID, giving
// exactly-one delivery per worker between dequeue and ack.
func (c *Client) PollTasks(ctx context.Context, workerID string, streams []string, count int64, block time.Duration) ([]PolledTask, error) {
	if len(streams) == 0 {
		streams = []string{c.keys.ReadyStream(workerID)}
	}
	for _, s := range streams {
		if err := c.EnsureGroup(ctx, s); err != nil {
			return nil, err
		}
	}

	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, ">")
	}

	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: workerID,
		Streams:  args,
		Count:    count,
		Block:    blockArg(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read group: %w", err)
	}

	var out []PolledTask
	for _, sr := range res {
		for _, msg := range sr.Messages {
			qt, err := decodeQueuedTask(msg)
			if err != nil {
				// poison entry: ack it away rather than redelivering forever
				c.rdb.XAck(ctx, sr.Stream, ConsumerGroup, msg.ID)
				continue
			}
			qt.MessageID = msg.ID
			out = append(out, PolledTask{Task: qt, Receipt: EncodeReceipt(sr.Stream, msg.ID)})
		}
	}
	return out, nil
}

func decodeQueuedTask(msg redis.XMessage) (*types.QueuedTask, error) {
	raw, ok := msg.Values["task"]
	if !ok {
		return nil, fmt.Errorf("message %s carries no task field", msg.ID)
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("message %s task field is not a string", msg.ID)
	}
	var qt types.QueuedTask
	if err := json.Unmarshal([]byte(s), &qt); err != nil {
		return nil, fmt.Errorf("failed to decode task on message %s: %w", msg.ID, err)
	}
	return &qt, nil
}

// AckTask settles a receipt. Accepted messages are XACK'd. Rejected messages
// are re-added to the same stream with a requeue_reason annotation and then
// XACK'd, preserving at-least-once delivery with requeue.
func (c *Client) AckTask(ctx context.Context, receipt string, accepted bool, reason string) error {
	stream, msgID, err := DecodeReceipt(receipt)
	if err != nil {
		return err
	}
	if !accepted {
		msgs, err := c.rdb.XRange(ctx, stream, msgID, msgID).Result()
		if err != nil {
			return fmt.Errorf("failed to read rejected message: %w", err)
		}
		if len(msgs) == 1 {
			values := make(map[string]interface{}, len(msgs[0].Values)+1)
			for k, v := range msgs[0].Values {
				values[k] = v
			}
			values["requeue_reason"] = reason
			if err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
				return fmt.Errorf("failed to requeue rejected message: %w", err)
			}
		}
	}
	if err := c.rdb.XAck(ctx, stream, ConsumerGroup, msgID).Err(); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msgID, err)
	}
	return nil
}

// ReportResult appends a terminal result to the result stream.
func (c *Client) ReportResult(ctx context.Context, result *types.TaskResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.keys.ResultStream(),
		Values: map[string]interface{}{"result": body, "run_id": result.RunID},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}

// ReadResults consumes results from the result stream on the master's
// consumer group.
func (c *Client) ReadResults(ctx context.Context, consumer string, count int64, block time.Duration) ([]*types.TaskResult, []string, error) {
	stream := c.keys.ResultStream()
	if err := c.EnsureGroup(ctx, stream); err != nil {
		return nil, nil, err
	}
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    blockArg(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read results: %w", err)
	}
	var results []*types.TaskResult
	var ids []string
	for _, sr := range res {
		for _, msg := range sr.Messages {
			raw, ok := msg.Values["result"].(string)
			if !ok {
				c.rdb.XAck(ctx, stream, ConsumerGroup, msg.ID)
				continue
			}
			var tr types.TaskResult
			if err := json.Unmarshal([]byte(raw), &tr); err != nil {
				c.rdb.XAck(ctx, stream, ConsumerGroup, msg.ID)
				continue
			}
			results = append(results, &tr)
			ids = append(ids, msg.ID)
		}
	}
	return results, ids, nil
}

// AckResults acknowledges consumed result messages.
func (c *Client) AckResults(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.rdb.XAck(ctx, c.keys.ResultStream(), ConsumerGroup, ids...).Err()
}

// SetHeartbeat writes the worker's heartbeat hash with a TTL and adds the
// worker to the active set.
func (c *Client) SetHeartbeat(ctx context.Context, hb *types.HeartbeatMessage, ttl time.Duration) error {
	key := c.keys.HeartbeatHash(hb.WorkerID)
	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"worker_id", hb.WorkerID,
		"status", string(hb.Status),
		"ts", hb.Timestamp.UnixMilli(),
		"payload", body,
	)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, c.keys.ActiveWorkerSet(), hb.WorkerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// HeartbeatAlive reports whether the worker's heartbeat hash still exists
// (it expires with its TTL).
func (c *Client) HeartbeatAlive(ctx context.Context, workerID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.keys.HeartbeatHash(workerID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check heartbeat: %w", err)
	}
	return n > 0, nil
}

// SendControl appends a control message to a worker's control stream, or the
// global stream when workerID is empty.
func (c *Client) SendControl(ctx context.Context, workerID string, msg *types.ControlMessage) error {
	stream := c.keys.GlobalControlStream()
	if workerID != "" {
		stream = c.keys.ControlStream(workerID)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal control message: %w", err)
	}
	err = c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{"control": body, "request_id": msg.RequestID},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send control message: %w", err)
	}
	return nil
}

// PolledControl is a control message plus its ack receipt.
type PolledControl struct {
	Message *types.ControlMessage
	Receipt string
}

// controlGroup is the per-worker group on the global control stream. Each
// worker owning its own group means a broadcast reaches every worker instead
// of whichever consumer in a shared group grabs it first.
func controlGroup(workerID string) string {
	return ConsumerGroup + "." + workerID
}

// PollControl reads control messages for a worker from its own stream and
// the global broadcast stream. The per-worker stream uses the shared
// consumer group; the global stream is read through the worker's own group.
func (c *Client) PollControl(ctx context.Context, workerID string, block time.Duration) ([]PolledControl, error) {
	own := c.keys.ControlStream(workerID)
	global := c.keys.GlobalControlStream()
	if err := c.EnsureGroup(ctx, own); err != nil {
		return nil, err
	}
	if err := c.ensureGroupAs(ctx, global, controlGroup(workerID)); err != nil {
		return nil, err
	}

	out, err := c.readControl(ctx, global, controlGroup(workerID), workerID, 0)
	if err != nil {
		return nil, err
	}
	ownBlock := block
	if len(out) > 0 {
		// broadcasts in hand; don't sit in a long poll with them
		ownBlock = 0
	}
	more, err := c.readControl(ctx, own, ConsumerGroup, workerID, ownBlock)
	if err != nil {
		return nil, err
	}
	return append(out, more...), nil
}

func (c *Client) readControl(ctx context.Context, stream, group, consumer string, block time.Duration) ([]PolledControl, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    16,
		Block:    blockArg(block),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to poll control: %w", err)
	}
	var out []PolledControl
	for _, sr := range res {
		for _, msg := range sr.Messages {
			raw, ok := msg.Values["control"].(string)
			if !ok {
				c.rdb.XAck(ctx, sr.Stream, group, msg.ID)
				continue
			}
			var cm types.ControlMessage
			if err := json.Unmarshal([]byte(raw), &cm); err != nil {
				c.rdb.XAck(ctx, sr.Stream, group, msg.ID)
				continue
			}
			out = append(out, PolledControl{Message: &cm, Receipt: encodeControlReceipt(sr.Stream, group, msg.ID)})
		}
	}
	return out, nil
}

// encodeControlReceipt packs the stream, the group it was read through and
// the message ID. Control receipts carry the group because the global
// stream's group is per-worker.
func encodeControlReceipt(stream, group, messageID string) string {
	return stream + "|" + group + "|" + messageID
}

func decodeControlReceipt(receipt string) (stream, group, messageID string, err error) {
	parts := strings.Split(receipt, "|")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", ErrBadReceipt
	}
	return parts[0], parts[1], parts[2], nil
}

// AckControl acknowledges a control receipt.
func (c *Client) AckControl(ctx context.Context, receipt string) error {
	stream, group, msgID, err := decodeControlReceipt(receipt)
	if err != nil {
		return err
	}
	return c.rdb.XAck(ctx, stream, group, msgID).Err()
}

// SendControlResult appends the outcome of a control request to its reply
// stream.
func (c *Client) SendControlResult(ctx context.Context, requestID, replyStream string, ok bool, data, errMsg string) error {
	if replyStream == "" {
		return nil
	}
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: replyStream,
		MaxLen: 1000,
		Approx: true,
		Values: map[string]interface{}{
			"request_id": requestID,
			"ok":         ok,
			"data":       data,
			"error":      errMsg,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to send control result: %w", err)
	}
	return nil
}

// AppendLogEntries appends live log entries to their per-run streams with a
// MAXLEN cap, setting the stream TTL as it goes.
func (c *Client) AppendLogEntries(ctx context.Context, entries []*types.LogEntry, maxLen int64, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	seen := make(map[string]struct{})
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		stream := c.keys.LogStream(e.RunID)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: map[string]interface{}{"entry": body, "seq": e.Seq},
		})
		seen[stream] = struct{}{}
	}
	for stream := range seen {
		pipe.Expire(ctx, stream, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append log entries: %w", err)
	}
	return nil
}
