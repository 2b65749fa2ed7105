package logstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"

	"github.com/antcode/antcode/pkg/metrics"
	"github.com/antcode/antcode/pkg/types"
)

// ChunkSender delivers one durable log chunk and returns the next offset the
// receiver expects, which is how the archiver resumes after reconnects.
type ChunkSender interface {
	SendLogChunk(ctx context.Context, chunk *types.LogChunk) (nextOffset int64, err error)
}

// DefaultChunkSize is the durable-channel chunk size.
const DefaultChunkSize = 64 * 1024

// Archiver buffers one run's stream of bytes into fixed-size chunks with
// monotonic offsets and a running SHA-256. Bytes stay buffered until the
// receiver acknowledges them, so a reconnect resumes from the acked offset.
type Archiver struct {
	runID     string
	stream    types.LogStream
	sender    ChunkSender
	chunkSize int

	mu      sync.Mutex
	acked   int64  // receiver's confirmed offset
	pending []byte // bytes from acked onward, not yet confirmed
	total   int64  // all bytes ever written
	hash    hash.Hash
}

// NewArchiver creates an Archiver for one (run, stream) pair.
func NewArchiver(runID string, stream types.LogStream, sender ChunkSender, chunkSize int) *Archiver {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Archiver{
		runID:     runID,
		stream:    stream,
		sender:    sender,
		chunkSize: chunkSize,
		hash:      sha256.New(),
	}
}

// Write buffers p and ships any full chunks. The running checksum covers
// bytes in write order.
func (a *Archiver) Write(ctx context.Context, p []byte) error {
	a.mu.Lock()
	a.pending = append(a.pending, p...)
	a.total += int64(len(p))
	a.hash.Write(p)
	a.mu.Unlock()
	return a.ship(ctx, false)
}

// ship sends full chunks (or, when final, whatever remains).
func (a *Archiver) ship(ctx context.Context, final bool) error {
	for {
		a.mu.Lock()
		if len(a.pending) < a.chunkSize && !(final && len(a.pending) > 0) {
			a.mu.Unlock()
			return nil
		}
		n := a.chunkSize
		if n > len(a.pending) {
			n = len(a.pending)
		}
		chunk := &types.LogChunk{
			RunID:  a.runID,
			Type:   a.stream,
			Data:   append([]byte(nil), a.pending[:n]...),
			Offset: a.acked,
		}
		a.mu.Unlock()

		next, err := a.sender.SendLogChunk(ctx, chunk)
		if err != nil {
			return fmt.Errorf("failed to send chunk at offset %d: %w", chunk.Offset, err)
		}
		metrics.LogChunksSent.Inc()

		a.mu.Lock()
		if next < a.acked {
			// receiver fell behind what we already trimmed; nothing we can
			// re-send, surface it
			a.mu.Unlock()
			return fmt.Errorf("receiver expects offset %d below acked %d", next, a.acked)
		}
		advance := next - a.acked
		if advance > int64(len(a.pending)) {
			advance = int64(len(a.pending))
		}
		a.pending = a.pending[advance:]
		a.acked += advance
		a.mu.Unlock()

		if advance == 0 {
			// receiver made no progress, try again on the next write
			return nil
		}
	}
}

// Finalize ships the remaining bytes and the final chunk asserting the total
// size and checksum. The final chunk may carry zero data.
func (a *Archiver) Finalize(ctx context.Context) error {
	if err := a.ship(ctx, true); err != nil {
		return err
	}
	a.mu.Lock()
	final := &types.LogChunk{
		RunID:     a.runID,
		Type:      a.stream,
		Offset:    a.acked,
		IsFinal:   true,
		TotalSize: a.total,
		Checksum:  hex.EncodeToString(a.hash.Sum(nil)),
	}
	a.mu.Unlock()
	if _, err := a.sender.SendLogChunk(ctx, final); err != nil {
		return fmt.Errorf("failed to send final chunk: %w", err)
	}
	return nil
}

// AckedOffset returns the receiver's confirmed offset.
func (a *Archiver) AckedOffset() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acked
}
