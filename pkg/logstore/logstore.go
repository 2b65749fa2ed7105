package logstore

import (
	"context"
	"errors"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

var (
	// ErrPresignUnsupported is returned by backends without URL signing.
	ErrPresignUnsupported = errors.New("presigned urls not supported by this backend")
	// ErrChecksumMismatch means finalize saw a checksum other than the one
	// computed over the received chunks.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	// ErrSizeMismatch means finalize asserted a total size other than the
	// bytes received.
	ErrSizeMismatch = errors.New("chunk size mismatch")
)

// Query narrows QueryLogs.
type Query struct {
	RunID    string
	Stream   types.LogStream // empty means all streams
	StartSeq int64
	Limit    int
}

// Backend stores run logs durably. Entries are the line-oriented live
// channel; chunks are the byte-oriented durable channel. FinalizeChunks
// merges a run's chunks under a stable key after verifying the asserted
// total size and checksum.
type Backend interface {
	WriteLog(ctx context.Context, entry *types.LogEntry) error
	WriteLogBatch(ctx context.Context, entries []*types.LogEntry) error
	// WriteChunk persists one chunk and returns the next expected offset for
	// the (run, stream) pair, letting the archiver resume after reconnect.
	WriteChunk(ctx context.Context, chunk *types.LogChunk) (nextOffset int64, err error)
	FinalizeChunks(ctx context.Context, runID string, stream types.LogStream, totalSize int64, checksum string) error
	QueryLogs(ctx context.Context, q Query) ([]*types.LogEntry, error)
	// GetLogStream returns the merged durable bytes for the run and stream.
	GetLogStream(ctx context.Context, runID string, stream types.LogStream) ([]byte, error)
	DeleteLogs(ctx context.Context, runID string) error
	PresignedUploadURL(ctx context.Context, runID string, stream types.LogStream, expiry time.Duration) (string, error)
	PresignedDownloadURL(ctx context.Context, runID string, stream types.LogStream, expiry time.Duration) (string, error)
	HealthCheck(ctx context.Context) error
}
