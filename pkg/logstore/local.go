package logstore

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/types"
)

// Local stores logs on the filesystem: one JSONL file of entries per run,
// chunk files keyed by offset, and a gzip-compressed merged file per stream
// on finalize.
type Local struct {
	root string

	mu sync.Mutex
}

// NewLocal creates a Local backend rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	return &Local{root: dir}, nil
}

func (l *Local) runDir(runID string) string {
	return filepath.Join(l.root, runID)
}

func (l *Local) entriesPath(runID string) string {
	return filepath.Join(l.runDir(runID), "entries.jsonl")
}

func (l *Local) chunkPath(runID string, stream types.LogStream, offset int64) string {
	return filepath.Join(l.runDir(runID), fmt.Sprintf("%s.%012d.chunk", stream, offset))
}

func (l *Local) mergedPath(runID string, stream types.LogStream) string {
	return filepath.Join(l.runDir(runID), string(stream)+".log.gz")
}

func (l *Local) WriteLog(ctx context.Context, entry *types.LogEntry) error {
	return l.WriteLogBatch(ctx, []*types.LogEntry{entry})
}

func (l *Local) WriteLogBatch(ctx context.Context, entries []*types.LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byRun := make(map[string][]*types.LogEntry)
	for _, e := range entries {
		byRun[e.RunID] = append(byRun[e.RunID], e)
	}
	for runID, batch := range byRun {
		if err := os.MkdirAll(l.runDir(runID), 0o755); err != nil {
			return fmt.Errorf("failed to create run dir: %w", err)
		}
		f, err := os.OpenFile(l.entriesPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open entries file: %w", err)
		}
		w := bufio.NewWriter(f)
		enc := json.NewEncoder(w)
		for _, e := range batch {
			if err := enc.Encode(e); err != nil {
				f.Close()
				return fmt.Errorf("failed to append entry: %w", err)
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("failed to flush entries: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close entries file: %w", err)
		}
	}
	return nil
}

func (l *Local) WriteChunk(ctx context.Context, chunk *types.LogChunk) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.runDir(chunk.RunID), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create run dir: %w", err)
	}
	path := l.chunkPath(chunk.RunID, chunk.Type, chunk.Offset)
	if err := os.WriteFile(path, chunk.Data, 0o644); err != nil {
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	return l.nextOffsetLocked(chunk.RunID, chunk.Type)
}

// nextOffsetLocked walks the contiguous chunk files from offset zero.
func (l *Local) nextOffsetLocked(runID string, stream types.LogStream) (int64, error) {
	offsets, sizes, err := l.chunkOffsets(runID, stream)
	if err != nil {
		return 0, err
	}
	var next int64
	for i, off := range offsets {
		if off != next {
			break
		}
		next += sizes[i]
	}
	return next, nil
}

func (l *Local) chunkOffsets(runID string, stream types.LogStream) ([]int64, []int64, error) {
	pattern := filepath.Join(l.runDir(runID), string(stream)+".*.chunk")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	type chunkFile struct{ offset, size int64 }
	files := make([]chunkFile, 0, len(matches))
	for _, m := range matches {
		var off int64
		base := filepath.Base(m)
		if _, err := fmt.Sscanf(base, string(stream)+".%d.chunk", &off); err != nil {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat chunk: %w", err)
		}
		files = append(files, chunkFile{offset: off, size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].offset < files[j].offset })
	offsets := make([]int64, len(files))
	sizes := make([]int64, len(files))
	for i, f := range files {
		offsets[i] = f.offset
		sizes[i] = f.size
	}
	return offsets, sizes, nil
}

func (l *Local) FinalizeChunks(ctx context.Context, runID string, stream types.LogStream, totalSize int64, checksum string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	offsets, _, err := l.chunkOffsets(runID, stream)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	hash := sha256.New()
	for _, off := range offsets {
		data, err := os.ReadFile(l.chunkPath(runID, stream, off))
		if err != nil {
			return fmt.Errorf("failed to read chunk: %w", err)
		}
		buf.Write(data)
		hash.Write(data)
	}
	if int64(buf.Len()) != totalSize {
		return ErrSizeMismatch
	}
	if checksum != "" && hex.EncodeToString(hash.Sum(nil)) != checksum {
		return ErrChecksumMismatch
	}

	f, err := os.Create(l.mergedPath(runID, stream))
	if err != nil {
		return fmt.Errorf("failed to create merged log: %w", err)
	}
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("failed to compress merged log: %w", err)
	}
	if err := gz.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finish merged log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close merged log: %w", err)
	}

	for _, off := range offsets {
		os.Remove(l.chunkPath(runID, stream, off))
	}
	return nil
}

func (l *Local) QueryLogs(ctx context.Context, q Query) ([]*types.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.entriesPath(q.RunID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open entries file: %w", err)
	}
	defer f.Close()

	var out []*types.LogEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e types.LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if q.Stream != "" && e.Stream != q.Stream {
			continue
		}
		if e.Seq < q.StartSeq {
			continue
		}
		out = append(out, &e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan entries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (l *Local) GetLogStream(ctx context.Context, runID string, stream types.LogStream) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.mergedPath(runID, stream))
	if err != nil {
		return nil, fmt.Errorf("failed to open merged log: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()
	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("failed to read merged log: %w", err)
	}
	return data, nil
}

func (l *Local) DeleteLogs(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.RemoveAll(l.runDir(runID)); err != nil {
		return fmt.Errorf("failed to delete run logs: %w", err)
	}
	return nil
}

func (l *Local) PresignedUploadURL(ctx context.Context, runID string, stream types.LogStream, expiry time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (l *Local) PresignedDownloadURL(ctx context.Context, runID string, stream types.LogStream, expiry time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (l *Local) HealthCheck(ctx context.Context) error {
	probe := filepath.Join(l.root, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("log dir not writable: %w", err)
	}
	return os.Remove(probe)
}
