package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/antcode/antcode/pkg/logstream"
	"github.com/antcode/antcode/pkg/types"
)

// runSink fans executor output onto both log channels: each line becomes a
// live entry with a per-run monotonic seq, and stdout/stderr bytes feed the
// durable archivers. System advisories travel on the live channel only.
type runSink struct {
	runID    string
	seq      atomic.Int64
	batcher  *logstream.Batcher
	archives map[types.LogStream]*logstream.Archiver
	ctx      context.Context
	logger   zerolog.Logger
}

func newRunSink(ctx context.Context, runID string, batcher *logstream.Batcher, sender logstream.ChunkSender, logger zerolog.Logger) *runSink {
	return &runSink{
		runID:   runID,
		batcher: batcher,
		archives: map[types.LogStream]*logstream.Archiver{
			types.StreamStdout: logstream.NewArchiver(runID, types.StreamStdout, sender, 0),
			types.StreamStderr: logstream.NewArchiver(runID, types.StreamStderr, sender, 0),
		},
		ctx:    ctx,
		logger: logger,
	}
}

func (s *runSink) Emit(stream types.LogStream, content string) {
	entry := &types.LogEntry{
		RunID:     s.runID,
		Stream:    stream,
		Content:   content,
		Seq:       s.seq.Add(1),
		Timestamp: time.Now(),
	}
	if s.batcher != nil {
		if err := s.batcher.Append(entry); err != nil {
			s.logger.Debug().Err(err).Str("run_id", s.runID).Msg("live log entry refused")
		}
	}
	if a, ok := s.archives[stream]; ok {
		if err := a.Write(s.ctx, []byte(content+"\n")); err != nil {
			s.logger.Debug().Err(err).Str("run_id", s.runID).Msg("durable log write failed")
		}
	}
}

// finalize flushes both archives; it returns the first error so the caller
// can hold the result report until the durable trail is acknowledged.
func (s *runSink) finalize(ctx context.Context) error {
	var firstErr error
	for _, stream := range []types.LogStream{types.StreamStdout, types.StreamStderr} {
		if err := s.archives[stream].Finalize(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
