package types

import (
	"time"
)

// TaskSignature authenticates a dispatch payload. The signature is
// HMAC-SHA256 over "task_id:issued_at:expires_at:nonce" with the worker's
// secret.
type TaskSignature struct {
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
	Algorithm string `json:"algorithm"`
}

// TaskPayload is everything a worker needs to fetch and run one attempt.
// It travels on the ready stream as the QueuedTask payload.
type TaskPayload struct {
	RunID       string            `json:"run_id"`
	TaskID      string            `json:"task_id"`
	ProjectID   string            `json:"project_id"`
	ProjectType ProjectType       `json:"project_type"`
	Priority    int               `json:"priority"`
	Timeout     time.Duration     `json:"timeout"`
	DownloadURL string            `json:"download_url"`
	FileHash    string            `json:"file_hash"`
	// IsCompressed nil means infer from the download URL filename
	IsCompressed *bool             `json:"is_compressed"`
	EntryPoint   string            `json:"entry_point"`
	Params       map[string]string `json:"params"`
	Environment  map[string]string `json:"environment"`
	Runtime      *RuntimeSpec      `json:"runtime,omitempty"`
	Signature    *TaskSignature    `json:"signature,omitempty"`
}

// TaskResult reports the terminal outcome of a run
type TaskResult struct {
	RunID     string        `json:"run_id"`
	TaskID    string        `json:"task_id"`
	WorkerID  string        `json:"worker_id"`
	Status    RuntimeStatus `json:"status"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Artifacts []string      `json:"artifacts,omitempty"`
}

// LogStream identifies which channel a log line came from
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
	StreamSystem LogStream = "system"
)

// LogEntry is a single line on the live log channel
type LogEntry struct {
	RunID     string    `json:"run_id"`
	Stream    LogStream `json:"stream"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
}

// LogChunk is a block of bytes on the durable log channel
type LogChunk struct {
	RunID     string    `json:"run_id"`
	Type      LogStream `json:"type"`
	Data      []byte    `json:"data"`
	Offset    int64     `json:"offset"`
	IsFinal   bool      `json:"is_final"`
	Checksum  string    `json:"checksum,omitempty"`
	TotalSize int64     `json:"total_size,omitempty"`
}

// HeartbeatMessage is the worker's periodic presence report
type HeartbeatMessage struct {
	WorkerID  string         `json:"worker_id"`
	Status    WorkerStatus   `json:"status"`
	Metrics   *WorkerMetrics `json:"metrics,omitempty"`
	RunningRuns []string     `json:"running_runs,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ControlKind classifies control-plane messages to workers
type ControlKind string

const (
	ControlCancel     ControlKind = "cancel"
	ControlKill       ControlKind = "kill"
	ControlConfigPush ControlKind = "config_push"
)

// ControlMessage is a control-plane instruction targeted at one worker or
// broadcast on the global control stream.
type ControlMessage struct {
	RequestID   string            `json:"request_id"`
	Kind        ControlKind       `json:"kind"`
	TargetRunID string            `json:"target_run_id,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	ReplyStream string            `json:"reply_stream,omitempty"`
	IssuedAt    time.Time         `json:"issued_at"`
}

// ResourceLimits bounds a child process
type ResourceLimits struct {
	MaxOutputLines int   `json:"max_output_lines"`
	MaxOutputBytes int64 `json:"max_output_bytes"`
	MemoryBytes    int64 `json:"memory_bytes,omitempty"`
	CPUSeconds     int64 `json:"cpu_seconds,omitempty"`
}

// ExecPlan is the fully resolved command a plugin hands to the executor
type ExecPlan struct {
	RunID        string
	Command      string
	Args         []string
	Env          map[string]string
	WorkDir      string
	Timeout      time.Duration
	GracePeriod  time.Duration
	Limits       ResourceLimits
	ArtifactGlobs []string
}

// ExecResult is what came back from running an ExecPlan
type ExecResult struct {
	ExitCode  int
	Status    RuntimeStatus
	Error     string
	StartTime time.Time
	EndTime   time.Time
	Artifacts []string
}
