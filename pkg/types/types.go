package types

import (
	"time"
)

// ScheduleKind defines when a task runs
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
)

// StrategyKind defines how a worker is chosen for a task
type StrategyKind string

const (
	// StrategyFixed always uses the bound worker
	StrategyFixed StrategyKind = "fixed"
	// StrategySpecified uses the worker named on the trigger
	StrategySpecified StrategyKind = "specified"
	// StrategyAnyCapable picks the least-loaded online worker with the
	// capabilities required by the task's project type
	StrategyAnyCapable StrategyKind = "any_capable"
	// StrategyPreferBound tries the bound worker first, falling back to
	// any-capable selection when it is offline
	StrategyPreferBound StrategyKind = "prefer_bound"
)

// BackoffFamily selects the retry delay curve
type BackoffFamily string

const (
	BackoffFixed       BackoffFamily = "fixed"
	BackoffLinear      BackoffFamily = "linear"
	BackoffExponential BackoffFamily = "exponential"
)

// ProjectType tags the kind of project a task executes
type ProjectType string

const (
	ProjectTypeCode   ProjectType = "code"
	ProjectTypeFile   ProjectType = "file"
	ProjectTypeRule   ProjectType = "rule"
	ProjectTypeRender ProjectType = "render"
)

// RetryPolicy is a task's retry budget
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Family     BackoffFamily `json:"family"`
	Jitter     bool          `json:"jitter"`
}

// Task is the persistent specification of work. It owns its TaskRuns.
type Task struct {
	ID           string        `json:"id" db:"id"`
	ProjectID    string        `json:"project_id" db:"project_id"`
	ProjectType  ProjectType   `json:"project_type" db:"project_type"`
	Name         string        `json:"name" db:"name"`
	Schedule     ScheduleKind  `json:"schedule" db:"schedule"`
	CronExpr     string        `json:"cron_expr" db:"cron_expr"`
	Interval     time.Duration `json:"interval" db:"run_interval"`
	Strategy     StrategyKind  `json:"strategy" db:"strategy"`
	BoundWorker  string        `json:"bound_worker" db:"bound_worker"`
	AllowFallback bool         `json:"allow_fallback" db:"allow_fallback"`
	Timeout      time.Duration `json:"timeout" db:"timeout"`
	Retry        RetryPolicy   `json:"retry" db:"-"`
	Priority     int           `json:"priority" db:"priority"`
	Active       bool          `json:"active" db:"active"`
	EntryPoint   string        `json:"entry_point" db:"entry_point"`
	// DownloadURL and FileHash name the project artifact a worker fetches
	// before the run; hash verification is unconditional on the worker.
	DownloadURL  string        `json:"download_url" db:"download_url"`
	FileHash     string        `json:"file_hash" db:"file_hash"`
	// IsCompressed nil means infer from the download URL filename
	IsCompressed *bool          `json:"is_compressed,omitempty" db:"-"`
	Runtime      *RuntimeSpec   `json:"runtime,omitempty" db:"-"`
	Params       map[string]string `json:"params" db:"-"`
	Environment  map[string]string `json:"environment" db:"-"`
	SuccessCount int           `json:"success_count" db:"success_count"`
	FailureCount int           `json:"failure_count" db:"failure_count"`
	NextRunTime  time.Time     `json:"next_run_time" db:"next_run_time"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at" db:"updated_at"`
}

// TaskRun is one attempt at executing a Task
type TaskRun struct {
	RunID          string        `json:"run_id" db:"run_id"`
	TaskID         string        `json:"task_id" db:"task_id"`
	ProjectID      string        `json:"project_id" db:"project_id"`
	DispatchStatus DispatchStatus `json:"dispatch_status" db:"dispatch_status"`
	DispatchAt     time.Time     `json:"dispatch_at" db:"dispatch_at"`
	RuntimeStatus  RuntimeStatus `json:"runtime_status" db:"runtime_status"`
	RuntimeAt      time.Time     `json:"runtime_at" db:"runtime_at"`
	WorkerID       string        `json:"worker_id" db:"worker_id"`
	StartTime      time.Time     `json:"start_time" db:"start_time"`
	EndTime        time.Time     `json:"end_time" db:"end_time"`
	ExitCode       int           `json:"exit_code" db:"exit_code"`
	Error          string        `json:"error" db:"error"`
	RetryIndex     int           `json:"retry_index" db:"retry_index"`
	FencingToken   int64         `json:"fencing_token" db:"fencing_token"`
	LastHeartbeat  time.Time     `json:"last_heartbeat" db:"last_heartbeat"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// WorkerStatus represents the registration state of a worker node
type WorkerStatus string

const (
	WorkerOnline      WorkerStatus = "online"
	WorkerOffline     WorkerStatus = "offline"
	WorkerMaintenance WorkerStatus = "maintenance"
)

// TransportMode selects how a worker reaches the control plane
type TransportMode string

const (
	// TransportDirect speaks Redis Streams natively (trusted network)
	TransportDirect TransportMode = "direct"
	// TransportGateway speaks gRPC/TLS through the gateway (public network)
	TransportGateway TransportMode = "gateway"
)

// Worker is a registered execution node
type Worker struct {
	ID            string            `json:"id" db:"id"`
	Name          string            `json:"name" db:"name"`
	Host          string            `json:"host" db:"host"`
	Port          int               `json:"port" db:"port"`
	Region        string            `json:"region" db:"region"`
	Mode          TransportMode     `json:"mode" db:"mode"`
	APIKey        string            `json:"-" db:"api_key"`
	Secret        string            `json:"-" db:"secret"`
	Capabilities  []string          `json:"capabilities" db:"-"`
	Status        WorkerStatus      `json:"status" db:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat" db:"last_heartbeat"`
	Metrics       *WorkerMetrics    `json:"metrics,omitempty" db:"-"`
	OS            string            `json:"os" db:"os"`
	Arch          string            `json:"arch" db:"arch"`
	Labels        map[string]string `json:"labels" db:"-"`
	RunningTasks  int               `json:"running_tasks" db:"running_tasks"`
	QueueDepth    int               `json:"queue_depth" db:"queue_depth"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// HasCapability reports whether the worker declared the given capability tag.
func (w *Worker) HasCapability(tag string) bool {
	for _, c := range w.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// WorkerMetrics is the resource snapshot carried on heartbeats
type WorkerMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	MemoryUsed     uint64  `json:"memory_used"`
	DiskFreeBytes  uint64  `json:"disk_free_bytes"`
	RunningTasks   int     `json:"running_tasks"`
	QueuedTasks    int     `json:"queued_tasks"`
	CollectedAt    time.Time `json:"collected_at"`
}

// PriorityBand groups queued tasks into coarse dequeue bands
type PriorityBand string

const (
	PriorityHigh   PriorityBand = "high"
	PriorityNormal PriorityBand = "normal"
	PriorityLow    PriorityBand = "low"
)

// BandForPriority maps an integer priority to its band. Priorities >= 10 are
// high, < 0 low, everything else normal.
func BandForPriority(p int) PriorityBand {
	switch {
	case p >= 10:
		return PriorityHigh
	case p < 0:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// QueuedTask is a work item on a ready queue
type QueuedTask struct {
	TaskID      string       `json:"task_id"`
	ProjectID   string       `json:"project_id"`
	ProjectType ProjectType  `json:"project_type"`
	Band        PriorityBand `json:"band"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
	RetryIndex  int          `json:"retry_index"`
	Payload     []byte       `json:"payload"`
	MessageID   string       `json:"message_id,omitempty"`
}

// InstallKey is a one-time credential permitting worker self-registration
type InstallKey struct {
	Key        string    `json:"key" db:"key"`
	OS         string    `json:"os" db:"os"`
	SourceCIDR string    `json:"source_cidr" db:"source_cidr"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	Consumed   bool      `json:"consumed" db:"consumed"`
	ConsumedBy string    `json:"consumed_by" db:"consumed_by"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the key is past its expiry.
func (k *InstallKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}
