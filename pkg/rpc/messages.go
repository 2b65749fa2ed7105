package rpc

import (
	"github.com/antcode/antcode/pkg/types"
)

// DeliveredTask is a queued task plus the opaque receipt the worker echoes
// back on ack.
type DeliveredTask struct {
	Task    *types.QueuedTask `json:"task"`
	Receipt string            `json:"receipt"`
}

// DeliveredControl is a control message plus its ack receipt.
type DeliveredControl struct {
	Message *types.ControlMessage `json:"message"`
	Receipt string                `json:"receipt"`
}

type PollTaskRequest struct {
	WorkerID string   `json:"worker_id"`
	Queues   []string `json:"queues,omitempty"`
	Count    int64    `json:"count"`
	BlockMs  int64    `json:"block_ms"`
}

type PollTaskResponse struct {
	Tasks []DeliveredTask `json:"tasks"`
}

type AckTaskRequest struct {
	WorkerID string `json:"worker_id"`
	Receipt  string `json:"receipt"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type ReportResultRequest struct {
	Result *types.TaskResult `json:"result"`
}

type SendHeartbeatRequest struct {
	Heartbeat *types.HeartbeatMessage `json:"heartbeat"`
}

type SendLogRequest struct {
	Entry *types.LogEntry `json:"entry"`
}

type SendLogBatchRequest struct {
	Entries []*types.LogEntry `json:"entries"`
}

type SendLogBatchResponse struct {
	Accepted int `json:"accepted"`
}

type SendLogChunkRequest struct {
	Chunk *types.LogChunk `json:"chunk"`
}

// SendLogChunkResponse acks a chunk with the next offset the backend
// expects, letting the archiver resume after reconnect.
type SendLogChunkResponse struct {
	NextOffset int64 `json:"next_offset"`
}

type PollControlRequest struct {
	WorkerID string `json:"worker_id"`
	BlockMs  int64  `json:"block_ms"`
}

type PollControlResponse struct {
	Messages []DeliveredControl `json:"messages"`
}

type AckControlRequest struct {
	WorkerID string `json:"worker_id"`
	Receipt  string `json:"receipt"`
}

type SendControlResultRequest struct {
	RequestID   string `json:"request_id"`
	ReplyStream string `json:"reply_stream"`
	OK          bool   `json:"ok"`
	Data        string `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
}

type RegisterWorkerRequest struct {
	InstallKey string `json:"install_key"`
	WorkerID   string `json:"worker_id"`
	Name       string `json:"name"`
	Hostname   string `json:"hostname"`
	OS         string `json:"os"`
	Zone       string `json:"zone,omitempty"`
	Nonce      string `json:"nonce"`
	Timestamp  int64  `json:"timestamp"`
	Proof      string `json:"proof"`
}

type RegisterWorkerResponse struct {
	WorkerID string `json:"worker_id"`
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
}

// Empty is the response for RPCs with no payload to return.
type Empty struct{}
