package redisx

import "fmt"

// Keys builds every Redis key the control plane uses under one namespace.
// The namespace defaults to "antcode" and is configurable per deployment so
// several control planes can share one Redis.
type Keys struct {
	Namespace string
}

// ConsumerGroup is the consumer group used on all ready streams.
const ConsumerGroup = "antcode-workers"

func (k Keys) ReadyStream(workerID string) string {
	return fmt.Sprintf("%s:task:ready:%s", k.Namespace, workerID)
}

// GlobalReadyStream is the shared ready stream any worker may poll when
// configured to do so.
func (k Keys) GlobalReadyStream() string {
	return fmt.Sprintf("%s:task:ready", k.Namespace)
}

func (k Keys) PendingSet(workerID string) string {
	return fmt.Sprintf("%s:task:pending:%s", k.Namespace, workerID)
}

func (k Keys) ResultStream() string {
	return fmt.Sprintf("%s:task:result", k.Namespace)
}

func (k Keys) AckStream() string {
	return fmt.Sprintf("%s:task:ack", k.Namespace)
}

func (k Keys) ControlStream(workerID string) string {
	return fmt.Sprintf("%s:control:%s", k.Namespace, workerID)
}

func (k Keys) GlobalControlStream() string {
	return fmt.Sprintf("%s:control:global", k.Namespace)
}

func (k Keys) LogStream(runID string) string {
	return fmt.Sprintf("%s:log:stream:%s", k.Namespace, runID)
}

func (k Keys) LogChunkStream(runID string) string {
	return fmt.Sprintf("%s:log:chunk:%s", k.Namespace, runID)
}

func (k Keys) HeartbeatHash(workerID string) string {
	return fmt.Sprintf("%s:heartbeat:%s", k.Namespace, workerID)
}

func (k Keys) ActiveWorkerSet() string {
	return fmt.Sprintf("%s:heartbeat:active", k.Namespace)
}

func (k Keys) RuntimeBuildLock(hash string) string {
	return fmt.Sprintf("%s:lock:runtime:%s", k.Namespace, hash)
}

func (k Keys) LeaderLock() string {
	return fmt.Sprintf("%s:lock:master", k.Namespace)
}

// FencingCounterKey is fixed; it survives namespace changes so fencing
// tokens remain monotonic across reconfigurations.
const FencingCounterKey = "fencing:token:master"

func (k Keys) DelayedRetryZSet() string {
	return fmt.Sprintf("%s:retry:delayed", k.Namespace)
}

func (k Keys) InFlightSet() string {
	return fmt.Sprintf("%s:task:inflight", k.Namespace)
}
