package worker

import (
	"context"
	"sync"
	"time"

	"github.com/antcode/antcode/pkg/events"
	"github.com/antcode/antcode/pkg/types"
)

// Phase is the local lifecycle of a run on this worker.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhasePreparing Phase = "preparing"
	PhaseRunning   Phase = "running"
)

type runState struct {
	RunID   string
	TaskID  string
	Phase   Phase
	Started time.Time
	cancel  context.CancelFunc
}

// stateManager tracks live runs and publishes state-change events. Phases
// only move forward; a terminal status removes the run.
type stateManager struct {
	mu     sync.Mutex
	runs   map[string]*runState
	broker *events.Broker
}

func newStateManager(broker *events.Broker) *stateManager {
	return &stateManager{runs: make(map[string]*runState), broker: broker}
}

func (m *stateManager) track(runID, taskID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.runs[runID] = &runState{
		RunID:   runID,
		TaskID:  taskID,
		Phase:   PhaseQueued,
		Started: time.Now(),
		cancel:  cancel,
	}
	m.mu.Unlock()
	m.publish(events.EventRunQueued, runID, taskID)
}

func (m *stateManager) setPhase(runID string, phase Phase) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	if !ok {
		m.mu.Unlock()
		return
	}
	rs.Phase = phase
	taskID := rs.TaskID
	m.mu.Unlock()

	switch phase {
	case PhasePreparing:
		m.publish(events.EventRunPreparing, runID, taskID)
	case PhaseRunning:
		m.publish(events.EventRunRunning, runID, taskID)
	}
}

func (m *stateManager) finish(runID string, status types.RuntimeStatus) {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	if ok {
		delete(m.runs, runID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	var typ events.EventType
	switch status {
	case types.RuntimeSuccess:
		typ = events.EventRunCompleted
	case types.RuntimeCancelled:
		typ = events.EventRunCancelled
	case types.RuntimeTimeout:
		typ = events.EventRunTimeout
	default:
		typ = events.EventRunFailed
	}
	m.publish(typ, runID, rs.TaskID)
}

// cancelRun invokes the run's context cancel if it is live.
func (m *stateManager) cancelRun(runID string) bool {
	m.mu.Lock()
	rs, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok || rs.cancel == nil {
		return false
	}
	rs.cancel()
	return true
}

func (m *stateManager) runningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	return ids
}

func (m *stateManager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *stateManager) publish(typ events.EventType, runID, taskID string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:     typ,
		Metadata: map[string]string{"run_id": runID, "task_id": taskID},
	})
}
