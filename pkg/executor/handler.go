package executor

import (
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/pkg/log"
)

type TaskStatus int

const (
	StatusNew TaskStatus = iota
	StatusSubmitted
	StatusRunning
	StatusCompleted
)

func (s TaskStatus) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusSubmitted:
		return "SUBMITTED"
	case StatusRunning:
		return "RUNNING"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "INVALID"
	}
}

// Should return true if the task is no longer in progress.
func (s TaskStatus) IsCompleted() bool {
	return s == StatusCompleted
}

// Should return true if the task has been handed to a backend and has
// not yet terminated.
func (s TaskStatus) IsActive() bool {
	return s == StatusSubmitted || s == StatusRunning
}

// TaskHandler drives one task through its lifecycle on one executor.
// Submit is invoked by the monitor while the caller holds an admission
// slot; the Check methods and Kill are invoked by the monitor's poll
// goroutine and must be cheap and non-blocking.
type TaskHandler interface {
	// Begin execution. On success the handler is SUBMITTED.
	Submit() error

	// Returns true once the underlying execution has been observed to
	// be active, transitioning SUBMITTED to RUNNING. Idempotent once
	// RUNNING.
	CheckIfRunning() (bool, error)

	// Returns true when the backend reports termination or a timeout
	// is enforced, transitioning RUNNING to COMPLETED. On transition
	// the task's exit status and output are populated and backend
	// resources are released.
	CheckIfCompleted() (bool, error)

	// Force terminate. Idempotent and safe in any state.
	Kill()

	// Complete the handler with a synthesized exit status. Used by the
	// monitor when a handler misbehaves.
	ForceComplete(exitStatus int)

	Task() *TaskRun
	Status() TaskStatus

	// Time of the SUBMITTED transition, zero before it.
	SubmitTime() time.Time
}

// handlerState carries the state shared by all handler variants: the
// task, its config and the forward-only status variable.
type handlerState struct {
	mu         sync.Mutex
	task       *TaskRun
	config     *TaskConfig
	status     TaskStatus
	submitTime time.Time
}

func (h *handlerState) Task() *TaskRun {
	return h.task
}

func (h *handlerState) Config() *TaskConfig {
	return h.config
}

func (h *handlerState) Status() TaskStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handlerState) SubmitTime() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submitTime
}

// ForceComplete marks the handler COMPLETED with a synthesized exit
// status. No-op if the handler already completed.
func (h *handlerState) ForceComplete(exitStatus int) {
	h.mu.Lock()
	if h.status == StatusCompleted {
		h.mu.Unlock()
		return
	}
	h.status = StatusCompleted
	h.mu.Unlock()

	h.task.ExitStatus = exitStatus
}

// transition advances the status. Transitions are monotonic and
// COMPLETED is absorbing; backward or repeated transitions are rejected.
func (h *handlerState) transition(next TaskStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if next <= h.status {
		if next != h.status {
			log.Debugf("task %s: transition %v -> %v rejected", h.task.Name, h.status, next)
		}
		return false
	}

	h.status = next
	if next == StatusSubmitted {
		h.submitTime = time.Now()
	}
	return true
}
