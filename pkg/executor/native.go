package executor

import (
	"fmt"
	"sync"

	"github.com/nanoflow/nanoflow/pkg/utils"
)

// A single process-wide pool, sized by available cores, runs all
// native task closures.
var (
	nativePool     *utils.WorkerPool
	nativePoolOnce sync.Once
)

func sharedNativePool() *utils.WorkerPool {
	nativePoolOnce.Do(func() {
		nativePool = utils.NewWorkerPool(0)
		nativePool.Start()
	})
	return nativePool
}

// nativeTaskHandler runs an in-process closure on the shared worker
// pool. The returned value becomes the task's stdout; a raised failure
// becomes its error. Exactly one of the two is set at completion.
type nativeTaskHandler struct {
	handlerState

	pool   *utils.WorkerPool
	done   chan struct{}
	result any
	err    error

	cancelMu  sync.Mutex
	cancelled bool
}

func newNativeTaskHandler(task *TaskRun, config *TaskConfig) *nativeTaskHandler {
	return &nativeTaskHandler{
		handlerState: handlerState{task: task, config: config},
		pool:         sharedNativePool(),
	}
}

func (h *nativeTaskHandler) Submit() error {
	if h.task.Code == nil {
		return fmt.Errorf("%w: task %s has no code", utils.ErrSubmit, h.task.Name)
	}

	h.done = make(chan struct{})

	// The pool enqueue can block when all workers are busy; it happens
	// off the scheduling thread.
	go func() {
		if !h.pool.Submit(h.run) {
			h.err = fmt.Errorf("worker pool is stopped")
			close(h.done)
		}
	}()

	h.transition(StatusSubmitted)
	return nil
}

func (h *nativeTaskHandler) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	if h.isCancelled() {
		h.err = fmt.Errorf("task was cancelled")
		return
	}

	h.result, h.err = h.task.Code()
}

func (h *nativeTaskHandler) CheckIfRunning() (bool, error) {
	if h.Status() == StatusSubmitted {
		h.transition(StatusRunning)
	}
	return h.Status() == StatusRunning, nil
}

func (h *nativeTaskHandler) CheckIfCompleted() (bool, error) {
	if h.Status().IsCompleted() {
		return true, nil
	}

	select {
	case <-h.done:
		if h.err != nil {
			h.task.Err = h.err
			h.task.ExitStatus = 1
		} else {
			h.task.Stdout = h.result
			h.task.ExitStatus = 0
		}
	default:
		if !h.isCancelled() {
			return false, nil
		}
		// The closure cannot be interrupted once started; a cancelled
		// handler completes without waiting for its result.
		h.task.Err = fmt.Errorf("task was cancelled")
		h.task.ExitStatus = 1
	}

	h.transition(StatusCompleted)
	return true, nil
}

func (h *nativeTaskHandler) Kill() {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	h.cancelled = true
}

// ForceComplete records the synthesized status as an error so that the
// one-of stdout/error invariant holds for native tasks.
func (h *nativeTaskHandler) ForceComplete(exitStatus int) {
	if h.Status().IsCompleted() {
		return
	}
	h.task.Err = fmt.Errorf("task aborted with status %d", exitStatus)
	h.task.ExitStatus = exitStatus
	h.transition(StatusCompleted)
}

func (h *nativeTaskHandler) isCancelled() bool {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.cancelled
}

var _ TaskHandler = (*nativeTaskHandler)(nil)
