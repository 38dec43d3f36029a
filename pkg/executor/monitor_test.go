package executor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

// nopeTaskHandler is a scripted handler: it completes after a
// configurable number of completion checks, without any backend. Note
// that it transitions RUNNING to COMPLETED in a single tick; real
// handlers must observe an external signal first.
type nopeTaskHandler struct {
	handlerState

	submitErr      error
	checkErr       error
	ticksToFinish  int
	completedTicks int
	exitStatus     int
	killCount      atomic.Int32
}

func newNopeTaskHandler(name string, ticksToFinish int) *nopeTaskHandler {
	return &nopeTaskHandler{
		handlerState:  handlerState{task: &TaskRun{Name: name}},
		ticksToFinish: ticksToFinish,
	}
}

func (h *nopeTaskHandler) Submit() error {
	if h.submitErr != nil {
		return h.submitErr
	}
	h.transition(StatusSubmitted)
	return nil
}

func (h *nopeTaskHandler) CheckIfRunning() (bool, error) {
	if h.Status() == StatusSubmitted {
		h.transition(StatusRunning)
	}
	return h.Status() == StatusRunning, nil
}

func (h *nopeTaskHandler) CheckIfCompleted() (bool, error) {
	if h.checkErr != nil {
		return false, h.checkErr
	}
	if h.Status().IsCompleted() {
		return true, nil
	}

	h.completedTicks++
	if h.completedTicks >= h.ticksToFinish {
		h.task.ExitStatus = h.exitStatus
		h.transition(StatusCompleted)
		return true, nil
	}
	return false, nil
}

func (h *nopeTaskHandler) Kill() {
	h.killCount.Add(1)
}

func newMonitorTestSession(t *testing.T, config map[string]any) *session.Session {
	sess, err := session.NewSession(afero.NewMemMapFs(), "/work", config)
	assert.NoError(t, err)
	return sess
}

func TestMonitorLifecycle(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{
		"executor": map[string]any{
			"$nope": map[string]any{
				"queueSize":    11,
				"pollInterval": "1h",
				"dumpInterval": "3h",
			},
		},
	})

	monitor := NewTaskPollingMonitor(sess, "nope", 2, time.Second)
	assert.Equal(t, 11, monitor.queueSize)
	assert.Equal(t, time.Hour, monitor.pollInterval)
	assert.Equal(t, 3*time.Hour, monitor.dumpInterval)

	callbacks := 0
	monitor.OnComplete(func(handler TaskHandler) {
		callbacks++
	})

	assert.Equal(t, 0, monitor.ActiveCount())

	handler := newNopeTaskHandler("one", 2)
	assert.NoError(t, monitor.Schedule(handler))
	assert.Equal(t, 1, monitor.ActiveCount())
	assert.Equal(t, StatusSubmitted, handler.Status())

	// First poll: running, not yet completed.
	monitor.pollOnce()
	assert.Equal(t, 1, monitor.ActiveCount())
	assert.Equal(t, StatusRunning, handler.Status())
	assert.Equal(t, 0, callbacks)

	// Second poll: completed, removed, callback fired exactly once.
	monitor.pollOnce()
	assert.Equal(t, 0, monitor.ActiveCount())
	assert.Equal(t, StatusCompleted, handler.Status())
	assert.Equal(t, 1, callbacks)

	monitor.pollOnce()
	assert.Equal(t, 1, callbacks)
}

func TestMonitorCapacityBound(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{})
	monitor := NewTaskPollingMonitor(sess, "nope", 1, time.Hour)

	first := newNopeTaskHandler("first", 1)
	assert.NoError(t, monitor.Schedule(first))
	assert.Equal(t, 1, monitor.ActiveCount())

	// The second admission blocks until the first handler completes.
	admitted := make(chan struct{})
	go func() {
		second := newNopeTaskHandler("second", 1)
		assert.NoError(t, monitor.Schedule(second))
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("admission should block while the queue is full")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, monitor.ActiveCount())

	monitor.pollOnce()

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("admission should proceed after capacity is released")
	}
	assert.Equal(t, 1, monitor.ActiveCount())
}

func TestMonitorSubmitFailureReleasesSlot(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{})
	monitor := NewTaskPollingMonitor(sess, "nope", 1, time.Hour)

	handler := newNopeTaskHandler("bad", 1)
	handler.submitErr = fmt.Errorf("backend refused")

	err := monitor.Schedule(handler)
	assert.ErrorIs(t, err, utils.ErrSubmit)
	assert.Equal(t, 0, monitor.ActiveCount())

	// The slot is free again.
	good := newNopeTaskHandler("good", 1)
	assert.NoError(t, monitor.Schedule(good))
	assert.Equal(t, 1, monitor.ActiveCount())
}

func TestMonitorCheckErrorForcesCompletion(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{})
	monitor := NewTaskPollingMonitor(sess, "nope", 2, time.Hour)

	var completed []TaskHandler
	monitor.OnComplete(func(handler TaskHandler) {
		completed = append(completed, handler)
	})

	broken := newNopeTaskHandler("broken", 1)
	broken.checkErr = fmt.Errorf("backend exploded")
	healthy := newNopeTaskHandler("healthy", 1)

	assert.NoError(t, monitor.Schedule(broken))
	assert.NoError(t, monitor.Schedule(healthy))

	monitor.pollOnce()

	// The broken handler never halts polling of the healthy one.
	assert.Equal(t, 0, monitor.ActiveCount())
	assert.Len(t, completed, 2)
	assert.Equal(t, StatusCompleted, broken.Status())
	assert.Equal(t, forcedErrorExitCode, broken.Task().ExitStatus)
	assert.Equal(t, int32(1), broken.killCount.Load())
	assert.Equal(t, 0, healthy.Task().ExitStatus)
}

func TestMonitorFifoOrder(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{})
	monitor := NewTaskPollingMonitor(sess, "nope", 10, time.Hour)

	var completed []string
	monitor.OnComplete(func(handler TaskHandler) {
		completed = append(completed, handler.Task().Name)
	})

	for _, name := range []string{"a", "b", "c"} {
		assert.NoError(t, monitor.Schedule(newNopeTaskHandler(name, 1)))
	}

	monitor.pollOnce()
	assert.Equal(t, []string{"a", "b", "c"}, completed)
}

func TestMonitorShutdown(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{
		"executor": map[string]any{
			"pollInterval": "10ms",
		},
	})
	monitor := NewTaskPollingMonitor(sess, "nope", 2, time.Second)
	monitor.Start()

	var mu sync.Mutex
	completed := 0
	monitor.OnComplete(func(handler TaskHandler) {
		mu.Lock()
		completed++
		mu.Unlock()
	})

	handler := newNopeTaskHandler("stuck", 1000000)
	assert.NoError(t, monitor.Schedule(handler))

	monitor.Shutdown()
	monitor.Shutdown()

	assert.GreaterOrEqual(t, int(handler.killCount.Load()), 1)
	assert.Equal(t, StatusCompleted, handler.Status())
	assert.Equal(t, 0, monitor.ActiveCount())

	mu.Lock()
	assert.Equal(t, 1, completed)
	mu.Unlock()

	// Admission is rejected after shutdown.
	err := monitor.Schedule(newNopeTaskHandler("late", 1))
	assert.ErrorIs(t, err, utils.ErrShutdown)
}

func TestMonitorStatistics(t *testing.T) {
	sess := newMonitorTestSession(t, map[string]any{})
	monitor := NewTaskPollingMonitor(sess, "nope", 5, time.Hour)

	monitor.OnComplete(func(handler TaskHandler) {})

	failing := newNopeTaskHandler("failing", 1)
	failing.exitStatus = 1
	running := newNopeTaskHandler("running", 100)

	assert.NoError(t, monitor.Schedule(failing))
	assert.NoError(t, monitor.Schedule(running))

	monitor.pollOnce()

	stats := monitor.Statistics()
	assert.Equal(t, "nope", stats.Executor)
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, int64(1), stats.Running)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
}
