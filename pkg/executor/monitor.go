package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
	"golang.org/x/sync/semaphore"
)

const (
	defaultDumpInterval = 5 * time.Minute
	shutdownGracePeriod = 5 * time.Second
	forcedErrorExitCode = 127
)

// MonitorStatistics is a snapshot of a monitor's queue.
type MonitorStatistics struct {
	// Name of the executor the monitor serves.
	Executor string

	// Handlers currently holding an admission slot.
	Active int64

	// Active handlers by state.
	Submitted int64
	Running   int64

	// Handlers completed since the monitor started.
	Completed int64

	// Completed handlers with a non-zero exit status.
	Failed int64
}

// TaskPollingMonitor admits task handlers up to a bounded queue size
// and drives them through their lifecycle from a dedicated poll
// goroutine. One monitor exists per executor per session.
type TaskPollingMonitor struct {
	session      *session.Session
	name         string
	queueSize    int
	pollInterval time.Duration
	dumpInterval time.Duration

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	handlers []TaskHandler
	stopped  bool

	completed int64
	failed    int64

	onComplete func(TaskHandler)

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewTaskPollingMonitor creates a monitor for the named executor. The
// queue size and poll interval are resolved from the session
// configuration, falling back to the supplied defaults.
func NewTaskPollingMonitor(sess *session.Session, name string, defQueueSize int, defPollInterval time.Duration) *TaskPollingMonitor {
	queueSize := sess.GetQueueSize(name, defQueueSize)
	pollInterval := sess.GetPollInterval(name, defPollInterval)
	dumpInterval := sess.GetDumpInterval(name, defaultDumpInterval)

	ctx, cancel := context.WithCancel(context.Background())

	log.Debugf("Creating task monitor for executor %q: queueSize=%d pollInterval=%s dumpInterval=%s",
		name, queueSize, pollInterval, dumpInterval)

	return &TaskPollingMonitor{
		session:      sess,
		name:         name,
		queueSize:    queueSize,
		pollInterval: pollInterval,
		dumpInterval: dumpInterval,
		sem:          semaphore.NewWeighted(int64(queueSize)),
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// OnComplete registers the callback invoked after a handler reaches
// COMPLETED and has been removed from the queue. Must be set before
// handlers are scheduled.
func (m *TaskPollingMonitor) OnComplete(callback func(TaskHandler)) {
	m.onComplete = callback
}

// Start launches the poll goroutine. Idempotent.
func (m *TaskPollingMonitor) Start() {
	m.startOnce.Do(func() {
		go m.pollLoop()
	})
}

// Schedule admits a handler, blocking the caller until a queue slot is
// free, then submits it while holding the slot. A submit failure
// releases the slot and is returned to the caller.
func (m *TaskPollingMonitor) Schedule(handler TaskHandler) error {
	if m.isStopped() {
		return utils.ErrShutdown
	}

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		return utils.ErrShutdown
	}

	if m.isStopped() {
		m.sem.Release(1)
		return utils.ErrShutdown
	}

	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()

	if err := handler.Submit(); err != nil {
		m.detach(handler)
		m.sem.Release(1)
		return fmt.Errorf("%w: task %s: %v", utils.ErrSubmit, handler.Task().Name, err)
	}

	log.Debugf("Task %s submitted to executor %q", handler.Task().Name, m.name)

	// Wake the poll loop so a fast task is noticed before the next tick.
	select {
	case m.wake <- struct{}{}:
	default:
	}

	return nil
}

// ActiveCount returns the number of handlers holding a queue slot.
func (m *TaskPollingMonitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers)
}

// Statistics returns a snapshot of the queue by state.
func (m *TaskPollingMonitor) Statistics() MonitorStatistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStatistics{
		Executor:  m.name,
		Active:    int64(len(m.handlers)),
		Completed: m.completed,
		Failed:    m.failed,
	}
	for _, handler := range m.handlers {
		switch handler.Status() {
		case StatusRunning:
			stats.Running++
		default:
			stats.Submitted++
		}
	}
	return stats
}

// Shutdown stops admission, kills all active handlers, waits a bounded
// grace period for the poll loop to drain, then abandons whatever is
// left. Idempotent.
func (m *TaskPollingMonitor) Shutdown() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		snapshot := make([]TaskHandler, len(m.handlers))
		copy(snapshot, m.handlers)
		m.mu.Unlock()

		for _, handler := range snapshot {
			handler.Kill()
		}

		m.cancel()

		select {
		case <-m.done:
		case <-time.After(shutdownGracePeriod):
			log.Warnf("Executor %q monitor did not drain within %s, abandoning %d task(s)",
				m.name, shutdownGracePeriod, m.ActiveCount())
		}
	})
}

func (m *TaskPollingMonitor) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *TaskPollingMonitor) pollLoop() {
	defer close(m.done)

	lastDump := time.Now()

	for {
		select {
		case <-time.After(m.pollInterval):
		case <-m.wake:
		case <-m.ctx.Done():
			m.drain()
			return
		}

		m.pollOnce()

		if m.dumpInterval > 0 && time.Since(lastDump) >= m.dumpInterval {
			m.dump()
			lastDump = time.Now()
		}
	}
}

// pollOnce visits every active handler in insertion order. Errors from
// a handler never halt the loop: the handler is force-completed with an
// error exit status and polling continues.
func (m *TaskPollingMonitor) pollOnce() {
	m.mu.Lock()
	snapshot := make([]TaskHandler, len(m.handlers))
	copy(snapshot, m.handlers)
	m.mu.Unlock()

	for _, handler := range snapshot {
		if handler.Status().IsCompleted() {
			m.complete(handler)
			continue
		}

		if _, err := handler.CheckIfRunning(); err != nil {
			log.Errorf("Task %s: running check failed: %v", handler.Task().Name, err)
			m.abort(handler)
			continue
		}

		completed, err := handler.CheckIfCompleted()
		if err != nil {
			log.Errorf("Task %s: completion check failed: %v", handler.Task().Name, err)
			m.abort(handler)
			continue
		}

		if completed {
			m.complete(handler)
		}
	}
}

func (m *TaskPollingMonitor) abort(handler TaskHandler) {
	handler.Kill()
	handler.ForceComplete(forcedErrorExitCode)
	m.complete(handler)
}

// complete removes a handler from the queue, releases its slot and
// fires the completion callback.
func (m *TaskPollingMonitor) complete(handler TaskHandler) {
	if !m.detach(handler) {
		return
	}

	m.mu.Lock()
	m.completed++
	if handler.Task().ExitStatus != 0 {
		m.failed++
	}
	m.mu.Unlock()

	m.sem.Release(1)

	log.Debugf("Task %s completed with exit status %d", handler.Task().Name, handler.Task().ExitStatus)

	if m.onComplete != nil {
		m.onComplete(handler)
	}
}

// detach removes a handler from the queue preserving insertion order.
// Returns false if the handler was already removed.
func (m *TaskPollingMonitor) detach(handler TaskHandler) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, h := range m.handlers {
		if h == handler {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// drain performs the final sweep after shutdown: every remaining
// handler gets one last completion check and is force-completed if that
// check does not complete it.
func (m *TaskPollingMonitor) drain() {
	m.mu.Lock()
	snapshot := make([]TaskHandler, len(m.handlers))
	copy(snapshot, m.handlers)
	m.mu.Unlock()

	for _, handler := range snapshot {
		if !handler.Status().IsCompleted() {
			if completed, err := handler.CheckIfCompleted(); err != nil || !completed {
				handler.ForceComplete(forcedErrorExitCode)
			}
		}
		m.complete(handler)
	}
}

// dump logs a diagnostic snapshot of the queue.
func (m *TaskPollingMonitor) dump() {
	m.mu.Lock()
	snapshot := make([]TaskHandler, len(m.handlers))
	copy(snapshot, m.handlers)
	completed := m.completed
	m.mu.Unlock()

	var submitted, running int
	for _, handler := range snapshot {
		if handler.Status() == StatusRunning {
			running++
		} else {
			submitted++
		}
	}

	log.Infof("Executor %q queue status (host %s): active=%d submitted=%d running=%d completed=%d capacity=%d",
		m.name, m.session.HostId, len(snapshot), submitted, running, completed, m.queueSize)

	for _, handler := range snapshot {
		elapsed := time.Duration(0)
		if !handler.SubmitTime().IsZero() {
			elapsed = time.Since(handler.SubmitTime()).Round(time.Second)
		}
		log.Infof("  task %s: %v for %s", handler.Task().Name, handler.Status(), elapsed)
	}
}
