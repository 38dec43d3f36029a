package executor

import (
	"sync"
	"time"

	"github.com/nanoflow/nanoflow/pkg/session"
)

// Executor is a backend that knows how to run tasks: it creates one
// handler per incoming task and owns the monitor that drives them.
type Executor interface {
	// Name of the backend, also the scope for its configuration.
	Name() string

	Session() *session.Session

	// The monitor serving this executor. Created once per executor per
	// session, started on first use.
	Monitor() *TaskPollingMonitor

	// CreateHandler builds the handler for a task. Shell tasks must
	// have their wrapper script materialized before submission.
	CreateHandler(task *TaskRun, config *TaskConfig) (TaskHandler, error)

	// Execute creates a handler and schedules it on the monitor,
	// blocking until the task has been admitted and submitted.
	Execute(task *TaskRun, config *TaskConfig) (TaskHandler, error)
}

// BaseExecutor carries what every executor owns: the session, its name
// and the lazily created monitor.
type BaseExecutor struct {
	session *session.Session
	name    string

	defQueueSize    int
	defPollInterval time.Duration

	monitorOnce sync.Once
	monitor     *TaskPollingMonitor
}

func (e *BaseExecutor) init(sess *session.Session, name string, defQueueSize int, defPollInterval time.Duration) {
	e.session = sess
	e.name = name
	e.defQueueSize = defQueueSize
	e.defPollInterval = defPollInterval
}

func (e *BaseExecutor) Name() string {
	return e.name
}

func (e *BaseExecutor) Session() *session.Session {
	return e.session
}

func (e *BaseExecutor) Monitor() *TaskPollingMonitor {
	e.monitorOnce.Do(func() {
		e.monitor = NewTaskPollingMonitor(e.session, e.name, e.defQueueSize, e.defPollInterval)
		e.monitor.Start()
		e.session.OnShutdown(e.monitor.Shutdown)
	})
	return e.monitor
}

func (e *BaseExecutor) execute(impl Executor, task *TaskRun, config *TaskConfig) (TaskHandler, error) {
	handler, err := impl.CreateHandler(task, config)
	if err != nil {
		return nil, err
	}
	if err := impl.Monitor().Schedule(handler); err != nil {
		return nil, err
	}
	return handler, nil
}
