package executor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/afero"
)

// QueueStatus is a backend's report of one job's current state.
type QueueStatus int

const (
	QueueUnknown QueueStatus = iota
	QueueRunning
	QueuePending
	QueueHold
	QueueError
)

func (s QueueStatus) String() string {
	switch s {
	case QueueRunning:
		return "RUNNING"
	case QueuePending:
		return "PENDING"
	case QueueHold:
		return "HOLD"
	case QueueError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultGridQueueSize    = 100
	defaultGridPollInterval = time.Second
	defaultGridStatInterval = time.Minute
	defaultExitReadTimeout  = 90 * time.Second
	gridCommandTimeout      = time.Minute
	gridReadErrorExitCode   = 127
)

// GridCommands is implemented by each grid backend: how to shape the
// submit command line and how to parse the backend's text responses.
type GridCommands interface {
	// Command line that submits the wrapper script to the backend.
	GetSubmitCommandLine(task *TaskRun, config *TaskConfig, wrapperName string) []string

	// Extract the backend job id from the submit command output.
	ParseJobId(text string) (string, error)

	// Command line that removes a job from the backend.
	KillTaskCommand(jobId string) []string

	// Command line that reports the status of queued jobs. The queue
	// argument is empty when no specific queue is targeted.
	QueueStatusCommand(queue string) []string

	// Parse the queue status report into a job id to status mapping.
	ParseQueueStatus(text string) map[string]QueueStatus
}

// AbstractGridExecutor is the shared machinery of grid backends: it
// creates grid handlers and serves them a queue status snapshot that is
// refreshed at most once per stat interval, so N active handlers cost
// one external command rather than N.
type AbstractGridExecutor struct {
	BaseExecutor

	commands GridCommands

	statInterval    time.Duration
	exitReadTimeout time.Duration

	statMu      sync.Mutex
	statFetched time.Time
	statQueue   string
	status      map[string]QueueStatus
}

func (e *AbstractGridExecutor) init(sess *session.Session, name string, commands GridCommands) {
	e.BaseExecutor.init(sess, name, defaultGridQueueSize, defaultGridPollInterval)
	e.commands = commands
	e.statInterval = sess.GetQueueStatInterval(name, defaultGridStatInterval)
	e.exitReadTimeout = sess.GetExitReadTimeout(name, defaultExitReadTimeout)
}

func (e *AbstractGridExecutor) CreateHandler(task *TaskRun, config *TaskConfig) (TaskHandler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if task.Id == "" {
		task.Id = uuid.NewString()
	}

	if err := NewBashWrapperBuilder(e.session.Fs, task).Build(); err != nil {
		return nil, err
	}

	return &gridTaskHandler{
		handlerState: handlerState{task: task, config: config},
		executor:     e,
		fs:           e.session.Fs,
	}, nil
}

func (e *AbstractGridExecutor) Execute(task *TaskRun, config *TaskConfig) (TaskHandler, error) {
	return e.execute(e, task, config)
}

// QueueStatus returns the cached backend snapshot, refreshing it when
// it is older than the stat interval. A refresh failure keeps the last
// known snapshot.
func (e *AbstractGridExecutor) QueueStatus(queue string) map[string]QueueStatus {
	e.statMu.Lock()
	defer e.statMu.Unlock()

	if e.status != nil && e.statQueue == queue && time.Since(e.statFetched) < e.statInterval {
		return e.status
	}

	ctx, cancel := context.WithTimeout(context.Background(), gridCommandTimeout)
	defer cancel()

	args := e.commands.QueueStatusCommand(queue)
	out, _, err := utils.RunOutput(ctx, "", args...)
	if err != nil {
		log.Warnf("Executor %q: queue status command failed: %v", e.name, err)
		if e.status == nil {
			return map[string]QueueStatus{}
		}
		return e.status
	}

	e.status = e.commands.ParseQueueStatus(out)
	e.statQueue = queue
	e.statFetched = time.Now()
	return e.status
}

// gridTaskHandler drives one job submitted to an external scheduler.
// The backend is opaque: progress is observed through the queue status
// snapshot and through the exit-code file the wrapper writes.
type gridTaskHandler struct {
	handlerState

	executor *AbstractGridExecutor
	fs       utils.Fs
	jobId    string
	killed   bool

	// When the job was first observed missing from the queue, or the
	// exit file first observed unreadable.
	missingSince time.Time
}

func (h *gridTaskHandler) Submit() error {
	ctx, cancel := context.WithTimeout(context.Background(), gridCommandTimeout)
	defer cancel()

	args := h.executor.commands.GetSubmitCommandLine(h.task, h.config, CmdWrapperName)
	out, code, err := utils.RunOutput(ctx, h.task.WorkDir, args...)
	if err != nil || code != 0 {
		return fmt.Errorf("%w: %s: %s", utils.ErrSubmit, strings.Join(args, " "), strings.TrimSpace(out))
	}

	jobId, err := h.executor.commands.ParseJobId(out)
	if err != nil {
		return fmt.Errorf("%w: cannot find job id in submit output: %q", utils.ErrSubmit, strings.TrimSpace(out))
	}

	h.jobId = jobId
	h.transition(StatusSubmitted)

	log.Debugf("Task %s submitted as job %s", h.task.Name, h.jobId)
	return nil
}

func (h *gridTaskHandler) CheckIfRunning() (bool, error) {
	if h.Status() == StatusRunning {
		return true, nil
	}
	if h.Status() != StatusSubmitted {
		return false, nil
	}

	status := h.executor.QueueStatus(h.config.Queue)
	if status[h.jobId] == QueueRunning {
		h.transition(StatusRunning)
		return true, nil
	}

	// The wrapper may outrun the first queue snapshot.
	if exists, _ := afero.Exists(h.fs, h.task.CmdExitFile()); exists {
		h.transition(StatusRunning)
		return true, nil
	}

	return false, nil
}

func (h *gridTaskHandler) CheckIfCompleted() (bool, error) {
	if h.Status().IsCompleted() {
		return true, nil
	}
	if h.Status() != StatusRunning {
		return false, nil
	}

	exists, err := afero.Exists(h.fs, h.task.CmdExitFile())
	if err != nil {
		return false, err
	}

	if exists {
		if code, ok := h.readExitFile(); ok {
			h.finish(code)
			return true, nil
		}
		// Present but not yet readable: the writer may still be
		// flushing. Give it until the exit read timeout.
		if h.expired() {
			log.Errorf("Task %s: exit file %s unreadable for more than %s",
				h.task.Name, h.task.CmdExitFile(), h.executor.exitReadTimeout)
			h.finish(gridReadErrorExitCode)
			return true, nil
		}
		return false, nil
	}

	if _, queued := h.executor.QueueStatus(h.config.Queue)[h.jobId]; queued {
		h.missingSince = time.Time{}
		return false, nil
	}

	// Gone from the queue without an exit file. The file may lag on a
	// shared filesystem; only after the timeout is an error synthesized.
	if h.expired() {
		log.Errorf("Task %s: job %s left the queue but no exit file appeared within %s",
			h.task.Name, h.jobId, h.executor.exitReadTimeout)
		h.finish(gridReadErrorExitCode)
		return true, nil
	}

	return false, nil
}

func (h *gridTaskHandler) Kill() {
	if h.killed || h.jobId == "" || h.Status().IsCompleted() {
		return
	}
	h.killed = true

	ctx, cancel := context.WithTimeout(context.Background(), gridCommandTimeout)
	defer cancel()

	args := h.executor.commands.KillTaskCommand(h.jobId)
	if out, _, err := utils.RunOutput(ctx, "", args...); err != nil {
		log.Debugf("Task %s: kill job %s: %v (%s)", h.task.Name, h.jobId, err, strings.TrimSpace(out))
	}
}

func (h *gridTaskHandler) finish(exitStatus int) {
	h.task.ExitStatus = exitStatus
	h.task.Stdout = h.task.CmdOutputFile()
	h.transition(StatusCompleted)
}

// expired starts the read timeout clock on first use and reports
// whether it has run out.
func (h *gridTaskHandler) expired() bool {
	if h.missingSince.IsZero() {
		h.missingSince = time.Now()
		return false
	}
	return time.Since(h.missingSince) > h.executor.exitReadTimeout
}

func (h *gridTaskHandler) readExitFile() (int, bool) {
	data, err := afero.ReadFile(h.fs, h.task.CmdExitFile())
	if err != nil {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return code, true
}

var _ TaskHandler = (*gridTaskHandler)(nil)
