package executor

import (
	"io"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/nanoflow/nanoflow/pkg/log"
	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
)

const (
	localExecutorName = "local"

	defaultLocalPollInterval = 100 * time.Millisecond

	// Exit status synthesized when a task is destroyed because its
	// wall clock limit elapsed. Matches 128+SIGTERM.
	timeoutExitCode = 143

	// How long to wait for the OS exit status after destroying a
	// timed out process before the sentinel code is used.
	destroyGracePeriod = 500 * time.Millisecond
)

// LocalExecutor runs shell tasks as child processes of the engine and
// native tasks on the shared worker pool.
type LocalExecutor struct {
	BaseExecutor
}

func NewLocalExecutor(sess *session.Session) *LocalExecutor {
	e := &LocalExecutor{}
	e.init(sess, localExecutorName, runtime.NumCPU(), defaultLocalPollInterval)
	return e
}

func (e *LocalExecutor) CreateHandler(task *TaskRun, config *TaskConfig) (TaskHandler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if task.Id == "" {
		task.Id = uuid.NewString()
	}

	if task.Type == NativeTask {
		return newNativeTaskHandler(task, config), nil
	}

	if err := NewBashWrapperBuilder(e.session.Fs, task).Build(); err != nil {
		return nil, err
	}

	return &localTaskHandler{
		handlerState: handlerState{task: task, config: config},
		fs:           e.session.Fs,
	}, nil
}

func (e *LocalExecutor) Execute(task *TaskRun, config *TaskConfig) (TaskHandler, error) {
	return e.execute(e, task, config)
}

// localTaskHandler drives one child process. The process runs with the
// task work directory as its working directory, stderr merged into
// stdout and the combined output captured to the task output file.
type localTaskHandler struct {
	handlerState

	fs      utils.Fs
	cmd     *utils.Command
	outFile io.WriteCloser
	done    chan struct{}
	waitErr error
	killed  bool
}

func (h *localTaskHandler) Submit() error {
	outFile, err := h.fs.Create(h.task.CmdOutputFile())
	if err != nil {
		return err
	}

	args := append(h.config.GetShell(), CmdWrapperName)
	cmd := utils.NewCommand(args...)
	cmd.SetDir(h.task.WorkDir)
	cmd.SetStdout(outFile)
	cmd.SetStderr(outFile)

	var stdin io.WriteCloser
	if len(h.task.Stdin) > 0 {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			outFile.Close()
			return err
		}
	}

	if err := cmd.Start(); err != nil {
		outFile.Close()
		return err
	}

	h.cmd = cmd
	h.outFile = outFile
	h.done = make(chan struct{})

	if stdin != nil {
		// Streamed from a separate goroutine so a child that never
		// reads its stdin cannot stall the poll thread.
		go func(data []byte) {
			defer stdin.Close()
			if _, err := stdin.Write(data); err != nil {
				log.Warnf("Task %s: failed to write stdin: %v", h.task.Name, err)
			}
		}(h.task.Stdin)
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	h.transition(StatusSubmitted)
	return nil
}

// A spawned child is observable immediately.
func (h *localTaskHandler) CheckIfRunning() (bool, error) {
	if h.Status() == StatusSubmitted {
		h.transition(StatusRunning)
	}
	return h.Status() == StatusRunning, nil
}

func (h *localTaskHandler) CheckIfCompleted() (bool, error) {
	if h.Status().IsCompleted() {
		return true, nil
	}
	if !h.Status().IsActive() {
		return false, nil
	}

	select {
	case <-h.done:
		h.finish(h.exitCode())
		return true, nil
	default:
	}

	if limit, ok := h.config.GetMaxDuration(); ok && time.Since(h.SubmitTime()) > limit {
		log.Warnf("Task %s exceeded its wall clock limit of %s, destroying process", h.task.Name, limit)
		h.Kill()

		// Give the OS a moment to report the real exit status before
		// falling back to the sentinel.
		status := timeoutExitCode
		select {
		case <-h.done:
			status = h.exitCode()
		case <-time.After(destroyGracePeriod):
		}

		h.finish(status)
		return true, nil
	}

	return false, nil
}

func (h *localTaskHandler) Kill() {
	if h.killed || h.cmd == nil || h.Status().IsCompleted() {
		return
	}
	h.killed = true

	if err := h.cmd.Kill(); err != nil {
		log.Debugf("Task %s: kill: %v", h.task.Name, err)
	}
}

func (h *localTaskHandler) finish(exitStatus int) {
	h.task.ExitStatus = exitStatus
	h.task.Stdout = h.task.CmdOutputFile()
	h.outFile.Close()
	h.transition(StatusCompleted)
}

func (h *localTaskHandler) exitCode() int {
	if state := h.cmd.ProcessState(); state != nil {
		// ExitCode is negative when the child died on a signal.
		if code := state.ExitCode(); code >= 0 {
			return code
		}
		return timeoutExitCode
	}
	if h.waitErr != nil {
		return timeoutExitCode
	}
	return 0
}

var _ TaskHandler = (*localTaskHandler)(nil)
var _ Executor = (*LocalExecutor)(nil)
