//go:build linux

package executor

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func requireBash(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newLocalTestExecutor(t *testing.T) (*LocalExecutor, utils.Fs) {
	fs := utils.NewOsFs()
	sess, err := session.NewSession(fs, t.TempDir(), map[string]any{})
	assert.NoError(t, err)
	return NewLocalExecutor(sess), fs
}

func newLocalTestTask(t *testing.T, e *LocalExecutor, script string) *TaskRun {
	task := &TaskRun{
		Name:   filepath.Base(t.Name()),
		Type:   ShellTask,
		Script: script,
	}

	hash, err := task.ContentHash()
	assert.NoError(t, err)
	task.WorkDir = e.Session().TaskWorkDir(hash)
	assert.NoError(t, e.Session().Fs.MkdirAll(task.WorkDir, 0755))

	return task
}

func TestLocalTaskHappyPath(t *testing.T) {
	requireBash(t)

	e, fs := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "echo Hello world!")

	handler, err := e.CreateHandler(task, &TaskConfig{})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	running, err := handler.CheckIfRunning()
	assert.NoError(t, err)
	assert.True(t, running)

	waitCompleted(t, handler)

	assert.Equal(t, 0, task.ExitStatus)
	assert.Equal(t, task.CmdOutputFile(), task.Stdout)

	output, err := afero.ReadFile(fs, task.CmdOutputFile())
	assert.NoError(t, err)
	assert.Contains(t, string(output), "Hello world!")
}

func TestLocalTaskExitStatus(t *testing.T) {
	requireBash(t)

	e, _ := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "exit 3")

	handler, err := e.CreateHandler(task, &TaskConfig{})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)
	assert.Equal(t, 3, task.ExitStatus)
}

func TestLocalTaskStdin(t *testing.T) {
	requireBash(t)

	e, fs := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "cat -")
	task.Stdin = []byte("piped input\n")

	handler, err := e.CreateHandler(task, &TaskConfig{})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)

	assert.Equal(t, 0, task.ExitStatus)
	output, err := afero.ReadFile(fs, task.CmdOutputFile())
	assert.NoError(t, err)
	assert.Contains(t, string(output), "piped input")
}

func TestLocalTaskStderrMerged(t *testing.T) {
	requireBash(t)

	e, fs := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "echo to stderr >&2")

	handler, err := e.CreateHandler(task, &TaskConfig{})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)

	output, err := afero.ReadFile(fs, task.CmdOutputFile())
	assert.NoError(t, err)
	assert.Contains(t, string(output), "to stderr")
}

func TestLocalTaskTimeout(t *testing.T) {
	requireBash(t)

	e, _ := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "sleep 30")

	handler, err := e.CreateHandler(task, &TaskConfig{MaxDuration: "1s"})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	start := time.Now()
	waitCompleted(t, handler)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.NotEqual(t, 0, task.ExitStatus)
}

func TestLocalTaskKill(t *testing.T) {
	requireBash(t)

	e, _ := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "sleep 30")

	handler, err := e.CreateHandler(task, &TaskConfig{})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	handler.Kill()
	handler.Kill()

	waitCompleted(t, handler)
	assert.NotEqual(t, 0, task.ExitStatus)
}

func TestLocalTaskWorkDirIsCwd(t *testing.T) {
	requireBash(t)

	e, fs := newLocalTestExecutor(t)
	task := newLocalTestTask(t, e, "pwd")

	handler, err := e.CreateHandler(task, &TaskConfig{})
	assert.NoError(t, err)
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)

	output, err := afero.ReadFile(fs, task.CmdOutputFile())
	assert.NoError(t, err)

	resolved, err := filepath.EvalSymlinks(task.WorkDir)
	assert.NoError(t, err)
	assert.Contains(t, string(output), filepath.Base(resolved))
}
