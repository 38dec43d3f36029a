package executor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func waitCompleted(t *testing.T, handler TaskHandler) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		handler.CheckIfRunning()
		completed, err := handler.CheckIfCompleted()
		assert.NoError(t, err)
		if completed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not complete", handler.Task().Name)
}

func TestNativeTaskResult(t *testing.T) {
	task := &TaskRun{
		Name: "answer",
		Type: NativeTask,
		Code: func() (any, error) {
			return 42, nil
		},
	}

	handler := newNativeTaskHandler(task, &TaskConfig{})
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)

	assert.Equal(t, 42, task.Stdout)
	assert.NoError(t, task.Err)
	assert.Equal(t, 0, task.ExitStatus)
}

func TestNativeTaskError(t *testing.T) {
	boom := fmt.Errorf("boom")
	task := &TaskRun{
		Name: "failing",
		Type: NativeTask,
		Code: func() (any, error) {
			return nil, boom
		},
	}

	handler := newNativeTaskHandler(task, &TaskConfig{})
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)

	// Exactly one of stdout or error is set.
	assert.Nil(t, task.Stdout)
	assert.ErrorIs(t, task.Err, boom)
	assert.Equal(t, 1, task.ExitStatus)
}

func TestNativeTaskPanic(t *testing.T) {
	task := &TaskRun{
		Name: "panicking",
		Type: NativeTask,
		Code: func() (any, error) {
			panic("oh no")
		},
	}

	handler := newNativeTaskHandler(task, &TaskConfig{})
	assert.NoError(t, handler.Submit())

	waitCompleted(t, handler)

	assert.Nil(t, task.Stdout)
	assert.Error(t, task.Err)
	assert.Equal(t, 1, task.ExitStatus)
}

func TestNativeTaskWithoutCode(t *testing.T) {
	task := &TaskRun{Name: "empty", Type: NativeTask}

	handler := newNativeTaskHandler(task, &TaskConfig{})
	assert.Error(t, handler.Submit())
}

func TestNativeTaskKill(t *testing.T) {
	release := make(chan struct{})
	task := &TaskRun{
		Name: "cancelled",
		Type: NativeTask,
		Code: func() (any, error) {
			<-release
			return "late", nil
		},
	}

	handler := newNativeTaskHandler(task, &TaskConfig{})
	assert.NoError(t, handler.Submit())

	handler.Kill()
	handler.Kill()

	waitCompleted(t, handler)
	close(release)

	assert.Nil(t, task.Stdout)
	assert.Error(t, task.Err)
	assert.Equal(t, 1, task.ExitStatus)
}
