package session

import (
	"testing"
	"time"

	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func newTestSession(t *testing.T, config map[string]any) *Session {
	sess, err := NewSession(afero.NewMemMapFs(), "/work", config)
	assert.NoError(t, err)
	return sess
}

func TestGetQueueSizeScoped(t *testing.T) {
	sess := newTestSession(t, map[string]any{
		"executor": map[string]any{
			"$sge": map[string]any{
				"queueSize": 789,
			},
			"queueSize": 321,
		},
	})

	assert.Equal(t, 789, sess.GetQueueSize("sge", 2))
	assert.Equal(t, 321, sess.GetQueueSize("xxx", 2))
	assert.Equal(t, 321, sess.GetQueueSize("", 2))
}

func TestGetQueueSizeBareExecutorString(t *testing.T) {
	sess := newTestSession(t, map[string]any{
		"executor": "sge",
	})

	assert.Equal(t, 2, sess.GetQueueSize("sge", 2))
	assert.Equal(t, 2, sess.GetQueueSize("xxx", 2))
	assert.Equal(t, 2, sess.GetQueueSize("", 2))
}

func TestGetQueueSizeUnconfigured(t *testing.T) {
	sess := newTestSession(t, map[string]any{})

	assert.Equal(t, 5, sess.GetQueueSize("sge", 5))
}

func TestGetDurationOptions(t *testing.T) {
	sess := newTestSession(t, map[string]any{
		"executor": map[string]any{
			"$sge": map[string]any{
				"pollInterval":    "5s",
				"exitReadTimeout": "2m",
			},
			"pollInterval": 1000,
			"dumpInterval": "3h",
		},
	})

	assert.Equal(t, 5*time.Second, sess.GetPollInterval("sge", time.Minute))
	assert.Equal(t, 2*time.Minute, sess.GetExitReadTimeout("sge", 90*time.Second))

	// Raw integers are milliseconds.
	assert.Equal(t, time.Second, sess.GetPollInterval("local", time.Minute))

	assert.Equal(t, 3*time.Hour, sess.GetDumpInterval("sge", 5*time.Minute))
	assert.Equal(t, time.Minute, sess.GetQueueStatInterval("sge", time.Minute))
}

func TestCaseInsensitiveKeys(t *testing.T) {
	// Viper lowercases all keys it loads.
	sess := newTestSession(t, map[string]any{
		"executor": map[string]any{
			"$sge": map[string]any{
				"queuesize": 11,
			},
			"pollinterval": "50ms",
		},
	})

	assert.Equal(t, 11, sess.GetQueueSize("sge", 2))
	assert.Equal(t, 50*time.Millisecond, sess.GetPollInterval("sge", time.Minute))
}

func TestConfigValidation(t *testing.T) {
	_, err := NewSession(afero.NewMemMapFs(), "/work", map[string]any{
		"executor": map[string]any{
			"pollInterval": "3x",
		},
	})
	assert.ErrorIs(t, err, utils.ErrConfig)

	_, err = NewSession(afero.NewMemMapFs(), "/work", map[string]any{
		"executor": map[string]any{
			"$sge": map[string]any{
				"dumpInterval": "never",
			},
		},
	})
	assert.ErrorIs(t, err, utils.ErrConfig)
}

func TestExpandUser(t *testing.T) {
	t.Setenv("HOME", "/home/alice")

	assert.Equal(t, "/home/alice/flows", ExpandUser("~/flows"))
	assert.Equal(t, "/home/alice", ExpandUser("~"))
	assert.Equal(t, "/tmp/flows", ExpandUser("/tmp/flows"))
}
