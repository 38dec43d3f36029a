package session

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/nanoflow/nanoflow/pkg/utils"
)

// Executor option keys recognized in the session configuration, both
// under executor.<key> and scoped under executor.$<name>.<key>.
const (
	OptQueueSize         = "queueSize"
	OptPollInterval      = "pollInterval"
	OptQueueStatInterval = "queueStatInterval"
	OptDumpInterval      = "dumpInterval"
	OptExitReadTimeout   = "exitReadTimeout"
)

var durationOptions = []string{
	OptPollInterval,
	OptQueueStatInterval,
	OptDumpInterval,
	OptExitReadTimeout,
}

// GetExecutorOption resolves an executor-scoped configuration value:
// executor.$<name>.<key> first, then the executor.<key> fallback shared
// by all executors. Returns nil when neither is present, or when the
// executor node is a bare string instead of a mapping.
func (s *Session) GetExecutorOption(executorName, key string) any {
	node, ok := mapLookup(s.config, "executor")
	if !ok {
		return nil
	}

	settings, ok := asMap(node)
	if !ok {
		return nil
	}

	if executorName != "" {
		if scoped, ok := mapLookup(settings, "$"+executorName); ok {
			if scopedMap, ok := asMap(scoped); ok {
				if value, ok := mapLookup(scopedMap, key); ok {
					return value
				}
			}
		}
	}

	if value, ok := mapLookup(settings, key); ok {
		return value
	}

	return nil
}

func (s *Session) GetQueueSize(executorName string, def int) int {
	return utils.IntValue(s.GetExecutorOption(executorName, OptQueueSize), def)
}

func (s *Session) GetPollInterval(executorName string, def time.Duration) time.Duration {
	return utils.DurationValue(s.GetExecutorOption(executorName, OptPollInterval), def)
}

func (s *Session) GetQueueStatInterval(executorName string, def time.Duration) time.Duration {
	return utils.DurationValue(s.GetExecutorOption(executorName, OptQueueStatInterval), def)
}

func (s *Session) GetDumpInterval(executorName string, def time.Duration) time.Duration {
	return utils.DurationValue(s.GetExecutorOption(executorName, OptDumpInterval), def)
}

func (s *Session) GetExitReadTimeout(executorName string, def time.Duration) time.Duration {
	return utils.DurationValue(s.GetExecutorOption(executorName, OptExitReadTimeout), def)
}

// validateConfig rejects malformed duration values in the executor tree
// so that configuration errors surface at session start rather than on
// the first poll tick.
func validateConfig(config map[string]any) error {
	node, ok := mapLookup(config, "executor")
	if !ok {
		return nil
	}

	settings, ok := asMap(node)
	if !ok {
		// A bare executor name such as executor: "sge".
		return nil
	}

	if err := validateDurations(settings, "executor"); err != nil {
		return err
	}

	for key, value := range settings {
		if !strings.HasPrefix(key, "$") {
			continue
		}
		scoped, ok := asMap(value)
		if !ok {
			return fmt.Errorf("%w: executor.%s is not a mapping", utils.ErrConfig, key)
		}
		if err := validateDurations(scoped, "executor."+key); err != nil {
			return err
		}
	}

	return nil
}

func validateDurations(settings map[string]any, prefix string) error {
	for _, key := range durationOptions {
		value, ok := mapLookup(settings, key)
		if !ok {
			continue
		}
		if str, isString := value.(string); isString {
			if _, err := utils.ParseDuration(str); err != nil {
				return fmt.Errorf("%w: %s.%s: %v", utils.ErrConfig, prefix, key, err)
			}
		}
	}
	return nil
}

// mapLookup finds a key in a configuration mapping. Keys are matched
// case-insensitively because viper lowercases everything it loads.
func mapLookup(m map[string]any, key string) (any, bool) {
	if value, ok := m[key]; ok {
		return value, true
	}
	for k, value := range m {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return nil, false
}

// asMap normalizes the mapping types produced by viper and yaml
// decoding.
func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case map[any]any:
		m := make(map[string]any, len(v))
		for key, val := range v {
			m[fmt.Sprint(key)] = val
		}
		return m, true
	default:
		return nil, false
	}
}

// ExpandUser replaces a leading ~ with the user's home directory.
func ExpandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home := os.Getenv("HOME"); home != "" {
			return home + path[1:]
		}
	}
	return path
}
