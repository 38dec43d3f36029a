package executor

import (
	"fmt"
	"strings"
	"time"

	"github.com/nanoflow/nanoflow/pkg/session"
	"github.com/nanoflow/nanoflow/pkg/utils"
)

const sgeExecutorName = "sge"

// Job names are prefixed so that engine-submitted jobs are easy to
// recognize in qstat listings.
const gridJobNamePrefix = "nf-"

// SgeExecutor submits tasks to a Sun Grid Engine cluster through qsub
// and observes them through qstat.
type SgeExecutor struct {
	AbstractGridExecutor
}

func NewSgeExecutor(sess *session.Session) *SgeExecutor {
	e := &SgeExecutor{}
	e.AbstractGridExecutor.init(sess, sgeExecutorName, e)
	return e
}

// GetSubmitCommandLine shapes the qsub invocation. Options whose source
// value is absent are omitted; the token order is fixed.
func (e *SgeExecutor) GetSubmitCommandLine(task *TaskRun, config *TaskConfig, wrapperName string) []string {
	result := []string{
		"qsub",
		"-wd", task.WorkDir,
		"-N", gridJobNamePrefix + task.SanitizedName(),
		"-o", "/dev/null",
		"-j", "y",
		"-terse",
		"-V",
	}

	if config.Queue != "" {
		result = append(result, "-q", config.Queue)
	}

	if limit, ok := config.GetMaxDuration(); ok {
		result = append(result, "-l", "h_rt="+formatHrt(limit))
	}

	if config.MaxMemory != "" {
		// SGE wants "2G" where the configuration writes "2GB".
		result = append(result, "-l", "virtual_free="+strings.TrimSuffix(config.MaxMemory, "B"))
	}

	if config.ClusterOptions != "" {
		result = append(result, strings.Fields(config.ClusterOptions)...)
	}

	return append(result, wrapperName)
}

// formatHrt renders a duration as the zero-padded HH:MM:SS form qsub
// expects for the h_rt resource.
func formatHrt(d time.Duration) string {
	seconds := int64(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

// ParseJobId extracts the job id from the qsub output: the last
// all-digit token on any line. With -terse the id is printed on its own
// line, but the parser tolerates preamble.
func (e *SgeExecutor) ParseJobId(text string) (string, error) {
	jobId := ""
	for _, line := range strings.Split(text, "\n") {
		for _, token := range strings.Fields(line) {
			if isAllDigits(token) {
				jobId = token
			}
		}
	}
	if jobId == "" {
		return "", fmt.Errorf("%w: no job id in %q", utils.ErrParse, text)
	}
	return jobId, nil
}

func isAllDigits(token string) bool {
	if token == "" {
		return false
	}
	for _, r := range token {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (e *SgeExecutor) KillTaskCommand(jobId string) []string {
	return []string{"qdel", "-j", jobId}
}

func (e *SgeExecutor) QueueStatusCommand(queue string) []string {
	if queue == "" {
		return []string{"qstat"}
	}
	return []string{"qstat", "-q", queue}
}

// ParseQueueStatus maps a qstat listing to job statuses. Everything up
// to and including the dashed separator line is header; each remaining
// line carries the job id in the first column and the state code in the
// fifth.
func (e *SgeExecutor) ParseQueueStatus(text string) map[string]QueueStatus {
	result := map[string]QueueStatus{}

	body := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !body {
			if isSeparatorLine(trimmed) {
				body = true
			}
			continue
		}
		if trimmed == "" {
			continue
		}

		fields := strings.Fields(trimmed)
		if len(fields) < 5 {
			continue
		}

		result[fields[0]] = decodeQueueStatus(fields[4])
	}

	return result
}

func isSeparatorLine(line string) bool {
	if line == "" {
		return false
	}
	for _, r := range line {
		if r != '-' {
			return false
		}
	}
	return true
}

func decodeQueueStatus(code string) QueueStatus {
	switch code {
	case "r", "t", "s", "R":
		return QueueRunning
	case "qw":
		return QueuePending
	case "hqw", "hRwq":
		return QueueHold
	case "Eqw":
		return QueueError
	default:
		if strings.HasPrefix(code, "E") {
			return QueueError
		}
		return QueueUnknown
	}
}

var _ GridCommands = (*SgeExecutor)(nil)
var _ Executor = (*SgeExecutor)(nil)
