package executor

import (
	"path/filepath"
	"regexp"
	"time"

	"github.com/nanoflow/nanoflow/pkg/utils"
)

// Well known file names inside a task work directory.
const (
	CmdWrapperName = ".command.sh"
	CmdOutputName  = ".command.out"
	CmdExitName    = ".command.exitcode"
)

type TaskType int

const (
	ShellTask TaskType = iota
	NativeTask
)

// A single unit of work: a shell script or a native closure, its
// staged files and the directory it executes in.
type TaskRun struct {
	// Unique identifier of this run.
	Id string

	// Human readable task name. Backend job names are derived from it.
	Name string

	// Shell or native.
	Type TaskType

	// The script to execute, for shell tasks.
	Script string

	// The deferred computation, for native tasks.
	Code func() (any, error)

	// Optional bytes piped to the process standard input.
	Stdin []byte

	// Directory the task executes in. Created by the caller before
	// submission.
	WorkDir string

	// Files staged into the work directory before execution,
	// keyed by their name inside the work directory.
	InputFiles map[string]string

	// Files collected from the work directory after execution.
	OutputFiles []string

	// Directory output files are unstaged to.
	CollectDir string

	// Exit status, assigned when the task completes.
	ExitStatus int

	// Path of the captured output for shell tasks, or the value
	// returned by the closure for native tasks.
	Stdout any

	// Failure raised by a native closure.
	Err error
}

var sanitizeRe = regexp.MustCompile(`[^0-9A-Za-z]+`)

// SanitizedName returns the task name with runs of non-alphanumeric
// characters replaced by underscores, suitable for backend job names.
func (t *TaskRun) SanitizedName() string {
	return sanitizeRe.ReplaceAllString(t.Name, "_")
}

func (t *TaskRun) CmdWrapperFile() string {
	return filepath.Join(t.WorkDir, CmdWrapperName)
}

func (t *TaskRun) CmdOutputFile() string {
	return filepath.Join(t.WorkDir, CmdOutputName)
}

func (t *TaskRun) CmdExitFile() string {
	return filepath.Join(t.WorkDir, CmdExitName)
}

// ContentHash returns a stable fingerprint of the task script and its
// staged inputs, used to derive the content-addressed work folder.
func (t *TaskRun) ContentHash() (string, error) {
	content := t.Script
	for _, name := range sortedKeys(t.InputFiles) {
		content += "\x00" + name + "=" + t.InputFiles[name]
	}
	return utils.Sha1String(content)
}

// Per task execution options, decoded from the task definition.
type TaskConfig struct {
	// Backend queue to submit to.
	Queue string `mapstructure:"queue"`

	// Memory limit, e.g. "2GB".
	MaxMemory string `mapstructure:"maxMemory"`

	// Wall clock limit, e.g. "3h".
	MaxDuration string `mapstructure:"maxDuration"`

	// Extra backend submit options, split on whitespace.
	ClusterOptions string `mapstructure:"clusterOptions"`

	// Command used to interpret the wrapper script.
	Shell []string `mapstructure:"shell"`

	// Task name carried with the options. Backend job names are derived
	// from TaskRun.Name; the executors do not read this field.
	Name string `mapstructure:"name"`
}

// GetShell returns the configured shell command, defaulting to bash.
func (c *TaskConfig) GetShell() []string {
	if c == nil || len(c.Shell) == 0 {
		return []string{"bash"}
	}
	return c.Shell
}

// GetMaxDuration parses the wall clock limit. Returns false when no
// limit is configured.
func (c *TaskConfig) GetMaxDuration() (time.Duration, bool) {
	if c == nil || c.MaxDuration == "" {
		return 0, false
	}
	d, err := utils.ParseDuration(c.MaxDuration)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate fails fast on malformed limits.
func (c *TaskConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxDuration != "" {
		if _, err := utils.ParseDuration(c.MaxDuration); err != nil {
			return err
		}
	}
	if c.MaxMemory != "" {
		if _, err := utils.ParseSize(c.MaxMemory); err != nil {
			return err
		}
	}
	return nil
}
