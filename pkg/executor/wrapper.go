package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nanoflow/nanoflow/pkg/utils"
	"github.com/spf13/afero"
)

// WrapperBuilder materializes the files a shell task needs in its work
// directory before submission. Handlers treat the produced exit-code
// file as the authoritative completion signal.
type WrapperBuilder interface {
	Build() error
}

// BashWrapperBuilder writes a bash wrapper that stages declared inputs,
// runs the user script with combined output captured, writes the exit
// code atomically and unstages declared outputs.
type BashWrapperBuilder struct {
	Fs   utils.Fs
	Task *TaskRun

	// Extra lines emitted before and after the user script, supplied
	// by the executor.
	Prologue []string
	Epilogue []string

	// Symlink inputs instead of copying them.
	LinkInputs bool
}

func NewBashWrapperBuilder(fs utils.Fs, task *TaskRun) *BashWrapperBuilder {
	return &BashWrapperBuilder{
		Fs:         fs,
		Task:       task,
		LinkInputs: true,
	}
}

func (b *BashWrapperBuilder) Build() error {
	return afero.WriteFile(b.Fs, b.Task.CmdWrapperFile(), []byte(b.Script()), 0755)
}

// Script renders the wrapper text.
func (b *BashWrapperBuilder) Script() string {
	var buf strings.Builder

	buf.WriteString("#!/bin/bash\n")

	for _, line := range b.stageIn() {
		buf.WriteString(line + "\n")
	}
	for _, line := range b.Prologue {
		buf.WriteString(line + "\n")
	}

	buf.WriteString("set +e\n")
	buf.WriteString("(\n")
	buf.WriteString(strings.TrimRight(b.Task.Script, "\n") + "\n")
	buf.WriteString(fmt.Sprintf(") > %s 2>&1\n", CmdOutputName))
	buf.WriteString("task_exit=$?\n")

	// The exit file is written to a temporary name and renamed so that
	// a reader never observes a partially written code.
	buf.WriteString(fmt.Sprintf("echo $task_exit > %s.tmp && mv %s.tmp %s\n",
		CmdExitName, CmdExitName, CmdExitName))

	for _, line := range b.stageOut() {
		buf.WriteString(line + "\n")
	}
	for _, line := range b.Epilogue {
		buf.WriteString(line + "\n")
	}

	buf.WriteString("exit $task_exit\n")
	return buf.String()
}

func (b *BashWrapperBuilder) stageIn() []string {
	if len(b.Task.InputFiles) == 0 {
		return nil
	}

	lines := []string{"# stage in"}
	for _, name := range sortedKeys(b.Task.InputFiles) {
		source := b.Task.InputFiles[name]
		if b.LinkInputs {
			lines = append(lines, fmt.Sprintf("rm -f %s && ln -s %s %s", name, source, name))
		} else {
			lines = append(lines, fmt.Sprintf("cp -fR %s %s", source, name))
		}
	}
	return lines
}

func (b *BashWrapperBuilder) stageOut() []string {
	if len(b.Task.OutputFiles) == 0 || b.Task.CollectDir == "" {
		return nil
	}

	lines := []string{"# stage out"}
	for _, name := range b.Task.OutputFiles {
		lines = append(lines, fmt.Sprintf("[ -e %s ] && cp -fR %s %s/ || true", name, name, b.Task.CollectDir))
	}
	return lines
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
