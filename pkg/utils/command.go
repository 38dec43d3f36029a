package utils

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/nanoflow/nanoflow/pkg/log"
)

// RunOutput executes a command to completion and returns its combined
// output and exit code. Used for backend control commands (qsub, qstat,
// qdel) which are expected to finish quickly; the context bounds the
// wait.
func RunOutput(ctx context.Context, cwd string, args ...string) (string, int, error) {
	output := bytes.Buffer{}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if cwd != "" {
		cmd.Dir = cwd
	}

	log.Trace("Running", strings.Join(cmd.Args, " "))

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		message := fmt.Sprintf("Command failed: %s (%v)", strings.Join(args, " "), err)
		return output.String(), exitCode, NewCmdError(message, output.String())
	}

	return output.String(), 0, nil
}
