package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultCommandTimeout = 30 * time.Second

// lookPath and commandContext are swapped out in tests.
var (
	lookPath       = exec.LookPath
	commandContext = exec.CommandContext
)

// RunCommand executes name with args (no shell) under a default 30s timeout.
// Returns stdout, stderr, and any execution error.
func RunCommand(ctx context.Context, name string, args ...string) (stdout, stderr string, err error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	c := commandContext(ctx, name, args...)

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	err = c.Run()
	if err != nil {
		err = fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(errBuf.String()))
	}
	return outBuf.String(), errBuf.String(), err
}

// Available reports whether name resolves on PATH.
func Available(name string) bool {
	_, err := lookPath(name)
	return err == nil
}
