package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const stderrCaptureLimit = 64 << 10

// CommandSpec describes one external tool invocation. Every engine dump
// goes through RunCommand so deadline and signal semantics live in one place.
type CommandSpec struct {
	Name       string
	Args       []string
	Env        []string
	Dir        string
	StdoutPath string // stream stdout to this file when set
	Timeout    time.Duration
}

// CommandResult reports how the process ended
type CommandResult struct {
	ExitCode int
	Stderr   string
	Duration time.Duration
}

// LookupTool verifies an external binary is on PATH
func LookupTool(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return NewToolingError(fmt.Sprintf("required tool %q not found on PATH", name), err)
	}
	return nil
}

// RunCommand spawns the process, streams stdout to the configured file,
// captures stderr, and enforces the deadline. On expiry the process
// receives SIGTERM and the call fails with a Timeout error.
func RunCommand(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	var stderr limitedBuffer
	cmd.Stderr = &stderr

	if spec.StdoutPath != "" {
		out, err := os.Create(spec.StdoutPath)
		if err != nil {
			return nil, NewStorageError("failed to create dump output file", err)
		}
		defer out.Close()
		cmd.Stdout = out
	}

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return result, NewTimeoutError(fmt.Sprintf("%s exceeded deadline of %s", spec.Name, spec.Timeout), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, NewDumpProcessError(
				fmt.Sprintf("%s exited with code %d", spec.Name, result.ExitCode),
				result.ExitCode, result.Stderr)
		}
		return result, NewToolingError(fmt.Sprintf("failed to run %s", spec.Name), err)
	}
	return result, nil
}

// limitedBuffer keeps at most stderrCaptureLimit bytes, discarding the
// oldest so the tail of a noisy dump log survives
type limitedBuffer struct {
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.buf.Len()+n > stderrCaptureLimit {
		overflow := b.buf.Len() + n - stderrCaptureLimit
		if overflow >= b.buf.Len() {
			b.buf.Reset()
			if n > stderrCaptureLimit {
				p = p[n-stderrCaptureLimit:]
			}
		} else {
			b.buf.Next(overflow)
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
