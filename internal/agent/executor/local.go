package executor

import (
	"bytes"
	"context"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/ogent/ogent/internal/common/logger"
)

// LocalExecutor runs commands in a subshell on the agent host.
type LocalExecutor struct {
	shell  string
	logger *logger.Logger
}

// NewLocalExecutor creates a local executor using /bin/sh.
func NewLocalExecutor(log *logger.Logger) *LocalExecutor {
	return &LocalExecutor{
		shell:  "/bin/sh",
		logger: log.WithFields(zap.String("component", "local_executor")),
	}
}

// Type returns the execution type reported in results.
func (e *LocalExecutor) Type() string { return TypeLocal }

// Available is always true for the local executor.
func (e *LocalExecutor) Available() bool { return true }

// Run executes the command in a subshell. The process gets its own group so
// cancellation kills the whole pipeline, not just the shell.
func (e *LocalExecutor) Run(ctx context.Context, command string, onProgress func(Progress)) (*Result, error) {
	cmd := exec.Command(e.shell, "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	// Kill the whole process group on cancellation.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	var stdoutBuf, stderrBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, &stdoutBuf, func(line string) {
		if onProgress != nil {
			onProgress(Progress{StdoutChunk: line})
		}
	})
	go streamLines(&wg, stderr, &stderrBuf, func(line string) {
		if onProgress != nil {
			onProgress(Progress{StderrChunk: line})
		}
	})

	wg.Wait()
	waitErr := cmd.Wait()
	close(done)

	result := &Result{
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionType: TypeLocal,
		Cancelled:     ctx.Err() != nil,
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		// Killed by cancellation is not an execution error
		if result.Cancelled {
			return result, nil
		}
		e.logger.Debug("Command exited nonzero",
			zap.Int("exit_code", result.ExitCode),
			zap.Error(waitErr))
	}

	return result, nil
}
