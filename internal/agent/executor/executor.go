// Package executor runs commands on behalf of the agent, either in a local
// subshell or over an outbound SSH connection.
package executor

import (
	"context"

	apperrors "github.com/ogent/ogent/internal/common/errors"
	"github.com/ogent/ogent/pkg/protocol"
)

// Execution types reported in results.
const (
	TypeLocal  = "local"
	TypeRemote = "remote"
)

// Progress is one increment of command output. Chunks carry only output
// produced since the previous callback.
type Progress struct {
	StdoutChunk string
	StderrChunk string
}

// Result is the terminal outcome of one execution.
type Result struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	ExecutionType string
	Cancelled     bool
}

// Executor runs a single command to completion, streaming output through the
// callback. Cancelling the context stops the command; the returned result
// reflects the interruption.
type Executor interface {
	Type() string
	Available() bool
	Run(ctx context.Context, command string, onProgress func(Progress)) (*Result, error)
}

// Selector resolves an execution target to a concrete executor.
type Selector struct {
	local  Executor
	remote Executor
}

// NewSelector builds a selector. remote may be nil when no SSH target is
// configured.
func NewSelector(local, remote Executor) *Selector {
	return &Selector{local: local, remote: remote}
}

// Select maps a target to an executor. Auto prefers the remote executor when
// it is available and falls back to local; forced targets fail with a
// distinct error when their executor cannot run.
func (s *Selector) Select(target string) (Executor, error) {
	switch target {
	case protocol.TargetLocal:
		if s.local == nil || !s.local.Available() {
			return nil, apperrors.ExecutorUnavailable(TypeLocal)
		}
		return s.local, nil

	case protocol.TargetRemote:
		if s.remote == nil || !s.remote.Available() {
			return nil, apperrors.ExecutorUnavailable(TypeRemote)
		}
		return s.remote, nil

	case protocol.TargetAuto, "":
		if s.remote != nil && s.remote.Available() {
			return s.remote, nil
		}
		if s.local != nil && s.local.Available() {
			return s.local, nil
		}
		return nil, apperrors.ExecutorUnavailable(protocol.TargetAuto)
	}

	return nil, apperrors.ValidationError("execution_target", "unknown target: "+target)
}

// RemoteAvailable reports whether the remote executor can run commands.
func (s *Selector) RemoteAvailable() bool {
	return s.remote != nil && s.remote.Available()
}
