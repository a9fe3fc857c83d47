// Package sandbox provides the isolated execution environments in which an
// agent's shell commands run, either directly on the host or inside a
// persistent container.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/logger"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// ExecutionResult is the outcome of one command executed in a sandbox.
type ExecutionResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// OK reports whether the command exited successfully.
func (r *ExecutionResult) OK() bool {
	return r.ExitCode == 0
}

// Sandbox is the execution environment contract. Stop must be safe to call
// on every exit path, including after a failed Start.
type Sandbox interface {
	// Name returns the logical sandbox name, derived from the agent id.
	Name() string

	// Workspace returns the absolute workspace path.
	Workspace() string

	// Kind reports the backend in use.
	Kind() v1.SandboxKind

	// Start prepares the environment. For containers this launches or
	// reuses the backing container.
	Start(ctx context.Context) error

	// Execute runs a shell command in the workspace with a wall-clock
	// timeout. A timed-out command yields a non-zero exit code; only
	// infrastructure failures return an error.
	Execute(ctx context.Context, command string, timeout time.Duration) (*ExecutionResult, error)

	// Stop tears the environment down. Idempotent.
	Stop(ctx context.Context) error
}

// New creates a sandbox of the requested kind.
func New(kind v1.SandboxKind, name, workspace string, dockerCfg config.DockerConfig, log *logger.Logger) (Sandbox, error) {
	switch kind {
	case v1.SandboxHost, "":
		return NewHostSandbox(name, workspace, log), nil
	case v1.SandboxContainer:
		return NewContainerSandbox(name, workspace, dockerCfg, log)
	default:
		return nil, fmt.Errorf("unknown sandbox kind %q", kind)
	}
}

// WithSandbox runs fn inside a started sandbox and guarantees Stop on every
// exit path, including panic.
func WithSandbox(ctx context.Context, sb Sandbox, fn func(Sandbox) error) (err error) {
	if err = sb.Start(ctx); err != nil {
		// Start may have partially allocated resources.
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = sb.Stop(stopCtx)
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if stopErr := sb.Stop(stopCtx); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	return fn(sb)
}
