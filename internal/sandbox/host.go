package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/errors"
	"github.com/noclaw/agentpool/internal/common/logger"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// timeoutExitCode is reported for commands terminated at their deadline,
// matching the shell convention for timed-out commands.
const timeoutExitCode = 124

type sandboxState int

const (
	stateCreated sandboxState = iota
	stateRunning
	stateStopped
)

// HostSandbox executes commands as shell subprocesses with the workspace as
// working directory.
type HostSandbox struct {
	name      string
	workspace string
	logger    *logger.Logger

	mu    sync.Mutex
	state sandboxState
}

// NewHostSandbox creates a host sandbox rooted at workspace.
func NewHostSandbox(name, workspace string, log *logger.Logger) *HostSandbox {
	return &HostSandbox{
		name:      name,
		workspace: workspace,
		logger:    log.WithFields(zap.String("sandbox", name), zap.String("kind", "host")),
	}
}

// Name returns the logical sandbox name.
func (s *HostSandbox) Name() string { return s.name }

// Workspace returns the workspace path.
func (s *HostSandbox) Workspace() string { return s.workspace }

// Kind reports the host backend.
func (s *HostSandbox) Kind() v1.SandboxKind { return v1.SandboxHost }

// Start ensures the workspace directory exists.
func (s *HostSandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStopped {
		return errors.SandboxFailed("sandbox already stopped", nil)
	}

	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		return errors.SandboxFailed("failed to create workspace directory", err)
	}

	s.state = stateRunning
	s.logger.Debug("host sandbox started", zap.String("workspace", s.workspace))
	return nil
}

// Execute spawns a shell subprocess in the workspace. On timeout the process
// group is killed and the result carries a non-zero exit code with a timeout
// diagnostic on stderr.
func (s *HostSandbox) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecutionResult, error) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return nil, errors.SandboxFailed("sandbox is not running", nil)
	}
	s.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return runShell(ctx, command, s.workspace, nil, timeout)
}

// Stop flips the state; host sandboxes hold no external resources.
func (s *HostSandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = stateStopped
	s.logger.Debug("host sandbox stopped")
	return nil
}

// runShell runs `sh -c command` in dir, killing the whole process group at
// the context deadline so stray children do not outlive the call.
func runShell(ctx context.Context, command, dir string, extraEnv []string, timeout time.Duration) (*ExecutionResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if len(extraEnv) > 0 {
		cmd.Env = append(os.Environ(), extraEnv...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if ctx.Err() == context.DeadlineExceeded {
		return &ExecutionResult{
			Stdout:   stdout.String(),
			Stderr:   fmt.Sprintf("command timed out after %s", timeout),
			ExitCode: timeoutExitCode,
		}, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExecutionResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: exitErr.ExitCode(),
			}, nil
		}
		return nil, errors.SandboxFailed("failed to run command", err)
	}

	return &ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}, nil
}
