package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/errors"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/sandbox/docker"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

const (
	containerWorkspace = "/workspace"
	managedByLabel     = "managed-by"
	managedByValue     = "agentpool"
)

// keepAliveCmd keeps the detached container running between execs.
var keepAliveCmd = []string{"sleep", "infinity"}

// ContainerSandbox executes commands inside a persistent container. The
// container lifecycle is driven through the Docker SDK when the detected
// runtime is docker, and through the CLI for podman. Command execution is
// always a `<runtime> exec` host subprocess, so a timed-out command never
// takes the container down with it.
type ContainerSandbox struct {
	name          string
	containerName string
	workspace     string
	cfg           config.DockerConfig
	runtimeBin    string
	docker        *docker.Client
	logger        *logger.Logger

	mu    sync.Mutex
	state sandboxState
}

// NewContainerSandbox probes for a container runtime (docker, then podman)
// and prepares a sandbox bound to a uniquely named container. Returns a
// RUNTIME_UNAVAILABLE error when neither runtime is on PATH.
func NewContainerSandbox(name, workspace string, cfg config.DockerConfig, log *logger.Logger) (*ContainerSandbox, error) {
	runtimeBin, err := detectRuntime()
	if err != nil {
		return nil, err
	}

	s := &ContainerSandbox{
		name: name,
		// The pid suffix isolates concurrent pools on the same host.
		containerName: fmt.Sprintf("agentpool-%s-%d", name, os.Getpid()),
		workspace:     workspace,
		cfg:           cfg,
		runtimeBin:    runtimeBin,
		logger: log.WithFields(
			zap.String("sandbox", name),
			zap.String("kind", "container"),
			zap.String("runtime", runtimeBin),
		),
	}

	if runtimeBin == "docker" {
		cli, err := docker.NewClient(cfg, log)
		if err != nil {
			// The CLI path still works without the SDK client.
			s.logger.Warn("docker SDK client unavailable, falling back to CLI", zap.Error(err))
		} else {
			s.docker = cli
		}
	}

	return s, nil
}

// detectRuntime probes PATH for docker, then podman.
func detectRuntime() (string, error) {
	for _, bin := range []string{"docker", "podman"} {
		if _, err := exec.LookPath(bin); err == nil {
			return bin, nil
		}
	}
	return "", errors.RuntimeUnavailable("no container runtime found: need docker or podman on PATH")
}

// Name returns the logical sandbox name.
func (s *ContainerSandbox) Name() string { return s.name }

// ContainerName returns the backing container name.
func (s *ContainerSandbox) ContainerName() string { return s.containerName }

// Workspace returns the workspace path.
func (s *ContainerSandbox) Workspace() string { return s.workspace }

// Kind reports the container backend.
func (s *ContainerSandbox) Kind() v1.SandboxKind { return v1.SandboxContainer }

// Start launches the backing container, reusing a healthy container that
// already exists under the target name.
func (s *ContainerSandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStopped {
		return errors.SandboxFailed("sandbox already stopped", nil)
	}
	if s.state == stateRunning {
		return nil
	}

	if err := os.MkdirAll(s.workspace, 0o755); err != nil {
		return errors.SandboxFailed("failed to create workspace directory", err)
	}

	var err error
	if s.docker != nil {
		err = s.startSDK(ctx)
	} else {
		err = s.startCLI(ctx)
	}
	if err != nil {
		return err
	}

	s.state = stateRunning
	s.logger.Info("container sandbox started", zap.String("container", s.containerName))
	return nil
}

func (s *ContainerSandbox) startSDK(ctx context.Context) error {
	state, err := s.docker.InspectContainer(ctx, s.containerName)
	if err != nil {
		return errors.SandboxFailed("failed to inspect container", err)
	}
	if state != nil {
		if state.Running {
			s.logger.Info("reusing running container", zap.String("container", s.containerName))
			return nil
		}
		// A stopped leftover under our name cannot be trusted.
		if err := s.docker.RemoveContainer(ctx, s.containerName); err != nil {
			return errors.SandboxFailed("failed to remove stale container", err)
		}
	}

	memory, nanoCPUs, err := s.resourceLimits()
	if err != nil {
		return err
	}

	id, err := s.docker.CreateContainer(ctx, docker.ContainerConfig{
		Name:       s.containerName,
		Image:      s.cfg.Image,
		Cmd:        keepAliveCmd,
		WorkingDir: containerWorkspace,
		Mounts: []docker.MountConfig{
			{Source: s.workspace, Target: containerWorkspace},
		},
		NetworkMode: s.cfg.Network,
		Memory:      memory,
		NanoCPUs:    nanoCPUs,
		SecurityOpt: []string{"no-new-privileges"},
		Labels:      map[string]string{managedByLabel: managedByValue},
	})
	if err != nil {
		return errors.SandboxFailed("failed to create container", err)
	}

	if err := s.docker.StartContainer(ctx, id); err != nil {
		return errors.SandboxFailed("failed to start container", err)
	}
	return nil
}

func (s *ContainerSandbox) startCLI(ctx context.Context) error {
	// Reuse a healthy container if one exists under the target name.
	out, err := exec.CommandContext(ctx, s.runtimeBin,
		"inspect", "-f", "{{.State.Running}}", s.containerName).Output()
	if err == nil && strings.TrimSpace(string(out)) == "true" {
		s.logger.Info("reusing running container", zap.String("container", s.containerName))
		return nil
	}
	if err == nil {
		// Exists but not running.
		_ = exec.CommandContext(ctx, s.runtimeBin, "rm", "-f", s.containerName).Run()
	}

	args := []string{
		"run", "-d",
		"--name", s.containerName,
		"-v", s.workspace + ":" + containerWorkspace,
		"-w", containerWorkspace,
		"--memory", s.cfg.MemoryLimit,
		"--cpus", s.cfg.CPULimit,
		"--security-opt", "no-new-privileges",
		"--label", managedByLabel + "=" + managedByValue,
	}
	if s.cfg.Network != "" {
		args = append(args, "--network", s.cfg.Network)
	}
	args = append(args, s.cfg.Image)
	args = append(args, keepAliveCmd...)

	if out, err := exec.CommandContext(ctx, s.runtimeBin, args...).CombinedOutput(); err != nil {
		return errors.SandboxFailed(
			fmt.Sprintf("failed to launch container: %s", strings.TrimSpace(string(out))), err)
	}
	return nil
}

func (s *ContainerSandbox) resourceLimits() (memory int64, nanoCPUs int64, err error) {
	if s.cfg.MemoryLimit != "" {
		memory, err = units.RAMInBytes(s.cfg.MemoryLimit)
		if err != nil {
			return 0, 0, errors.SandboxFailed("invalid memory limit "+s.cfg.MemoryLimit, err)
		}
	}
	if s.cfg.CPULimit != "" {
		cpus, err := strconv.ParseFloat(s.cfg.CPULimit, 64)
		if err != nil {
			return 0, 0, errors.SandboxFailed("invalid cpu limit "+s.cfg.CPULimit, err)
		}
		nanoCPUs = int64(cpus * 1e9)
	}
	return memory, nanoCPUs, nil
}

// Execute runs the command through `<runtime> exec` as a host subprocess.
// On timeout only the exec process is killed; the container stays up.
func (s *ContainerSandbox) Execute(ctx context.Context, command string, timeout time.Duration) (*ExecutionResult, error) {
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

	execCmd := fmt.Sprintf("%s exec %s sh -c %s",
		s.runtimeBin, s.containerName, shellQuote(command))
	return runShell(ctx, execCmd, "", nil, timeout)
}

// Stop force-removes the container. Idempotent.
func (s *ContainerSandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateStopped {
		return nil
	}
	started := s.state == stateRunning
	s.state = stateStopped

	if !started {
		if s.docker != nil {
			_ = s.docker.Close()
		}
		return nil
	}

	var err error
	if s.docker != nil {
		err = s.docker.RemoveContainer(ctx, s.containerName)
		_ = s.docker.Close()
	} else {
		if out, cliErr := exec.CommandContext(ctx, s.runtimeBin,
			"rm", "-f", s.containerName).CombinedOutput(); cliErr != nil {
			// "no such container" means a previous Stop already won.
			if !strings.Contains(strings.ToLower(string(out)), "no such container") {
				err = fmt.Errorf("failed to remove container %s: %s", s.containerName, strings.TrimSpace(string(out)))
			}
		}
	}

	if err != nil {
		s.logger.Warn("container teardown failed", zap.Error(err))
		return err
	}

	s.logger.Info("container sandbox stopped", zap.String("container", s.containerName))
	return nil
}

// shellQuote single-quotes a string for safe embedding in `sh -c`.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
