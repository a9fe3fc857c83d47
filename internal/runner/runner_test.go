package runner

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/noclaw/agentpool/internal/board"
	"github.com/noclaw/agentpool/internal/bus"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/runtime"
	"github.com/noclaw/agentpool/internal/sandbox"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return log
}

func testRunnerConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Workspace:      t.TempDir(),
		DefaultSandbox: v1.SandboxHost,
		DefaultTimeout: 30 * time.Second,
	}
}

func TestRunCompletes(t *testing.T) {
	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		return &runtime.Outcome{Response: "done", Status: runtime.StatusOK}, nil
	})
	r := New(testRunnerConfig(t), bus.NewBus(testLogger(t)), rt, testLogger(t))

	result := r.Run(context.Background(), &v1.AgentRequest{AgentID: "a1", Prompt: "go"})
	if result.Status != v1.AgentStatusCompleted {
		t.Fatalf("status = %s: %s", result.Status, result.Error)
	}
	if result.Response != "done" {
		t.Errorf("response = %q", result.Response)
	}
	if result.DurationSeconds <= 0 {
		t.Error("duration not recorded")
	}
}

func TestRunUnregistersOnRuntimeError(t *testing.T) {
	log := testLogger(t)
	b := bus.NewBus(log)

	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		// Registered while the session is live.
		b.Send("other", "a1", "ping")
		return nil, fmt.Errorf("runtime exploded")
	})
	r := New(testRunnerConfig(t), b, rt, log)

	result := r.Run(context.Background(), &v1.AgentRequest{AgentID: "a1", Prompt: "go"})
	if result.Status != v1.AgentStatusError {
		t.Fatalf("status = %s, want error", result.Status)
	}
	if !strings.Contains(result.Error, "runtime exploded") {
		t.Errorf("error = %q", result.Error)
	}

	// The inbox is gone after teardown: a new send is dropped, not queued.
	b.Send("other", "a1", "again")
	if msgs := b.Receive("a1", 0); len(msgs) != 0 {
		t.Errorf("agent still registered after teardown: %v", msgs)
	}
}

func TestRunReleasesClaimsInTeamMode(t *testing.T) {
	log := testLogger(t)
	stateDir := t.TempDir()

	seed, err := board.New(stateDir, log)
	if err != nil {
		t.Fatalf("board.New failed: %v", err)
	}
	if _, err := seed.Add("abandoned work", nil, 0); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	cfg := testRunnerConfig(t)
	cfg.TeamMode = true
	cfg.StateDir = stateDir

	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		if inv.CoordinationEndpoint == "" {
			return nil, fmt.Errorf("missing coordination endpoint")
		}
		// Claim directly against the shared board, then die without
		// completing.
		b, err := board.New(stateDir, log)
		if err != nil {
			return nil, err
		}
		if _, err := b.Claim("a1"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("worker crashed mid-task")
	})
	r := New(cfg, bus.NewBus(log), rt, log)

	result := r.Run(context.Background(), &v1.AgentRequest{AgentID: "a1", Prompt: "go"})
	if result.Status != v1.AgentStatusError {
		t.Fatalf("status = %s, want error", result.Status)
	}

	tasks, err := seed.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if tasks[0].Status != v1.TaskStatusPending || tasks[0].AssignedTo != nil {
		t.Errorf("task not released: status=%s assigned_to=%v",
			tasks[0].Status, tasks[0].AssignedTo)
	}
}

func TestRunRecoversFromRuntimePanic(t *testing.T) {
	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		panic("unexpected state")
	})
	r := New(testRunnerConfig(t), bus.NewBus(testLogger(t)), rt, testLogger(t))

	result := r.Run(context.Background(), &v1.AgentRequest{AgentID: "a1", Prompt: "go"})
	if result.Status != v1.AgentStatusError {
		t.Fatalf("status = %s, want error", result.Status)
	}
	if !strings.Contains(result.Error, "panic") {
		t.Errorf("error = %q, want panic diagnostic", result.Error)
	}
}

func TestRunTimeout(t *testing.T) {
	rt := runtime.RuntimeFunc(func(ctx context.Context, sb sandbox.Sandbox, inv *runtime.Invocation) (*runtime.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := New(testRunnerConfig(t), bus.NewBus(testLogger(t)), rt, testLogger(t))

	result := r.Run(context.Background(), &v1.AgentRequest{
		AgentID: "a1",
		Prompt:  "slow",
		Timeout: 50 * time.Millisecond,
	})
	if result.Status != v1.AgentStatusTimeout {
		t.Fatalf("status = %s, want timeout", result.Status)
	}
}
