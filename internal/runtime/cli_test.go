package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/sandbox"
)

func startedSandbox(t *testing.T) sandbox.Sandbox {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	sb := sandbox.NewHostSandbox("rt-test", filepath.Join(t.TempDir(), "ws"), log)
	if err := sb.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = sb.Stop(context.Background()) })
	return sb
}

func testCLIRuntime(t *testing.T, command string) *CLIRuntime {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	return NewCLIRuntime(command, log)
}

func TestCLIRuntimePassesPrompt(t *testing.T) {
	rt := testCLIRuntime(t, "echo")
	sb := startedSandbox(t)

	outcome, err := rt.Invoke(context.Background(), sb, &Invocation{
		Prompt:  "hello agent",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if outcome.Status != StatusOK {
		t.Fatalf("status = %s: %s", outcome.Status, outcome.ErrorText)
	}
	if outcome.Response != "hello agent" {
		t.Errorf("response = %q", outcome.Response)
	}
}

func TestCLIRuntimeExportsEnvironment(t *testing.T) {
	// sh -c receives the prompt as $0; the script just prints the env.
	rt := testCLIRuntime(t, `sh -c 'echo "$AGENT_MODEL|$AGENT_COORDINATION_ENDPOINT"'`)
	sb := startedSandbox(t)

	outcome, err := rt.Invoke(context.Background(), sb, &Invocation{
		Prompt:               "ignored",
		Model:                "opus",
		CoordinationEndpoint: "http://127.0.0.1:9/v1/coordination",
		Timeout:              5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if outcome.Response != "opus|http://127.0.0.1:9/v1/coordination" {
		t.Errorf("response = %q", outcome.Response)
	}
}

func TestCLIRuntimeMapsFailure(t *testing.T) {
	rt := testCLIRuntime(t, "false")
	sb := startedSandbox(t)

	outcome, err := rt.Invoke(context.Background(), sb, &Invocation{
		Prompt:  "x",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if outcome.Status != StatusError {
		t.Errorf("status = %s, want error", outcome.Status)
	}
	if outcome.ErrorText == "" {
		t.Error("error text empty")
	}
}

func TestCLIRuntimeMapsTimeout(t *testing.T) {
	rt := testCLIRuntime(t, "sleep 10; echo")
	sb := startedSandbox(t)

	outcome, err := rt.Invoke(context.Background(), sb, &Invocation{
		Prompt:  "x",
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if outcome.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout", outcome.Status)
	}
}
