// Package runtime defines the boundary to the external agent runtime: the
// black box that consumes a prompt and produces a response, possibly
// invoking tools along the way.
package runtime

import (
	"context"
	"time"

	"github.com/noclaw/agentpool/internal/sandbox"
)

// Status is the runtime-reported outcome status.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Invocation carries everything the runtime needs for one session.
type Invocation struct {
	Prompt               string
	SystemPrompt         string
	Model                string
	CoordinationEndpoint string // empty outside team mode
	Timeout              time.Duration
}

// Outcome is what the runtime reports back.
type Outcome struct {
	Response   string
	ToolsUsed  []string
	TokensUsed *int
	Status     Status
	ErrorText  string
}

// Runtime drives one agent session. The sandbox is where the agent's shell
// commands run. Implementations must respect ctx for cooperative
// cancellation; the runner enforces the wall-clock timeout around Invoke.
type Runtime interface {
	Invoke(ctx context.Context, sb sandbox.Sandbox, inv *Invocation) (*Outcome, error)
}

// RuntimeFunc adapts a function to the Runtime interface. The swap-in seam
// for tests.
type RuntimeFunc func(ctx context.Context, sb sandbox.Sandbox, inv *Invocation) (*Outcome, error)

// Invoke implements Runtime.
func (f RuntimeFunc) Invoke(ctx context.Context, sb sandbox.Sandbox, inv *Invocation) (*Outcome, error) {
	return f(ctx, sb, inv)
}
