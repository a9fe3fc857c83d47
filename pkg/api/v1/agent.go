package v1

import "time"

// SandboxKind selects the execution environment for an agent's shell commands.
type SandboxKind string

const (
	SandboxHost      SandboxKind = "host"
	SandboxContainer SandboxKind = "container"
)

// AgentStatus is the terminal status of an agent session.
type AgentStatus string

const (
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
	AgentStatusTimeout   AgentStatus = "timeout"
)

// AgentRequest describes one agent session to execute.
// A request is immutable once submitted and consumed exactly once by the pool.
type AgentRequest struct {
	AgentID      string        `json:"agent_id,omitempty"`
	Prompt       string        `json:"prompt"`
	Model        string        `json:"model,omitempty"`
	Sandbox      SandboxKind   `json:"sandbox,omitempty"`
	SystemPrompt string        `json:"system_prompt,omitempty"`
	Timeout      time.Duration `json:"timeout,omitempty"`
}

// AgentResult is the terminal outcome of one executed AgentRequest.
// DurationSeconds covers the full lifecycle including sandbox teardown.
type AgentResult struct {
	AgentID         string      `json:"agent_id"`
	Status          AgentStatus `json:"status"`
	Response        string      `json:"response"`
	Error           string      `json:"error,omitempty"`
	Model           string      `json:"model,omitempty"`
	ToolsUsed       []string    `json:"tools_used,omitempty"`
	DurationSeconds float64     `json:"duration_seconds"`
	TokensUsed      *int        `json:"tokens_used,omitempty"`
}

// Succeeded reports whether the session reached a completed status.
func (r *AgentResult) Succeeded() bool {
	return r.Status == AgentStatusCompleted
}
