// Package coordination exposes the per-agent coordination operations over a
// loopback HTTP transport. Each agent gets its own server instance, bound by
// path to the shared task board and message journal.
package coordination

import v1 "github.com/noclaw/agentpool/pkg/api/v1"

// CompleteTaskRequest marks a claimed task as done.
type CompleteTaskRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	Result string `json:"result"`
}

// FailTaskRequest marks a claimed task as failed.
type FailTaskRequest struct {
	TaskID string `json:"task_id" binding:"required"`
	Error  string `json:"error" binding:"required"`
}

// SendMessageRequest addresses one agent.
type SendMessageRequest struct {
	To      string `json:"to" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// BroadcastMessageRequest addresses every other agent.
type BroadcastMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// Response types

// AckResponse acknowledges a mutation.
type AckResponse struct {
	Status string `json:"status"`
}

// ClaimTaskResponse carries the claimed task, or a message when none is
// available.
type ClaimTaskResponse struct {
	Task    *v1.Task `json:"task,omitempty"`
	Message string   `json:"message,omitempty"`
}

// ListTasksResponse is the board snapshot.
type ListTasksResponse struct {
	Tasks []*v1.Task `json:"tasks"`
	Total int        `json:"total"`
}

// CheckMessagesResponse carries the agent's unread messages.
type CheckMessagesResponse struct {
	Messages []v1.Message `json:"messages"`
	Total    int          `json:"total"`
}
