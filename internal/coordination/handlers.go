package coordination

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/board"
	"github.com/noclaw/agentpool/internal/bus"
	"github.com/noclaw/agentpool/internal/common/errors"
	"github.com/noclaw/agentpool/internal/common/logger"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// Handler contains HTTP handlers for the seven coordination operations, acting
// on behalf of one agent.
type Handler struct {
	agentID string
	board   *board.Board
	journal *bus.Journal
	logger  *logger.Logger
}

// NewHandler creates a handler bound to the agent's identity.
func NewHandler(agentID string, b *board.Board, j *bus.Journal, log *logger.Logger) *Handler {
	return &Handler{
		agentID: agentID,
		board:   b,
		journal: j,
		logger:  log,
	}
}

// ClaimTask claims the best eligible task for this agent.
// POST /v1/coordination/claim_task
func (h *Handler) ClaimTask(c *gin.Context) {
	task, err := h.board.Claim(h.agentID)
	if err != nil {
		h.logger.Error("claim failed", zap.Error(err))
		appErr := errors.InternalError("failed to claim task", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if task == nil {
		c.JSON(http.StatusOK, ClaimTaskResponse{Message: "no tasks available"})
		return
	}
	c.JSON(http.StatusOK, ClaimTaskResponse{Task: task})
}

// CompleteTask marks a task this agent owns as completed.
// POST /v1/coordination/complete_task
func (h *Handler) CompleteTask(c *gin.Context) {
	var req CompleteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.board.CompleteBy(h.agentID, req.TaskID, req.Result); err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, AckResponse{Status: "completed"})
}

// FailTask marks a task this agent owns as failed.
// POST /v1/coordination/fail_task
func (h *Handler) FailTask(c *gin.Context) {
	var req FailTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if err := h.board.FailBy(h.agentID, req.TaskID, req.Error); err != nil {
		c.JSON(errors.GetHTTPStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, AckResponse{Status: "failed"})
}

// ListTasks returns the full board snapshot.
// GET /v1/coordination/list_tasks
func (h *Handler) ListTasks(c *gin.Context) {
	tasks, err := h.board.Status()
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		appErr := errors.InternalError("failed to list tasks", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, ListTasksResponse{Tasks: tasks, Total: len(tasks)})
}

// SendMessage journals a message from this agent to another.
// POST /v1/coordination/send_message
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if _, err := h.journal.Write(h.agentID, req.To, req.Content); err != nil {
		h.logger.Error("send failed", zap.Error(err))
		appErr := errors.InternalError("failed to send message", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, AckResponse{Status: "sent"})
}

// BroadcastMessage journals a message from this agent to every other agent.
// POST /v1/coordination/broadcast_message
func (h *Handler) BroadcastMessage(c *gin.Context) {
	var req BroadcastMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if _, err := h.journal.Broadcast(h.agentID, req.Content); err != nil {
		h.logger.Error("broadcast failed", zap.Error(err))
		appErr := errors.InternalError("failed to broadcast message", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, AckResponse{Status: "sent"})
}

// CheckMessages drains this agent's unread messages from the journal.
// GET /v1/coordination/check_messages
func (h *Handler) CheckMessages(c *gin.Context) {
	msgs, err := h.journal.Check(h.agentID)
	if err != nil {
		h.logger.Error("check failed", zap.Error(err))
		appErr := errors.InternalError("failed to check messages", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if msgs == nil {
		msgs = []v1.Message{}
	}
	c.JSON(http.StatusOK, CheckMessagesResponse{Messages: msgs, Total: len(msgs)})
}
