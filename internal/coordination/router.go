package coordination

import (
	"github.com/gin-gonic/gin"

	"github.com/noclaw/agentpool/internal/board"
	"github.com/noclaw/agentpool/internal/bus"
	"github.com/noclaw/agentpool/internal/common/logger"
)

// SetupRoutes configures the coordination routes for one agent.
func SetupRoutes(router *gin.RouterGroup, agentID string, b *board.Board, j *bus.Journal, log *logger.Logger) {
	handler := NewHandler(agentID, b, j, log)

	router.POST("/claim_task", handler.ClaimTask)
	router.POST("/complete_task", handler.CompleteTask)
	router.POST("/fail_task", handler.FailTask)
	router.GET("/list_tasks", handler.ListTasks)
	router.POST("/send_message", handler.SendMessage)
	router.POST("/broadcast_message", handler.BroadcastMessage)
	router.GET("/check_messages", handler.CheckMessages)
}
