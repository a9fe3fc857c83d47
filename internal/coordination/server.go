package coordination

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/board"
	"github.com/noclaw/agentpool/internal/bus"
	"github.com/noclaw/agentpool/internal/common/logger"
)

// Server is one agent's coordination endpoint: a loopback HTTP server over
// the seven coordination operations. It rebinds to the shared state by path — it holds its
// own Board and Journal instances and never extends the lifetime of the
// pool's.
type Server struct {
	agentID string
	logger  *logger.Logger
	router  *gin.Engine

	listener net.Listener
	srv      *http.Server
	endpoint string
}

// NewServer creates a coordination server for the agent, bound to the state
// directory that holds taskboard.json and messages.jsonl.
func NewServer(agentID, stateDir string, staleTimeout time.Duration, log *logger.Logger) (*Server, error) {
	serverLog := log.WithFields(
		zap.String("component", "coordination-server"),
		zap.String("agent_id", agentID),
	)

	var boardOpts []board.Option
	if staleTimeout > 0 {
		boardOpts = append(boardOpts, board.WithStaleTimeout(staleTimeout))
	}
	b, err := board.New(stateDir, log, boardOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to bind task board: %w", err)
	}

	j, err := bus.NewJournal(stateDir, log)
	if err != nil {
		return nil, fmt.Errorf("failed to bind message journal: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	SetupRoutes(router.Group("/v1/coordination"), agentID, b, j, serverLog)

	return &Server{
		agentID: agentID,
		logger:  serverLog,
		router:  router,
	}, nil
}

// Start listens on an ephemeral loopback port and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.listener = listener
	s.endpoint = fmt.Sprintf("http://%s/v1/coordination", listener.Addr())
	s.srv = &http.Server{Handler: s.router}

	go func() {
		if err := s.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("coordination server failed", zap.Error(err))
		}
	}()

	s.logger.Debug("coordination server started", zap.String("endpoint", s.endpoint))
	return nil
}

// Endpoint returns the base URL handed to the agent runtime. Empty before
// Start.
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Stop shuts the server down. Safe to call when never started.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop coordination server: %w", err)
	}
	s.logger.Debug("coordination server stopped")
	return nil
}
