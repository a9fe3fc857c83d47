// Package runner drives a single agent session through its full lifecycle:
// workspace validation, sandbox setup, coordination wiring, runtime
// invocation, and teardown on every exit path.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/board"
	"github.com/noclaw/agentpool/internal/bus"
	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/coordination"
	"github.com/noclaw/agentpool/internal/runtime"
	"github.com/noclaw/agentpool/internal/sandbox"
	"github.com/noclaw/agentpool/internal/workspace"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// teardownGrace bounds how long teardown may take once the session context
// is gone.
const teardownGrace = 30 * time.Second

// Config carries the pool-level settings a runner needs.
type Config struct {
	Workspace      string
	WorkspaceRoot  string
	Docker         config.DockerConfig
	DefaultModel   string
	DefaultSandbox v1.SandboxKind
	DefaultTimeout time.Duration

	// TeamMode wires a coordination server against StateDir for each agent.
	TeamMode     bool
	StateDir     string
	StaleTimeout time.Duration
}

// Runner executes agent sessions, one per Run call. Safe for concurrent use
// by multiple goroutines; all per-session state is local to Run.
type Runner struct {
	cfg     Config
	bus     *bus.Bus
	runtime runtime.Runtime
	logger  *logger.Logger
}

// New creates a runner.
func New(cfg Config, b *bus.Bus, rt runtime.Runtime, log *logger.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		bus:     b,
		runtime: rt,
		logger:  log.WithFields(zap.String("component", "agent-runner")),
	}
}

// Run executes one agent session. It never returns an error: every failure
// is folded into a terminal AgentResult, and teardown of already-acquired
// resources runs in reverse order on all paths, panics included. The
// reported duration covers the full lifecycle including teardown.
func (r *Runner) Run(ctx context.Context, req *v1.AgentRequest) (result *v1.AgentResult) {
	log := r.logger.WithAgentID(req.AgentID)
	start := time.Now()

	model := req.Model
	if model == "" {
		model = r.cfg.DefaultModel
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	kind := req.Sandbox
	if kind == "" {
		kind = r.cfg.DefaultSandbox
	}

	result = &v1.AgentResult{
		AgentID: req.AgentID,
		Status:  v1.AgentStatusError,
		Model:   model,
	}
	// Registered first so it runs last, after every teardown step.
	defer func() {
		result.DurationSeconds = time.Since(start).Seconds()
	}()
	defer func() {
		if p := recover(); p != nil {
			log.Error("agent session panicked", zap.Any("panic", p))
			result.Status = v1.AgentStatusError
			result.Error = fmt.Sprintf("agent session panicked: %v", p)
		}
	}()

	ws, err := workspace.Validate(r.cfg.Workspace, r.cfg.WorkspaceRoot)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	sb, err := sandbox.New(kind, req.AgentID, ws, r.cfg.Docker, log)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), teardownGrace)
		defer cancel()
		if err := sb.Stop(stopCtx); err != nil {
			log.Warn("sandbox teardown failed", zap.Error(err))
		}
	}()

	if err := sb.Start(ctx); err != nil {
		result.Error = err.Error()
		return result
	}

	if r.cfg.TeamMode {
		defer r.releaseClaims(req.AgentID, log)
	}

	r.bus.Register(req.AgentID)
	defer r.bus.Unregister(req.AgentID)

	endpoint := ""
	if r.cfg.TeamMode {
		server, err := coordination.NewServer(req.AgentID, r.cfg.StateDir, r.cfg.StaleTimeout, log)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if err := server.Start(); err != nil {
			result.Error = err.Error()
			return result
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), teardownGrace)
			defer cancel()
			_ = server.Stop(stopCtx)
		}()
		endpoint = server.Endpoint()
	}

	log.Info("agent session starting",
		zap.String("sandbox", string(kind)),
		zap.Duration("timeout", timeout))

	sessionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome, err := r.runtime.Invoke(sessionCtx, sb, &runtime.Invocation{
		Prompt:               req.Prompt,
		SystemPrompt:         req.SystemPrompt,
		Model:                model,
		CoordinationEndpoint: endpoint,
		Timeout:              timeout,
	})

	switch {
	case sessionCtx.Err() == context.DeadlineExceeded:
		result.Status = v1.AgentStatusTimeout
		result.Error = fmt.Sprintf("agent timed out after %s", timeout)
	case err != nil:
		result.Status = v1.AgentStatusError
		result.Error = err.Error()
	default:
		result.Response = outcome.Response
		result.ToolsUsed = outcome.ToolsUsed
		result.TokensUsed = outcome.TokensUsed
		result.Error = outcome.ErrorText
		switch outcome.Status {
		case runtime.StatusOK:
			result.Status = v1.AgentStatusCompleted
		case runtime.StatusTimeout:
			result.Status = v1.AgentStatusTimeout
		default:
			result.Status = v1.AgentStatusError
		}
	}

	log.Info("agent session finished", zap.String("status", string(result.Status)))
	return result
}

// releaseClaims returns any still-claimed board tasks to pending when the
// session ends.
func (r *Runner) releaseClaims(agentID string, log *logger.Logger) {
	b, err := board.New(r.cfg.StateDir, log)
	if err != nil {
		log.Warn("failed to bind board for release", zap.Error(err))
		return
	}
	if _, err := b.ReleaseAgentTasks(agentID); err != nil {
		log.Warn("failed to release agent tasks", zap.Error(err))
	}
}
