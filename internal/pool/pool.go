// Package pool schedules a bounded set of concurrent agent sessions over a
// shared workspace, with optional team coordination through the shared task
// board and message journal.
package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/noclaw/agentpool/internal/board"
	"github.com/noclaw/agentpool/internal/bus"
	"github.com/noclaw/agentpool/internal/common/config"
	"github.com/noclaw/agentpool/internal/common/logger"
	"github.com/noclaw/agentpool/internal/runner"
	"github.com/noclaw/agentpool/internal/runtime"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// Event types emitted through the pool callback.
const (
	EventAgentStarted  = "agent_started"
	EventAgentComplete = "agent_complete"
)

// Event is one pool lifecycle notification.
type Event struct {
	Type    string
	AgentID string
	Result  *v1.AgentResult // set for agent_complete
}

// Callback receives pool events. Called synchronously from worker
// goroutines; keep it fast.
type Callback func(Event)

// defaultStaleTimeout governs team-mode stale-claim recovery.
const defaultStaleTimeout = 10 * time.Minute

// Pool owns the shared coordination state and the submit queue. Create with
// New, submit requests, call Run (or RunTeam), then Close to tear the
// shared state down. Close runs teardown in reverse order of setup.
type Pool struct {
	cfg      *config.Config
	rt       runtime.Runtime
	logger   *logger.Logger
	callback Callback

	bus      *bus.Bus
	board    *board.Board
	journal  *bus.Journal
	stateDir string
	ownState bool

	mu       sync.Mutex
	requests []*v1.AgentRequest
	counter  int
	teamMode bool
	closed   bool

	stopped atomic.Bool
	running sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithCallback registers the pool event callback.
func WithCallback(cb Callback) Option {
	return func(p *Pool) { p.callback = cb }
}

// New creates a pool and prepares the shared state: task board, message
// journal, and in-process bus. The caller must Close it.
func New(cfg *config.Config, rt runtime.Runtime, log *logger.Logger, opts ...Option) (*Pool, error) {
	p := &Pool{
		cfg:    cfg,
		rt:     rt,
		logger: log.WithFields(zap.String("component", "agent-pool")),
	}
	for _, opt := range opts {
		opt(p)
	}

	stateDir := cfg.Pool.StateDir
	if stateDir == "" {
		dir, err := os.MkdirTemp("", "agentpool-state-")
		if err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		stateDir = dir
		p.ownState = true
	}
	p.stateDir = stateDir

	b, err := board.New(stateDir, log, board.WithStaleTimeout(defaultStaleTimeout))
	if err != nil {
		return nil, err
	}
	p.board = b

	j, err := bus.NewJournal(stateDir, log)
	if err != nil {
		return nil, err
	}
	p.journal = j

	p.bus = bus.NewBus(log)

	p.logger.Info("pool ready",
		zap.Int("max_agents", cfg.Pool.EffectiveMaxAgents()),
		zap.String("state_dir", stateDir))
	return p, nil
}

// StateDir returns the directory holding taskboard.json and messages.jsonl.
func (p *Pool) StateDir() string { return p.stateDir }

// Board returns the pool's task board.
func (p *Pool) Board() *board.Board { return p.board }

// Bus returns the in-process message bus.
func (p *Pool) Bus() *bus.Bus { return p.bus }

// Submit enqueues a request and returns its agent id, assigning one when the
// caller did not. Execution does not begin until Run.
func (p *Pool) Submit(req *v1.AgentRequest) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counter++
	if req.AgentID == "" {
		req.AgentID = fmt.Sprintf("agent-%d", p.counter)
	}
	p.requests = append(p.requests, req)

	p.logger.Debug("request submitted", zap.String("agent_id", req.AgentID))
	return req.AgentID
}

// AddTasks enqueues work items on the shared task board and returns their
// ids, in order.
func (p *Pool) AddTasks(descriptions []string) ([]string, error) {
	ids := make([]string, 0, len(descriptions))
	for _, desc := range descriptions {
		id, err := p.board.Add(desc, nil, 0)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// RequestStop prevents agents that have not yet started from running.
// Non-blocking; in-flight agents continue to their own completion or
// timeout.
func (p *Pool) RequestStop() {
	p.stopped.Store(true)
	p.logger.Info("stop requested")
}

// Run executes every submitted request, at most EffectiveMaxAgents at a
// time, and returns results in submission order. The submit queue is
// consumed: a second Run sees only requests submitted after the first.
func (p *Pool) Run(ctx context.Context) []*v1.AgentResult {
	p.mu.Lock()
	requests := p.requests
	p.requests = nil
	teamMode := p.teamMode
	p.mu.Unlock()

	if len(requests) == 0 {
		return nil
	}

	r := runner.New(runner.Config{
		Workspace:      p.cfg.Pool.Workspace,
		WorkspaceRoot:  p.cfg.Pool.WorkspaceRoot,
		Docker:         p.cfg.Docker,
		DefaultModel:   p.cfg.Pool.DefaultModel,
		DefaultSandbox: v1.SandboxKind(p.cfg.Pool.DefaultSandbox),
		DefaultTimeout: p.cfg.Pool.SessionTimeout(),
		TeamMode:       teamMode,
		StateDir:       p.stateDir,
		StaleTimeout:   defaultStaleTimeout,
	}, p.bus, p.rt, p.logger)

	sem := semaphore.NewWeighted(int64(p.cfg.Pool.EffectiveMaxAgents()))
	results := make([]*v1.AgentResult, len(requests))

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		p.running.Add(1)
		go func(i int, req *v1.AgentRequest) {
			defer wg.Done()
			defer p.running.Done()

			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = p.skippedResult(req, "pool context cancelled: "+err.Error())
				return
			}
			defer sem.Release(1)

			if p.stopped.Load() {
				results[i] = p.skippedResult(req, "pool stop requested before agent start")
				return
			}

			p.emit(Event{Type: EventAgentStarted, AgentID: req.AgentID})
			result := r.Run(ctx, req)
			results[i] = result
			p.emit(Event{Type: EventAgentComplete, AgentID: req.AgentID, Result: result})
		}(i, req)
	}
	wg.Wait()

	return results
}

// RunTeam seeds a lead and N workers against the shared task board, all
// wired with per-agent coordination servers, then runs them.
func (p *Pool) RunTeam(ctx context.Context, leadPrompt, workerPrompt string, numWorkers int) []*v1.AgentResult {
	p.mu.Lock()
	p.teamMode = true
	p.mu.Unlock()

	p.Submit(&v1.AgentRequest{AgentID: "lead", Prompt: leadPrompt})
	for i := 1; i <= numWorkers; i++ {
		p.Submit(&v1.AgentRequest{
			AgentID: fmt.Sprintf("worker-%d", i),
			Prompt:  workerPrompt,
		})
	}

	return p.Run(ctx)
}

// Close waits for in-flight agents and tears down shared state in reverse
// order of setup. Idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.running.Wait()

	// Journal and board are path-bound; dropping the state directory is
	// their teardown. The bus simply goes out of scope with the pool.
	if p.ownState {
		if err := os.RemoveAll(p.stateDir); err != nil {
			p.logger.Warn("failed to remove state directory", zap.Error(err))
			return err
		}
	}

	p.logger.Info("pool closed")
	return nil
}

func (p *Pool) skippedResult(req *v1.AgentRequest, reason string) *v1.AgentResult {
	p.logger.Info("agent skipped",
		zap.String("agent_id", req.AgentID), zap.String("reason", reason))
	return &v1.AgentResult{
		AgentID: req.AgentID,
		Status:  v1.AgentStatusError,
		Error:   reason,
		Model:   req.Model,
	}
}

func (p *Pool) emit(event Event) {
	if p.callback == nil {
		return
	}
	p.callback(event)
}
