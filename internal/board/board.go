// Package board implements the shared task board: a durable prioritised
// work queue with dependency gating, atomic claims, and stale-claim
// recovery, safe for use from multiple OS processes.
package board

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/errors"
	"github.com/noclaw/agentpool/internal/common/logger"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

const (
	boardFile     = "taskboard.json"
	boardLockFile = "taskboard.lock"

	// idLength is the hex prefix of a fresh UUID used as the task id.
	idLength = 8
	// idRetries bounds retry-on-collision in Add.
	idRetries = 3
)

// boardState is the on-disk document.
type boardState struct {
	Tasks []*v1.Task `json:"tasks"`
}

// Board is a prioritised work queue. With a state directory it persists to
// taskboard.json and serialises every mutation through an exclusive advisory
// lock on taskboard.lock, making claims atomic across processes. Without a
// state directory it is a single-process in-memory queue.
type Board struct {
	path         string // empty in memory-only mode
	lockPath     string
	staleTimeout time.Duration
	logger       *logger.Logger

	tasks []*v1.Task
}

// Option configures a Board.
type Option func(*Board)

// WithStaleTimeout enables the stale sweep: in-progress tasks claimed longer
// ago than d are restored to pending on the next Claim.
func WithStaleTimeout(d time.Duration) Option {
	return func(b *Board) { b.staleTimeout = d }
}

// New creates a board. stateDir may be empty for in-memory mode.
func New(stateDir string, log *logger.Logger, opts ...Option) (*Board, error) {
	b := &Board{
		logger: log.WithFields(zap.String("component", "task-board")),
	}
	for _, opt := range opts {
		opt(b)
	}

	if stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create board directory: %w", err)
		}
		b.path = filepath.Join(stateDir, boardFile)
		b.lockPath = filepath.Join(stateDir, boardLockFile)
	}
	return b, nil
}

// Path returns the board file path, or empty in memory-only mode.
func (b *Board) Path() string { return b.path }

// fileBacked reports whether the board persists to disk.
func (b *Board) fileBacked() bool { return b.path != "" }

// withLock runs fn under the exclusive advisory lock. In memory mode fn runs
// directly. fn receives a "locked" signal it must pass to save; the signal
// never leaves this package.
func (b *Board) withLock(fn func(locked bool) error) error {
	if !b.fileBacked() {
		return fn(false)
	}

	lock := flock.New(b.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to lock board: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := b.reload(); err != nil {
		return err
	}
	return fn(true)
}

// reload replaces the in-memory snapshot from disk. Callers hold the lock.
func (b *Board) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.tasks = nil
			return nil
		}
		return fmt.Errorf("failed to read board: %w", err)
	}

	var state boardState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse board: %w", err)
	}
	b.tasks = state.Tasks
	return nil
}

// save persists the full board. The locked signal asserts the caller already
// holds the exclusive lock; saving without it is a bug, not a fallback.
func (b *Board) save(locked bool) error {
	if !b.fileBacked() {
		return nil
	}
	if !locked {
		return fmt.Errorf("board save requires the file lock")
	}

	data, err := json.MarshalIndent(&boardState{Tasks: b.tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode board: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write board: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace board: %w", err)
	}
	return nil
}

// Add creates a pending task and returns its id.
func (b *Board) Add(description string, dependsOn []string, priority int) (string, error) {
	var id string
	err := b.withLock(func(locked bool) error {
		var err error
		id, err = b.freshID()
		if err != nil {
			return err
		}

		task := &v1.Task{
			ID:          id,
			Description: description,
			Status:      v1.TaskStatusPending,
			DependsOn:   append([]string(nil), dependsOn...),
			Priority:    priority,
			CreatedAt:   now(),
		}
		b.tasks = append(b.tasks, task)
		return b.save(locked)
	})
	if err != nil {
		return "", err
	}

	b.logger.Debug("task added", zap.String("id", id), zap.Int("priority", priority))
	return id, nil
}

// freshID returns an unused 8-hex-char id, retrying on collision.
func (b *Board) freshID() (string, error) {
	for i := 0; i < idRetries; i++ {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
		if b.find(id) == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("failed to allocate task id after %d attempts", idRetries)
}

// Claim atomically selects the best eligible task for the agent: reload,
// sweep stale claims, filter pending tasks whose dependencies are all
// completed, order by priority descending then created_at ascending, and
// mark the winner in progress. Returns nil when nothing is eligible.
func (b *Board) Claim(agentID string) (*v1.Task, error) {
	var claimed *v1.Task
	err := b.withLock(func(locked bool) error {
		swept := b.sweepStale()

		candidates := make([]*v1.Task, 0, len(b.tasks))
		for _, task := range b.tasks {
			if task.Status == v1.TaskStatusPending && b.depsSatisfied(task) {
				candidates = append(candidates, task)
			}
		}
		if len(candidates) == 0 {
			if swept > 0 {
				return b.save(locked)
			}
			return nil
		}

		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority > candidates[j].Priority
			}
			return candidates[i].CreatedAt < candidates[j].CreatedAt
		})

		task := candidates[0]
		task.Status = v1.TaskStatusInProgress
		task.AssignedTo = &agentID
		claimedAt := now()
		task.ClaimedAt = &claimedAt

		claimed = task.Clone()
		return b.save(locked)
	})
	if err != nil {
		return nil, err
	}

	if claimed != nil {
		b.logger.Debug("task claimed",
			zap.String("id", claimed.ID), zap.String("agent_id", agentID))
	}
	return claimed, nil
}

// sweepStale restores pending state on in-progress tasks whose claim has
// outlived the stale timeout. Returns the number of tasks swept. Callers
// hold the lock.
func (b *Board) sweepStale() int {
	if b.staleTimeout <= 0 {
		return 0
	}

	cutoff := now() - b.staleTimeout.Seconds()
	swept := 0
	for _, task := range b.tasks {
		if task.Status != v1.TaskStatusInProgress || task.ClaimedAt == nil {
			continue
		}
		if *task.ClaimedAt > cutoff {
			continue
		}
		b.logger.Warn("reclaiming stale task",
			zap.String("id", task.ID),
			zap.Stringp("assigned_to", task.AssignedTo))
		task.Status = v1.TaskStatusPending
		task.AssignedTo = nil
		task.ClaimedAt = nil
		swept++
	}
	return swept
}

// depsSatisfied reports whether every dependency exists and is completed.
// An unknown dependency id blocks the task.
func (b *Board) depsSatisfied(task *v1.Task) bool {
	for _, depID := range task.DependsOn {
		dep := b.find(depID)
		if dep == nil || dep.Status != v1.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Complete transitions an in-progress task to completed.
func (b *Board) Complete(id string, result string) error {
	return b.finish(id, "", v1.TaskStatusCompleted, result)
}

// CompleteBy is Complete with an ownership check: an agent that lost the
// task to the stale sweep gets a conflict instead of clobbering the new
// owner's work.
func (b *Board) CompleteBy(agentID, id, result string) error {
	return b.finish(id, agentID, v1.TaskStatusCompleted, result)
}

// Fail transitions an in-progress task to failed, storing the error text as
// the task result.
func (b *Board) Fail(id string, errText string) error {
	return b.finish(id, "", v1.TaskStatusFailed, errText)
}

// FailBy is Fail with the same ownership check as CompleteBy.
func (b *Board) FailBy(agentID, id, errText string) error {
	return b.finish(id, agentID, v1.TaskStatusFailed, errText)
}

func (b *Board) finish(id, caller string, status v1.TaskStatus, result string) error {
	return b.withLock(func(locked bool) error {
		task := b.find(id)
		if task == nil {
			return errors.NotFound("task", id)
		}
		if task.Status != v1.TaskStatusInProgress {
			return errors.Conflict(fmt.Sprintf(
				"task %s is %s, not in_progress", id, task.Status))
		}
		if caller != "" && task.AssignedTo != nil && *task.AssignedTo != caller {
			return errors.Conflict(fmt.Sprintf(
				"task %s is assigned to %s", id, *task.AssignedTo))
		}

		task.Status = status
		if result != "" {
			task.Result = &result
		}
		task.AssignedTo = nil
		completedAt := now()
		task.CompletedAt = &completedAt
		return b.save(locked)
	})
}

// Release returns an in-progress task to pending.
func (b *Board) Release(id string) error {
	return b.withLock(func(locked bool) error {
		task := b.find(id)
		if task == nil {
			return errors.NotFound("task", id)
		}
		if task.Status != v1.TaskStatusInProgress {
			return errors.Conflict(fmt.Sprintf(
				"task %s is %s, not in_progress", id, task.Status))
		}

		b.release(task)
		return b.save(locked)
	})
}

// ReleaseAgentTasks releases every in-progress task assigned to the agent
// and returns the released ids.
func (b *Board) ReleaseAgentTasks(agentID string) ([]string, error) {
	var released []string
	err := b.withLock(func(locked bool) error {
		for _, task := range b.tasks {
			if task.Status != v1.TaskStatusInProgress {
				continue
			}
			if task.AssignedTo == nil || *task.AssignedTo != agentID {
				continue
			}
			b.release(task)
			released = append(released, task.ID)
		}
		if len(released) == 0 {
			return nil
		}
		return b.save(locked)
	})
	if err != nil {
		return nil, err
	}

	if len(released) > 0 {
		b.logger.Info("released agent tasks",
			zap.String("agent_id", agentID), zap.Strings("task_ids", released))
	}
	return released, nil
}

func (b *Board) release(task *v1.Task) {
	task.Status = v1.TaskStatusPending
	task.AssignedTo = nil
	task.ClaimedAt = nil
}

// Status returns a snapshot of every task, reloading from disk first when
// file-backed.
func (b *Board) Status() ([]*v1.Task, error) {
	var snapshot []*v1.Task
	err := b.withLock(func(bool) error {
		snapshot = make([]*v1.Task, 0, len(b.tasks))
		for _, task := range b.tasks {
			snapshot = append(snapshot, task.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// PendingCount returns the number of pending tasks.
func (b *Board) PendingCount() (int, error) {
	return b.count(v1.TaskStatusPending)
}

// CompletedCount returns the number of completed tasks.
func (b *Board) CompletedCount() (int, error) {
	return b.count(v1.TaskStatusCompleted)
}

func (b *Board) count(status v1.TaskStatus) (int, error) {
	n := 0
	err := b.withLock(func(bool) error {
		for _, task := range b.tasks {
			if task.Status == status {
				n++
			}
		}
		return nil
	})
	return n, err
}

// AllDone reports whether no task is pending or in progress.
func (b *Board) AllDone() (bool, error) {
	done := true
	err := b.withLock(func(bool) error {
		for _, task := range b.tasks {
			if task.Status == v1.TaskStatusPending || task.Status == v1.TaskStatusInProgress {
				done = false
				return nil
			}
		}
		return nil
	})
	return done, err
}

// find returns the task with the given id, or nil.
func (b *Board) find(id string) *v1.Task {
	for _, task := range b.tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
