package v1

// TaskStatus is the lifecycle state of a board task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a unit of work on the shared board.
// Timestamps are seconds since the epoch, matching the on-disk format.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	AssignedTo  *string    `json:"assigned_to"`
	DependsOn   []string   `json:"depends_on"`
	Result      *string    `json:"result"`
	Priority    int        `json:"priority"`
	CreatedAt   float64    `json:"created_at"`
	ClaimedAt   *float64   `json:"claimed_at"`
	CompletedAt *float64   `json:"completed_at"`
}

// Terminal reports whether the task has reached a final state.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	if t.AssignedTo != nil {
		v := *t.AssignedTo
		c.AssignedTo = &v
	}
	if t.Result != nil {
		v := *t.Result
		c.Result = &v
	}
	if t.ClaimedAt != nil {
		v := *t.ClaimedAt
		c.ClaimedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}
