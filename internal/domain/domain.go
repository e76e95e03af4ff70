package domain

// Circle is a group of people coordinating caregiving tasks. The owner is
// fixed at creation; member_count and task_count are derived counters.
type Circle struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Owner       string `json:"owner"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	MemberCount int64  `json:"member_count"`
	TaskCount   int64  `json:"task_count"`
}

// Member is a membership row keyed by (circle_id, address). Removal flips
// is_active instead of deleting the row so tasks_completed history survives.
type Member struct {
	CircleID       int64  `json:"circle_id"`
	Address        string `json:"address"`
	IsOwner        bool   `json:"is_owner"`
	JoinedAt       string `json:"joined_at" format:"date-time"`
	TasksCompleted int64  `json:"tasks_completed"`
	IsActive       bool   `json:"is_active"`
}

// Task ids are assigned from a single ledger-wide counter, not per circle.
// Once completed, the completion triple is write-once.
type Task struct {
	ID          int64   `json:"id"`
	CircleID    int64   `json:"circle_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	AssignedTo  string  `json:"assigned_to"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Priority    int     `json:"priority"`
}

// Event is the durable record appended atomically with every ledger
// mutation. Ref is the opaque proof reference the mirror stores as tx_ref.
type Event struct {
	ID         int64  `json:"id"`
	Ref        string `json:"ref"`
	TS         string `json:"ts" format:"date-time"`
	Kind       string `json:"kind"`
	CircleID   int64  `json:"circle_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// Stats are the per-circle aggregates the mirror computes for display.
type Stats struct {
	TotalTasks     int64 `json:"total_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	OpenTasks      int64 `json:"open_tasks"`
	CompletionRate int64 `json:"completion_rate"`
	MemberCount    int64 `json:"member_count"`
}

// LedgerStats are the global ledger totals.
type LedgerStats struct {
	TotalCircles     int64 `json:"total_circles"`
	TotalTasks       int64 `json:"total_tasks"`
	TotalCompletions int64 `json:"total_completions"`
}
