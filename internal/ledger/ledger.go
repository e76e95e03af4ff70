package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"carecircle/internal/domain"
	"carecircle/internal/events"
)

// Ledger is the authoritative circle/member/task state machine. Every
// mutating operation runs in a single transaction that also appends the
// proof event, so state change and event are all-or-nothing.
type Ledger struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Ledger {
	return Ledger{
		DB:     db,
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// CreateCircle assigns the next circle id and makes the caller owner and
// first active member. Returns the circle and the proof reference.
func (l Ledger) CreateCircle(ctx context.Context, caller, name string) (domain.Circle, string, error) {
	if name == "" {
		return domain.Circle{}, "", fmt.Errorf("circle name must not be empty: %w", ErrInvalidInput)
	}
	if caller == "" {
		return domain.Circle{}, "", fmt.Errorf("caller address required: %w", ErrInvalidInput)
	}
	now := l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Circle{}, "", err
	}
	defer tx.Rollback()

	id, err := nextID(ctx, tx, "next_circle_id")
	if err != nil {
		return domain.Circle{}, "", err
	}
	c := domain.Circle{
		ID:          id,
		Name:        name,
		Owner:       caller,
		CreatedAt:   now,
		MemberCount: 1,
		TaskCount:   0,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO circles(id,name,owner,created_at,member_count,task_count) VALUES (?,?,?,?,?,?)`,
		c.ID, c.Name, c.Owner, c.CreatedAt, c.MemberCount, c.TaskCount); err != nil {
		return domain.Circle{}, "", fmt.Errorf("insert circle: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO members(circle_id,address,is_owner,joined_at,tasks_completed,is_active) VALUES (?,?,1,?,0,1)`,
		c.ID, caller, now); err != nil {
		return domain.Circle{}, "", fmt.Errorf("insert owner membership: %w", err)
	}
	if err := bump(ctx, tx, "total_circles", 1); err != nil {
		return domain.Circle{}, "", err
	}
	ref, err := l.Events.Append(ctx, tx, "circle.created", c.ID, "circle", itoa(c.ID), caller, events.EventPayload{
		"name":  c.Name,
		"owner": c.Owner,
	})
	if err != nil {
		return domain.Circle{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Circle{}, "", err
	}
	return c, ref, nil
}

// AddMember inserts or reactivates a membership row. Owner only.
func (l Ledger) AddMember(ctx context.Context, caller string, circleID int64, addr string) (domain.Member, string, error) {
	if addr == "" {
		return domain.Member{}, "", fmt.Errorf("member address required: %w", ErrInvalidInput)
	}
	now := l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, "", err
	}
	defer tx.Rollback()

	c, err := getCircleTx(ctx, tx, circleID)
	if err != nil {
		return domain.Member{}, "", err
	}
	if caller != c.Owner {
		return domain.Member{}, "", fmt.Errorf("only the circle owner may add members: %w", ErrUnauthorized)
	}
	existing, err := getMemberTx(ctx, tx, circleID, addr)
	if err == nil && existing.IsActive {
		return domain.Member{}, "", fmt.Errorf("%s in circle %d: %w", addr, circleID, ErrAlreadyMember)
	}
	if err != nil && err != sql.ErrNoRows {
		return domain.Member{}, "", err
	}

	m := domain.Member{CircleID: circleID, Address: addr, JoinedAt: now, IsActive: true}
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO members(circle_id,address,is_owner,joined_at,tasks_completed,is_active) VALUES (?,?,0,?,0,1)`,
			circleID, addr, now); err != nil {
			return domain.Member{}, "", fmt.Errorf("insert member: %w", err)
		}
	} else {
		// Reactivation keeps joined_at and tasks_completed history.
		m.JoinedAt = existing.JoinedAt
		m.TasksCompleted = existing.TasksCompleted
		if _, err := tx.ExecContext(ctx, `UPDATE members SET is_active=1 WHERE circle_id=? AND address=?`, circleID, addr); err != nil {
			return domain.Member{}, "", fmt.Errorf("reactivate member: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE circles SET member_count=member_count+1 WHERE id=?`, circleID); err != nil {
		return domain.Member{}, "", err
	}
	ref, err := l.Events.Append(ctx, tx, "member.added", circleID, "member", addr, caller, events.EventPayload{
		"member":   addr,
		"added_by": caller,
	})
	if err != nil {
		return domain.Member{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, "", err
	}
	return m, ref, nil
}

// RemoveMember soft-deactivates a membership. Existing task assignments are
// left untouched; only new assignments are blocked.
func (l Ledger) RemoveMember(ctx context.Context, caller string, circleID int64, addr string) (domain.Member, string, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, "", err
	}
	defer tx.Rollback()

	c, err := getCircleTx(ctx, tx, circleID)
	if err != nil {
		return domain.Member{}, "", err
	}
	if caller != c.Owner {
		return domain.Member{}, "", fmt.Errorf("only the circle owner may remove members: %w", ErrUnauthorized)
	}
	if addr == c.Owner {
		return domain.Member{}, "", fmt.Errorf("owner membership cannot be removed: %w", ErrInvalidInput)
	}
	m, err := getMemberTx(ctx, tx, circleID, addr)
	if err == sql.ErrNoRows || (err == nil && !m.IsActive) {
		return domain.Member{}, "", fmt.Errorf("no active membership for %s in circle %d: %w", addr, circleID, ErrNotFound)
	}
	if err != nil {
		return domain.Member{}, "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE members SET is_active=0 WHERE circle_id=? AND address=?`, circleID, addr); err != nil {
		return domain.Member{}, "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE circles SET member_count=member_count-1 WHERE id=?`, circleID); err != nil {
		return domain.Member{}, "", err
	}
	m.IsActive = false
	ref, err := l.Events.Append(ctx, tx, "member.removed", circleID, "member", addr, caller, events.EventPayload{
		"member":     addr,
		"removed_by": caller,
	})
	if err != nil {
		return domain.Member{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, "", err
	}
	return m, ref, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	CircleID    int64
	Title       string
	Description string
	AssignedTo  string
	Priority    int
}

// CreateTask assigns the next ledger-wide task id. The caller and the
// assignee must both be active members of the circle.
func (l Ledger) CreateTask(ctx context.Context, caller string, opts TaskCreateOptions) (domain.Task, string, error) {
	now := l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, "", err
	}
	defer tx.Rollback()

	if _, err := getCircleTx(ctx, tx, opts.CircleID); err != nil {
		return domain.Task{}, "", err
	}
	if opts.Title == "" {
		return domain.Task{}, "", fmt.Errorf("task title must not be empty: %w", ErrInvalidInput)
	}
	if opts.Priority < 0 || opts.Priority > 3 {
		return domain.Task{}, "", fmt.Errorf("priority %d outside 0..3: %w", opts.Priority, ErrInvalidInput)
	}
	if ok, err := isActiveMemberTx(ctx, tx, opts.CircleID, caller); err != nil {
		return domain.Task{}, "", err
	} else if !ok {
		return domain.Task{}, "", fmt.Errorf("caller %s is not an active member of circle %d: %w", caller, opts.CircleID, ErrUnauthorized)
	}
	if ok, err := isActiveMemberTx(ctx, tx, opts.CircleID, opts.AssignedTo); err != nil {
		return domain.Task{}, "", err
	} else if !ok {
		return domain.Task{}, "", fmt.Errorf("assignee %s is not an active member of circle %d: %w", opts.AssignedTo, opts.CircleID, ErrUnauthorized)
	}

	id, err := nextID(ctx, tx, "next_task_id")
	if err != nil {
		return domain.Task{}, "", err
	}
	t := domain.Task{
		ID:          id,
		CircleID:    opts.CircleID,
		Title:       opts.Title,
		Description: opts.Description,
		AssignedTo:  opts.AssignedTo,
		CreatedBy:   caller,
		CreatedAt:   now,
		Priority:    opts.Priority,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,circle_id,title,description,assigned_to,created_by,created_at,completed,priority) VALUES (?,?,?,?,?,?,?,0,?)`,
		t.ID, t.CircleID, t.Title, nullable(t.Description), t.AssignedTo, t.CreatedBy, t.CreatedAt, t.Priority); err != nil {
		return domain.Task{}, "", fmt.Errorf("insert task: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE circles SET task_count=task_count+1 WHERE id=?`, t.CircleID); err != nil {
		return domain.Task{}, "", err
	}
	if err := bump(ctx, tx, "total_tasks", 1); err != nil {
		return domain.Task{}, "", err
	}
	ref, err := l.Events.Append(ctx, tx, "task.created", t.CircleID, "task", itoa(t.ID), caller, events.EventPayload{
		"title":       t.Title,
		"assigned_to": t.AssignedTo,
	})
	if err != nil {
		return domain.Task{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, "", err
	}
	return t, ref, nil
}

// CompleteTask sets the completion triple. One-shot; assignee only. The
// completer's tasks_completed counter moves in the same transaction.
func (l Ledger) CompleteTask(ctx context.Context, caller string, taskID int64) (domain.Task, string, error) {
	now := l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, "", err
	}
	defer tx.Rollback()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, "", err
	}
	if t.Completed {
		return domain.Task{}, "", fmt.Errorf("task %d: %w", taskID, ErrAlreadyCompleted)
	}
	if caller != t.AssignedTo {
		return domain.Task{}, "", fmt.Errorf("task %d is assigned to %s, not %s: %w", taskID, t.AssignedTo, caller, ErrUnauthorized)
	}

	t.Completed = true
	t.CompletedBy = &caller
	t.CompletedAt = &now
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET completed=1, completed_by=?, completed_at=? WHERE id=?`, caller, now, taskID); err != nil {
		return domain.Task{}, "", err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE members SET tasks_completed=tasks_completed+1 WHERE circle_id=? AND address=?`, t.CircleID, caller); err != nil {
		return domain.Task{}, "", err
	}
	if err := bump(ctx, tx, "total_completions", 1); err != nil {
		return domain.Task{}, "", err
	}
	ref, err := l.Events.Append(ctx, tx, "task.completed", t.CircleID, "task", itoa(t.ID), caller, events.EventPayload{
		"completed_by": caller,
		"timestamp":    now,
	})
	if err != nil {
		return domain.Task{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, "", err
	}
	return t, ref, nil
}

// ReassignTask changes assigned_to while the task is still open. Permitted
// for the task creator and the circle owner.
func (l Ledger) ReassignTask(ctx context.Context, caller string, taskID int64, newAssignee string) (domain.Task, string, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, "", err
	}
	defer tx.Rollback()

	t, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, "", err
	}
	c, err := getCircleTx(ctx, tx, t.CircleID)
	if err != nil {
		return domain.Task{}, "", err
	}
	if t.Completed {
		return domain.Task{}, "", fmt.Errorf("task %d: %w", taskID, ErrAlreadyCompleted)
	}
	if caller != t.CreatedBy && caller != c.Owner {
		return domain.Task{}, "", fmt.Errorf("only the task creator or circle owner may reassign: %w", ErrUnauthorized)
	}
	if ok, err := isActiveMemberTx(ctx, tx, t.CircleID, newAssignee); err != nil {
		return domain.Task{}, "", err
	} else if !ok {
		return domain.Task{}, "", fmt.Errorf("new assignee %s is not an active member of circle %d: %w", newAssignee, t.CircleID, ErrInvalidInput)
	}

	previous := t.AssignedTo
	t.AssignedTo = newAssignee
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET assigned_to=? WHERE id=?`, newAssignee, taskID); err != nil {
		return domain.Task{}, "", err
	}
	ref, err := l.Events.Append(ctx, tx, "task.reassigned", t.CircleID, "task", itoa(t.ID), caller, events.EventPayload{
		"from": previous,
		"to":   newAssignee,
	})
	if err != nil {
		return domain.Task{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, "", err
	}
	return t, ref, nil
}

func nextID(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name=?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value=value+1 WHERE name=?`, name); err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", name, err)
	}
	return id, nil
}

func bump(ctx context.Context, tx *sql.Tx, name string, delta int64) error {
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value=value+? WHERE name=?`, delta, name); err != nil {
		return fmt.Errorf("bump counter %s: %w", name, err)
	}
	return nil
}

func getCircleTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Circle, error) {
	var c domain.Circle
	err := tx.QueryRowContext(ctx, `SELECT id,name,owner,created_at,member_count,task_count FROM circles WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Owner, &c.CreatedAt, &c.MemberCount, &c.TaskCount)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("circle %d: %w", id, ErrNotFound)
	}
	return c, err
}

func getMemberTx(ctx context.Context, tx *sql.Tx, circleID int64, addr string) (domain.Member, error) {
	var m domain.Member
	err := tx.QueryRowContext(ctx, `SELECT circle_id,address,is_owner,joined_at,tasks_completed,is_active FROM members WHERE circle_id=? AND address=?`, circleID, addr).
		Scan(&m.CircleID, &m.Address, &m.IsOwner, &m.JoinedAt, &m.TasksCompleted, &m.IsActive)
	return m, err
}

func isActiveMemberTx(ctx context.Context, tx *sql.Tx, circleID int64, addr string) (bool, error) {
	m, err := getMemberTx(ctx, tx, circleID, addr)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.IsActive, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	var t domain.Task
	var description, completedBy, completedAt sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,circle_id,title,description,assigned_to,created_by,created_at,completed,completed_by,completed_at,priority FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.CircleID, &t.Title, &description, &t.AssignedTo, &t.CreatedBy, &t.CreatedAt, &t.Completed, &completedBy, &completedAt, &t.Priority)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func itoa(v int64) string {
	return fmt.Sprintf("%d", v)
}
