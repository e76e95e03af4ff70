package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// Store is the read-optimized replica of ledger state. It is never
// authoritative: upserts absorb what the ledger already decided, and query
// operations carry no authorization logic.
type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
)

// Circle is a mirrored circle row. TxRef points at the ledger event that
// produced the first observed snapshot and is never erased by later upserts.
type Circle struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	MemberCount int64   `json:"member_count"`
	TaskCount   int64   `json:"task_count"`
	TxRef       *string `json:"tx_ref,omitempty"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type Member struct {
	CircleID       int64   `json:"circle_id"`
	Address        string  `json:"address"`
	IsOwner        bool    `json:"is_owner"`
	IsActive       bool    `json:"is_active"`
	TasksCompleted int64   `json:"tasks_completed"`
	TxRef          *string `json:"tx_ref,omitempty"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID          int64   `json:"id"`
	CircleID    int64   `json:"circle_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	AssignedTo  string  `json:"assigned_to"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at,omitempty" format:"date-time"`
	Completed   bool    `json:"completed"`
	CompletedBy *string `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Priority    int     `json:"priority"`
	TxRef       *string `json:"tx_ref,omitempty"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Stats are per-circle aggregates computed from mirrored rows.
type Stats struct {
	TotalTasks     int64 `json:"total_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	OpenTasks      int64 `json:"open_tasks"`
	CompletionRate int64 `json:"completion_rate"`
	MemberCount    int64 `json:"member_count"`
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// UpsertCircle inserts or replaces a circle snapshot. All fields are
// last-write-wins except tx_ref: an existing non-null tx_ref is kept, so
// redelivery with a null proof reference never erases one already seen.
// The COALESCE runs inside the single upsert statement, which makes the
// conditional update atomic under concurrent delivery.
func (s *Store) UpsertCircle(ctx context.Context, c Circle) error {
	if c.ID <= 0 {
		return fmt.Errorf("circle id required: %w", ErrValidation)
	}
	if c.Name == "" {
		return fmt.Errorf("circle name required: %w", ErrValidation)
	}
	if c.Owner == "" {
		return fmt.Errorf("circle owner required: %w", ErrValidation)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO circles(id,name,owner,member_count,task_count,tx_ref,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, owner=excluded.owner,
member_count=excluded.member_count, task_count=excluded.task_count,
tx_ref=COALESCE(circles.tx_ref, excluded.tx_ref), updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Owner, c.MemberCount, c.TaskCount, nullableRef(c.TxRef), s.now())
	return err
}

// UpsertMember mirrors a membership snapshot keyed by (circle_id, address).
func (s *Store) UpsertMember(ctx context.Context, m Member) error {
	if m.CircleID <= 0 {
		return fmt.Errorf("member circle_id required: %w", ErrValidation)
	}
	if m.Address == "" {
		return fmt.Errorf("member address required: %w", ErrValidation)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO members(circle_id,address,is_owner,is_active,tasks_completed,tx_ref,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(circle_id,address) DO UPDATE SET is_owner=excluded.is_owner, is_active=excluded.is_active,
tasks_completed=excluded.tasks_completed,
tx_ref=COALESCE(members.tx_ref, excluded.tx_ref), updated_at=excluded.updated_at`,
		m.CircleID, m.Address, m.IsOwner, m.IsActive, m.TasksCompleted, nullableRef(m.TxRef), s.now())
	return err
}

// UpsertTask mirrors a full task snapshot keyed by the ledger task id.
func (s *Store) UpsertTask(ctx context.Context, t Task) error {
	if t.ID <= 0 {
		return fmt.Errorf("task id required: %w", ErrValidation)
	}
	if t.CircleID <= 0 {
		return fmt.Errorf("task circle_id required: %w", ErrValidation)
	}
	if t.Title == "" {
		return fmt.Errorf("task title required: %w", ErrValidation)
	}
	if t.AssignedTo == "" {
		return fmt.Errorf("task assigned_to required: %w", ErrValidation)
	}
	if t.CreatedBy == "" {
		return fmt.Errorf("task created_by required: %w", ErrValidation)
	}
	if t.Priority < 0 || t.Priority > 3 {
		return fmt.Errorf("task priority outside 0..3: %w", ErrValidation)
	}
	if t.Completed && (t.CompletedBy == nil || t.CompletedAt == nil) {
		return fmt.Errorf("completed task requires completed_by and completed_at: %w", ErrValidation)
	}
	if !t.Completed && (t.CompletedBy != nil || t.CompletedAt != nil) {
		return fmt.Errorf("open task must not carry completion fields: %w", ErrValidation)
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO tasks(id,circle_id,title,description,assigned_to,created_by,created_at,completed,completed_by,completed_at,priority,tx_ref,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET circle_id=excluded.circle_id, title=excluded.title, description=excluded.description,
assigned_to=excluded.assigned_to, created_by=excluded.created_by, created_at=excluded.created_at,
completed=excluded.completed, completed_by=excluded.completed_by, completed_at=excluded.completed_at,
priority=excluded.priority,
tx_ref=COALESCE(tasks.tx_ref, excluded.tx_ref), updated_at=excluded.updated_at`,
		t.ID, t.CircleID, t.Title, nullable(t.Description), t.AssignedTo, t.CreatedBy, nullable(t.CreatedAt),
		t.Completed, nullableRef(t.CompletedBy), nullableRef(t.CompletedAt), t.Priority, nullableRef(t.TxRef), s.now())
	return err
}

func (s *Store) GetCircle(ctx context.Context, id int64) (Circle, error) {
	var c Circle
	var txRef sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT id,name,owner,member_count,task_count,tx_ref,updated_at FROM circles WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Owner, &c.MemberCount, &c.TaskCount, &txRef, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("circle %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return c, err
	}
	if txRef.Valid {
		c.TxRef = &txRef.String
	}
	return c, nil
}

func (s *Store) ListMembersByCircle(ctx context.Context, circleID int64) ([]Member, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT circle_id,address,is_owner,is_active,tasks_completed,tx_ref,updated_at FROM members WHERE circle_id=? ORDER BY is_owner DESC, address`, circleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Member
	for rows.Next() {
		var m Member
		var txRef sql.NullString
		if err := rows.Scan(&m.CircleID, &m.Address, &m.IsOwner, &m.IsActive, &m.TasksCompleted, &txRef, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if txRef.Valid {
			m.TxRef = &txRef.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// ListTasksByCircle orders open tasks before completed ones, then by
// priority descending, then by id descending.
func (s *Store) ListTasksByCircle(ctx context.Context, circleID int64) ([]Task, error) {
	return s.listTasks(ctx, `WHERE circle_id=?`, circleID)
}

func (s *Store) ListTasksByAssignee(ctx context.Context, addr string) ([]Task, error) {
	return s.listTasks(ctx, `WHERE assigned_to=?`, addr)
}

func (s *Store) listTasks(ctx context.Context, where string, arg any) ([]Task, error) {
	query := `SELECT id,circle_id,title,COALESCE(description,''),assigned_to,created_by,COALESCE(created_at,''),completed,completed_by,completed_at,priority,tx_ref,updated_at FROM tasks ` +
		where + ` ORDER BY completed ASC, priority DESC, id DESC`
	rows, err := s.DB.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Task
	for rows.Next() {
		var t Task
		var completedBy, completedAt, txRef sql.NullString
		if err := rows.Scan(&t.ID, &t.CircleID, &t.Title, &t.Description, &t.AssignedTo, &t.CreatedBy, &t.CreatedAt,
			&t.Completed, &completedBy, &completedAt, &t.Priority, &txRef, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if completedBy.Valid {
			t.CompletedBy = &completedBy.String
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		if txRef.Valid {
			t.TxRef = &txRef.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ComputeStats aggregates mirrored tasks and memberships for one circle.
// completion_rate is round(100*completed/total), 0 when the circle has no
// tasks.
func (s *Store) ComputeStats(ctx context.Context, circleID int64) (Stats, error) {
	var st Stats
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(completed),0) FROM tasks WHERE circle_id=?`, circleID).
		Scan(&st.TotalTasks, &st.CompletedTasks)
	if err != nil {
		return st, err
	}
	st.OpenTasks = st.TotalTasks - st.CompletedTasks
	if st.TotalTasks > 0 {
		st.CompletionRate = int64(math.Round(100 * float64(st.CompletedTasks) / float64(st.TotalTasks)))
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM members WHERE circle_id=? AND is_active=1`, circleID).Scan(&st.MemberCount); err != nil {
		return st, err
	}
	return st, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableRef(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
