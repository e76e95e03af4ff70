package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"carecircle/internal/domain"
)

// Read-only views over ledger state. These exist for the CLI and for
// verification; user-facing queries go through the mirror.

func (l Ledger) GetCircle(ctx context.Context, id int64) (domain.Circle, error) {
	var c domain.Circle
	err := l.DB.QueryRowContext(ctx, `SELECT id,name,owner,created_at,member_count,task_count FROM circles WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Owner, &c.CreatedAt, &c.MemberCount, &c.TaskCount)
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("circle %d: %w", id, ErrNotFound)
	}
	return c, err
}

func (l Ledger) ListCircles(ctx context.Context) ([]domain.Circle, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,name,owner,created_at,member_count,task_count FROM circles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Circle
	for rows.Next() {
		var c domain.Circle
		if err := rows.Scan(&c.ID, &c.Name, &c.Owner, &c.CreatedAt, &c.MemberCount, &c.TaskCount); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (l Ledger) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	var description, completedBy, completedAt sql.NullString
	err := l.DB.QueryRowContext(ctx, `SELECT id,circle_id,title,description,assigned_to,created_by,created_at,completed,completed_by,completed_at,priority FROM tasks WHERE id=?`, id).
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

func (l Ledger) GetMember(ctx context.Context, circleID int64, addr string) (domain.Member, error) {
	var m domain.Member
	err := l.DB.QueryRowContext(ctx, `SELECT circle_id,address,is_owner,joined_at,tasks_completed,is_active FROM members WHERE circle_id=? AND address=?`, circleID, addr).
		Scan(&m.CircleID, &m.Address, &m.IsOwner, &m.JoinedAt, &m.TasksCompleted, &m.IsActive)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("member %s in circle %d: %w", addr, circleID, ErrNotFound)
	}
	return m, err
}

// IsMember reports whether addr holds an active membership in the circle.
func (l Ledger) IsMember(ctx context.Context, circleID int64, addr string) (bool, error) {
	var active bool
	err := l.DB.QueryRowContext(ctx, `SELECT is_active FROM members WHERE circle_id=? AND address=?`, circleID, addr).Scan(&active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (l Ledger) ListMembers(ctx context.Context, circleID int64) ([]domain.Member, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT circle_id,address,is_owner,joined_at,tasks_completed,is_active FROM members WHERE circle_id=? ORDER BY joined_at, address`, circleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.CircleID, &m.Address, &m.IsOwner, &m.JoinedAt, &m.TasksCompleted, &m.IsActive); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (l Ledger) MemberCount(ctx context.Context, circleID int64) (int64, error) {
	c, err := l.GetCircle(ctx, circleID)
	if err != nil {
		return 0, err
	}
	return c.MemberCount, nil
}

func (l Ledger) TaskCount(ctx context.Context, circleID int64) (int64, error) {
	c, err := l.GetCircle(ctx, circleID)
	if err != nil {
		return 0, err
	}
	return c.TaskCount, nil
}

// Stats returns the global ledger totals.
func (l Ledger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	var s domain.LedgerStats
	rows, err := l.DB.QueryContext(ctx, `SELECT name,value FROM counters WHERE name IN ('total_circles','total_tasks','total_completions')`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return s, err
		}
		switch name {
		case "total_circles":
			s.TotalCircles = value
		case "total_tasks":
			s.TotalTasks = value
		case "total_completions":
			s.TotalCompletions = value
		}
	}
	return s, rows.Err()
}

// ListEvents returns events newest first, optionally scoped to a circle,
// with id-cursor pagination.
func (l Ledger) ListEvents(ctx context.Context, circleID int64, limit int, cursorID int64) ([]domain.Event, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT id,ref,ts,kind,COALESCE(circle_id,0),entity_kind,COALESCE(entity_id,''),actor,payload_json FROM events`
	var (
		clauses []string
		args    []any
	)
	if circleID != 0 {
		clauses = append(clauses, `circle_id=?`)
		args = append(args, circleID)
	}
	if cursorID != 0 {
		clauses = append(clauses, `id<?`)
		args = append(args, cursorID)
	}
	for i, clause := range clauses {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.Ref, &e.TS, &e.Kind, &e.CircleID, &e.EntityKind, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
