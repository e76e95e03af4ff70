package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"carecircle/internal/mirror"
	carecirclesdk "carecircle/sdk/go"
)

// RemoteMirror adapts the HTTP client to the Mirror interface so the
// CLI can point at a running mirror server instead of a local cache
// file.
type RemoteMirror struct {
	Client *carecirclesdk.Client
}

func NewRemoteMirror(c *carecirclesdk.Client) *RemoteMirror {
	return &RemoteMirror{Client: c}
}

func (r *RemoteMirror) UpsertCircle(ctx context.Context, c mirror.Circle) error {
	return remapErr(r.Client.UpsertCircle(ctx, carecirclesdk.Circle{
		ID:          c.ID,
		Name:        c.Name,
		Owner:       c.Owner,
		MemberCount: c.MemberCount,
		TaskCount:   c.TaskCount,
		TxRef:       c.TxRef,
	}))
}

func (r *RemoteMirror) UpsertMember(ctx context.Context, m mirror.Member) error {
	return remapErr(r.Client.UpsertMember(ctx, carecirclesdk.Member{
		CircleID:       m.CircleID,
		Address:        m.Address,
		IsOwner:        m.IsOwner,
		IsActive:       m.IsActive,
		TasksCompleted: m.TasksCompleted,
		TxRef:          m.TxRef,
	}))
}

func (r *RemoteMirror) UpsertTask(ctx context.Context, t mirror.Task) error {
	return remapErr(r.Client.UpsertTask(ctx, carecirclesdk.Task{
		ID:          t.ID,
		CircleID:    t.CircleID,
		Title:       t.Title,
		Description: t.Description,
		AssignedTo:  t.AssignedTo,
		CreatedBy:   t.CreatedBy,
		CreatedAt:   t.CreatedAt,
		Completed:   t.Completed,
		CompletedBy: t.CompletedBy,
		CompletedAt: t.CompletedAt,
		Priority:    t.Priority,
		TxRef:       t.TxRef,
	}))
}

func (r *RemoteMirror) GetCircle(ctx context.Context, id int64) (mirror.Circle, error) {
	c, err := r.Client.GetCircle(ctx, id)
	if err != nil {
		return mirror.Circle{}, remapErr(err)
	}
	return mirror.Circle{
		ID:          c.ID,
		Name:        c.Name,
		Owner:       c.Owner,
		MemberCount: c.MemberCount,
		TaskCount:   c.TaskCount,
		TxRef:       c.TxRef,
		UpdatedAt:   c.UpdatedAt,
	}, nil
}

func (r *RemoteMirror) ListMembersByCircle(ctx context.Context, circleID int64) ([]mirror.Member, error) {
	members, err := r.Client.ListMembers(ctx, circleID)
	if err != nil {
		return nil, remapErr(err)
	}
	out := make([]mirror.Member, 0, len(members))
	for _, m := range members {
		out = append(out, mirror.Member{
			CircleID:       m.CircleID,
			Address:        m.Address,
			IsOwner:        m.IsOwner,
			IsActive:       m.IsActive,
			TasksCompleted: m.TasksCompleted,
			TxRef:          m.TxRef,
			UpdatedAt:      m.UpdatedAt,
		})
	}
	return out, nil
}

func (r *RemoteMirror) ListTasksByCircle(ctx context.Context, circleID int64) ([]mirror.Task, error) {
	tasks, err := r.Client.ListTasks(ctx, circleID)
	if err != nil {
		return nil, remapErr(err)
	}
	return taskRows(tasks), nil
}

func (r *RemoteMirror) ListTasksByAssignee(ctx context.Context, addr string) ([]mirror.Task, error) {
	tasks, err := r.Client.ListTasksByAssignee(ctx, addr)
	if err != nil {
		return nil, remapErr(err)
	}
	return taskRows(tasks), nil
}

func (r *RemoteMirror) ComputeStats(ctx context.Context, circleID int64) (mirror.Stats, error) {
	s, err := r.Client.Stats(ctx, circleID)
	if err != nil {
		return mirror.Stats{}, remapErr(err)
	}
	return mirror.Stats{
		TotalTasks:     s.TotalTasks,
		CompletedTasks: s.CompletedTasks,
		OpenTasks:      s.OpenTasks,
		CompletionRate: s.CompletionRate,
		MemberCount:    s.MemberCount,
	}, nil
}

func taskRows(tasks []carecirclesdk.Task) []mirror.Task {
	out := make([]mirror.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, mirror.Task{
			ID:          t.ID,
			CircleID:    t.CircleID,
			Title:       t.Title,
			Description: t.Description,
			AssignedTo:  t.AssignedTo,
			CreatedBy:   t.CreatedBy,
			CreatedAt:   t.CreatedAt,
			Completed:   t.Completed,
			CompletedBy: t.CompletedBy,
			CompletedAt: t.CompletedAt,
			Priority:    t.Priority,
			TxRef:       t.TxRef,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	return out
}

// remapErr folds remote 404s into the local sentinel so callers handle
// both mirror flavors the same way.
func remapErr(err error) error {
	var apiErr *carecirclesdk.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return mirror.ErrNotFound
	}
	return err
}
