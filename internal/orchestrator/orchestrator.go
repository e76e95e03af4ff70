package orchestrator

import (
	"context"
	"log"

	"carecircle/internal/domain"
	"carecircle/internal/ledger"
	"carecircle/internal/mirror"
)

// Mirror is the cache surface the orchestrator refreshes after every
// ledger mutation. *mirror.Store satisfies it directly; RemoteMirror
// adapts the HTTP client to it.
type Mirror interface {
	UpsertCircle(ctx context.Context, c mirror.Circle) error
	UpsertMember(ctx context.Context, m mirror.Member) error
	UpsertTask(ctx context.Context, t mirror.Task) error
	GetCircle(ctx context.Context, id int64) (mirror.Circle, error)
	ListMembersByCircle(ctx context.Context, circleID int64) ([]mirror.Member, error)
	ListTasksByCircle(ctx context.Context, circleID int64) ([]mirror.Task, error)
	ListTasksByAssignee(ctx context.Context, addr string) ([]mirror.Task, error)
	ComputeStats(ctx context.Context, circleID int64) (mirror.Stats, error)
}

// Receipt reports how a mutation landed. The ledger write is always
// durable by the time a Receipt exists; Stale means the mirror refresh
// failed and reads may lag until the next successful upsert.
type Receipt struct {
	TxRef     string
	Stale     bool
	MirrorErr error
}

// Orchestrator sequences every user action: ledger first, mirror
// second. A ledger error aborts the action; a mirror error does not.
type Orchestrator struct {
	Ledger ledger.Ledger
	Mirror Mirror
	Logger *log.Logger
}

func New(l ledger.Ledger, m Mirror) *Orchestrator {
	return &Orchestrator{Ledger: l, Mirror: m}
}

func (o *Orchestrator) logger() *log.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return log.Default()
}

// CreateCircle records the circle on the ledger, then mirrors the
// circle and its owner membership.
func (o *Orchestrator) CreateCircle(ctx context.Context, caller, name string) (domain.Circle, Receipt, error) {
	circle, txRef, err := o.Ledger.CreateCircle(ctx, caller, name)
	if err != nil {
		return domain.Circle{}, Receipt{}, err
	}
	rc := Receipt{TxRef: txRef}
	o.refresh(ctx, &rc, func(ctx context.Context) error {
		if err := o.Mirror.UpsertCircle(ctx, circleRow(circle, txRef)); err != nil {
			return err
		}
		owner, err := o.Ledger.GetMember(ctx, circle.ID, caller)
		if err != nil {
			return err
		}
		return o.Mirror.UpsertMember(ctx, memberRow(owner, txRef))
	})
	return circle, rc, nil
}

// AddMember adds (or reactivates) a membership and mirrors the member
// row plus the circle's refreshed counters.
func (o *Orchestrator) AddMember(ctx context.Context, caller string, circleID int64, addr string) (domain.Member, Receipt, error) {
	member, txRef, err := o.Ledger.AddMember(ctx, caller, circleID, addr)
	if err != nil {
		return domain.Member{}, Receipt{}, err
	}
	rc := Receipt{TxRef: txRef}
	o.refreshMembership(ctx, &rc, member, txRef)
	return member, rc, nil
}

// RemoveMember deactivates a membership and mirrors the change.
func (o *Orchestrator) RemoveMember(ctx context.Context, caller string, circleID int64, addr string) (domain.Member, Receipt, error) {
	member, txRef, err := o.Ledger.RemoveMember(ctx, caller, circleID, addr)
	if err != nil {
		return domain.Member{}, Receipt{}, err
	}
	rc := Receipt{TxRef: txRef}
	o.refreshMembership(ctx, &rc, member, txRef)
	return member, rc, nil
}

// CreateTask records the task and mirrors it with the circle's new
// task count.
func (o *Orchestrator) CreateTask(ctx context.Context, caller string, opts ledger.TaskCreateOptions) (domain.Task, Receipt, error) {
	task, txRef, err := o.Ledger.CreateTask(ctx, caller, opts)
	if err != nil {
		return domain.Task{}, Receipt{}, err
	}
	rc := Receipt{TxRef: txRef}
	o.refresh(ctx, &rc, func(ctx context.Context) error {
		if err := o.Mirror.UpsertTask(ctx, taskRow(task, txRef)); err != nil {
			return err
		}
		circle, err := o.Ledger.GetCircle(ctx, task.CircleID)
		if err != nil {
			return err
		}
		return o.Mirror.UpsertCircle(ctx, circleRow(circle, txRef))
	})
	return task, rc, nil
}

// CompleteTask marks a task done and mirrors the task plus the
// assignee's completion count.
func (o *Orchestrator) CompleteTask(ctx context.Context, caller string, taskID int64) (domain.Task, Receipt, error) {
	task, txRef, err := o.Ledger.CompleteTask(ctx, caller, taskID)
	if err != nil {
		return domain.Task{}, Receipt{}, err
	}
	rc := Receipt{TxRef: txRef}
	o.refresh(ctx, &rc, func(ctx context.Context) error {
		if err := o.Mirror.UpsertTask(ctx, taskRow(task, txRef)); err != nil {
			return err
		}
		member, err := o.Ledger.GetMember(ctx, task.CircleID, caller)
		if err != nil {
			return err
		}
		return o.Mirror.UpsertMember(ctx, memberRow(member, txRef))
	})
	return task, rc, nil
}

// ReassignTask moves an open task to a new assignee and mirrors it.
func (o *Orchestrator) ReassignTask(ctx context.Context, caller string, taskID int64, newAssignee string) (domain.Task, Receipt, error) {
	task, txRef, err := o.Ledger.ReassignTask(ctx, caller, taskID, newAssignee)
	if err != nil {
		return domain.Task{}, Receipt{}, err
	}
	rc := Receipt{TxRef: txRef}
	o.refresh(ctx, &rc, func(ctx context.Context) error {
		return o.Mirror.UpsertTask(ctx, taskRow(task, txRef))
	})
	return task, rc, nil
}

func (o *Orchestrator) refreshMembership(ctx context.Context, rc *Receipt, member domain.Member, txRef string) {
	o.refresh(ctx, rc, func(ctx context.Context) error {
		if err := o.Mirror.UpsertMember(ctx, memberRow(member, txRef)); err != nil {
			return err
		}
		circle, err := o.Ledger.GetCircle(ctx, member.CircleID)
		if err != nil {
			return err
		}
		return o.Mirror.UpsertCircle(ctx, circleRow(circle, txRef))
	})
}

// refresh runs the mirror update and downgrades failures to staleness.
// No retry here: the next mutation touching the same rows heals them.
func (o *Orchestrator) refresh(ctx context.Context, rc *Receipt, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		rc.Stale = true
		rc.MirrorErr = err
		o.logger().Printf("mirror refresh failed, reads may be stale: %v", err)
	}
}

// Read paths go straight to the mirror.

func (o *Orchestrator) GetCircle(ctx context.Context, id int64) (mirror.Circle, error) {
	return o.Mirror.GetCircle(ctx, id)
}

func (o *Orchestrator) ListMembers(ctx context.Context, circleID int64) ([]mirror.Member, error) {
	return o.Mirror.ListMembersByCircle(ctx, circleID)
}

func (o *Orchestrator) ListTasks(ctx context.Context, circleID int64) ([]mirror.Task, error) {
	return o.Mirror.ListTasksByCircle(ctx, circleID)
}

func (o *Orchestrator) ListTasksByAssignee(ctx context.Context, addr string) ([]mirror.Task, error) {
	return o.Mirror.ListTasksByAssignee(ctx, addr)
}

func (o *Orchestrator) CircleStats(ctx context.Context, circleID int64) (mirror.Stats, error) {
	return o.Mirror.ComputeStats(ctx, circleID)
}

func circleRow(c domain.Circle, txRef string) mirror.Circle {
	return mirror.Circle{
		ID:          c.ID,
		Name:        c.Name,
		Owner:       c.Owner,
		MemberCount: c.MemberCount,
		TaskCount:   c.TaskCount,
		TxRef:       ref(txRef),
	}
}

func memberRow(m domain.Member, txRef string) mirror.Member {
	return mirror.Member{
		CircleID:       m.CircleID,
		Address:        m.Address,
		IsOwner:        m.IsOwner,
		IsActive:       m.IsActive,
		TasksCompleted: m.TasksCompleted,
		TxRef:          ref(txRef),
	}
}

func taskRow(t domain.Task, txRef string) mirror.Task {
	return mirror.Task{
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
		TxRef:       ref(txRef),
	}
}

func ref(txRef string) *string {
	if txRef == "" {
		return nil
	}
	return &txRef
}
