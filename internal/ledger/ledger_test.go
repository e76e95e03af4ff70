package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"carecircle/internal/db"
	"carecircle/internal/ledger"
	"carecircle/internal/migrate"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	conn, err := db.OpenLedger(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Ledger(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	l := ledger.New(conn)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	l.Events.Now = l.Now
	return testEnv{Ledger: l, Ctx: context.Background()}
}

func TestCreateCircleAssignsSequentialIDs(t *testing.T) {
	env := newTestEnv(t)
	first, ref, err := env.Ledger.CreateCircle(env.Ctx, "alice", "mom care")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID != 1 {
		t.Fatalf("expected id 1, got %d", first.ID)
	}
	if ref == "" {
		t.Fatalf("expected proof reference")
	}
	second, _, err := env.Ledger.CreateCircle(env.Ctx, "bob", "dad care")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	if second.ID != 2 {
		t.Fatalf("expected id 2, got %d", second.ID)
	}
	owner, err := env.Ledger.GetMember(env.Ctx, first.ID, "alice")
	if err != nil {
		t.Fatalf("get owner member: %v", err)
	}
	if !owner.IsOwner || !owner.IsActive {
		t.Fatalf("owner should be active owner member: %+v", owner)
	}
	if first.MemberCount != 1 {
		t.Fatalf("expected member_count 1, got %d", first.MemberCount)
	}

	_, _, err = env.Ledger.CreateCircle(env.Ctx, "alice", "")
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty name, got %v", err)
	}
}

func TestMemberManagementOwnerOnly(t *testing.T) {
	env := newTestEnv(t)
	c, _, err := env.Ledger.CreateCircle(env.Ctx, "alice", "circle")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Ledger.AddMember(env.Ctx, "mallory", c.ID, "bob"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized add, got %v", err)
	}
	if _, _, err := env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob"); err != nil {
		t.Fatalf("owner add: %v", err)
	}
	if _, _, err := env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob"); !errors.Is(err, ledger.ErrAlreadyMember) {
		t.Fatalf("expected already member, got %v", err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "bob", c.ID, "bob"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized remove, got %v", err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "alice", c.ID, "alice"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected owner self-removal rejection, got %v", err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "alice", c.ID, "carol"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found for non-member, got %v", err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "alice", c.ID, "bob"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "alice", c.ID, "bob"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found for repeated removal, got %v", err)
	}
	if _, _, err := env.Ledger.AddMember(env.Ctx, "alice", 99, "bob"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found for missing circle, got %v", err)
	}
}

func TestMemberReactivationKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	c, _, _ := env.Ledger.CreateCircle(env.Ctx, "alice", "circle")
	added, _, err := env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	task, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{
		CircleID: c.ID, Title: "groceries", AssignedTo: "bob",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Ledger.CompleteTask(env.Ctx, "bob", task.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "alice", c.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	back, _, err := env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if back.JoinedAt != added.JoinedAt {
		t.Fatalf("joined_at should survive reactivation")
	}
	if back.TasksCompleted != 1 {
		t.Fatalf("tasks_completed should survive reactivation, got %d", back.TasksCompleted)
	}
	circle, err := env.Ledger.GetCircle(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if circle.MemberCount != 2 {
		t.Fatalf("expected member_count 2 after remove+re-add, got %d", circle.MemberCount)
	}
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c, _, _ := env.Ledger.CreateCircle(env.Ctx, "alice", "circle")
	_, _, _ = env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob")

	if _, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{CircleID: c.ID, AssignedTo: "bob"}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty title, got %v", err)
	}
	if _, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{CircleID: c.ID, Title: "x", AssignedTo: "bob", Priority: 4}); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input for priority 4, got %v", err)
	}
	if _, _, err := env.Ledger.CreateTask(env.Ctx, "carol", ledger.TaskCreateOptions{CircleID: c.ID, Title: "x", AssignedTo: "bob"}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-member caller, got %v", err)
	}
	if _, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{CircleID: c.ID, Title: "x", AssignedTo: "carol"}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for non-member assignee, got %v", err)
	}
	if _, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{CircleID: 99, Title: "x", AssignedTo: "bob"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found for missing circle, got %v", err)
	}

	task, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{
		CircleID: c.ID, Title: "pick up meds", AssignedTo: "bob", Priority: 2,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != 1 {
		t.Fatalf("expected task id 1, got %d", task.ID)
	}

	if _, _, err := env.Ledger.CompleteTask(env.Ctx, "alice", task.ID); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized completion, got %v", err)
	}
	done, _, err := env.Ledger.CompleteTask(env.Ctx, "bob", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !done.Completed || done.CompletedBy == nil || *done.CompletedBy != "bob" || done.CompletedAt == nil {
		t.Fatalf("completion triple not set: %+v", done)
	}
	if _, _, err := env.Ledger.CompleteTask(env.Ctx, "bob", task.ID); !errors.Is(err, ledger.ErrAlreadyCompleted) {
		t.Fatalf("expected already completed, got %v", err)
	}
	if _, _, err := env.Ledger.CompleteTask(env.Ctx, "bob", 99); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected not found for missing task, got %v", err)
	}

	bob, err := env.Ledger.GetMember(env.Ctx, c.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if bob.TasksCompleted != 1 {
		t.Fatalf("expected tasks_completed 1, got %d", bob.TasksCompleted)
	}
}

func TestReassignPermissions(t *testing.T) {
	env := newTestEnv(t)
	c, _, _ := env.Ledger.CreateCircle(env.Ctx, "alice", "circle")
	_, _, _ = env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob")
	_, _, _ = env.Ledger.AddMember(env.Ctx, "alice", c.ID, "carol")
	task, _, err := env.Ledger.CreateTask(env.Ctx, "bob", ledger.TaskCreateOptions{
		CircleID: c.ID, Title: "laundry", AssignedTo: "bob",
	})
	if err != nil {
		t.Fatal(err)
	}

	// carol is a member but neither creator nor owner
	if _, _, err := env.Ledger.ReassignTask(env.Ctx, "carol", task.ID, "carol"); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized reassign, got %v", err)
	}
	moved, _, err := env.Ledger.ReassignTask(env.Ctx, "bob", task.ID, "carol")
	if err != nil {
		t.Fatalf("creator reassign: %v", err)
	}
	if moved.AssignedTo != "carol" {
		t.Fatalf("expected carol, got %s", moved.AssignedTo)
	}
	moved, _, err = env.Ledger.ReassignTask(env.Ctx, "alice", task.ID, "bob")
	if err != nil {
		t.Fatalf("owner reassign: %v", err)
	}
	if moved.AssignedTo != "bob" {
		t.Fatalf("expected bob, got %s", moved.AssignedTo)
	}
	if _, _, err := env.Ledger.ReassignTask(env.Ctx, "alice", task.ID, "dave"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input for non-member assignee, got %v", err)
	}
	if _, _, err := env.Ledger.CompleteTask(env.Ctx, "bob", task.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Ledger.ReassignTask(env.Ctx, "alice", task.ID, "carol"); !errors.Is(err, ledger.ErrAlreadyCompleted) {
		t.Fatalf("expected already completed, got %v", err)
	}
}

func TestRemovedMemberKeepsOpenAssignment(t *testing.T) {
	env := newTestEnv(t)
	c, _, _ := env.Ledger.CreateCircle(env.Ctx, "alice", "circle")
	_, _, _ = env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob")
	task, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{
		CircleID: c.ID, Title: "visit", AssignedTo: "bob",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := env.Ledger.RemoveMember(env.Ctx, "alice", c.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Ledger.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssignedTo != "bob" {
		t.Fatalf("removal should not touch existing assignment, got %s", got.AssignedTo)
	}
	// but bob cannot receive new assignments
	if _, _, err := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{CircleID: c.ID, Title: "again", AssignedTo: "bob"}); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for deactivated assignee, got %v", err)
	}
	if _, _, err := env.Ledger.ReassignTask(env.Ctx, "alice", task.ID, "bob"); !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected invalid input reassigning to deactivated member, got %v", err)
	}
}

func TestCountersAndEvents(t *testing.T) {
	env := newTestEnv(t)
	c, _, _ := env.Ledger.CreateCircle(env.Ctx, "alice", "circle")
	_, _, _ = env.Ledger.AddMember(env.Ctx, "alice", c.ID, "bob")
	task, _, _ := env.Ledger.CreateTask(env.Ctx, "alice", ledger.TaskCreateOptions{CircleID: c.ID, Title: "t", AssignedTo: "bob"})
	_, _, _ = env.Ledger.CompleteTask(env.Ctx, "bob", task.ID)

	stats, err := env.Ledger.Stats(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalCircles != 1 || stats.TotalTasks != 1 || stats.TotalCompletions != 1 {
		t.Fatalf("unexpected totals: %+v", stats)
	}

	events, err := env.Ledger.ListEvents(env.Ctx, c.ID, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	// newest first
	if events[0].Kind != "task.completed" {
		t.Fatalf("expected task.completed first, got %s", events[0].Kind)
	}
	if events[len(events)-1].Kind != "circle.created" {
		t.Fatalf("expected circle.created last, got %s", events[len(events)-1].Kind)
	}
	for _, e := range events {
		if e.Ref == "" {
			t.Fatalf("event %d missing proof reference", e.ID)
		}
	}

	// cursor pagination walks backwards
	page, err := env.Ledger.ListEvents(env.Ctx, c.ID, 2, events[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != events[2].ID || page[1].ID != events[3].ID {
		t.Fatalf("unexpected page: %+v", page)
	}
}
