package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"carecircle/internal/db"
	"carecircle/internal/ledger"
	"carecircle/internal/migrate"
	"carecircle/internal/mirror"
	"carecircle/internal/orchestrator"
)

// flakyMirror wraps the local store and fails every write while tripped.
type flakyMirror struct {
	*mirror.Store
	failing bool
	writes  int
}

var errMirrorDown = errors.New("mirror down")

func (f *flakyMirror) UpsertCircle(ctx context.Context, c mirror.Circle) error {
	if f.failing {
		return errMirrorDown
	}
	f.writes++
	return f.Store.UpsertCircle(ctx, c)
}

func (f *flakyMirror) UpsertMember(ctx context.Context, m mirror.Member) error {
	if f.failing {
		return errMirrorDown
	}
	f.writes++
	return f.Store.UpsertMember(ctx, m)
}

func (f *flakyMirror) UpsertTask(ctx context.Context, t mirror.Task) error {
	if f.failing {
		return errMirrorDown
	}
	f.writes++
	return f.Store.UpsertTask(ctx, t)
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *flakyMirror, context.Context) {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	ldb, err := db.OpenLedger(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open ledger db: %v", err)
	}
	t.Cleanup(func() { ldb.Close() })
	if err := migrate.Ledger(ldb); err != nil {
		t.Fatalf("migrate ledger: %v", err)
	}
	mdb, err := db.OpenMirror(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open mirror db: %v", err)
	}
	t.Cleanup(func() { mdb.Close() })
	if err := migrate.Mirror(mdb); err != nil {
		t.Fatalf("migrate mirror: %v", err)
	}
	l := ledger.New(ldb)
	l.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	fm := &flakyMirror{Store: &mirror.Store{DB: mdb}}
	o := orchestrator.New(l, fm)
	o.Logger = log.New(io.Discard, "", 0)
	return o, fm, context.Background()
}

func TestCreateCircleRefreshesMirror(t *testing.T) {
	o, fm, ctx := newTestOrchestrator(t)
	circle, rc, err := o.CreateCircle(ctx, "alice", "mom care")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rc.Stale || rc.TxRef == "" {
		t.Fatalf("unexpected receipt: %+v", rc)
	}
	mirrored, err := o.GetCircle(ctx, circle.ID)
	if err != nil {
		t.Fatalf("mirror read: %v", err)
	}
	if mirrored.Name != "mom care" || mirrored.Owner != "alice" || mirrored.MemberCount != 1 {
		t.Fatalf("unexpected mirrored circle: %+v", mirrored)
	}
	if mirrored.TxRef == nil || *mirrored.TxRef != rc.TxRef {
		t.Fatalf("expected tx_ref %s, got %v", rc.TxRef, mirrored.TxRef)
	}
	members, err := o.ListMembers(ctx, circle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].Address != "alice" || !members[0].IsOwner {
		t.Fatalf("unexpected mirrored members: %+v", members)
	}
	if fm.writes == 0 {
		t.Fatalf("expected mirror writes")
	}
}

func TestMirrorFailureDowngradesToStale(t *testing.T) {
	o, fm, ctx := newTestOrchestrator(t)
	circle, _, err := o.CreateCircle(ctx, "alice", "circle")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := o.AddMember(ctx, "alice", circle.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	fm.failing = true
	task, rc, err := o.CreateTask(ctx, "alice", ledger.TaskCreateOptions{
		CircleID: circle.ID, Title: "groceries", AssignedTo: "bob",
	})
	if err != nil {
		t.Fatalf("ledger write must survive mirror outage: %v", err)
	}
	if !rc.Stale || !errors.Is(rc.MirrorErr, errMirrorDown) {
		t.Fatalf("expected stale receipt, got %+v", rc)
	}
	// durable on the ledger, absent from the mirror
	if got, err := o.Ledger.GetTask(ctx, task.ID); err != nil || got.Title != "groceries" {
		t.Fatalf("ledger task: %+v %v", got, err)
	}
	if tasks, _ := o.ListTasks(ctx, circle.ID); len(tasks) != 0 {
		t.Fatalf("mirror should not have the task yet, got %d", len(tasks))
	}

	// the next successful mutation touching the task heals it
	fm.failing = false
	if _, rc, err := o.ReassignTask(ctx, "alice", task.ID, "alice"); err != nil || rc.Stale {
		t.Fatalf("reassign: %v %+v", err, rc)
	}
	tasks, err := o.ListTasks(ctx, circle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].AssignedTo != "alice" {
		t.Fatalf("expected healed mirror task, got %+v", tasks)
	}
}

func TestLedgerErrorSkipsMirror(t *testing.T) {
	o, fm, ctx := newTestOrchestrator(t)
	circle, _, err := o.CreateCircle(ctx, "alice", "circle")
	if err != nil {
		t.Fatal(err)
	}
	before := fm.writes
	_, _, err = o.AddMember(ctx, "mallory", circle.ID, "bob")
	if !errors.Is(err, ledger.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if fm.writes != before {
		t.Fatalf("rejected mutation must not touch the mirror")
	}
}

func TestCompleteTaskMirrorsCompletionCount(t *testing.T) {
	o, _, ctx := newTestOrchestrator(t)
	circle, _, _ := o.CreateCircle(ctx, "alice", "circle")
	_, _, _ = o.AddMember(ctx, "alice", circle.ID, "bob")
	task, _, err := o.CreateTask(ctx, "alice", ledger.TaskCreateOptions{
		CircleID: circle.ID, Title: "meds", AssignedTo: "bob", Priority: 3,
	})
	if err != nil {
		t.Fatal(err)
	}
	done, rc, err := o.CompleteTask(ctx, "bob", task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rc.Stale || !done.Completed {
		t.Fatalf("unexpected completion: %+v %+v", done, rc)
	}
	members, err := o.ListMembers(ctx, circle.ID)
	if err != nil {
		t.Fatal(err)
	}
	var bob *mirror.Member
	for i := range members {
		if members[i].Address == "bob" {
			bob = &members[i]
		}
	}
	if bob == nil || bob.TasksCompleted != 1 {
		t.Fatalf("expected mirrored tasks_completed 1, got %+v", bob)
	}
	stats, err := o.CircleStats(ctx, circle.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalTasks != 1 || stats.CompletedTasks != 1 || stats.CompletionRate != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
