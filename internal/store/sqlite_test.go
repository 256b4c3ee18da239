package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ctlflow/internal/domain"
	"ctlflow/internal/lwm2m"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestRepo(t *testing.T, opts ...Option) (*SQLRepo, *testClock) {
	t.Helper()
	ctx := context.Background()
	db, d, err := Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db, d); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	clock := &testClock{now: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewSQLRepo(db, d, opts...), clock
}

func newTask(device string) domain.Task {
	return domain.Task{
		ControlType: domain.ControlWrite,
		Topic:       "/t/p/" + device + "/control",
		Path:        "/3311/0/5850",
		Payload:     json.RawMessage(`{"path":"/3311/0/5850","value":1}`),
		DeviceID:    device,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateTask(ctx, newTask("dev01"))
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if len(id) != DefaultTaskIDLength {
		t.Errorf("id length = %d, want %d", len(id), DefaultTaskIDLength)
	}
	got, err := repo.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if got.Status != domain.TaskPending || got.Scope != domain.ScopeSingle {
		t.Errorf("got status=%s scope=%s", got.Status, got.Scope)
	}
	if got.SentAt != nil || got.GroupTaskID != nil {
		t.Errorf("SentAt/GroupTaskID should be nil, got %v/%v", got.SentAt, got.GroupTaskID)
	}
	if string(got.Payload) != `{"path":"/3311/0/5850","value":1}` {
		t.Errorf("Payload = %s", got.Payload)
	}

	if _, err := repo.GetTask(ctx, "missing"); !errors.Is(err, domain.ErrUnknownTask) {
		t.Errorf("GetTask(missing) error = %v, want ErrUnknownTask", err)
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	tk := newTask("dev01")
	tk.ID = "fixed-id"
	if _, err := repo.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if _, err := repo.CreateTask(ctx, tk); !errors.Is(err, domain.ErrDuplicateTask) {
		t.Fatalf("second CreateTask() error = %v, want ErrDuplicateTask", err)
	}
}

func TestTransition(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()
	id, _ := repo.CreateTask(ctx, newTask("dev01"))

	clock.Advance(time.Second)
	sent, err := repo.Transition(ctx, id, domain.TaskSent, "")
	if err != nil {
		t.Fatalf("Transition(sent) error = %v", err)
	}
	if sent.SentAt == nil || !sent.SentAt.Equal(clock.Now()) {
		t.Errorf("SentAt = %v, want %v", sent.SentAt, clock.Now())
	}

	clock.Advance(time.Second)
	failed, err := repo.Transition(ctx, id, domain.TaskFailed, domain.ReasonNack)
	if err != nil {
		t.Fatalf("Transition(failed) error = %v", err)
	}
	if failed.Reason != domain.ReasonNack {
		t.Errorf("Reason = %q", failed.Reason)
	}
	if !failed.SentAt.Equal(sent.SentAt.UTC()) {
		t.Errorf("SentAt changed on later transition: %v -> %v", sent.SentAt, failed.SentAt)
	}

	got, err := repo.Transition(ctx, id, domain.TaskDelivered, "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("Transition from terminal error = %v, want ErrInvalidTransition", err)
	}
	if got.Status != domain.TaskFailed {
		t.Errorf("status after rejected transition = %s", got.Status)
	}

	if _, err := repo.Transition(ctx, "missing", domain.TaskSent, ""); !errors.Is(err, domain.ErrUnknownTask) {
		t.Errorf("Transition(missing) error = %v, want ErrUnknownTask", err)
	}
}

func TestTransitionRaceHasOneWinner(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()
	id, _ := repo.CreateTask(ctx, newTask("dev01"))
	if _, err := repo.Transition(ctx, id, domain.TaskSent, ""); err != nil {
		t.Fatal(err)
	}

	targets := []domain.TaskStatus{domain.TaskDelivered, domain.TaskFailed}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to domain.TaskStatus) {
			defer wg.Done()
			_, errs[i] = repo.Transition(ctx, id, to, domain.ReasonTimeout)
		}(i, to)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, domain.ErrInvalidTransition):
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want 1", wins)
	}
	got, _ := repo.GetTask(ctx, id)
	if !got.Status.IsTerminal() {
		t.Errorf("final status = %s", got.Status)
	}
}

func TestListStaleSent(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	old, _ := repo.CreateTask(ctx, newTask("dev01"))
	repo.Transition(ctx, old, domain.TaskSent, "")
	clock.Advance(time.Minute)
	fresh, _ := repo.CreateTask(ctx, newTask("dev02"))
	repo.Transition(ctx, fresh, domain.TaskSent, "")
	repo.CreateTask(ctx, newTask("dev03"))

	stale, err := repo.ListStaleSent(ctx, clock.Now().Add(-30*time.Second), 10)
	if err != nil {
		t.Fatalf("ListStaleSent() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old {
		t.Fatalf("ListStaleSent() = %+v, want only %s", stale, old)
	}
}

func TestListStalePending(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	old, _ := repo.CreateTask(ctx, newTask("dev01"))
	settled, _ := repo.CreateTask(ctx, newTask("dev02"))
	repo.Transition(ctx, settled, domain.TaskSent, "")
	clock.Advance(time.Minute)
	repo.CreateTask(ctx, newTask("dev03"))

	stale, err := repo.ListStalePending(ctx, clock.Now().Add(-30*time.Second), 10)
	if err != nil {
		t.Fatalf("ListStalePending() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old {
		t.Fatalf("ListStalePending() = %+v, want only %s", stale, old)
	}
}

func groupChildren(devices ...string) []domain.Task {
	out := make([]domain.Task, len(devices))
	for i, d := range devices {
		out[i] = newTask(d)
	}
	return out
}

func TestCreateGroupTask(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	g, children, err := repo.CreateGroupTask(ctx, domain.GroupTask{GroupID: "grp001", ControlType: domain.ControlWrite}, groupChildren("d1", "d2", "d3"))
	if err != nil {
		t.Fatalf("CreateGroupTask() error = %v", err)
	}
	if g.MemberCount != 3 || g.AggregateStatus != domain.AggregatePending {
		t.Errorf("group = %+v", g)
	}
	stored, err := repo.ListByGroupTask(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 3 {
		t.Fatalf("children stored = %d, want 3", len(stored))
	}
	for i, c := range stored {
		if c.Scope != domain.ScopeGroupChild || c.GroupTaskID == nil || *c.GroupTaskID != g.ID {
			t.Errorf("child %d = %+v", i, c)
		}
		if c.ID != children[i].ID {
			t.Errorf("child %d id = %s, want %s", i, c.ID, children[i].ID)
		}
	}
}

func TestCreateGroupTaskIsAtomic(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	if _, _, err := repo.CreateGroupTask(ctx, domain.GroupTask{GroupID: "grp001"}, nil); !errors.Is(err, domain.ErrEmptyGroup) {
		t.Fatalf("empty group error = %v, want ErrEmptyGroup", err)
	}

	kids := groupChildren("d1", "d2")
	kids[0].ID, kids[1].ID = "same", "same"
	if _, _, err := repo.CreateGroupTask(ctx, domain.GroupTask{GroupID: "grp001"}, kids); !errors.Is(err, domain.ErrDuplicateTask) {
		t.Fatalf("duplicate child error = %v, want ErrDuplicateTask", err)
	}

	var groups, tasks int
	repo.DB().QueryRow(`SELECT COUNT(*) FROM group_tasks`).Scan(&groups)
	repo.DB().QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&tasks)
	if groups != 0 || tasks != 0 {
		t.Errorf("rows left behind: group_tasks=%d tasks=%d", groups, tasks)
	}
}

func TestDeleteGroupTaskCascades(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()
	g, _, err := repo.CreateGroupTask(ctx, domain.GroupTask{GroupID: "grp001"}, groupChildren("d1", "d2"))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteGroupTask(ctx, g.ID); err != nil {
		t.Fatalf("DeleteGroupTask() error = %v", err)
	}
	var tasks int
	repo.DB().QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&tasks)
	if tasks != 0 {
		t.Errorf("children left behind = %d", tasks)
	}
	if err := repo.DeleteGroupTask(ctx, g.ID); !errors.Is(err, domain.ErrUnknownTask) {
		t.Errorf("second delete error = %v, want ErrUnknownTask", err)
	}
}

func TestRecomputeAggregate(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()
	g, children, err := repo.CreateGroupTask(ctx, domain.GroupTask{GroupID: "grp001"}, groupChildren("d1", "d2", "d3"))
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range children {
		repo.Transition(ctx, c.ID, domain.TaskSent, "")
	}
	repo.Transition(ctx, children[0].ID, domain.TaskDelivered, "")
	repo.Transition(ctx, children[1].ID, domain.TaskDelivered, "")

	got, err := repo.RecomputeAggregate(ctx, g.ID)
	if err != nil {
		t.Fatalf("RecomputeAggregate() error = %v", err)
	}
	if got.AggregateStatus != domain.AggregatePending {
		t.Errorf("with one child SENT aggregate = %s, want pending", got.AggregateStatus)
	}

	repo.Transition(ctx, children[2].ID, domain.TaskFailed, domain.ReasonNack)
	got, _ = repo.RecomputeAggregate(ctx, g.ID)
	if got.AggregateStatus != domain.AggregatePartial {
		t.Errorf("aggregate = %s, want partial", got.AggregateStatus)
	}
	again, _ := repo.RecomputeAggregate(ctx, g.ID)
	if again.AggregateStatus != got.AggregateStatus {
		t.Errorf("recompute not idempotent: %s then %s", got.AggregateStatus, again.AggregateStatus)
	}
	stored, _ := repo.GetGroupTask(ctx, g.ID)
	if stored.AggregateStatus != domain.AggregatePartial {
		t.Errorf("stored aggregate = %s", stored.AggregateStatus)
	}

	if _, err := repo.RecomputeAggregate(ctx, "missing"); !errors.Is(err, domain.ErrUnknownTask) {
		t.Errorf("RecomputeAggregate(missing) error = %v", err)
	}
}

func TestPurgeDeviceKeepsGroupChildren(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	repo.CreateTask(ctx, newTask("d1"))
	g, _, _ := repo.CreateGroupTask(ctx, domain.GroupTask{GroupID: "grp001"}, groupChildren("d1", "d2"))

	n, err := repo.PurgeDevice(ctx, "d1")
	if err != nil {
		t.Fatalf("PurgeDevice() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	kids, _ := repo.ListByGroupTask(ctx, g.ID)
	if len(kids) != 2 {
		t.Errorf("group children = %d, want 2", len(kids))
	}
}

func TestPurgeTerminalBefore(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	done, _ := repo.CreateTask(ctx, newTask("d1"))
	repo.Transition(ctx, done, domain.TaskFailed, domain.ReasonTransport)
	open, _ := repo.CreateTask(ctx, newTask("d2"))
	clock.Advance(time.Hour)

	n, err := repo.PurgeTerminalBefore(ctx, clock.Now())
	if err != nil {
		t.Fatalf("PurgeTerminalBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := repo.GetTask(ctx, open); err != nil {
		t.Errorf("pending task was purged: %v", err)
	}
}

func TestTimerLifecycle(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	mon := time.Monday
	id, err := repo.CreateTimer(ctx, domain.TimerDefinition{
		TaskName:    "lights on",
		TimerType:   domain.TimerInterval,
		Interval:    &domain.Recurrence{Weekday: &mon, Hour: 9, Minute: 0},
		Target:      domain.Target{DeviceID: "d1"},
		ControlType: domain.ControlWrite,
		Address:     &domain.Address{ObjectID: 3311, InstanceID: 0, ItemID: 5850},
		Payload:     json.RawMessage(`true`),
		Enabled:     true,
		NextFireAt:  clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("CreateTimer() error = %v", err)
	}

	got, err := repo.GetTimer(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.RunStatus != domain.RunScheduled || got.Interval == nil || *got.Interval.Weekday != time.Monday || got.Address.ItemID != 5850 {
		t.Errorf("timer = %+v", got)
	}

	due, _ := repo.DueTimers(ctx, clock.Now())
	if len(due) != 0 {
		t.Fatalf("due before fire time: %d", len(due))
	}
	clock.Advance(time.Hour)
	due, _ = repo.DueTimers(ctx, clock.Now())
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}

	ok, err := repo.ClaimTimer(ctx, id)
	if err != nil || !ok {
		t.Fatalf("ClaimTimer() = %v, %v", ok, err)
	}
	if ok, _ := repo.ClaimTimer(ctx, id); ok {
		t.Fatal("second ClaimTimer() succeeded")
	}
	if due, _ := repo.DueTimers(ctx, clock.Now()); len(due) != 0 {
		t.Fatalf("executing timer still due")
	}

	if err := repo.CompleteTimerRun(ctx, id, domain.RunSuccess, clock.Now(), "task01"); err != nil {
		t.Fatalf("CompleteTimerRun() error = %v", err)
	}
	if err := repo.CompleteTimerRun(ctx, id, domain.RunSuccess, clock.Now(), "task01"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second CompleteTimerRun() error = %v", err)
	}

	next := clock.Now().Add(7 * 24 * time.Hour)
	if ok, err := repo.RearmTimer(ctx, id, next); err != nil || !ok {
		t.Fatalf("RearmTimer() = %v, %v", ok, err)
	}
	got, _ = repo.GetTimer(ctx, id)
	if got.RunStatus != domain.RunScheduled || !got.NextFireAt.Equal(next) || got.LastTaskID != "task01" || got.LastRunStatus != domain.RunSuccess {
		t.Errorf("after rearm = %+v", got)
	}
}

func testTimer(at time.Time) domain.TimerDefinition {
	return domain.TimerDefinition{
		TaskName: "once", TimerType: domain.TimerFixed, FireAt: &at, Target: domain.Target{DeviceID: "d1"},
		ControlType: domain.ControlPublish, Topic: "cmd", Payload: json.RawMessage(`{}`), Enabled: true, NextFireAt: at,
	}
}

func TestUpdateTimerLosesToClaim(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	id, err := repo.CreateTimer(ctx, testTimer(clock.Now()))
	if err != nil {
		t.Fatal(err)
	}
	read, _ := repo.GetTimer(ctx, id)
	if ok, _ := repo.ClaimTimer(ctx, id); !ok {
		t.Fatal("claim failed")
	}

	read.Enabled = false
	if err := repo.UpdateTimer(ctx, read, read.RunStatus); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("UpdateTimer() error = %v, want ErrInvalidTransition", err)
	}
	got, _ := repo.GetTimer(ctx, id)
	if got.RunStatus != domain.RunExecuting || !got.Enabled {
		t.Errorf("timer = %s enabled=%v, want the claim to survive", got.RunStatus, got.Enabled)
	}
	if err := repo.UpdateTimer(ctx, domain.TimerDefinition{ID: "tmr_missing"}, domain.RunScheduled); !errors.Is(err, domain.ErrUnknownTimer) {
		t.Errorf("UpdateTimer(missing) error = %v, want ErrUnknownTimer", err)
	}
}

func TestReleaseTimer(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	id, _ := repo.CreateTimer(ctx, testTimer(clock.Now()))
	repo.ClaimTimer(ctx, id)
	next := clock.Now().Add(24 * time.Hour)
	if err := repo.ReleaseTimer(ctx, id, domain.RunScheduled, next); err != nil {
		t.Fatalf("ReleaseTimer() error = %v", err)
	}
	got, _ := repo.GetTimer(ctx, id)
	if got.RunStatus != domain.RunScheduled || !got.NextFireAt.Equal(next) {
		t.Errorf("timer = %s at %v, want scheduled at %v", got.RunStatus, got.NextFireAt, next)
	}
}

func TestRecoverStaleTimers(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()
	at := clock.Now()
	id, _ := repo.CreateTimer(ctx, domain.TimerDefinition{
		TaskName: "once", TimerType: domain.TimerFixed, FireAt: &at, Target: domain.Target{GroupID: "g1"},
		ControlType: domain.ControlPublish, Topic: "cmd", Payload: json.RawMessage(`{}`), Enabled: true, NextFireAt: at,
	})
	repo.ClaimTimer(ctx, id)

	n, err := repo.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v", n, err)
	}
	got, _ := repo.GetTimer(ctx, id)
	if got.RunStatus != domain.RunScheduled {
		t.Errorf("RunStatus = %s", got.RunStatus)
	}
	if err := repo.DeleteTimer(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetTimer(ctx, id); !errors.Is(err, domain.ErrUnknownTimer) {
		t.Errorf("GetTimer after delete error = %v", err)
	}
}

func TestDirectory(t *testing.T) {
	repo, _ := setupTestRepo(t)
	ctx := context.Background()

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
	}
	must(repo.PutClient(ctx, domain.Client{ID: "gw01", TenantID: "t1", ProductID: "p1", Kind: domain.KindGateway, Gateway: &domain.GatewayAttrs{Model: "x1"}}))
	must(repo.PutClient(ctx, domain.Client{ID: "d1", TenantID: "t1", ProductID: "p1", Kind: domain.KindDevice, Device: &domain.DeviceAttrs{GatewayID: "gw01"}}))
	must(repo.PutClient(ctx, domain.Client{ID: "d2", TenantID: "t1", ProductID: "p1", Kind: domain.KindDevice}))
	must(repo.PutGroup(ctx, domain.Group{ID: "grp001", TenantID: "t1", ProductID: "p1"}, []string{"d2", "d1", "ghost"}))

	d1, err := repo.Device(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if d1.RouteID() != "gw01" {
		t.Errorf("RouteID = %s, want gw01", d1.RouteID())
	}
	gw, _ := repo.Device(ctx, "gw01")
	if gw.Gateway == nil || gw.Gateway.Model != "x1" {
		t.Errorf("gateway = %+v", gw)
	}
	if _, err := repo.Device(ctx, "nope"); !errors.Is(err, domain.ErrUnknownDevice) {
		t.Errorf("Device(nope) error = %v", err)
	}
	if _, err := repo.Group(ctx, "nope"); !errors.Is(err, domain.ErrUnknownGroup) {
		t.Errorf("Group(nope) error = %v", err)
	}

	members, err := repo.Members(ctx, "grp001")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 || members[0].ID != "d1" || members[1].ID != "d2" {
		t.Errorf("Members() = %+v", members)
	}

	must(repo.PutObject(ctx, lwm2m.Object{ID: 3303, Name: "Temperature", Items: map[int]lwm2m.Item{
		5700: {ID: 5700, Name: "Sensor Value", Operations: "R"},
		5601: {ID: 5601, Name: "Min Measured", Operations: "R"},
	}}))
	must(repo.BindProductItems(ctx, "p1", 3303, 5700))

	sc, err := repo.ProductSchema(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	obj, ok := sc.Objects[3303]
	if !ok || obj.Multiple || len(obj.Items) != 1 || obj.Items[5700].Operations != "R" {
		t.Errorf("schema = %+v", sc)
	}

	addr, err := lwm2m.NewResolver(repo).Resolve(ctx, "p1", 3303, 1, 5700)
	if !errors.Is(err, domain.ErrInstanceNotAllowed) {
		t.Errorf("Resolve(single instance 1) = %+v, %v", addr, err)
	}
}

func TestRebind(t *testing.T) {
	r := &SQLRepo{dialect: Postgres}
	got := r.q(`UPDATE t SET a=? WHERE id=? AND s=?`)
	if got != `UPDATE t SET a=$1 WHERE id=$2 AND s=$3` {
		t.Errorf("q() = %s", got)
	}
	r.dialect = SQLite
	if r.q(`a=?`) != `a=?` {
		t.Error("sqlite query rewritten")
	}
}

func TestJanitorStopTwice(t *testing.T) {
	repo, _ := setupTestRepo(t)
	j := NewJanitor(repo, time.Hour, time.Minute)
	j.Stop()
	j.Stop()
}

func TestJanitorRunOnce(t *testing.T) {
	repo, clock := setupTestRepo(t)
	ctx := context.Background()

	old, _ := repo.CreateTask(ctx, newTask("d1"))
	repo.Transition(ctx, old, domain.TaskFailed, domain.ReasonTransport)
	clock.Advance(48 * time.Hour)
	recent, _ := repo.CreateTask(ctx, newTask("d1"))
	repo.Transition(ctx, recent, domain.TaskFailed, domain.ReasonTransport)

	j := NewJanitor(repo, 24*time.Hour, time.Hour)
	n, err := j.RunOnce(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("RunOnce() = %d, %v, want 1", n, err)
	}
	if _, err := repo.GetTask(ctx, old); !errors.Is(err, domain.ErrUnknownTask) {
		t.Errorf("old task still present: %v", err)
	}
	if _, err := repo.GetTask(ctx, recent); err != nil {
		t.Errorf("recent task purged: %v", err)
	}
}
