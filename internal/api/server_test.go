package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ctlflow/internal/ack"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
	"ctlflow/internal/lwm2m"
	"ctlflow/internal/metrics"
	"ctlflow/internal/scheduler"
	"ctlflow/internal/store"
	"ctlflow/internal/worker"
)

type okPublisher struct{}

func (okPublisher) Publish(context.Context, dispatch.Outbound) error { return nil }

type testEnv struct {
	h    http.Handler
	repo *store.SQLRepo
	rec  *metrics.Counters
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	db, d, err := store.Open(ctx, "sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db, d); err != nil {
		t.Fatalf("schema: %v", err)
	}
	repo := store.NewSQLRepo(db, d)

	for _, id := range []string{"d1", "d2", "d3"} {
		if err := repo.PutClient(ctx, domain.Client{ID: id, TenantID: "ten01", ProductID: "prod01", Kind: domain.KindDevice}); err != nil {
			t.Fatal(err)
		}
	}
	if err := repo.PutGroup(ctx, domain.Group{ID: "grp001", TenantID: "ten01", ProductID: "prod01"}, []string{"d1", "d2", "d3"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutGroup(ctx, domain.Group{ID: "empty1", TenantID: "ten01", ProductID: "prod01"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := repo.PutObject(ctx, lwm2m.Object{ID: 3303, Name: "Temperature", Items: map[int]lwm2m.Item{
		5700: {ID: 5700, Operations: "R"},
	}}); err != nil {
		t.Fatal(err)
	}
	repo.BindProductItems(ctx, "prod01", 3303, 5700)

	rec := metrics.NewCounters()
	disp := dispatch.NewDispatcher(repo, okPublisher{}, rec)
	coord := dispatch.NewCoordinator(repo, repo, disp, worker.NewPool(4), rec)
	svc := dispatch.NewService(repo, repo, disp, coord)

	h := NewServer(Deps{
		Submissions: svc,
		Timers:      scheduler.NewService(repo, svc, time.Second, scheduler.WithRecorder(rec)),
		Acks:        ack.NewReconciler(repo, coord, rec),
		Repo:        repo,
		Metrics:     rec,
	})
	return &testEnv{h: h, repo: repo, rec: rec}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	e := setupServer(t)
	rr := e.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Errorf("GET /health = %d %q", rr.Code, rr.Body.String())
	}

	down := NewServer(Deps{Health: func(context.Context) error { return errors.New("db closed") }})
	rr = httptest.NewRecorder()
	down.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy GET /health = %d, want 503", rr.Code)
	}
}

func TestSubmitTaskAndStatus(t *testing.T) {
	e := setupServer(t)

	rr := e.do(t, http.MethodPost, "/api/tasks", `{"device_id":"d1","control_type":"publish","topic":"cmd/reset","payload":{}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /api/tasks = %d %s", rr.Code, rr.Body.String())
	}
	task := decode[taskResp](t, rr)
	if task.Status != domain.TaskSent || task.Scope != domain.ScopeSingle {
		t.Errorf("task = %+v", task)
	}

	rr = e.do(t, http.MethodGet, "/api/tasks/"+task.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("GET task = %d", rr.Code)
	}
	if got := decode[taskResp](t, rr); got.ID != task.ID || got.SentAt == nil {
		t.Errorf("GET task = %+v", got)
	}

	rr = e.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rr.Body.String(), `ctlflow_events_total{event="dispatch_sent"} 1`) {
		t.Errorf("metrics missing dispatch_sent:\n%s", rr.Body.String())
	}

	rr = e.do(t, http.MethodGet, "/api/tasks?limit=10", "")
	if list := decode[[]taskResp](t, rr); len(list) != 1 {
		t.Errorf("recent tasks = %d, want 1", len(list))
	}
	if rr = e.do(t, http.MethodGet, "/api/tasks?limit=zero", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rr.Code)
	}
}

func TestSubmitTaskErrors(t *testing.T) {
	e := setupServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"no device", `{"control_type":"publish","topic":"x"}`, http.StatusBadRequest},
		{"instance not allowed", `{"device_id":"d1","control_type":"read","address":{"object_id":3303,"instance_id":1,"item_id":5700}}`, http.StatusBadRequest},
		{"unknown object", `{"device_id":"d1","control_type":"read","address":{"object_id":9999,"instance_id":0,"item_id":1}}`, http.StatusBadRequest},
		{"instance not allowed by path", `{"device_id":"d1","control_type":"read","path":"/3303/1/5700"}`, http.StatusBadRequest},
		{"malformed path", `{"device_id":"d1","control_type":"read","path":"/3303/x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := e.do(t, http.MethodPost, "/api/tasks", tt.body); rr.Code != tt.want {
				t.Errorf("POST /api/tasks = %d %s, want %d", rr.Code, rr.Body.String(), tt.want)
			}
		})
	}
}

func TestSubmitUnknownDeviceRecordsFailure(t *testing.T) {
	e := setupServer(t)
	rr := e.do(t, http.MethodPost, "/api/tasks", `{"device_id":"ghost","control_type":"publish","topic":"cmd/reset","payload":{}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /api/tasks = %d", rr.Code)
	}
	if got := decode[taskResp](t, rr); got.Status != domain.TaskFailed || got.Reason != domain.ReasonUnknownDevice {
		t.Errorf("task = %s/%s", got.Status, got.Reason)
	}
}

func TestGroupTaskFlow(t *testing.T) {
	e := setupServer(t)

	rr := e.do(t, http.MethodPost, "/api/group-tasks", `{"group_id":"grp001","control_type":"publish","topic":"cmd/reset","payload":{}}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /api/group-tasks = %d %s", rr.Code, rr.Body.String())
	}
	g := decode[groupTaskResp](t, rr)
	if g.MemberCount != 3 {
		t.Errorf("member_count = %d, want 3", g.MemberCount)
	}

	rr = e.do(t, http.MethodGet, "/api/group-tasks/"+g.ID, "")
	got := decode[groupTaskResp](t, rr)
	if len(got.Children) != 3 {
		t.Fatalf("children = %d, want 3", len(got.Children))
	}

	// One bare ack, one webhook envelope, one nack.
	bodies := []string{
		`{"task_id":"` + got.Children[0].ID + `","result":"ok"}`,
		`{"topic":"/ten01/prod01/d2/ack","payload":"{\"task_id\":\"` + got.Children[1].ID + `\",\"result\":\"ok\"}"}`,
		`{"task_id":"` + got.Children[2].ID + `","result":"nack"}`,
	}
	for _, b := range bodies {
		if rr := e.do(t, http.MethodPost, "/api/acks", b); rr.Code != http.StatusNoContent {
			t.Fatalf("POST /api/acks = %d %s", rr.Code, rr.Body.String())
		}
	}

	rr = e.do(t, http.MethodGet, "/api/group-tasks/"+g.ID, "")
	if final := decode[groupTaskResp](t, rr); final.AggregateStatus != domain.AggregatePartial {
		t.Errorf("aggregate = %s, want partial", final.AggregateStatus)
	}

	if rr := e.do(t, http.MethodDelete, "/api/group-tasks/"+g.ID, ""); rr.Code != http.StatusNoContent {
		t.Fatalf("DELETE /api/group-tasks = %d %s", rr.Code, rr.Body.String())
	}
	if rr := e.do(t, http.MethodGet, "/api/tasks/"+got.Children[0].ID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("child after delete = %d, want 404", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/api/group-tasks/"+g.ID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}

func TestGroupTaskErrors(t *testing.T) {
	e := setupServer(t)
	if rr := e.do(t, http.MethodPost, "/api/group-tasks", `{"group_id":"empty1","control_type":"publish","topic":"x"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty group = %d, want 400", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/group-tasks", `{"group_id":"nope","control_type":"publish","topic":"x"}`); rr.Code != http.StatusNotFound {
		t.Errorf("unknown group = %d, want 404", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/api/group-tasks/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown id = %d, want 404", rr.Code)
	}
}

func TestAckEndpoint(t *testing.T) {
	e := setupServer(t)
	if rr := e.do(t, http.MethodPost, "/api/acks", `{"task_id":"purged","result":"ok"}`); rr.Code != http.StatusNoContent {
		t.Errorf("unknown task ack = %d, want 204", rr.Code)
	}
	if e.rec.Get(metrics.AckUnknown) != 1 {
		t.Error("ack_unknown not counted")
	}
	if rr := e.do(t, http.MethodPost, "/api/acks", `{"result":"ok"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("malformed ack = %d, want 400", rr.Code)
	}
}

func TestCancelSentTaskConflicts(t *testing.T) {
	e := setupServer(t)
	rr := e.do(t, http.MethodPost, "/api/tasks", `{"device_id":"d1","control_type":"publish","topic":"cmd/reset","payload":{}}`)
	task := decode[taskResp](t, rr)

	if rr := e.do(t, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", ""); rr.Code != http.StatusConflict {
		t.Errorf("cancel sent = %d, want 409", rr.Code)
	}
	if rr := e.do(t, http.MethodPost, "/api/tasks/missing/cancel", ""); rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing = %d, want 404", rr.Code)
	}
}

func TestPurgeDevice(t *testing.T) {
	e := setupServer(t)
	e.do(t, http.MethodPost, "/api/tasks", `{"device_id":"d2","control_type":"publish","topic":"a","payload":{}}`)
	e.do(t, http.MethodPost, "/api/tasks", `{"device_id":"d2","control_type":"publish","topic":"b","payload":{}}`)

	rr := e.do(t, http.MethodDelete, "/api/devices/d2/tasks", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("DELETE = %d", rr.Code)
	}
	if got := decode[purgeResp](t, rr); got.Deleted < 2 {
		t.Errorf("deleted = %d, want at least 2", got.Deleted)
	}
}

func TestTimerCRUD(t *testing.T) {
	e := setupServer(t)

	rr := e.do(t, http.MethodPost, "/api/timers", `{
		"task_name":"weekly reset","timer_type":"interval",
		"interval":{"weekday":1,"hour":9,"minute":0},
		"target":{"device_id":"d1"},"control_type":"publish","topic":"cmd/reset","payload":{}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("POST /api/timers = %d %s", rr.Code, rr.Body.String())
	}
	tm := decode[timerResp](t, rr)
	if !tm.Enabled || tm.RunStatus != domain.RunScheduled || tm.NextFireAt.Weekday() != time.Monday {
		t.Errorf("timer = %+v", tm)
	}

	if list := decode[[]timerResp](t, e.do(t, http.MethodGet, "/api/timers", "")); len(list) != 1 {
		t.Errorf("timers = %d, want 1", len(list))
	}

	rr = e.do(t, http.MethodPost, "/api/timers/"+tm.ID+"/disable", "")
	if got := decode[timerResp](t, rr); got.Enabled {
		t.Error("timer still enabled")
	}
	rr = e.do(t, http.MethodPost, "/api/timers/"+tm.ID+"/enable", "")
	if got := decode[timerResp](t, rr); !got.Enabled {
		t.Error("timer not enabled")
	}

	if rr := e.do(t, http.MethodDelete, "/api/timers/"+tm.ID, ""); rr.Code != http.StatusNoContent {
		t.Errorf("DELETE = %d", rr.Code)
	}
	if rr := e.do(t, http.MethodGet, "/api/timers/"+tm.ID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET deleted = %d, want 404", rr.Code)
	}
	if rr := e.do(t, http.MethodDelete, "/api/timers/"+tm.ID, ""); rr.Code != http.StatusNotFound {
		t.Errorf("DELETE deleted = %d, want 404", rr.Code)
	}
}

func TestCreateTimerInvalid(t *testing.T) {
	e := setupServer(t)
	rr := e.do(t, http.MethodPost, "/api/timers", `{"task_name":"x","timer_type":"interval","interval":{"hour":25},"target":{"device_id":"d1"},"control_type":"publish","topic":"a"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid timer = %d, want 400", rr.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		domain.ErrUnknownTask:              http.StatusNotFound,
		domain.ErrInstanceNotAllowed:       http.StatusBadRequest,
		domain.ErrNotCancelable:            http.StatusConflict,
		domain.ErrDuplicateTask:            http.StatusConflict,
		domain.ErrInvalidTransition:        http.StatusConflict,
		domain.ErrExhaustedIdentifierSpace: http.StatusServiceUnavailable,
		errors.New("disk full"):            http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
