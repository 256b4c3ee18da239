package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"ctlflow/internal/ack"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/domain"
	"ctlflow/internal/lwm2m"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxAckBody       = 64 << 10
)

type commandReq struct {
	ControlType domain.ControlType `json:"control_type"`
	Topic       string             `json:"topic"`
	Address     *domain.Address    `json:"address"`
	Path        string             `json:"path"`
	Payload     json.RawMessage    `json:"payload"`
	OwnerID     string             `json:"owner_id"`
	TaskID      string             `json:"task_id"`
}

// resourceAddress accepts either an address object or its "/obj/inst/item"
// path form.
func resourceAddress(addr *domain.Address, path string) (*domain.Address, error) {
	if addr != nil || path == "" {
		return addr, nil
	}
	a, err := lwm2m.ParsePath(path)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

type submitTaskReq struct {
	DeviceID string `json:"device_id"`
	commandReq
}

type submitGroupReq struct {
	GroupID string `json:"group_id"`
	commandReq
}

type taskResp struct {
	ID          string             `json:"id"`
	Scope       domain.Scope       `json:"scope"`
	ControlType domain.ControlType `json:"control_type"`
	Topic       string             `json:"topic"`
	Path        string             `json:"path,omitempty"`
	Payload     json.RawMessage    `json:"payload,omitempty"`
	Status      domain.TaskStatus  `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	DeviceID    string             `json:"device_id"`
	OwnerID     string             `json:"owner_id,omitempty"`
	GroupTaskID *string            `json:"group_task_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	SentAt      *time.Time         `json:"sent_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

type groupTaskResp struct {
	ID              string                 `json:"id"`
	GroupID         string                 `json:"group_id"`
	ControlType     domain.ControlType     `json:"control_type"`
	Topic           string                 `json:"topic"`
	Path            string                 `json:"path,omitempty"`
	Payload         json.RawMessage        `json:"payload,omitempty"`
	AggregateStatus domain.AggregateStatus `json:"aggregate_status"`
	MemberCount     int                    `json:"member_count"`
	OwnerID         string                 `json:"owner_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	Children        []taskResp             `json:"children,omitempty"`
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		ID: t.ID, Scope: t.Scope, ControlType: t.ControlType, Topic: t.Topic, Path: t.Path,
		Payload: t.Payload, Status: t.Status, Reason: t.Reason, DeviceID: t.DeviceID,
		OwnerID: t.OwnerID, GroupTaskID: t.GroupTaskID, CreatedAt: t.CreatedAt,
		SentAt: t.SentAt, UpdatedAt: t.UpdatedAt,
	}
}

func toGroupResp(g domain.GroupTask, kids []domain.Task) groupTaskResp {
	resp := groupTaskResp{
		ID: g.ID, GroupID: g.GroupID, ControlType: g.ControlType, Topic: g.Topic, Path: g.Path,
		Payload: g.Payload, AggregateStatus: g.AggregateStatus, MemberCount: g.MemberCount,
		OwnerID: g.OwnerID, CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
	}
	for _, k := range kids {
		resp.Children = append(resp.Children, toTaskResp(k))
	}
	return resp
}

func statusResp(st dispatch.Status) any {
	if st.GroupTask != nil {
		return toGroupResp(*st.GroupTask, st.Children)
	}
	return toTaskResp(*st.Task)
}

// submitTask answers 202 even when the handoff failed; the task's status
// carries the outcome.
func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.DeviceID == "" {
		badRequest(w, "device_id is required")
		return
	}
	addr, err := resourceAddress(req.Address, req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.Submissions.SubmitSingle(r.Context(), dispatch.SingleRequest{
		DeviceID:    req.DeviceID,
		ControlType: req.ControlType,
		Topic:       req.Topic,
		Address:     addr,
		Payload:     req.Payload,
		OwnerID:     req.OwnerID,
		TaskID:      req.TaskID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toTaskResp(t))
}

func (s *Server) submitGroupTask(w http.ResponseWriter, r *http.Request) {
	var req submitGroupReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if req.GroupID == "" {
		badRequest(w, "group_id is required")
		return
	}
	addr, err := resourceAddress(req.Address, req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	g, err := s.Submissions.SubmitGroup(r.Context(), dispatch.GroupRequest{
		GroupID:     req.GroupID,
		ControlType: req.ControlType,
		Topic:       req.Topic,
		Address:     addr,
		Payload:     req.Payload,
		OwnerID:     req.OwnerID,
		TaskID:      req.TaskID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toGroupResp(g, nil))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	tasks, err := s.Repo.ListRecentTasks(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Submissions.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp(st))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	st, err := s.Submissions.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResp(st))
}

// webhookEnvelope is the broker's rule-engine webhook body. Payload holds the
// device's reply as a string.
type webhookEnvelope struct {
	Topic   string  `json:"topic"`
	Payload *string `json:"payload"`
}

// receiveAck accepts either a bare {"task_id","result"} reply or a webhook
// envelope wrapping one. Unknown and late acks are absorbed; a body that is
// not an ack at all is rejected.
func (s *Server) receiveAck(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAckBody))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	var env webhookEnvelope
	if json.Unmarshal(body, &env) == nil && env.Payload != nil {
		body = []byte(*env.Payload)
	}
	m, outcome, err := ack.Decode(body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.Acks.OnAck(r.Context(), m.TaskID, outcome); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type purgeResp struct {
	Deleted int `json:"deleted"`
}

func (s *Server) purgeDevice(w http.ResponseWriter, r *http.Request) {
	n, err := s.Repo.PurgeDevice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResp{Deleted: n})
}

// deleteGroupTask removes a group task and its children from the registry.
func (s *Server) deleteGroupTask(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.DeleteGroupTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
