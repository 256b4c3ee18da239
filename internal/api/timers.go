package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ctlflow/internal/domain"
)

type timerReq struct {
	TaskName    string             `json:"task_name"`
	TimerType   domain.TimerType   `json:"timer_type"`
	FireAt      *time.Time         `json:"fire_at"`
	Interval    *domain.Recurrence `json:"interval"`
	Target      domain.Target      `json:"target"`
	ControlType domain.ControlType `json:"control_type"`
	Topic       string             `json:"topic"`
	Address     *domain.Address    `json:"address"`
	Path        string             `json:"path"`
	Payload     json.RawMessage    `json:"payload"`
	Enabled     *bool              `json:"enabled"`
	OwnerID     string             `json:"owner_id"`
}

type timerResp struct {
	ID            string             `json:"id"`
	TaskName      string             `json:"task_name"`
	TimerType     domain.TimerType   `json:"timer_type"`
	FireAt        *time.Time         `json:"fire_at,omitempty"`
	Interval      *domain.Recurrence `json:"interval,omitempty"`
	Target        domain.Target      `json:"target"`
	ControlType   domain.ControlType `json:"control_type"`
	Topic         string             `json:"topic,omitempty"`
	Address       *domain.Address    `json:"address,omitempty"`
	Payload       json.RawMessage    `json:"payload,omitempty"`
	RunStatus     domain.RunStatus   `json:"run_status"`
	Enabled       bool               `json:"enabled"`
	NextFireAt    time.Time          `json:"next_fire_at"`
	LastRunAt     *time.Time         `json:"last_run_at,omitempty"`
	LastRunStatus domain.RunStatus   `json:"last_run_status,omitempty"`
	LastTaskID    string             `json:"last_task_id,omitempty"`
	OwnerID       string             `json:"owner_id,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func toTimerResp(d domain.TimerDefinition) timerResp {
	return timerResp{
		ID: d.ID, TaskName: d.TaskName, TimerType: d.TimerType, FireAt: d.FireAt,
		Interval: d.Interval, Target: d.Target, ControlType: d.ControlType, Topic: d.Topic,
		Address: d.Address, Payload: d.Payload, RunStatus: d.RunStatus, Enabled: d.Enabled,
		NextFireAt: d.NextFireAt, LastRunAt: d.LastRunAt, LastRunStatus: d.LastRunStatus,
		LastTaskID: d.LastTaskID, OwnerID: d.OwnerID, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

// createTimer stores a definition. Omitting "enabled" creates it enabled.
func (s *Server) createTimer(w http.ResponseWriter, r *http.Request) {
	var req timerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, err.Error())
		return
	}
	addr, err := resourceAddress(req.Address, req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	d, err := s.Timers.CreateTimer(r.Context(), domain.TimerDefinition{
		TaskName:    req.TaskName,
		TimerType:   req.TimerType,
		FireAt:      req.FireAt,
		Interval:    req.Interval,
		Target:      req.Target,
		ControlType: req.ControlType,
		Topic:       req.Topic,
		Address:     addr,
		Payload:     req.Payload,
		Enabled:     enabled,
		OwnerID:     req.OwnerID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimerResp(d))
}

func (s *Server) listTimers(w http.ResponseWriter, r *http.Request) {
	defs, err := s.Timers.ListTimers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]timerResp, 0, len(defs))
	for _, d := range defs {
		out = append(out, toTimerResp(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTimer(w http.ResponseWriter, r *http.Request) {
	d, err := s.Timers.GetTimer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimerResp(d))
}

func (s *Server) deleteTimer(w http.ResponseWriter, r *http.Request) {
	if err := s.Timers.DeleteTimer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableTimer(w http.ResponseWriter, r *http.Request)  { s.setEnabled(w, r, true) }
func (s *Server) disableTimer(w http.ResponseWriter, r *http.Request) { s.setEnabled(w, r, false) }

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, on bool) {
	d, err := s.Timers.SetEnabled(r.Context(), chi.URLParam(r, "id"), on)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimerResp(d))
}
