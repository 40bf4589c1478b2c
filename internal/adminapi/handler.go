package adminapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"studiobot/internal/reminder"
	"studiobot/internal/scheduler"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

type handler struct {
	sched  Scheduler
	ledger storage.Ledger
	log    logx.Logger
	now    func() time.Time
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	snap := h.sched.Snapshot(r.Context())
	status := http.StatusOK
	if snap.State != scheduler.Running.String() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"state":      snap.State,
		"last_tick":  snap.LastTick,
		"last_error": snap.LastErr,
	})
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Snapshot(r.Context()))
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := strings.TrimSpace(r.URL.Query().Get("days")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid days", http.StatusBadRequest)
			return
		}
		days = n
	}
	st, err := h.ledger.Stats(r.Context(), h.now().AddDate(0, 0, -days))
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.NotificationFilter{
		State:    reminder.State(strings.TrimSpace(q.Get("state"))),
		ClientID: strings.TrimSpace(q.Get("client_id")),
		JobID:    strings.TrimSpace(q.Get("job_id")),
	}
	if f.State != "" && !f.State.Valid() {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	f.Limit = limit

	ns, err := h.ledger.List(r.Context(), f)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ns, "count": len(ns)})
}

func (h *handler) getNotification(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.JobFilter{
		Kind:   reminder.Kind(strings.TrimSpace(q.Get("kind"))),
		Status: reminder.JobStatus(strings.TrimSpace(q.Get("status"))),
	}
	if f.Kind != "" && !f.Kind.Valid() {
		http.Error(w, "invalid kind", http.StatusBadRequest)
		return
	}
	switch f.Status {
	case "", reminder.JobScheduled, reminder.JobFired, reminder.JobCancelled:
	default:
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	limit, ok := parseLimit(q.Get("limit"))
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	f.Limit = limit

	js, err := h.sched.Jobs(r.Context(), f)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": js, "count": len(js)})
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	kind, _, _, err := reminder.ParseJobID(id)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	if kind == reminder.KindSweep {
		http.Error(w, "sweep jobs cannot be cancelled", http.StatusBadRequest)
		return
	}
	ok, err := h.sched.CancelJob(r.Context(), id)
	if err != nil {
		h.serverError(w, r, err)
		return
	}
	h.log.Info("job cancel via api", logx.Job(id), logx.Bool("cancelled", ok))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": ok})
}

func (h *handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Error("admin api request failed",
		logx.String("path", r.URL.Path),
		logx.String("request_id", chimw.GetReqID(r.Context())),
		logx.Err(err))
	http.Error(w, "server error", http.StatusInternalServerError)
}

func parseLimit(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
