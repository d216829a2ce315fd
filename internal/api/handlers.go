package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"aitester/internal/schedule"
	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

const (
	defaultPreview   = 5
	maxPreview       = 50
	defaultExecLimit = 50
	maxExecLimit     = 500
)

type handlers struct {
	d   Deps
	log logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"schedules": len(h.d.Scheduler.ActiveSchedules())}
	if h.d.Executions != nil {
		out["executions"] = h.d.Executions.Snapshot()
	}
	if h.d.Notifier != nil {
		out["alerts"] = h.d.Notifier.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schedules": h.d.Scheduler.ActiveSchedules()})
}

type validateRequest struct {
	CronExpression string `json:"cronExpression"`
	Count          int    `json:"count,omitempty"`
}

type validateResponse struct {
	Valid bool        `json:"valid"`
	Next  []time.Time `json:"next"`
	Error string      `json:"error,omitempty"`
}

func (h *handlers) validateCron(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	n := req.Count
	if n <= 0 {
		n = defaultPreview
	}
	if n > maxPreview {
		n = maxPreview
	}
	next, err := schedule.ValidateCron(req.CronExpression, n)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Next: []time.Time{}, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, Next: next})
}

func (h *handlers) listSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := h.d.Store.ListTestSuites(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suites": suites})
}

type createSuiteRequest struct {
	ID        string                    `json:"id,omitempty"`
	Name      string                    `json:"name"`
	TestCases []string                  `json:"testCases"`
	Schedule  *suite.ScheduleDefinition `json:"schedule,omitempty"`
}

func (h *handlers) createSuite(w http.ResponseWriter, r *http.Request) {
	var req createSuiteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	created, err := h.d.Scheduler.CreateTestSuite(r.Context(), suite.TestSuite{
		ID:        strings.TrimSpace(req.ID),
		Name:      strings.TrimSpace(req.Name),
		TestCases: req.TestCases,
		Schedule:  req.Schedule,
	})
	if err != nil && created.ID == "" {
		writeError(w, err)
		return
	}
	if err != nil {
		// Persisted, but the live trigger could not be registered.
		h.log.Warn("suite created without live schedule", logx.String("suite_id", created.ID), logx.Err(err))
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handlers) getSuite(w http.ResponseWriter, r *http.Request) {
	ts, err := h.findSuite(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *handlers) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var def suite.ScheduleDefinition
	if err := decodeJSON(w, r, &def); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.d.Scheduler.UpdateSchedule(r.Context(), id, def); err != nil {
		writeError(w, err)
		return
	}
	h.getSuite(w, r)
}

func (h *handlers) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Scheduler.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pauseSchedule stops the live trigger only; the persisted definition and
// the next restart are unaffected.
func (h *handlers) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := h.findSuite(r); err != nil {
		writeError(w, err)
		return
	}
	removed := h.d.Scheduler.UnscheduleTestSuite(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// resumeSchedule re-enables the persisted definition and registers it as the
// live trigger.
func (h *handlers) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	ts, err := h.findSuite(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if ts.Schedule == nil {
		writeError(w, fmt.Errorf("%w: suite %s has no schedule", errBadRequest, ts.ID))
		return
	}
	def := *ts.Schedule.Clone()
	def.Enabled = true
	if err := h.d.Scheduler.ScheduleTestSuite(r.Context(), ts.ID, def); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": h.d.Scheduler.ActiveSchedules()})
}

func (h *handlers) runNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.d.Scheduler.TriggerNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"suiteId": id, "trigger": suite.TriggerManual})
}

func (h *handlers) listExecutions(w http.ResponseWriter, r *http.Request) {
	if _, err := h.findSuite(r); err != nil {
		writeError(w, err)
		return
	}
	limit := defaultExecLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = min(n, maxExecLimit)
	}
	execs, err := h.d.Store.ListExecutions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (h *handlers) listEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := h.d.Store.ListEnvironments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
}

func (h *handlers) putEnvironment(w http.ResponseWriter, r *http.Request) {
	var env suite.Environment
	if err := decodeJSON(w, r, &env); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if env.ID != "" && env.ID != id {
		writeError(w, fmt.Errorf("%w: body id %q does not match path", errBadRequest, env.ID))
		return
	}
	env.ID = id
	if strings.TrimSpace(env.Name) == "" {
		writeError(w, fmt.Errorf("%w: name is required", errBadRequest))
		return
	}
	saved, err := h.d.Store.PutEnvironment(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *handlers) findSuite(r *http.Request) (suite.TestSuite, error) {
	id := chi.URLParam(r, "id")
	suites, err := h.d.Store.ListTestSuites(r.Context())
	if err != nil {
		return suite.TestSuite{}, err
	}
	idx := suite.FindSuite(suites, id)
	if idx < 0 {
		return suite.TestSuite{}, &schedule.NotFoundError{SuiteID: id}
	}
	return suites[idx], nil
}
