package api

import (
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tickflow/internal/domain"
	"tickflow/internal/store"
)

func decodeTask(w http.ResponseWriter, r *http.Request) (domain.NewTask, bool) {
	var req taskReq
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		if domain.IsValidation(err) {
			fail(w, r, err)
		} else {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		}
		return domain.NewTask{}, false
	}
	return req.definition(), true
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeTask(w, r)
	if !ok {
		return
	}
	t, err := s.sched.Create(r.Context(), def)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(t))
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeTask(w, r)
	if !ok {
		return
	}
	t, err := s.sched.Update(r.Context(), chi.URLParam(r, "id"), def)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func filterFrom(r *http.Request) (store.Filter, error) {
	q := r.URL.Query()
	var f store.Filter
	if v := q.Get("status"); v != "" {
		st, err := domain.ParseStatus(v)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if v := q.Get("priority"); v != "" {
		p, err := domain.ParsePriority(v)
		if err != nil {
			return f, err
		}
		f.Priority = p
	}
	f.Tenant = strings.TrimSpace(q.Get("tenant"))
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, domain.Invalid("limit", "must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	tasks, err := s.sched.List(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(tasks))
}

// listSorted orders by scheduledAt, newest first, with unscheduled tasks last.
func (s *Server) listSorted(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	tasks, err := s.sched.List(r.Context(), f)
	if err != nil {
		fail(w, r, err)
		return
	}
	slices.SortStableFunc(tasks, func(a, b domain.Task) int {
		switch {
		case a.ScheduledAt == nil && b.ScheduledAt == nil:
			return 0
		case a.ScheduledAt == nil:
			return 1
		case b.ScheduledAt == nil:
			return -1
		}
		return b.ScheduledAt.Compare(*a.ScheduledAt)
	})
	writeJSON(w, http.StatusOK, viewsOf(tasks))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) searchByMessageID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("messageId"))
	if id == "" {
		fail(w, r, domain.Invalid("messageId", "is required"))
		return
	}
	t, err := s.sched.FindByMessageID(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) searchByTimeRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseTime(q.Get("startDate"))
	if err != nil {
		fail(w, r, domain.Invalid("startDate", "%v", err))
		return
	}
	end, err := parseTime(q.Get("endDate"))
	if err != nil {
		fail(w, r, domain.Invalid("endDate", "%v", err))
		return
	}
	var prio domain.Priority
	if v := q.Get("priority"); v != "" {
		if prio, err = domain.ParsePriority(v); err != nil {
			fail(w, r, err)
			return
		}
	}
	tasks, err := s.sched.SearchByTimeRange(r.Context(), start, end, prio, strings.TrimSpace(q.Get("tenant")))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(tasks))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			fail(w, r, domain.Invalid("limit", "must be a non-negative integer"))
			return
		}
		limit = n
	}
	attempts, err := s.sched.Attempts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{StartedAt: a.StartedAt, FinishedAt: a.FinishedAt, Success: a.Success, Reason: a.Reason, Message: a.Message})
	}
	writeJSON(w, http.StatusOK, out)
}
