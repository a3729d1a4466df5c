package gateway

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/smallnest/clawrun/errors"
	"github.com/smallnest/clawrun/runs"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type cancelBody struct {
	Reason string `json:"reason"`
}

// readJSON decodes a JSON request body with a size limit. An empty body
// leaves v at its zero value when allowEmpty is set.
func readJSON[T any](w http.ResponseWriter, r *http.Request, allowEmpty bool) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		if allowEmpty && stderrors.Is(err, io.EOF) {
			return v, true
		}
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "")
		} else {
			writeError(w, http.StatusBadRequest, "invalid request body", string(errors.ErrCodeInvalidInput))
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeAppError maps an error code to an HTTP status.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := http.StatusInternalServerError
	message := errors.GetMessage(err)
	switch code {
	case errors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	case errors.ErrCodeNotFound, errors.ErrCodeSessionNotFound:
		status = http.StatusNotFound
	case errors.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case errors.ErrCodeSchedulerClosed:
		status = http.StatusServiceUnavailable
	default:
		s.log.Error("Request failed", zap.Error(err))
		message = errors.GetUserMessage(err)
	}
	writeError(w, status, message, string(code))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthBody())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Stats())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.SessionSnapshot(chi.URLParam(r, "sessionID")))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[cancelBody](w, r, true)
	if !ok {
		return
	}

	res, err := s.sched.CancelSession(r.Context(), chi.URLParam(r, "sessionID"), body.Reason)
	if err != nil {
		if errors.Is(err, errors.ErrCodeInvalidInput) {
			s.writeAppError(w, err)
			return
		}
		// The queue was still drained; report the counts with the kill error.
		s.log.Warn("Cancel completed with error", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.queryFilter(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sched.ListRuns(filter))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.GetRun(chi.URLParam(r, "runID"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run journal is not enabled", string(errors.ErrCodeNotFound))
		return
	}
	filter, ok := s.queryFilter(w, r)
	if !ok {
		return
	}
	list, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cron.ListJobs())
}

func (s *Server) handleRunCronJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.cron.RunJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) queryFilter(w http.ResponseWriter, r *http.Request) (runs.Filter, bool) {
	q := r.URL.Query()
	filter := runs.Filter{
		SessionID: q.Get("sessionId"),
		Status:    runs.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status '"+string(filter.Status)+"'", string(errors.ErrCodeInvalidInput))
		return filter, false
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer", string(errors.ErrCodeInvalidInput))
			return filter, false
		}
		filter.Limit = n
	}
	return filter, true
}
