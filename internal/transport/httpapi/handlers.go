package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"popupguard/internal/decision"
	"popupguard/internal/messaging"
	"popupguard/internal/popup"
	"popupguard/internal/transport"
	logx "popupguard/pkg/logx"
)

func (s *Server) requestDecision(w http.ResponseWriter, r *http.Request) {
	var req transport.DecisionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.decisions.RequestDecision(r.Context(), req.Record, string(req.TabID))
	if err != nil && !res.Success {
		writeJSON(w, statusFor(err), res)
		return
	}
	if err != nil {
		// Pending in memory but not mirrored; the caller still gets its id.
		s.log.Warn("decision accepted without persistence", logx.String("popup", res.PopupID), logx.Err(err))
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) resolveDecision(w http.ResponseWriter, r *http.Request) {
	var req transport.ResolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := mux.Vars(r)["popupId"]
	res, err := s.decisions.ResolveDecision(r.Context(), id, popup.ParseDecision(req.Decision))
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listPending(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.decisions.ListPendingDecisions())
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.decisions.CleanupExpiredDecisions(r.Context())
	if err != nil {
		writeJSON(w, statusFor(err), transport.CleanupResult{Removed: n, Error: decision.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, transport.CleanupResult{Success: true, Removed: n})
}

func (s *Server) queryHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := popup.HistoryFilter{
		Domain:   strings.TrimSpace(q.Get("domain")),
		Decision: popup.ParseDecision(q.Get("decision")),
	}
	if f.Decision != "" && !f.Decision.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown decision %q", q.Get("decision")))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	history, err := s.decisions.QueryHistory(r.Context(), f)
	if err != nil {
		writeError(w, statusFor(err), decision.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.decisions.ClearHistory(r.Context()); err != nil {
		writeError(w, statusFor(err), decision.Message(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	top := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "top must be a non-negative integer")
			return
		}
		top = n
	}
	st, err := s.decisions.Stats(r.Context(), top)
	if err != nil {
		writeError(w, statusFor(err), decision.Message(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listTabs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tabs.Tabs())
}

func (s *Server) openTab(w http.ResponseWriter, r *http.Request) {
	created, err := s.tabs.Open(mux.Vars(r)["tabId"])
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeTab(w http.ResponseWriter, r *http.Request) {
	if !s.tabs.Close(mux.Vars(r)["tabId"]) {
		writeError(w, http.StatusNotFound, messaging.ErrTabNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pollTab(w http.ResponseWriter, r *http.Request) {
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "wait must be a duration like 25s")
			return
		}
		wait = min(d, s.cfg.MaxPollWait)
	}
	msgs, err := s.tabs.Poll(r.Context(), mux.Vars(r)["tabId"], wait)
	if err != nil && len(msgs) == 0 {
		if r.Context().Err() != nil {
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	if msgs == nil {
		msgs = []messaging.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, transport.Health{
		Status:         "ok",
		Pending:        s.decisions.PendingCount(),
		Tabs:           len(s.tabs.Tabs()),
		NotifyFailures: s.decisions.NotifyFailures(),
		Uptime:         time.Since(s.started).Truncate(time.Second).String(),
	})
}

// statusFor maps manager and channel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, decision.ErrNotFound), errors.Is(err, messaging.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, decision.ErrInvalidDecision),
		errors.Is(err, decision.ErrInvalidRecord),
		errors.Is(err, messaging.ErrEmptyTabID):
		return http.StatusBadRequest
	case errors.Is(err, decision.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, decision.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, transport.ErrorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
