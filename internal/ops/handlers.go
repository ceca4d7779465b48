// Castellan - Abuse Prevention and Security Monitoring Engine
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/castellanhq/castellan

package ops

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/castellanhq/castellan/internal/abuse"
	"github.com/castellanhq/castellan/internal/engine"
	"github.com/castellanhq/castellan/internal/event"
	"github.com/castellanhq/castellan/internal/logging"
	"github.com/castellanhq/castellan/internal/ratelimit"
	"github.com/castellanhq/castellan/internal/validation"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("encoding response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var reqErr *validation.RequestValidationError
	switch {
	case errors.As(err, &reqErr):
		status = http.StatusBadRequest
	case errors.Is(err, ratelimit.ErrUnknownRule),
		errors.Is(err, abuse.ErrUnknownPattern),
		errors.Is(err, event.ErrEventNotFound),
		errors.Is(err, event.ErrAlertNotFound):
		status = http.StatusNotFound
	case errors.Is(err, abuse.ErrKindNotImplemented):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if !decodeBody(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Inspect(req, s.now()))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := event.Filter{
		Source: q.Get("source"),
		UserID: q.Get("user_id"),
	}
	if t := q.Get("type"); t != "" {
		f.Types = []event.Type{event.Type(t)}
	}
	if sev := q.Get("min_severity"); sev != "" {
		f.MinSeverity = event.Severity(sev)
		if !f.MinSeverity.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid min_severity"})
			return
		}
	}
	f.Limit = intQuery(q.Get("limit"), 100)
	f.Offset = intQuery(q.Get("offset"), 0)

	writeJSON(w, http.StatusOK, s.engine.Events.Events(f))
}

func (s *Server) handleResolveEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	changed, err := s.engine.Events.Resolve(chi.URLParam(r, "id"), body.ResolvedBy, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": changed})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := event.AlertFilter{}
	if c := q.Get("correlation"); c != "" {
		f.Correlation = event.Correlation(c)
	}
	if sev := q.Get("min_severity"); sev != "" {
		f.MinSeverity = event.Severity(sev)
		if !f.MinSeverity.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid min_severity"})
			return
		}
	}
	if ack := q.Get("acknowledged"); ack != "" {
		b := ack == "true"
		f.Acknowledged = &b
	}
	f.Limit = intQuery(q.Get("limit"), 100)
	f.Offset = intQuery(q.Get("offset"), 0)

	writeJSON(w, http.StatusOK, s.engine.Events.Alerts(f))
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	changed, err := s.engine.Events.Acknowledge(chi.URLParam(r, "id"), body.AcknowledgedBy, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"acknowledged": changed})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid from timestamp"})
			return
		}
		from = parsed
	}
	if v := q.Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid to timestamp"})
			return
		}
		to = parsed
	}
	writeJSON(w, http.StatusOK, s.engine.Events.Metrics(from, to))
}

func (s *Server) handleListRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Limiter.Rules())
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule ratelimit.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := s.engine.Limiter.AddRule(rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule ratelimit.Rule
	if !decodeBody(w, r, &rule) {
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := s.engine.Limiter.UpdateRule(rule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListPatterns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Detector.Patterns())
}

func (s *Server) handleAddPattern(w http.ResponseWriter, r *http.Request) {
	var p abuse.Pattern
	if !decodeBody(w, r, &p) {
		return
	}
	if err := s.engine.Detector.AddPattern(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUpdatePattern(w http.ResponseWriter, r *http.Request) {
	var p abuse.Pattern
	if !decodeBody(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.engine.Detector.UpdatePattern(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListLockouts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Lockouts.Active(s.now()))
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason"`
		Source string `json:"source"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "user_id is required"})
		return
	}
	if err := s.engine.Lockouts.Lock(body.UserID, body.Reason, body.Source, s.now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": body.UserID, "status": "locked"})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	unlocked := s.engine.Lockouts.Unlock(chi.URLParam(r, "user"), body.Code, s.now())
	status := http.StatusOK
	if !unlocked {
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]bool{"unlocked": unlocked})
}

func (s *Server) handleListChallenges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Challenges.Active(s.now()))
}

func (s *Server) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Source string `json:"source"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusCreated, s.engine.Challenges.Issue(body.UserID, body.Source, s.now()))
}

func (s *Server) handleVerifyChallenge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Solution string `json:"solution"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	solved := s.engine.Challenges.Verify(chi.URLParam(r, "id"), body.Solution, s.now())
	status := http.StatusOK
	if !solved {
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]bool{"solved": solved})
}

func (s *Server) handleScoreSpam(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
		Subject string `json:"subject"`
		UserID  string `json:"user_id"`
		Source  string `json:"source"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Spam.Score(body.Content, body.Subject, body.UserID, body.Source, s.now()))
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
