package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xeipuuv/gojsonschema"

	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
	"aegisflux/nets/internal/store"
)

const maxBodyBytes = 1 << 20

var knownStates = map[policy.State]bool{
	policy.StateProposed:   true,
	policy.StateConfirmed:  true,
	policy.StateRejected:   true,
	policy.StateApplied:    true,
	policy.StateFailed:     true,
	policy.StateExpired:    true,
	policy.StateRolledBack: true,
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

type commandRequest struct {
	Actor string `json:"actor"`
	Note  string `json:"note"`
}

type rulesRequest struct {
	Sources []rules.Source          `json:"sources"`
	Samples []*model.NormalizedFlow `json:"samples"`
}

func (s *Server) getReady(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Pipeline.Ready() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	w.Write([]byte("ready"))
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Status())
}

// getAlerts handles GET /alerts?since=&min_severity=&rule_id=&limit=
func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.AlertFilter

	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("min_severity"); v != "" {
		sev, ok := model.ParseSeverity(v)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown severity %q", v))
			return
		}
		filter.MinSeverity = sev
	}
	filter.RuleID = q.Get("rule_id")
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	alerts := s.deps.Store.GetAlerts(filter)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": nonNil(alerts),
		"count":  len(alerts),
	})
}

func (s *Server) getFlows(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flows := s.deps.Store.GetFlows(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flows": nonNil(flows),
		"count": len(flows),
		"stats": s.deps.Store.GetStats(),
	})
}

func (s *Server) listDecisions(w http.ResponseWriter, r *http.Request) {
	state := policy.State(r.URL.Query().Get("state"))
	if state != "" && !knownStates[state] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", state))
		return
	}
	decisions := s.deps.Decisions.List(state)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": nonNil(decisions),
		"count":     len(decisions),
	})
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Decisions.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// postDecision handles POST /decisions/{id}/{confirm|reject|cancel|rollback}
func (s *Server) postDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := chi.URLParam(r, "action")

	var req commandRequest
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if details := validateBody(s.commandSchema, body); len(details) > 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid command", Details: details})
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	actor := req.Actor
	if actor == "" {
		actor = "api"
	}

	switch action {
	case "confirm":
		err = s.deps.Decisions.Confirm(id, actor)
	case "reject":
		err = s.deps.Decisions.Reject(id, actor)
	case "cancel":
		err = s.deps.Decisions.Cancel(id, actor)
	case "rollback":
		err = s.deps.Decisions.Rollback(r.Context(), id, actor)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.log.Warn("Decision command failed", "decision_id", id, "action", action, "actor", actor, "error", err)
		writeDecisionError(w, err)
		return
	}
	s.log.Info("Decision command accepted", "decision_id", id, "action", action, "actor", actor, "note", req.Note)

	d, err := s.deps.Decisions.Get(id)
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getRules(w http.ResponseWriter, r *http.Request) {
	b := s.deps.Engine.Bundle()
	resp := map[string]interface{}{
		"active":    b != nil,
		"rules":     nonNil(b.Describe()),
		"functions": rules.FunctionHelp(),
		"stats":     s.deps.Engine.Stats(),
	}
	if b != nil {
		resp["version"] = b.Version
		resp["hash"] = b.Hash
		resp["loaded_at"] = b.LoadedAt
		resp["sources"] = b.Sources
	}
	if s.deps.Loader != nil {
		resp["last_load"] = s.deps.Loader.Last()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fields":    rules.Fields(),
		"functions": rules.FunctionHelp(),
	})
}

// importRules compiles and activates a bundle. A rejected bundle answers
// 422 with positioned diagnostics and leaves the active bundle in force.
func (s *Server) importRules(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRulesRequest(w, r)
	if !ok {
		return
	}
	res := s.deps.Engine.Import(req.Sources...)
	if !res.Accepted {
		s.log.Warn("Rule import rejected", "errors", len(res.Errors))
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	s.log.Info("Rule import accepted", "version", res.Version, "rules", len(res.Rules), "unchanged", res.Unchanged)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) validateRules(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRulesRequest(w, r)
	if !ok {
		return
	}
	for i, f := range req.Samples {
		if f.ID == "" {
			f.ID = fmt.Sprintf("sample-%d", i)
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Validate(req.Sources, req.Samples))
}

func (s *Server) reloadRules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Loader == nil {
		writeError(w, http.StatusNotImplemented, "no rules directory configured")
		return
	}
	res, err := s.deps.Loader.Load()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !res.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) decodeRulesRequest(w http.ResponseWriter, r *http.Request) (rulesRequest, bool) {
	var req rulesRequest
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if details := validateBody(s.rulesSchema, body); len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid rules request", Details: details})
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return req, false
	}
	return req, true
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

// validateBody returns the schema violations of body, or a parse error
func validateBody(schema *gojsonschema.Schema, body []byte) []string {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("invalid JSON: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	var details []string
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return details
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, policy.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// nonNil keeps empty lists as [] in JSON
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
