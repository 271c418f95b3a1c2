package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/WilBtc/autoheal/internal/coordinator"
	"github.com/WilBtc/autoheal/internal/errors"
	"github.com/WilBtc/autoheal/internal/escalation"
	"github.com/WilBtc/autoheal/internal/types"
)

const defaultListLimit = 50

// ingestRequest is the wire form scanners POST to /api/v1/incidents.
// Severity is a string so scanners never deal with enum ordinals.
type ingestRequest struct {
	Kind     string            `json:"kind"`
	Source   string            `json:"source,omitempty"`
	Subject  string            `json:"subject"`
	Message  string            `json:"message"`
	Severity string            `json:"severity,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// handleIncidents accepts incidents from external fault scanners and
// hands them to the intake adapter. A full queue surfaces as 429 so
// scanners back off instead of losing reports silently.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.intake == nil {
		writeError(w, errors.New(errors.ErrQueueClosed, "incident intake is not running"))
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.New(errors.ErrInvalidInput, "malformed request body"))
		return
	}
	inc := &types.Incident{
		Kind:     types.IncidentKind(req.Kind),
		Source:   req.Source,
		Subject:  req.Subject,
		Message:  req.Message,
		Severity: types.ParseSeverity(req.Severity),
		Metadata: req.Metadata,
	}
	if err := s.intake.Submit(r.Context(), inc); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     inc.ID,
		"status": "accepted",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

// handleEscalations lists the pending review queue.
func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, errors.New(errors.ErrInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	pending, err := s.sink.ListPending(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escalations": pending,
		"count":       len(pending),
	})
}

// handleEscalationByID serves /api/v1/escalations/{id} and the resolve
// and dismiss transitions beneath it.
func (s *Server) handleEscalationByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/escalations/")
	idPart, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || id < 1 {
		writeError(w, errors.New(errors.ErrInvalidInput, "invalid escalation id"))
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		esc, err := s.sink.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, esc)
	case "resolve":
		s.handleTransition(w, r, id, true)
	case "dismiss":
		s.handleTransition(w, r, id, false)
	default:
		writeError(w, errors.New(errors.ErrNotFound, "no such resource"))
	}
}

type transitionRequest struct {
	Method string `json:"method,omitempty"`
	Notes  string `json:"notes,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, id int64, resolve bool) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req transitionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errors.New(errors.ErrInvalidInput, "malformed request body"))
			return
		}
	}

	var err error
	if resolve {
		method := req.Method
		if method == "" {
			method = "manual"
		}
		err = s.sink.Resolve(id, method, req.Notes)
	} else {
		err = s.sink.Dismiss(id, req.Notes)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	esc, err := s.sink.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

type statsResponse struct {
	Queue    escalation.Stats   `json:"queue"`
	Pipeline *coordinator.Stats `json:"pipeline,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	queue, err := s.sink.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	resp := statsResponse{Queue: queue}
	if s.pipeline != nil {
		st := s.pipeline.Stats()
		resp.Pipeline = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
