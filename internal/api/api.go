package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"incidentflow/internal/domain"
	"incidentflow/internal/incident"
	"incidentflow/internal/retryable"
)

const maxRequestBody = 1 << 20

// Incidents is the incident lifecycle surface served over HTTP.
type Incidents interface {
	Get(ctx context.Context, id string) (domain.Incident, error)
	List(ctx context.Context, filter domain.IncidentFilter) ([]domain.Incident, error)
	Timeline(ctx context.Context, id string) ([]domain.TimelineEvent, error)
	Children(ctx context.Context, id string) ([]domain.Incident, error)
	Acknowledge(ctx context.Context, id, user, note string) (domain.Incident, error)
	StartInvestigation(ctx context.Context, id, user, note string) (domain.Incident, error)
	Resolve(ctx context.Context, id, user, note string) (domain.Incident, error)
	Close(ctx context.Context, id, user string) (domain.Incident, error)
	Escalate(ctx context.Context, id, reason string) (domain.Incident, error)
	Merge(ctx context.Context, sourceID, targetID, user string) (domain.Incident, error)
	BulkAcknowledge(ctx context.Context, ids []string, user, note string) []incident.BulkResult
	BulkResolve(ctx context.Context, ids []string, user, note string) []incident.BulkResult
}

// StatsFunc returns a JSON-encodable snapshot.
type StatsFunc func() any

// Handler serves the incident API below a path prefix.
// Params: incident service, optional stats sources, and logger.
// Returns: http.Handler with routes registered on a ServeMux.
type Handler struct {
	incidents   Incidents
	stats       StatsFunc
	windowStats StatsFunc
	logger      *slog.Logger
	mux         *http.ServeMux
}

// NewHandler registers API routes under prefix (for example "/api/v1").
func NewHandler(prefix string, incidents Incidents, stats, windowStats StatsFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		incidents:   incidents,
		stats:       stats,
		windowStats: windowStats,
		logger:      logger,
		mux:         http.NewServeMux(),
	}
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}

	h.mux.HandleFunc("GET "+prefix+"/incidents", h.listIncidents)
	h.mux.HandleFunc("GET "+prefix+"/incidents/{id}", h.getIncident)
	h.mux.HandleFunc("GET "+prefix+"/incidents/{id}/timeline", h.getTimeline)
	h.mux.HandleFunc("GET "+prefix+"/incidents/{id}/children", h.getChildren)
	h.mux.HandleFunc("POST "+prefix+"/incidents/{id}/acknowledge", h.transition(h.incidents.Acknowledge))
	h.mux.HandleFunc("POST "+prefix+"/incidents/{id}/investigate", h.transition(h.incidents.StartInvestigation))
	h.mux.HandleFunc("POST "+prefix+"/incidents/{id}/resolve", h.transition(h.incidents.Resolve))
	h.mux.HandleFunc("POST "+prefix+"/incidents/{id}/close", h.closeIncident)
	h.mux.HandleFunc("POST "+prefix+"/incidents/{id}/escalate", h.escalateIncident)
	h.mux.HandleFunc("POST "+prefix+"/incidents/{id}/merge", h.mergeIncident)
	h.mux.HandleFunc("POST "+prefix+"/incidents/bulk/acknowledge", h.bulk(h.incidents.BulkAcknowledge))
	h.mux.HandleFunc("POST "+prefix+"/incidents/bulk/resolve", h.bulk(h.incidents.BulkResolve))
	h.mux.HandleFunc("GET "+prefix+"/stats", h.serveStats(h.stats))
	h.mux.HandleFunc("GET "+prefix+"/correlation/stats", h.serveStats(h.windowStats))
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	h.mux.ServeHTTP(writer, request)
}

type actionRequest struct {
	User     string   `json:"user"`
	Note     string   `json:"note"`
	Reason   string   `json:"reason"`
	TargetID string   `json:"target_id"`
	IDs      []string `json:"ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listIncidents(writer http.ResponseWriter, request *http.Request) {
	filter, err := parseFilter(request)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	items, err := h.incidents.List(request.Context(), filter)
	if err != nil {
		h.writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, items)
}

func (h *Handler) getIncident(writer http.ResponseWriter, request *http.Request) {
	item, err := h.incidents.Get(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, item)
}

func (h *Handler) getTimeline(writer http.ResponseWriter, request *http.Request) {
	events, err := h.incidents.Timeline(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, events)
}

func (h *Handler) getChildren(writer http.ResponseWriter, request *http.Request) {
	children, err := h.incidents.Children(request.Context(), request.PathValue("id"))
	if err != nil {
		h.writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, children)
}

func (h *Handler) transition(op func(ctx context.Context, id, user, note string) (domain.Incident, error)) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		body, ok := decodeAction(writer, request, true)
		if !ok {
			return
		}
		item, err := op(request.Context(), request.PathValue("id"), body.User, body.Note)
		h.respond(writer, request, item, err)
	}
}

func (h *Handler) closeIncident(writer http.ResponseWriter, request *http.Request) {
	body, ok := decodeAction(writer, request, false)
	if !ok {
		return
	}
	item, err := h.incidents.Close(request.Context(), request.PathValue("id"), body.User)
	h.respond(writer, request, item, err)
}

func (h *Handler) escalateIncident(writer http.ResponseWriter, request *http.Request) {
	body, ok := decodeAction(writer, request, false)
	if !ok {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "manual escalation"
	}
	item, err := h.incidents.Escalate(request.Context(), request.PathValue("id"), reason)
	h.respond(writer, request, item, err)
}

func (h *Handler) mergeIncident(writer http.ResponseWriter, request *http.Request) {
	body, ok := decodeAction(writer, request, true)
	if !ok {
		return
	}
	if strings.TrimSpace(body.TargetID) == "" {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "target_id is required"})
		return
	}
	item, err := h.incidents.Merge(request.Context(), request.PathValue("id"), body.TargetID, body.User)
	h.respond(writer, request, item, err)
}

func (h *Handler) bulk(op func(ctx context.Context, ids []string, user, note string) []incident.BulkResult) http.HandlerFunc {
	return func(writer http.ResponseWriter, request *http.Request) {
		body, ok := decodeAction(writer, request, true)
		if !ok {
			return
		}
		if len(body.IDs) == 0 {
			writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "ids must not be empty"})
			return
		}
		writeJSON(writer, http.StatusOK, op(request.Context(), body.IDs, body.User, body.Note))
	}
}

func (h *Handler) serveStats(source StatsFunc) http.HandlerFunc {
	return func(writer http.ResponseWriter, _ *http.Request) {
		if source == nil {
			writeJSON(writer, http.StatusNotFound, errorResponse{Error: "stats not available"})
			return
		}
		writeJSON(writer, http.StatusOK, source())
	}
}

func (h *Handler) respond(writer http.ResponseWriter, request *http.Request, item domain.Incident, err error) {
	if err != nil {
		h.writeError(writer, request, err)
		return
	}
	writeJSON(writer, http.StatusOK, item)
}

// writeError maps lifecycle errors to HTTP status codes.
func (h *Handler) writeError(writer http.ResponseWriter, request *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("api request failed", "method", request.Method, "path", request.URL.Path, "error", err.Error())
	}
	writeJSON(writer, status, errorResponse{Error: err.Error()})
}

// StatusFor returns HTTP status for a lifecycle error.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrSelfMerge):
		return http.StatusBadRequest
	case incident.IsInvalidTransition(err),
		errors.Is(err, incident.ErrAlreadyTerminal),
		errors.Is(err, incident.ErrMergeCycle),
		errors.Is(err, incident.ErrDuplicateCorrelation):
		return http.StatusConflict
	case retryable.Is(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeAction reads optional JSON body; requireUser rejects empty user.
func decodeAction(writer http.ResponseWriter, request *http.Request, requireUser bool) (actionRequest, bool) {
	var body actionRequest
	raw, err := io.ReadAll(http.MaxBytesReader(writer, request.Body, maxRequestBody))
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return body, false
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "decode request: " + err.Error()})
			return body, false
		}
	}
	body.User = strings.TrimSpace(body.User)
	if requireUser && body.User == "" {
		writeJSON(writer, http.StatusBadRequest, errorResponse{Error: "user is required"})
		return body, false
	}
	return body, true
}

// parseFilter reads list filters from query parameters; multi-valued params are comma separated.
func parseFilter(request *http.Request) (domain.IncidentFilter, error) {
	query := request.URL.Query()
	filter := domain.IncidentFilter{
		AssignedTo:    query.Get("assigned_to"),
		CorrelationID: query.Get("correlation_id"),
		ParentID:      query.Get("parent_id"),
	}
	for _, value := range splitList(query.Get("status")) {
		status := domain.IncidentStatus(value)
		switch status {
		case domain.StatusOpen, domain.StatusInvestigating, domain.StatusResolved, domain.StatusClosed, domain.StatusMerged:
			filter.Statuses = append(filter.Statuses, status)
		default:
			return filter, fmt.Errorf("unsupported status %q", value)
		}
	}
	for _, value := range splitList(query.Get("priority")) {
		priority := domain.Priority(strings.ToUpper(value))
		if !priority.Valid() {
			return filter, fmt.Errorf("unsupported priority %q", value)
		}
		filter.Priorities = append(filter.Priorities, priority)
	}
	for _, value := range splitList(query.Get("category")) {
		category := domain.Category(value)
		if !category.Valid() {
			return filter, fmt.Errorf("unsupported category %q", value)
		}
		filter.Categories = append(filter.Categories, category)
	}
	var err error
	if filter.From, err = parseTime(query.Get("from")); err != nil {
		return filter, fmt.Errorf("from: %w", err)
	}
	if filter.To, err = parseTime(query.Get("to")); err != nil {
		return filter, fmt.Errorf("to: %w", err)
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, fmt.Errorf("limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
