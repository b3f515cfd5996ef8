package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"incidentflow/internal/domain"
)

// AlertSink receives validated alerts from ingest interfaces.
type AlertSink interface {
	Ingest(ctx context.Context, alert domain.Alert) error
}

// HTTPOptions tunes the alerts endpoint.
type HTTPOptions struct {
	MaxBodyBytes int64
	// Timeout bounds processing of one request; zero means request context only.
	Timeout time.Duration
	// RateLimitPerMinute caps alerts per source; zero disables limiting.
	RateLimitPerMinute int
}

// HTTPHandler accepts one alert object or an array of alerts.
// Params: sink, endpoint options, and logger.
// Returns: HTTP handler for the alerts endpoint.
type HTTPHandler struct {
	sink    AlertSink
	opts    HTTPOptions
	limiter *sourceLimiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
func NewHTTPHandler(sink AlertSink, opts HTTPOptions, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		sink:    sink,
		opts:    opts,
		limiter: newSourceLimiter(opts.RateLimitPerMinute),
		now:     time.Now,
		logger:  logger,
	}
}

// EvictIdleSources drops rate limiter state for sources idle longer than maxAge.
func (h *HTTPHandler) EvictIdleSources(maxAge time.Duration) int {
	return h.limiter.evict(h.now(), maxAge)
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// ServeHTTP answers 202 when every alert was processed, 400 on invalid payload, 429 when
// a source exceeds its rate and 503 when processing failed. Alerts before the failing
// one stay accepted.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.opts.MaxBodyBytes)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}
	alerts, err := domain.DecodeAlerts(body)
	if err != nil {
		writeJSON(writer, http.StatusBadRequest, ingestResponse{Error: err.Error()})
		return
	}

	ctx := request.Context()
	if h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.Timeout)
		defer cancel()
	}
	accepted := 0
	for _, alert := range alerts {
		if !h.limiter.allow(alert.Source, h.now()) {
			h.logger.Warn("http ingest rate limited", "alert_id", alert.ID, "source", alert.Source)
			writeJSON(writer, http.StatusTooManyRequests, ingestResponse{Accepted: accepted, Error: "rate limit exceeded for source " + alert.Source})
			return
		}
		if err := h.sink.Ingest(ctx, alert); err != nil {
			h.logger.Error("http ingest failed", "alert_id", alert.ID, "error", err.Error())
			writeJSON(writer, http.StatusServiceUnavailable, ingestResponse{Accepted: accepted, Error: err.Error()})
			return
		}
		accepted++
	}
	writeJSON(writer, http.StatusAccepted, ingestResponse{Accepted: accepted})
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
