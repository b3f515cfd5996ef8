package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"incidentflow/internal/config"
	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"
)

const (
	// ChannelLog writes notifications into the service log.
	ChannelLog = "log"
	// ChannelWebhook posts notifications as JSON to an HTTP endpoint.
	ChannelWebhook = "webhook"
)

// LogSender records notifications as structured log lines.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates log channel sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Channel returns log channel name.
func (s *LogSender) Channel() string { return ChannelLog }

// Send logs notification at a level derived from urgency.
func (s *LogSender) Send(ctx context.Context, notification domain.Notification) error {
	level := slog.LevelInfo
	switch notification.Urgency {
	case domain.UrgencyCritical:
		level = slog.LevelError
	case domain.UrgencyHigh:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "notification",
		"kind", string(notification.Kind),
		"subject", notification.SubjectKind+"/"+notification.SubjectID,
		"priority", string(notification.Priority),
		"urgency", string(notification.Urgency),
		"message", notification.Message,
	)
	return nil
}

// WebhookSender posts notification JSON to configured URL.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates webhook sender with per-request timeout.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns webhook channel name.
func (s *WebhookSender) Channel() string { return ChannelWebhook }

// Send posts notification; transport errors, 429 and 5xx are retryable.
func (s *WebhookSender) Send(ctx context.Context, notification domain.Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return retryable.Mark(fmt.Errorf("webhook send: %w", err))
	}
	defer response.Body.Close()
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	statusErr := unexpectedHTTPStatusError("webhook", response)
	if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500 {
		return retryable.Mark(statusErr)
	}
	return statusErr
}

func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmed := strings.TrimSpace(string(rawBody))
	if trimmed == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmed)
}
