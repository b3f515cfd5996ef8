package notifyqueue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"
)

// Job is one queued delivery of a notification to a single channel.
// Params: target channel and rendered notification payload.
// Returns: queue unit consumed by delivery workers.
type Job struct {
	ID           string              `json:"id"`
	Channel      string              `json:"channel"`
	Notification domain.Notification `json:"notification"`
	CreatedAt    time.Time           `json:"created_at"`
}

// DLQReason classifies why a job was dead-lettered.
type DLQReason string

const (
	// DLQReasonPermanentError marks failures that retrying cannot fix.
	DLQReasonPermanentError DLQReason = "permanent_error"
	// DLQReasonMaxDeliverExceeded marks retries exhausted by consumer max deliver.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter record of a failed job.
type DLQEntry struct {
	Job           Job       `json:"job"`
	Reason        DLQReason `json:"reason"`
	Error         string    `json:"error"`
	Attempts      uint64    `json:"attempts"`
	MaxDeliver    int       `json:"max_deliver"`
	Subject       string    `json:"subject"`
	FailedAt      time.Time `json:"failed_at"`
	OriginalMsgID string    `json:"original_msg_id,omitempty"`
}

// BuildJobID derives a stable id so re-enqueueing the same delivery deduplicates.
// Params: channel name and notification payload.
// Returns: SHA1 hex digest.
func BuildJobID(channel string, notification domain.Notification) string {
	raw := fmt.Sprintf(
		"%s|%s|%s|%s|%s|%d|%d|%s",
		channel,
		notification.Kind,
		notification.SubjectKind,
		notification.SubjectID,
		notification.Status,
		notification.EscalationLevel,
		notification.Timestamp.UnixNano(),
		notification.Actor,
	)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// NewJob builds job with deterministic id.
func NewJob(channel string, notification domain.Notification, now time.Time) Job {
	notification.Channel = channel
	return Job{
		ID:           BuildJobID(channel, notification),
		Channel:      channel,
		Notification: notification,
		CreatedAt:    now,
	}
}

// Producer enqueues delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
	Close() error
}

// Worker consumes queued jobs until closed.
type Worker interface {
	Close() error
}

// Handler delivers one job; errors not marked retryable are dead-lettered immediately.
type Handler func(ctx context.Context, job Job) error

// dlqReason decides whether a failed delivery leaves the queue.
// Params: handler error, current attempt, and consumer max deliver.
// Returns: reason or empty string when job should be redelivered.
func dlqReason(err error, attempts uint64, maxDeliver int) DLQReason {
	if !retryable.Is(err) {
		return DLQReasonPermanentError
	}
	if maxDeliver > 0 && attempts >= uint64(maxDeliver) {
		return DLQReasonMaxDeliverExceeded
	}
	return ""
}
