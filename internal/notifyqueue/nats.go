package notifyqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"incidentflow/internal/config"

	"github.com/nats-io/nats.go"
)

const (
	notifyStreamMaxAge    = 24 * time.Hour
	notifyDLQStreamMaxAge = 7 * 24 * time.Hour

	notifyQueueSubject    = "incidentflow.notify"
	notifyQueueStream     = "INCIDENTFLOW_NOTIFY"
	notifyQueueConsumer   = "incidentflow-notify"
	notifyQueueGroup      = "incidentflow-notify-workers"
	notifyQueueDLQSubject = "incidentflow.notify.dlq"
	notifyQueueDLQStream  = "INCIDENTFLOW_NOTIFY_DLQ"
	defaultHandlerTimeout = 30 * time.Second
	msgIDHeader           = "Nats-Msg-Id"
)

// NATSProducer publishes delivery jobs into a JetStream work queue.
type NATSProducer struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
}

// NewNATSProducer connects and ensures queue streams exist.
// Params: queue config.
// Returns: producer or setup error.
func NewNATSProducer(cfg config.NotifyQueue) (*NATSProducer, error) {
	cfg = withRouting(cfg)
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}
	return &NATSProducer{nc: nc, js: js, subject: cfg.Subject}, nil
}

// Enqueue publishes one job; job id doubles as JetStream dedup id.
func (p *NATSProducer) Enqueue(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal notify job: %w", err)
	}
	msg := nats.NewMsg(p.subject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(msgIDHeader, id)
	}
	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify job: %w", err)
	}
	return nil
}

// Close closes producer connection.
func (p *NATSProducer) Close() error {
	if p == nil || p.nc == nil {
		return nil
	}
	p.nc.Close()
	return nil
}

// NATSWorker consumes delivery jobs through a durable queue-group consumer.
type NATSWorker struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	sub        *nats.Subscription
	logger     *slog.Logger
	handler    Handler
	dlq        bool
	dlqSubject string
	maxDeliver int
	nackDelay  time.Duration
	timeout    time.Duration
}

// NewNATSWorker starts consuming jobs.
// Params: queue config, logger (nil discards), and delivery handler.
// Returns: running worker or setup error.
func NewNATSWorker(cfg config.NotifyQueue, logger *slog.Logger, handler Handler) (*NATSWorker, error) {
	if handler == nil {
		return nil, errors.New("notify worker handler is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg = withRouting(cfg)
	nc, js, err := openJetStream(cfg)
	if err != nil {
		return nil, err
	}

	ackWait := time.Duration(cfg.AckWaitSec) * time.Second
	worker := &NATSWorker{
		nc:         nc,
		js:         js,
		logger:     logger,
		handler:    handler,
		dlq:        cfg.DLQ,
		dlqSubject: cfg.DLQSubject,
		maxDeliver: cfg.MaxDeliver,
		nackDelay:  time.Duration(cfg.NackDelayMS) * time.Millisecond,
		timeout:    defaultHandlerTimeout,
	}
	if ackWait > 0 {
		worker.timeout = ackWait
	}

	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.DeliverAll(),
	}
	if ackWait > 0 {
		subOpts = append(subOpts, nats.AckWait(ackWait))
	}
	if cfg.MaxAckPending > 0 {
		subOpts = append(subOpts, nats.MaxAckPending(cfg.MaxAckPending))
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, worker.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe notify %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	worker.sub = sub
	return worker, nil
}

func (w *NATSWorker) handle(message *nats.Msg) {
	if message == nil {
		return
	}
	var job Job
	if err := json.Unmarshal(message.Data, &job); err != nil {
		w.logger.Warn("notify job decode failed", "subject", message.Subject, "error", err.Error())
		_ = message.Ack()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	err := w.handler(ctx, job)
	cancel()
	if err == nil {
		_ = message.Ack()
		return
	}

	attempts := deliveryAttempts(message)
	w.logger.Error("notify job delivery failed",
		"job_id", job.ID,
		"channel", job.Channel,
		"attempt", attempts,
		"error", err.Error(),
	)
	reason := dlqReason(err, attempts, w.maxDeliver)
	if reason == "" {
		w.nak(message)
		return
	}
	if w.dlq {
		if dlqErr := w.publishDLQ(message, job, reason, err, attempts); dlqErr != nil {
			w.logger.Error("notify dlq publish failed", "job_id", job.ID, "reason", string(reason), "error", dlqErr.Error())
			w.nak(message)
			return
		}
	}
	_ = message.Ack()
}

func (w *NATSWorker) nak(message *nats.Msg) {
	if w.nackDelay > 0 {
		_ = message.NakWithDelay(w.nackDelay)
		return
	}
	_ = message.Nak()
}

// Close drains subscription and closes connection.
func (w *NATSWorker) Close() error {
	if w == nil || w.nc == nil {
		return nil
	}
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.nc.Close()
			return err
		}
	}
	w.nc.Close()
	return nil
}

func (w *NATSWorker) publishDLQ(message *nats.Msg, job Job, reason DLQReason, cause error, attempts uint64) error {
	entry := DLQEntry{
		Job:           job,
		Reason:        reason,
		Error:         strings.TrimSpace(cause.Error()),
		Attempts:      attempts,
		MaxDeliver:    w.maxDeliver,
		Subject:       message.Subject,
		FailedAt:      time.Now().UTC(),
		OriginalMsgID: strings.TrimSpace(message.Header.Get(msgIDHeader)),
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal notify dlq entry: %w", err)
	}
	msg := nats.NewMsg(w.dlqSubject)
	msg.Data = body
	if id := strings.TrimSpace(job.ID); id != "" {
		msg.Header.Set(msgIDHeader, id+":dlq:"+string(reason)+":"+strconv.FormatUint(attempts, 10))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := w.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish notify dlq entry: %w", err)
	}
	return nil
}

// withRouting fills fixed stream and subject names when config left them empty.
func withRouting(cfg config.NotifyQueue) config.NotifyQueue {
	if len(cfg.URL) == 0 {
		cfg.URL = []string{nats.DefaultURL}
	}
	fill := func(value *string, fallback string) {
		if strings.TrimSpace(*value) == "" {
			*value = fallback
		}
	}
	fill(&cfg.Subject, notifyQueueSubject)
	fill(&cfg.Stream, notifyQueueStream)
	fill(&cfg.ConsumerName, notifyQueueConsumer)
	fill(&cfg.DeliverGroup, notifyQueueGroup)
	fill(&cfg.DLQSubject, notifyQueueDLQSubject)
	fill(&cfg.DLQStream, notifyQueueDLQStream)
	return cfg
}

func ensureStream(js nats.JetStreamContext, name, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %q: %w", name, err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", name, err)
	}
	return nil
}

func openJetStream(cfg config.NotifyQueue) (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("incidentflow-notify"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect notify queue nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream init for notify queue: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, notifyStreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	if cfg.DLQ {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, notifyDLQStreamMaxAge); err != nil {
			nc.Close()
			return nil, nil, err
		}
	}
	return nc, js, nil
}

// deliveryAttempts reads JetStream delivery counter, defaulting to 1.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered == 0 {
		return 1
	}
	return metadata.NumDelivered
}
