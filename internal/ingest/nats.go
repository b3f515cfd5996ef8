package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"incidentflow/internal/config"
	"incidentflow/internal/domain"
	"incidentflow/internal/retryable"

	"github.com/nats-io/nats.go"
)

const alertStreamMaxAge = 24 * time.Hour

// NATSSubscriber consumes alerts from a JetStream queue consumer.
// Invalid payloads are acked and dropped; retryable processing errors are nak'ed so
// JetStream redelivers the alert.
type NATSSubscriber struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	sink      AlertSink
	logger    *slog.Logger
	nackDelay time.Duration
	timeout   time.Duration
}

// NewNATSSubscriber ensures the alert stream exists and starts consuming.
// Params: ingest NATS config, sink, logger, and per-message processing timeout.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink AlertSink, logger *slog.Logger, timeout time.Duration) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("incidentflow-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureAlertStream(js, cfg.Stream, cfg.Subject); err != nil {
		nc.Close()
		return nil, err
	}

	subscriber := &NATSSubscriber{
		nc:        nc,
		sink:      sink,
		logger:    logger,
		nackDelay: time.Duration(cfg.NackDelayMS) * time.Millisecond,
		timeout:   timeout,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handle, subOpts...)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
	}
	subscriber.sub = sub
	return subscriber, nil
}

func (s *NATSSubscriber) handle(message *nats.Msg) {
	alerts, err := domain.DecodeAlerts(message.Data)
	if err != nil {
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.ackMessage(message, "decode")
		return
	}

	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	for _, alert := range alerts {
		err := s.sink.Ingest(ctx, alert)
		if err == nil {
			continue
		}
		if retryable.Is(err) {
			s.logger.Warn("nats ingest will be redelivered", "alert_id", alert.ID, "error", err.Error())
			s.nackMessage(message)
			return
		}
		s.logger.Error("nats ingest failed", "alert_id", alert.ID, "error", err.Error())
	}
	s.ackMessage(message, "processed")
}

func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

func (s *NATSSubscriber) nackMessage(message *nats.Msg) {
	var err error
	if s.nackDelay > 0 {
		err = message.NakWithDelay(s.nackDelay)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscription and closes connection.
func (s *NATSSubscriber) Close() error {
	if s.sub != nil {
		if err := s.sub.Drain(); err != nil {
			s.nc.Close()
			return err
		}
	}
	s.nc.Close()
	return nil
}

func ensureAlertStream(js nats.JetStreamContext, stream, subject string) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", stream, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
		MaxAge:   alertStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", stream, err)
	}
	return nil
}
