package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"text/template"
	"time"

	"incidentflow/internal/clock"
	"incidentflow/internal/config"
	"incidentflow/internal/domain"
	"incidentflow/internal/notifyqueue"
	"incidentflow/internal/retryable"
	"incidentflow/internal/templatefmt"
)

// ChannelSender delivers one rendered notification to one channel.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, notification domain.Notification) error
}

// Dispatcher fans notifications out to configured channels.
// Params: senders, retry policy, message template, and optional async queue producer.
// Returns: gateway used by the incident manager and handler used by queue workers.
type Dispatcher struct {
	senders  map[string]ChannelSender
	channels []string
	retry    config.NotifyRetry
	message  *template.Template
	producer notifyqueue.Producer
	clock    clock.Clock
	logger   *slog.Logger
}

// Option customizes Dispatcher construction.
type Option func(*Dispatcher)

// WithSender registers sender, replacing any sender with the same channel.
func WithSender(sender ChannelSender) Option {
	return func(d *Dispatcher) {
		if sender != nil {
			d.senders[sender.Channel()] = sender
		}
	}
}

// WithProducer switches dispatcher to enqueue jobs instead of sending inline.
func WithProducer(producer notifyqueue.Producer) Option {
	return func(d *Dispatcher) {
		d.producer = producer
	}
}

// WithClock overrides job timestamp source.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) {
		if clk != nil {
			d.clock = clk
		}
	}
}

// NewDispatcher builds dispatcher from notify config.
// Params: notify config, logger, and options.
// Returns: dispatcher or template parse error.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	message, err := templatefmt.ParseMessageTemplate("notify.message", cfg.Template)
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		senders: make(map[string]ChannelSender),
		retry:   cfg.Retry,
		message: message,
		clock:   clock.RealClock{},
		logger:  logger,
	}
	if cfg.Log {
		d.senders[ChannelLog] = NewLogSender(logger)
	}
	if cfg.Webhook.Enabled {
		d.senders[ChannelWebhook] = NewWebhookSender(cfg.Webhook)
	}
	for _, opt := range opts {
		opt(d)
	}
	for channel := range d.senders {
		d.channels = append(d.channels, channel)
	}
	sort.Strings(d.channels)
	return d, nil
}

// Channels returns enabled channel names in sorted order.
func (d *Dispatcher) Channels() []string {
	return append([]string(nil), d.channels...)
}

// Notify renders event and delivers it to every channel (or enqueues one job per channel).
// Params: context, alert or incident subject, and event.
// Returns: joined per-channel failures; successful channels are not rolled back.
func (d *Dispatcher) Notify(ctx context.Context, subject domain.Subject, event domain.Event) error {
	if len(d.channels) == 0 {
		return nil
	}
	notification := domain.BuildNotification(subject, event)
	message, err := templatefmt.Render(d.message, notification)
	if err != nil {
		return fmt.Errorf("render notification %s for %s %s: %w", event.Kind, notification.SubjectKind, notification.SubjectID, err)
	}
	notification.Message = message

	var errs []error
	for _, channel := range d.channels {
		if d.producer != nil {
			job := notifyqueue.NewJob(channel, notification, d.clock.Now())
			if err := d.producer.Enqueue(ctx, job); err != nil {
				errs = append(errs, fmt.Errorf("enqueue %s: %w", channel, err))
			}
			continue
		}
		channelNotification := notification
		channelNotification.Channel = channel
		if err := d.sendWithRetry(ctx, d.senders[channel], channelNotification); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver sends one queued job once; redelivery is left to the queue.
// Params: context and job.
// Returns: sender error (unknown channel is not retryable).
func (d *Dispatcher) Deliver(ctx context.Context, job notifyqueue.Job) error {
	sender, ok := d.senders[job.Channel]
	if !ok {
		return fmt.Errorf("notify channel %q is not configured", job.Channel)
	}
	if err := sender.Send(ctx, job.Notification); err != nil {
		return fmt.Errorf("channel %s job %s: %w", job.Channel, job.ID, err)
	}
	return nil
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, notification domain.Notification) error {
	if !d.retry.Enabled {
		return sender.Send(ctx, notification)
	}
	policy := retryable.Policy{
		MaxAttempts: d.retry.MaxAttempts,
		Initial:     time.Duration(d.retry.InitialMS) * time.Millisecond,
		Max:         time.Duration(d.retry.MaxMS) * time.Millisecond,
		Exponential: strings.EqualFold(d.retry.Backoff, "exponential"),
	}
	if d.retry.LogEachAttempt {
		policy.OnRetry = func(attempt int, err error) {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}
	}
	attempts := 0
	err := retryable.Do(ctx, policy, func(ctx context.Context) error {
		attempts++
		return sender.Send(ctx, notification)
	})
	if err != nil {
		return fmt.Errorf("channel %s failed after %d attempt(s): %w", sender.Channel(), attempts, err)
	}
	if d.retry.LogEachAttempt && attempts > 1 {
		d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempts)
	}
	return nil
}
