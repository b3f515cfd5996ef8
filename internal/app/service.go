package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"incidentflow/internal/api"
	"incidentflow/internal/clock"
	"incidentflow/internal/config"
	"incidentflow/internal/correlation"
	"incidentflow/internal/domain"
	"incidentflow/internal/incident"
	"incidentflow/internal/ingest"
	"incidentflow/internal/logging"
	"incidentflow/internal/metrics"
	"incidentflow/internal/notify"
	"incidentflow/internal/notifyqueue"
	"incidentflow/internal/scheduler"
	"incidentflow/internal/state"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	httpIngestTimeout = 10 * time.Second
	sourceIdleAfter   = 10 * time.Minute
)

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable incidentflow service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	store      state.Store
	engine     *correlation.Engine
	incidents  *incident.Manager
	dispatcher *notify.Dispatcher
	recorder   *metrics.Recorder
	registry   *prometheus.Registry
	pipeline   *Pipeline
	ingestHTTP *ingest.HTTPHandler
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	notifyQ    interface{ Close() error }
	notifyPub  notifyqueue.Producer
	sched      *scheduler.Scheduler
	readyFlag  atomic.Bool
	clock      clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	return New(cfg, clk)
}

// New builds service from a validated config snapshot.
func New(cfg config.Config, clk clock.Clock) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger, closeLog, err := logging.New(cfg.Log, cfg.Service.Name)
	if err != nil {
		return nil, err
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
		recorder: metrics.NewRecorder(),
		registry: prometheus.NewRegistry(),
	}
	if err := service.build(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

func (s *Service) build() error {
	if err := s.recorder.Register(s.registry); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := s.registry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}

	store, err := buildStore(s.cfg, s.clock)
	if err != nil {
		return err
	}
	s.store = store

	if err := s.buildNotifyProducer(); err != nil {
		return err
	}
	dispatcherOpts := []notify.Option{notify.WithClock(s.clock)}
	if s.notifyPub != nil {
		dispatcherOpts = append(dispatcherOpts, notify.WithProducer(s.notifyPub))
	}
	dispatcher, err := notify.NewDispatcher(s.cfg.Notify, s.logger, dispatcherOpts...)
	if err != nil {
		return err
	}
	s.dispatcher = dispatcher

	s.engine = correlation.NewEngine(correlationSettings(s.cfg.Correlation), strategies(s.cfg.Correlation), s.store, s.clock, s.logger,
		correlation.WithObserver(s.recorder))
	s.incidents = incident.NewManager(incidentSettings(s.cfg), s.store, s.store, s.dispatcher, s.clock, s.logger,
		incident.WithObserver(s.recorder))
	s.pipeline = NewPipeline(s.store, s.engine, s.incidents, s.logger, s.cfg.Store.OperationTimeout())

	if err := s.buildNotifyWorker(); err != nil {
		return err
	}
	if err := s.buildHTTPServer(); err != nil {
		return err
	}
	if err := s.buildNATSSubscriber(); err != nil {
		return err
	}
	return s.buildScheduler()
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	if err := s.warm(ctx); err != nil {
		_ = s.shutdown()
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.sched.Start(ctx)
	s.readyFlag.Store(true)
	s.logger.Info("service started", "mode", s.cfg.Service.Mode, "channels", strings.Join(s.dispatcher.Channels(), ","))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// Handler returns the root HTTP handler (ingest, API, metrics, health).
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Pipeline returns the alert sink used by ingest transports.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Incidents returns the incident lifecycle manager.
func (s *Service) Incidents() *incident.Manager {
	return s.incidents
}

// Sweep runs every background task once; used at startup catch-up and in tests.
func (s *Service) Sweep(ctx context.Context) error {
	return s.sched.RunOnce(ctx)
}

// warm rebuilds correlation window and incident gauges from persisted state.
func (s *Service) warm(ctx context.Context) error {
	replayed, err := s.engine.Warm(ctx)
	if err != nil {
		return fmt.Errorf("warm correlation window: %w", err)
	}
	existing, err := s.store.QueryIncidents(ctx, domain.IncidentFilter{
		Statuses: []domain.IncidentStatus{
			domain.StatusOpen, domain.StatusInvestigating, domain.StatusResolved,
			domain.StatusClosed, domain.StatusMerged,
		},
	})
	if err != nil {
		return fmt.Errorf("load incidents: %w", err)
	}
	s.recorder.Seed(existing)
	s.logger.Info("state restored", "alerts", replayed, "incidents", len(existing))
	return nil
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	timeout := time.Duration(s.cfg.Service.ShutdownTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if err := s.sched.Stop(); err != nil {
		s.logger.Error("scheduler stop failed", "error", err.Error())
		markErr(fmt.Errorf("scheduler stop: %w", err))
	}
	if s.notifyQ != nil {
		if err := s.notifyQ.Close(); err != nil {
			s.logger.Error("notify queue worker close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue worker close: %w", err))
		}
	}
	if s.notifyPub != nil {
		if err := s.notifyPub.Close(); err != nil {
			s.logger.Error("notify queue producer close failed", "error", err.Error())
			markErr(fmt.Errorf("notify queue producer close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires router with ingest, incident API, metrics and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, metrics.Handler(s.registry))

	prefix := "/" + strings.Trim(httpCfg.APIPrefix, "/")
	apiHandler := api.NewHandler(prefix, s.incidents,
		func() any { return s.recorder.Snapshot() },
		func() any { return s.engine.Stats() },
		s.logger,
	)
	mux.Handle(prefix+"/", apiHandler)

	if httpCfg.Enabled {
		s.ingestHTTP = ingest.NewHTTPHandler(s.pipeline, ingest.HTTPOptions{
			MaxBodyBytes:       httpCfg.MaxBodyBytes,
			Timeout:            httpIngestTimeout,
			RateLimitPerMinute: httpCfg.RateLimitPerMinute,
		}, s.logger)
		mux.Handle(httpCfg.AlertsPath, s.ingestHTTP)
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	timeout := time.Duration(s.cfg.Ingest.NATS.AckWaitSec) * time.Second
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.logger, timeout)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildNotifyProducer creates async notification producer when queue is enabled.
func (s *Service) buildNotifyProducer() error {
	if isSingleMode(s.cfg) || !s.cfg.Notify.Queue.Enabled {
		return nil
	}
	producer, err := notifyqueue.NewNATSProducer(s.cfg.Notify.Queue)
	if err != nil {
		return err
	}
	s.notifyPub = producer
	return nil
}

// buildNotifyWorker starts queue worker that delivers jobs through the dispatcher senders.
func (s *Service) buildNotifyWorker() error {
	if s.notifyPub == nil {
		return nil
	}
	worker, err := notifyqueue.NewNATSWorker(s.cfg.Notify.Queue, s.logger, s.dispatcher.Deliver)
	if err != nil {
		return err
	}
	s.notifyQ = worker
	return nil
}

// buildScheduler registers periodic sweeps: escalation, auto-close, archive, window compaction
// and rate limiter eviction.
func (s *Service) buildScheduler() error {
	interval := time.Duration(s.cfg.Service.SweepIntervalSec) * time.Second
	tasks := []scheduler.Task{
		sweepTask("escalation", interval, s.logger, s.incidents.EscalateOverdue),
		sweepTask("auto_close", interval, s.logger, s.incidents.AutoClose),
		sweepTask("archive", interval, s.logger, s.incidents.ArchiveClosed),
		{
			Name:     "window_compact",
			Interval: interval,
			Run: func(context.Context) error {
				if evicted := s.engine.Compact(); evicted > 0 {
					s.logger.Debug("correlation groups expired", "groups", evicted)
				}
				return nil
			},
		},
	}
	if s.ingestHTTP != nil && s.cfg.Ingest.HTTP.RateLimitPerMinute > 0 {
		tasks = append(tasks, scheduler.Task{
			Name:     "rate_limit_evict",
			Interval: interval,
			Run: func(context.Context) error {
				s.ingestHTTP.EvictIdleSources(sourceIdleAfter)
				return nil
			},
		})
	}
	timeout := time.Duration(s.cfg.Service.ShutdownTimeoutSec) * time.Second
	sched, err := scheduler.New(s.logger, timeout, tasks...)
	if err != nil {
		return err
	}
	s.sched = sched
	return nil
}

func sweepTask(name string, interval time.Duration, logger *slog.Logger, sweep func(context.Context) (incident.SweepReport, error)) scheduler.Task {
	return scheduler.Task{
		Name:     name,
		Interval: interval,
		Run: func(ctx context.Context) error {
			report, err := sweep(ctx)
			if report.Processed > 0 || report.Failed > 0 {
				logger.Info("sweep finished",
					"task", name,
					"checked", report.Checked,
					"processed", report.Processed,
					"failed", report.Failed,
				)
			}
			return err
		},
	}
}

// buildStore creates runtime state backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config, clk clock.Clock) (state.Store, error) {
	if isSingleMode(cfg) {
		return state.NewMemoryStore(clk.Now, time.Duration(cfg.Store.AlertTTLHours)*time.Hour), nil
	}
	return state.NewNATSStore(config.DeriveNATSStoreConfig(cfg))
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
