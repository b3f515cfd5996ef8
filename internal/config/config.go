package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"incidentflow/internal/templatefmt"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen       = ":8080"
	defaultHealthPath       = "/healthz"
	defaultReadyPath        = "/readyz"
	defaultAlertsPath       = "/alerts"
	defaultAPIPrefix        = "/api/v1"
	defaultMetricsPath      = "/metrics"
	defaultNATSURL          = "nats://127.0.0.1:4222"
	defaultNATSSubject      = "incidentflow.alerts"
	defaultNATSStream       = "INCIDENTFLOW_ALERTS"
	defaultNATSConsumer     = "incidentflow-ingest"
	defaultNATSGroup        = "incidentflow-workers"
	defaultAlertBucket      = "alerts"
	defaultIncidentBucket   = "incidents"
	defaultArchiveBucket    = "incidents_archive"
	defaultNotifySubject    = "incidentflow.notify"
	defaultNotifyStream     = "INCIDENTFLOW_NOTIFY"
	defaultNotifyConsumer   = "incidentflow-notify"
	defaultNotifyGroup      = "incidentflow-notify-workers"
	defaultNotifyDLQSubject = "incidentflow.notify.dlq"
	defaultNotifyDLQStream  = "INCIDENTFLOW_NOTIFY_DLQ"
	defaultMessageTemplate  = `[{{ .Priority }}] {{ .Kind }}: {{ .Title }}{{ if .Note }} ({{ .Note }}){{ end }}`

	// ServiceModeNATS persists state in JetStream KV and enables NATS ingest/queue.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps state in process memory.
	ServiceModeSingle = "single"

	// ShardByNone keeps one correlation window.
	ShardByNone = "none"
	// ShardByCategory shards the window by alert category.
	ShardByCategory = "category"
	// ShardBySource shards the window by alert source.
	ShardBySource = "source"
)

// Config holds service runtime settings.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service     ServiceConfig     `toml:"service"`
	Log         LogConfig         `toml:"log"`
	Ingest      IngestConfig      `toml:"ingest"`
	Store       StoreConfig       `toml:"store"`
	Correlation CorrelationConfig `toml:"correlation"`
	Incident    IncidentConfig    `toml:"incident"`
	Notify      NotifyConfig      `toml:"notify"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	Name               string `toml:"name"`
	Mode               string `toml:"mode"`
	SweepIntervalSec   int    `toml:"sweep_interval_sec"`
	ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec"`
}

// LogConfig contains console/file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: enabled flag, level, output format, and file path for file sink.
// Returns: sink options for logger builder.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// IngestConfig defines inbound alert interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP server endpoints.
// Params: enable flag for alert ingest, listen address, endpoint paths, and body size limit.
// Returns: HTTP surface behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	AlertsPath   string `toml:"alerts_path"`
	APIPrefix    string `toml:"api_prefix"`
	MetricsPath  string `toml:"metrics_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
	// RateLimitPerMinute caps accepted alerts per source; 0 disables.
	RateLimitPerMinute int `toml:"rate_limit_per_minute"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StoreConfig controls persistence timeouts and retention.
type StoreConfig struct {
	OperationTimeoutMS int `toml:"operation_timeout_ms"`
	AlertTTLHours      int `toml:"alert_ttl_hours"`
}

// OperationTimeout returns per-call persistence timeout.
func (s StoreConfig) OperationTimeout() time.Duration {
	return time.Duration(s.OperationTimeoutMS) * time.Millisecond
}

// NATSStoreConfig contains fixed JetStream KV settings for the state backend.
// Params: URL, bucket names, alert TTL.
// Returns: NATS state backend options.
type NATSStoreConfig struct {
	URL                []string
	AlertBucket        string
	IncidentBucket     string
	ArchiveBucket      string
	AlertTTL           time.Duration
	AllowCreateBuckets bool
}

// DeriveNATSStoreConfig builds fixed state-backend settings from runtime config.
// Params: full runtime configuration snapshot.
// Returns: non-user-overridable NATS store settings.
func DeriveNATSStoreConfig(cfg Config) NATSStoreConfig {
	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	return NATSStoreConfig{
		URL:                urls,
		AlertBucket:        defaultAlertBucket,
		IncidentBucket:     defaultIncidentBucket,
		ArchiveBucket:      defaultArchiveBucket,
		AlertTTL:           time.Duration(cfg.Store.AlertTTLHours) * time.Hour,
		AllowCreateBuckets: true,
	}
}

// CorrelationConfig tunes the correlation window and strategies.
type CorrelationConfig struct {
	WindowSec         int                  `toml:"window_sec"`
	MaxAlerts         int                  `toml:"max_alerts"`
	JoinThreshold     float64              `toml:"join_threshold"`
	ShortCircuitScore float64              `toml:"short_circuit_score"`
	ShardBy           string               `toml:"shard_by"`
	Shards            int                  `toml:"shards"`
	Temporal          TemporalConfig       `toml:"temporal"`
	Spatial           SpatialConfig        `toml:"spatial"`
	Semantic          SemanticConfig       `toml:"semantic"`
	Metric            MetricPatternConfig  `toml:"metric"`
	Confidence        ConfidenceThresholds `toml:"confidence"`
}

// Window returns window duration.
func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

// TemporalConfig configures time-proximity scoring.
type TemporalConfig struct {
	WindowSec int `toml:"window_sec"`
	DecaySec  int `toml:"decay_sec"`
}

// SpatialConfig configures dimension weights of spatial scoring.
type SpatialConfig struct {
	HostWeight      float64 `toml:"host_weight"`
	ComponentWeight float64 `toml:"component_weight"`
	CategoryWeight  float64 `toml:"category_weight"`
	TagsWeight      float64 `toml:"tags_weight"`
}

// SemanticConfig configures field weights of text similarity.
type SemanticConfig struct {
	TitleWeight       float64 `toml:"title_weight"`
	DescriptionWeight float64 `toml:"description_weight"`
}

// MetricPatternConfig configures metric proximity scoring.
type MetricPatternConfig struct {
	NameWeight float64 `toml:"name_weight"`
}

// ConfidenceThresholds configures confidence tier boundaries.
type ConfidenceThresholds struct {
	VeryHigh float64 `toml:"very_high"`
	High     float64 `toml:"high"`
	Medium   float64 `toml:"medium"`
	Low      float64 `toml:"low"`
}

// IncidentConfig configures incident lifecycle policies.
type IncidentConfig struct {
	AutoCloseAfterHours int              `toml:"auto_close_after_hours"`
	ArchiveAfterHours   int              `toml:"archive_after_hours"`
	NotifyTimeoutMS     int              `toml:"notify_timeout_ms"`
	Escalation          EscalationConfig `toml:"escalation"`
}

// EscalationConfig holds per-priority automatic escalation rules (P4/P5 never escalate).
type EscalationConfig struct {
	P1 EscalationRule `toml:"p1"`
	P2 EscalationRule `toml:"p2"`
	P3 EscalationRule `toml:"p3"`
}

// EscalationRule defines when an unacknowledged incident escalates.
// Params: age threshold, escalation cap, and re-escalation interval.
// Returns: one priority policy.
type EscalationRule struct {
	ThresholdSec   int `toml:"threshold_sec"`
	MaxEscalations int `toml:"max_escalations"`
	IntervalSec    int `toml:"interval_sec"`
}

// NotifyConfig defines outbound notification behavior.
// Params: sender toggles, retry policy, async queue, and message template.
// Returns: notification controls.
type NotifyConfig struct {
	Log      bool            `toml:"log"`
	Template string          `toml:"template"`
	Webhook  WebhookNotifier `toml:"webhook"`
	Retry    NotifyRetry     `toml:"retry"`
	Queue    NotifyQueue     `toml:"queue"`
}

// WebhookNotifier configures generic JSON webhook delivery.
type WebhookNotifier struct {
	Enabled    bool              `toml:"enabled"`
	URL        string            `toml:"url"`
	Method     string            `toml:"method"`
	TimeoutSec int               `toml:"timeout_sec"`
	Headers    map[string]string `toml:"headers"`
}

// NotifyRetry configures outbound delivery retries.
// Params: retry toggle, backoff, attempt limits, and logging.
// Returns: retry policy for notifications.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	Backoff        string `toml:"backoff"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	MaxAttempts    int    `toml:"max_attempts"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// NotifyQueue defines asynchronous delivery queue settings.
// Params: enable flag, worker/ack policy, and DLQ toggle; routing names are runtime-fixed.
// Returns: async notify pipeline controls.
type NotifyQueue struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"-"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	DLQSubject    string   `toml:"-"`
	DLQStream     string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
	DLQ           bool     `toml:"dlq"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	cfg := Default()
	var err error
	if src.File != "" {
		err = loadFile(src.File, &cfg)
	} else {
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes one in-memory TOML document over defaults.
// Params: TOML body.
// Returns: validated config.
func Parse(body []byte) (Config, error) {
	cfg := Default()
	if err := decode(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns configuration with every tunable at its documented default.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:               "incidentflow",
			Mode:               ServiceModeSingle,
			SweepIntervalSec:   60,
			ShutdownTimeoutSec: 10,
		},
		Log: LogConfig{
			Console: LogSinkConfig{Enabled: true, Level: "info", Format: "line"},
			File:    LogSinkConfig{Level: "info", Format: "json"},
		},
		Ingest: IngestConfig{
			HTTP: HTTPIngestConfig{
				Enabled:      true,
				Listen:       defaultHTTPListen,
				HealthPath:   defaultHealthPath,
				ReadyPath:    defaultReadyPath,
				AlertsPath:   defaultAlertsPath,
				APIPrefix:    defaultAPIPrefix,
				MetricsPath:  defaultMetricsPath,
				MaxBodyBytes: 2 << 20,
			},
			NATS: NATSIngestConfig{
				AckWaitSec:    30,
				NackDelayMS:   1000,
				MaxDeliver:    -1,
				MaxAckPending: 2048,
			},
		},
		Store: StoreConfig{
			OperationTimeoutMS: 2000,
			AlertTTLHours:      72,
		},
		Correlation: CorrelationConfig{
			WindowSec:         1800,
			MaxAlerts:         1000,
			JoinThreshold:     0.5,
			ShortCircuitScore: 0.9,
			ShardBy:           ShardByNone,
			Shards:            1,
			Temporal:          TemporalConfig{WindowSec: 600, DecaySec: 300},
			Spatial:           SpatialConfig{HostWeight: 0.4, ComponentWeight: 0.3, CategoryWeight: 0.2, TagsWeight: 0.1},
			Semantic:          SemanticConfig{TitleWeight: 0.6, DescriptionWeight: 0.4},
			Metric:            MetricPatternConfig{NameWeight: 0.4},
			Confidence:        ConfidenceThresholds{VeryHigh: 0.9, High: 0.75, Medium: 0.5, Low: 0.25},
		},
		Incident: IncidentConfig{
			AutoCloseAfterHours: 7 * 24,
			ArchiveAfterHours:   30 * 24,
			NotifyTimeoutMS:     5000,
			Escalation: EscalationConfig{
				P1: EscalationRule{ThresholdSec: 300, MaxEscalations: 3, IntervalSec: 900},
				P2: EscalationRule{ThresholdSec: 900, MaxEscalations: 2, IntervalSec: 1800},
				P3: EscalationRule{ThresholdSec: 3600, MaxEscalations: 1, IntervalSec: 3600},
			},
		},
		Notify: NotifyConfig{
			Log:      true,
			Template: defaultMessageTemplate,
			Webhook:  WebhookNotifier{Method: "POST", TimeoutSec: 5},
			Retry: NotifyRetry{
				Enabled:     true,
				Backoff:     "exponential",
				InitialMS:   200,
				MaxMS:       5000,
				MaxAttempts: 3,
			},
			Queue: NotifyQueue{
				AckWaitSec:    30,
				NackDelayMS:   1000,
				MaxDeliver:    5,
				MaxAckPending: 512,
				DLQ:           true,
			},
		},
	}
}

// loadFile decodes one TOML file over cfg.
// Params: file path and destination config (keys absent from file keep current values).
// Returns: read/decode error.
func loadFile(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := decode(body, cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// decode overlays one TOML document onto cfg, rejecting unknown keys.
func decode(body []byte, cfg *Config) error {
	return toml.NewDecoder(bytes.NewReader(body)).DisallowUnknownFields().Decode(cfg)
}

// loadDir overlays TOML fragments from one directory in lexical order.
// Params: directory containing config fragments and destination config.
// Returns: load/decode error.
func loadDir(dir string, cfg *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	for _, file := range files {
		if err := loadFile(file, cfg); err != nil {
			return err
		}
	}
	return nil
}

// normalize canonicalizes enums and fills runtime-fixed routing names.
// Params: decoded config.
// Returns: normalized config side-effect in cfg.
func normalize(cfg *Config) {
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	cfg.Correlation.ShardBy = strings.ToLower(strings.TrimSpace(cfg.Correlation.ShardBy))
	if cfg.Correlation.ShardBy == "" {
		cfg.Correlation.ShardBy = ShardByNone
	}
	if cfg.Correlation.ShardBy == ShardByNone {
		cfg.Correlation.Shards = 1
	}
	cfg.Log.Console.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Console.Level))
	cfg.Log.File.Level = strings.ToLower(strings.TrimSpace(cfg.Log.File.Level))

	urls := normalizeNATSURLs(cfg.Ingest.NATS.URL)
	if len(urls) == 0 {
		urls = []string{defaultNATSURL}
	}
	cfg.Ingest.NATS.URL = urls
	cfg.Ingest.NATS.Subject = defaultNATSSubject
	cfg.Ingest.NATS.Stream = defaultNATSStream
	cfg.Ingest.NATS.ConsumerName = defaultNATSConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultNATSGroup

	cfg.Notify.Queue.URL = urls
	cfg.Notify.Queue.Subject = defaultNotifySubject
	cfg.Notify.Queue.Stream = defaultNotifyStream
	cfg.Notify.Queue.ConsumerName = defaultNotifyConsumer
	cfg.Notify.Queue.DeliverGroup = defaultNotifyGroup
	cfg.Notify.Queue.DLQSubject = defaultNotifyDLQSubject
	cfg.Notify.Queue.DLQStream = defaultNotifyDLQStream
	if strings.TrimSpace(cfg.Notify.Template) == "" {
		cfg.Notify.Template = defaultMessageTemplate
	}
	cfg.Notify.Webhook.Method = strings.ToUpper(strings.TrimSpace(cfg.Notify.Webhook.Method))
	if cfg.Notify.Webhook.Method == "" {
		cfg.Notify.Webhook.Method = "POST"
	}
}

// validateConfig checks cross-field invariants of a normalized config.
// Params: config snapshot.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	if !IsSupportedServiceMode(cfg.Service.Mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if cfg.Service.SweepIntervalSec <= 0 {
		return errors.New("service.sweep_interval_sec must be >0")
	}
	if cfg.Service.ShutdownTimeoutSec <= 0 {
		return errors.New("service.shutdown_timeout_sec must be >0")
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		return errors.New("at least one of log.console or log.file must be enabled")
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		return errors.New("ingest.http.max_body_bytes must be >0")
	}
	if cfg.Ingest.HTTP.RateLimitPerMinute < 0 {
		return errors.New("ingest.http.rate_limit_per_minute must be >=0")
	}
	if err := validateHTTPPaths(cfg.Ingest.HTTP); err != nil {
		return err
	}
	if cfg.Ingest.NATS.Enabled && cfg.Service.Mode != ServiceModeNATS {
		return errors.New("ingest.nats requires service.mode = \"nats\"")
	}
	if cfg.Notify.Queue.Enabled && cfg.Service.Mode != ServiceModeNATS {
		return errors.New("notify.queue requires service.mode = \"nats\"")
	}
	if cfg.Store.OperationTimeoutMS <= 0 {
		return errors.New("store.operation_timeout_ms must be >0")
	}
	if err := validateCorrelation(cfg.Correlation); err != nil {
		return err
	}
	if err := validateIncident(cfg.Incident); err != nil {
		return err
	}
	return validateNotify(cfg.Notify)
}

func validateHTTPPaths(cfg HTTPIngestConfig) error {
	paths := []struct {
		name  string
		value string
	}{
		{"health_path", cfg.HealthPath},
		{"ready_path", cfg.ReadyPath},
		{"alerts_path", cfg.AlertsPath},
		{"api_prefix", cfg.APIPrefix},
		{"metrics_path", cfg.MetricsPath},
	}
	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		if !strings.HasPrefix(path.value, "/") || path.value == "/" {
			return fmt.Errorf("ingest.http.%s must be an absolute non-root path, got %q", path.name, path.value)
		}
		if other, ok := seen[path.value]; ok {
			return fmt.Errorf("ingest.http.%s duplicates ingest.http.%s", path.name, other)
		}
		seen[path.value] = path.name
	}
	return nil
}

func validateCorrelation(cfg CorrelationConfig) error {
	if cfg.WindowSec <= 0 {
		return errors.New("correlation.window_sec must be >0")
	}
	if cfg.MaxAlerts <= 0 {
		return errors.New("correlation.max_alerts must be >0")
	}
	if !inUnitRange(cfg.JoinThreshold) {
		return fmt.Errorf("correlation.join_threshold must be within [0,1], got %v", cfg.JoinThreshold)
	}
	if !inUnitRange(cfg.ShortCircuitScore) {
		return fmt.Errorf("correlation.short_circuit_score must be within [0,1], got %v", cfg.ShortCircuitScore)
	}
	switch cfg.ShardBy {
	case ShardByNone, ShardByCategory, ShardBySource:
	default:
		return fmt.Errorf("correlation.shard_by has unsupported value %q", cfg.ShardBy)
	}
	if cfg.Shards <= 0 {
		return errors.New("correlation.shards must be >0")
	}
	if cfg.Temporal.WindowSec <= 0 || cfg.Temporal.DecaySec <= 0 {
		return errors.New("correlation.temporal window_sec and decay_sec must be >0")
	}
	spatial := []float64{cfg.Spatial.HostWeight, cfg.Spatial.ComponentWeight, cfg.Spatial.CategoryWeight, cfg.Spatial.TagsWeight}
	if err := validateWeights("correlation.spatial", spatial); err != nil {
		return err
	}
	if err := validateWeights("correlation.semantic", []float64{cfg.Semantic.TitleWeight, cfg.Semantic.DescriptionWeight}); err != nil {
		return err
	}
	if !inUnitRange(cfg.Metric.NameWeight) {
		return fmt.Errorf("correlation.metric.name_weight must be within [0,1], got %v", cfg.Metric.NameWeight)
	}
	c := cfg.Confidence
	for _, value := range []float64{c.VeryHigh, c.High, c.Medium, c.Low} {
		if !inUnitRange(value) {
			return fmt.Errorf("correlation.confidence thresholds must be within [0,1], got %v", value)
		}
	}
	if !(c.VeryHigh >= c.High && c.High >= c.Medium && c.Medium >= c.Low) {
		return errors.New("correlation.confidence thresholds must be ordered very_high >= high >= medium >= low")
	}
	return nil
}

func validateIncident(cfg IncidentConfig) error {
	if cfg.AutoCloseAfterHours <= 0 {
		return errors.New("incident.auto_close_after_hours must be >0")
	}
	if cfg.ArchiveAfterHours <= 0 {
		return errors.New("incident.archive_after_hours must be >0")
	}
	if cfg.NotifyTimeoutMS <= 0 {
		return errors.New("incident.notify_timeout_ms must be >0")
	}
	rules := map[string]EscalationRule{"p1": cfg.Escalation.P1, "p2": cfg.Escalation.P2, "p3": cfg.Escalation.P3}
	for name, rule := range rules {
		if rule.MaxEscalations < 0 {
			return fmt.Errorf("incident.escalation.%s.max_escalations must be >=0", name)
		}
		if rule.MaxEscalations > 0 && (rule.ThresholdSec <= 0 || rule.IntervalSec <= 0) {
			return fmt.Errorf("incident.escalation.%s threshold_sec and interval_sec must be >0", name)
		}
	}
	return nil
}

func validateNotify(cfg NotifyConfig) error {
	if _, err := templatefmt.ParseMessageTemplate("notify.template", cfg.Template); err != nil {
		return fmt.Errorf("notify.template: %w", err)
	}
	if cfg.Webhook.Enabled {
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return errors.New("notify.webhook.url is required when webhook is enabled")
		}
		if cfg.Webhook.TimeoutSec <= 0 {
			return errors.New("notify.webhook.timeout_sec must be >0")
		}
	}
	if cfg.Retry.Enabled {
		switch strings.ToLower(strings.TrimSpace(cfg.Retry.Backoff)) {
		case "exponential", "fixed":
		default:
			return fmt.Errorf("notify.retry.backoff has unsupported value %q", cfg.Retry.Backoff)
		}
		if cfg.Retry.InitialMS <= 0 || cfg.Retry.MaxMS < cfg.Retry.InitialMS {
			return errors.New("notify.retry requires initial_ms >0 and max_ms >= initial_ms")
		}
	}
	return nil
}

func validateWeights(name string, weights []float64) error {
	total := 0.0
	for _, weight := range weights {
		if weight < 0 {
			return fmt.Errorf("%s weights must be >=0", name)
		}
		total += weight
	}
	if total <= 0 {
		return fmt.Errorf("%s weights must sum to >0", name)
	}
	return nil
}

func inUnitRange(value float64) bool {
	return value >= 0 && value <= 1
}

func normalizeNATSURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode (empty means single).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode is known.
func IsSupportedServiceMode(mode string) bool {
	return mode == ServiceModeSingle || mode == ServiceModeNATS
}

// validateLogSink validates level/format/path for one enabled sink.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}
	return nil
}
