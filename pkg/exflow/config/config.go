package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	exerrors "github.com/randalmurphal/exflow/pkg/exflow/errors"
)

// Config is the complete deployment configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store" json:"store" split_words:"true"`
	Broker        BrokerConfig        `yaml:"broker" json:"broker" split_words:"true"`
	Retry         RetryConfig         `yaml:"retry" json:"retry" split_words:"true"`
	Redrive       RedriveConfig       `yaml:"redrive" json:"redrive" split_words:"true"`
	HTTP          HTTPConfig          `yaml:"http" json:"http" split_words:"true"`
	Packs         PacksConfig         `yaml:"packs" json:"packs" split_words:"true"`
	Collaborators CollaboratorsConfig `yaml:"collaborators" json:"collaborators" split_words:"true"`
	SLA           SLAConfig           `yaml:"sla" json:"sla" split_words:"true"`
	Log           LogConfig           `yaml:"log" json:"log" split_words:"true"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" json:"telemetry" split_words:"true"`
}

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// StoreConfig selects the event store.
type StoreConfig struct {
	Driver     string `yaml:"driver" json:"driver" split_words:"true"`
	Path       string `yaml:"path" json:"path" split_words:"true"`
	Partitions int    `yaml:"partitions" json:"partitions" split_words:"true"`
}

// BrokerConfig tunes the consumer groups.
type BrokerConfig struct {
	BatchSize      int      `yaml:"batch_size" json:"batch_size" split_words:"true"`
	PollInterval   Duration `yaml:"poll_interval" json:"poll_interval" split_words:"true"`
	LeaseTTL       Duration `yaml:"lease_ttl" json:"lease_ttl" split_words:"true"`
	AttemptTimeout Duration `yaml:"attempt_timeout" json:"attempt_timeout" split_words:"true"`
	MaxPartitions  int      `yaml:"max_partitions" json:"max_partitions" split_words:"true"`
	Owner          string   `yaml:"owner" json:"owner" split_words:"true"`
}

// RetryPolicy is one stage's retry schedule before dead-lettering.
type RetryPolicy struct {
	MaxRetries     int      `yaml:"max_retries" json:"max_retries" split_words:"true"`
	InitialBackoff Duration `yaml:"initial_backoff" json:"initial_backoff" split_words:"true"`
	MaxBackoff     Duration `yaml:"max_backoff" json:"max_backoff" split_words:"true"`
	Factor         float64  `yaml:"factor" json:"factor" split_words:"true"`
	Jitter         float64  `yaml:"jitter" json:"jitter" split_words:"true"`
}

// RetryConfig returns the policy as the worker's retry configuration.
func (p RetryPolicy) RetryConfig() exerrors.RetryConfig {
	return exerrors.NewRetryConfig(
		exerrors.WithMaxRetries(p.MaxRetries),
		exerrors.WithInitialBackoff(p.InitialBackoff.Std()),
		exerrors.WithMaxBackoff(p.MaxBackoff.Std()),
		exerrors.WithBackoffFactor(p.Factor),
		exerrors.WithJitter(p.Jitter),
	)
}

func (p RetryPolicy) validate(name string) error {
	var errs []error
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("%s.max_retries must be >= 0", name))
	}
	if p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff {
		errs = append(errs, fmt.Errorf("%s: need 0 < initial_backoff <= max_backoff", name))
	}
	if p.Factor < 1 {
		errs = append(errs, fmt.Errorf("%s.factor must be >= 1", name))
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		errs = append(errs, fmt.Errorf("%s.jitter must be within [0,1]", name))
	}
	return errors.Join(errs...)
}

// RetryConfig holds the default policy and per-stage overrides.
type RetryConfig struct {
	Default RetryPolicy            `yaml:"default" json:"default" split_words:"true"`
	Stages  map[string]RetryPolicy `yaml:"stages,omitempty" json:"stages,omitempty" ignored:"true"`
}

// For returns the policy for a stage, falling back to the default.
func (r RetryConfig) For(stage string) RetryPolicy {
	if p, ok := r.Stages[stage]; ok {
		return p
	}
	return r.Default
}

// RedriveConfig tunes automatic dead-letter redrive.
type RedriveConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled" split_words:"true"`
	Interval      Duration `yaml:"interval" json:"interval" split_words:"true"`
	BatchSize     int      `yaml:"batch_size" json:"batch_size" split_words:"true"`
	MaxRetryCount int      `yaml:"max_retry_count" json:"max_retry_count" split_words:"true"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string   `yaml:"addr" json:"addr" split_words:"true"`
	ReadTimeout     Duration `yaml:"read_timeout" json:"read_timeout" split_words:"true"`
	WriteTimeout    Duration `yaml:"write_timeout" json:"write_timeout" split_words:"true"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" split_words:"true"`
}

// PacksConfig locates tenant packs.
type PacksConfig struct {
	Dir string `yaml:"dir" json:"dir" split_words:"true"`
}

// EndpointConfig is one HTTP collaborator. An empty BaseURL selects the
// local fallback.
type EndpointConfig struct {
	BaseURL    string   `yaml:"base_url" json:"base_url" split_words:"true"`
	Timeout    Duration `yaml:"timeout" json:"timeout" split_words:"true"`
	RetryCount int      `yaml:"retry_count" json:"retry_count" split_words:"true"`
	APIKey     string   `yaml:"api_key" json:"-" split_words:"true"`
}

// CollaboratorsConfig configures the external systems.
type CollaboratorsConfig struct {
	Tools         EndpointConfig `yaml:"tools" json:"tools" split_words:"true"`
	Notifications EndpointConfig `yaml:"notifications" json:"notifications" split_words:"true"`
}

// SLAConfig tunes the SLA watcher.
type SLAConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled" split_words:"true"`
	Threshold Duration `yaml:"threshold" json:"threshold" split_words:"true"`
	Interval  Duration `yaml:"interval" json:"interval" split_words:"true"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level" split_words:"true"`
	Format string `yaml:"format" json:"format" split_words:"true"`
}

// Handler returns a slog handler writing to w.
func (c LogConfig) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.level()}
	if strings.EqualFold(c.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func (c LogConfig) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// TelemetryConfig toggles OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Metrics     bool   `yaml:"metrics" json:"metrics" split_words:"true"`
	Tracing     bool   `yaml:"tracing" json:"tracing" split_words:"true"`
	ServiceName string `yaml:"service_name" json:"service_name" split_words:"true"`
}

// Default returns the built-in configuration: an in-memory store with 16
// partitions, 3 retries with exponential backoff from 1s capped at 30s, and
// local collaborator fallbacks.
func Default() Config {
	return Config{
		Store: StoreConfig{Driver: DriverMemory, Partitions: 16},
		Broker: BrokerConfig{
			BatchSize:      100,
			PollInterval:   Duration(time.Second),
			LeaseTTL:       Duration(30 * time.Second),
			AttemptTimeout: Duration(30 * time.Second),
		},
		Retry: RetryConfig{Default: RetryPolicy{
			MaxRetries:     3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Factor:         2,
			Jitter:         0.1,
		}},
		Redrive: RedriveConfig{
			Enabled:       true,
			Interval:      Duration(time.Minute),
			BatchSize:     10,
			MaxRetryCount: 8,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Packs: PacksConfig{Dir: "packs"},
		Collaborators: CollaboratorsConfig{
			Tools:         EndpointConfig{Timeout: Duration(30 * time.Second)},
			Notifications: EndpointConfig{Timeout: Duration(10 * time.Second), RetryCount: 2},
		},
		SLA:       SLAConfig{Enabled: true, Threshold: Duration(time.Hour), Interval: Duration(time.Minute)},
		Log:       LogConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{ServiceName: "exflow"},
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %s or %s, got %q", DriverMemory, DriverSQLite, c.Store.Driver))
	}
	if c.Store.Partitions < 1 {
		errs = append(errs, errors.New("store.partitions must be >= 1"))
	}
	if c.Broker.BatchSize < 1 {
		errs = append(errs, errors.New("broker.batch_size must be >= 1"))
	}
	if c.Broker.PollInterval <= 0 || c.Broker.LeaseTTL <= 0 {
		errs = append(errs, errors.New("broker.poll_interval and broker.lease_ttl must be positive"))
	}
	if c.Broker.AttemptTimeout < 0 {
		errs = append(errs, errors.New("broker.attempt_timeout must be >= 0"))
	}
	errs = append(errs, c.Retry.Default.validate("retry.default"))
	for name, p := range c.Retry.Stages {
		errs = append(errs, p.validate("retry.stages."+name))
	}
	if c.Redrive.Enabled && (c.Redrive.Interval <= 0 || c.Redrive.BatchSize < 1) {
		errs = append(errs, errors.New("redrive.interval and redrive.batch_size must be positive"))
	}
	if c.SLA.Enabled && (c.SLA.Threshold <= 0 || c.SLA.Interval <= 0) {
		errs = append(errs, errors.New("sla.threshold and sla.interval must be positive"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
