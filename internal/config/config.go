// Package config handles configuration management with validation
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Component names with a configured circuit breaker
const (
	ComponentBroker     = "broker"
	ComponentMarketData = "market_data"
	ComponentRisk       = "risk"
	ComponentDatabase   = "database"
)

// Config represents the complete configuration structure. It is built once at
// startup and passed explicitly into every constructor.
type Config struct {
	App            AppConfig                `yaml:"app"`
	System         SystemConfig             `yaml:"system"`
	Database       DatabaseConfig           `yaml:"database"`
	Broker         BrokerConfig             `yaml:"broker"`
	Risk           RiskConfig               `yaml:"risk"`
	Breakers       map[string]BreakerConfig `yaml:"breakers" validate:"required,min=1,dive"`
	Degradation    DegradationConfig        `yaml:"degradation"`
	EventBus       EventBusConfig           `yaml:"event_bus"`
	Recovery       RecoveryConfig           `yaml:"recovery"`
	Health         HealthConfig             `yaml:"health"`
	DBBuffer       DBBufferConfig           `yaml:"db_buffer"`
	Outbox         OutboxConfig             `yaml:"outbox"`
	Reconciliation ReconciliationConfig     `yaml:"reconciliation"`
	Alert          AlertConfig              `yaml:"alert"`
	Telemetry      TelemetryConfig          `yaml:"telemetry"`
	Server         ServerConfig             `yaml:"server"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `yaml:"name" validate:"required"`
	EngineType  string `yaml:"engine_type" validate:"required,oneof=simple dbos"`
	DatabaseURL Secret `yaml:"database_url"` // Required for DBOS
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`
}

// DatabaseConfig points at the store. The memory driver keeps nothing across restarts.
type DatabaseConfig struct {
	Driver        string `yaml:"driver" validate:"omitempty,oneof=sqlite memory"`
	Path          string `yaml:"path" validate:"required_unless=Driver memory"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" validate:"min=0,max=60000"`
}

// BrokerConfig selects and tunes the broker adapter
type BrokerConfig struct {
	Type        string  `yaml:"type" validate:"required,oneof=paper"`
	FillRatio   float64 `yaml:"fill_ratio" validate:"min=0,max=1"`
	InitialCash float64 `yaml:"initial_cash" validate:"min=0"`
}

// RiskConfig holds the pre-trade limits checked before an order reaches the
// broker. A zero limit is not enforced.
type RiskConfig struct {
	MaxOrderQty      float64 `yaml:"max_order_qty" validate:"min=0"`
	MaxOrderNotional float64 `yaml:"max_order_notional" validate:"min=0"`
	CheckTimeoutMs   int     `yaml:"check_timeout_ms" validate:"required,min=1,max=60000"`
}

func (r RiskConfig) CheckTimeout() time.Duration {
	return time.Duration(r.CheckTimeoutMs) * time.Millisecond
}

// BreakerConfig holds per-component circuit breaker thresholds
type BreakerConfig struct {
	FailThresholdCount   int `yaml:"fail_threshold_count" validate:"required,min=1,max=1000"`
	FailThresholdSeconds int `yaml:"fail_threshold_seconds" validate:"required,min=1,max=3600"`
	TimeoutSeconds       int `yaml:"timeout_seconds" validate:"required,min=1,max=3600"`
}

// Window is the rolling window failures are counted in
func (b BreakerConfig) Window() time.Duration {
	return time.Duration(b.FailThresholdSeconds) * time.Second
}

// Timeout is how long the breaker stays open before admitting a probe
func (b BreakerConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// DegradationConfig contains system mode policy
type DegradationConfig struct {
	StatusTTLSeconds      int  `yaml:"status_ttl_seconds" validate:"min=0,max=3600"`
	UnknownOnTTLExpiry    bool `yaml:"unknown_on_ttl_expiry"`
	RecoveryStableSeconds int  `yaml:"recovery_stable_seconds" validate:"min=0,max=3600"`
	MinSafeModeSeconds    int  `yaml:"min_safe_mode_seconds" validate:"min=0,max=3600"`
	AlertOnUnstable       bool `yaml:"alert_on_unstable"`
	FlapWindowSeconds     int  `yaml:"flap_window_seconds" validate:"min=1,max=3600"`
	FlapThreshold         int  `yaml:"flap_threshold" validate:"min=2,max=100"`
	EvaluationIntervalMs  int  `yaml:"evaluation_interval_ms" validate:"min=10,max=60000"`

	// DecisionMatrix overrides the default component/status -> mode table,
	// e.g. {"broker": {"DOWN": "HALT"}}
	DecisionMatrix map[string]map[string]string `yaml:"decision_matrix"`
}

func (d DegradationConfig) StatusTTL() time.Duration {
	return time.Duration(d.StatusTTLSeconds) * time.Second
}

func (d DegradationConfig) RecoveryStable() time.Duration {
	return time.Duration(d.RecoveryStableSeconds) * time.Second
}

func (d DegradationConfig) MinSafeMode() time.Duration {
	return time.Duration(d.MinSafeModeSeconds) * time.Second
}

func (d DegradationConfig) FlapWindow() time.Duration {
	return time.Duration(d.FlapWindowSeconds) * time.Second
}

func (d DegradationConfig) EvaluationInterval() time.Duration {
	return time.Duration(d.EvaluationIntervalMs) * time.Millisecond
}

// EventBusConfig contains queue sizing and overflow policy
type EventBusConfig struct {
	QueueSize        int  `yaml:"queue_size" validate:"required,min=1,max=1000000"`
	ReservedSlots    int  `yaml:"reserved_slots" validate:"min=0"`
	DropOnFull       bool `yaml:"drop_on_full"`
	PublishTimeoutMs int  `yaml:"publish_timeout_ms" validate:"min=0,max=60000"`
}

func (e EventBusConfig) PublishTimeout() time.Duration {
	return time.Duration(e.PublishTimeoutMs) * time.Millisecond
}

// RecoveryConfig contains staged recovery settings
type RecoveryConfig struct {
	BackoffBaseMs       int `yaml:"backoff_base_ms" validate:"required,min=1"`
	MaxBackoffMs        int `yaml:"max_backoff_ms" validate:"required,min=1"`
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts" validate:"required,min=1,max=100"`
	TickIntervalMs      int `yaml:"tick_interval_ms" validate:"required,min=10"`
}

func (r RecoveryConfig) BackoffBase() time.Duration {
	return time.Duration(r.BackoffBaseMs) * time.Millisecond
}

func (r RecoveryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

func (r RecoveryConfig) TickInterval() time.Duration {
	return time.Duration(r.TickIntervalMs) * time.Millisecond
}

// HealthConfig contains probe scheduling
type HealthConfig struct {
	ProbeIntervalMs   int `yaml:"probe_interval_ms" validate:"required,min=10"`
	ProbeTimeoutMs    int `yaml:"probe_timeout_ms" validate:"required,min=1"`
	DegradedLatencyMs int `yaml:"degraded_latency_ms" validate:"min=0"`
}

func (h HealthConfig) ProbeInterval() time.Duration {
	return time.Duration(h.ProbeIntervalMs) * time.Millisecond
}

func (h HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMs) * time.Millisecond
}

func (h HealthConfig) DegradedLatency() time.Duration {
	return time.Duration(h.DegradedLatencyMs) * time.Millisecond
}

// DBBufferConfig bounds the in-memory write buffer used while the database is down
type DBBufferConfig struct {
	MaxEntries      int    `yaml:"max_entries" validate:"required,min=1"`
	MaxBytes        int64  `yaml:"max_bytes" validate:"required,min=1"`
	MaxSeconds      int    `yaml:"max_seconds" validate:"required,min=1"`
	DropOldest      bool   `yaml:"drop_oldest"`
	WALEnabled      bool   `yaml:"wal_enabled"`
	WALPath         string `yaml:"wal_path" validate:"required_if=WALEnabled true"`
	ReplayRetries   int    `yaml:"replay_retries" validate:"min=0,max=20"`
	ReplayBackoffMs int    `yaml:"replay_backoff_ms" validate:"min=0"`
	DrainIntervalMs int    `yaml:"drain_interval_ms" validate:"required,min=10"`
}

func (b DBBufferConfig) MaxAge() time.Duration {
	return time.Duration(b.MaxSeconds) * time.Second
}

func (b DBBufferConfig) ReplayBackoff() time.Duration {
	return time.Duration(b.ReplayBackoffMs) * time.Millisecond
}

func (b DBBufferConfig) DrainInterval() time.Duration {
	return time.Duration(b.DrainIntervalMs) * time.Millisecond
}

// OutboxConfig contains worker, retry and retention settings
type OutboxConfig struct {
	PollIntervalMs           int     `yaml:"poll_interval_ms" validate:"required,min=10"`
	BatchSize                int     `yaml:"batch_size" validate:"required,min=1,max=1000"`
	Workers                  int     `yaml:"workers" validate:"required,min=1,max=256"`
	MaxRetries               int     `yaml:"max_retries" validate:"required,min=1,max=100"`
	CloseMaxRetries          int     `yaml:"close_max_retries" validate:"required,min=1,max=100"`
	ProcessingTimeoutSeconds int     `yaml:"processing_timeout_seconds" validate:"required,min=1"`
	BrokerTimeoutMs          int     `yaml:"broker_timeout_ms" validate:"required,min=1"`
	BrokerRateLimit          float64 `yaml:"broker_rate_limit" validate:"min=0"`
	BrokerBurst              int     `yaml:"broker_burst" validate:"min=0"`
	RetryBackoffBaseMs       int     `yaml:"retry_backoff_base_ms" validate:"min=0"`
	RetryBackoffMaxMs        int     `yaml:"retry_backoff_max_ms" validate:"min=0"`
	RetentionDays            int     `yaml:"retention_days" validate:"required,min=1"`
	CleanupIntervalSeconds   int     `yaml:"cleanup_interval_seconds" validate:"required,min=1"`
}

func (o OutboxConfig) PollInterval() time.Duration {
	return time.Duration(o.PollIntervalMs) * time.Millisecond
}

func (o OutboxConfig) ProcessingTimeout() time.Duration {
	return time.Duration(o.ProcessingTimeoutSeconds) * time.Second
}

func (o OutboxConfig) BrokerTimeout() time.Duration {
	return time.Duration(o.BrokerTimeoutMs) * time.Millisecond
}

func (o OutboxConfig) RetryBackoffBase() time.Duration {
	return time.Duration(o.RetryBackoffBaseMs) * time.Millisecond
}

func (o OutboxConfig) RetryBackoffMax() time.Duration {
	return time.Duration(o.RetryBackoffMaxMs) * time.Millisecond
}

func (o OutboxConfig) Retention() time.Duration {
	return time.Duration(o.RetentionDays) * 24 * time.Hour
}

func (o OutboxConfig) CleanupInterval() time.Duration {
	return time.Duration(o.CleanupIntervalSeconds) * time.Second
}

// ReconciliationConfig contains comparator tolerances and schedule
type ReconciliationConfig struct {
	Enabled           bool     `yaml:"enabled"`
	IntervalSeconds   int      `yaml:"interval_seconds" validate:"required,min=1,max=86400"`
	AccountIDs        []string `yaml:"account_ids" validate:"required_if=Enabled true,dive,required"`
	QuantityTolerance float64  `yaml:"quantity_tolerance" validate:"min=0"`
	PriceTolerance    float64  `yaml:"price_tolerance" validate:"min=0"`
	CashTolerance     float64  `yaml:"cash_tolerance" validate:"min=0"`
	EquityTolerance   float64  `yaml:"equity_tolerance" validate:"min=0"`
	InfoPct           float64  `yaml:"info_pct" validate:"min=0,max=100"`
	CriticalPct       float64  `yaml:"critical_pct" validate:"gtfield=InfoPct,max=100"`
	EventMinSeverity  string   `yaml:"event_min_severity" validate:"required,oneof=INFO WARNING CRITICAL"`
	TimeoutSeconds    int      `yaml:"timeout_seconds" validate:"required,min=1"`
}

func (r ReconciliationConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func (r ReconciliationConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Decimal returns f as an exact decimal
func Decimal(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// AlertConfig contains notification channels. Empty credentials disable a channel.
type AlertConfig struct {
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
	SlackMinLevel    string `yaml:"slack_min_level" validate:"omitempty,oneof=INFO WARNING ERROR CRITICAL"`
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id" validate:"required_with=TelegramBotToken"`
	TelegramMinLevel string `yaml:"telegram_min_level" validate:"omitempty,oneof=INFO WARNING ERROR CRITICAL"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int    `yaml:"metrics_port" validate:"min=0,max=65535"`
	MetricsPath   string `yaml:"metrics_path" validate:"omitempty,startswith=/"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	StdoutTraces  bool   `yaml:"stdout_traces"`
	StdoutLogs    bool   `yaml:"stdout_logs"`
}

// ServerConfig contains operational endpoints
type ServerConfig struct {
	StatusPort     int      `yaml:"status_port" validate:"min=0,max=65535"`
	GRPCHealthPort int      `yaml:"grpc_health_port" validate:"min=0,max=65535"`
	StreamPort     int      `yaml:"stream_port" validate:"min=0,max=65535"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Fields absent from the file keep their DefaultConfig values.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		for _, fe := range fieldErrs {
			errs = append(errs, ValidationError{
				Field:   strings.TrimPrefix(fe.Namespace(), "Config."),
				Value:   fe.Value(),
				Message: fmt.Sprintf("failed '%s' constraint", fe.Tag()),
			}.Error())
		}
	}

	for _, check := range []func() error{
		c.validateAppConfig,
		c.validateBreakers,
		c.validateEventBus,
		c.validateDecisionMatrix,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineType == "dbos" && c.App.DatabaseURL == "" {
		return ValidationError{
			Field:   "app.database_url",
			Message: "database url is required for the dbos engine",
		}
	}
	return nil
}

func (c *Config) validateBreakers() error {
	for _, required := range []string{ComponentDatabase, ComponentBroker} {
		if _, ok := c.Breakers[required]; !ok {
			return ValidationError{
				Field:   "breakers." + required,
				Message: "breaker configuration is required",
			}
		}
	}
	return nil
}

func (c *Config) validateEventBus() error {
	if c.EventBus.ReservedSlots >= c.EventBus.QueueSize {
		return ValidationError{
			Field:   "event_bus.reserved_slots",
			Value:   c.EventBus.ReservedSlots,
			Message: "must be smaller than queue_size",
		}
	}
	return nil
}

var (
	validModes    = []string{"NORMAL", "DEGRADED", "SAFE", "HALT"}
	validStatuses = []string{"HEALTHY", "DEGRADED", "DOWN", "UNKNOWN"}
)

func (c *Config) validateDecisionMatrix() error {
	for component, row := range c.Degradation.DecisionMatrix {
		for status, mode := range row {
			if !contains(validStatuses, status) {
				return ValidationError{
					Field:   fmt.Sprintf("degradation.decision_matrix.%s", component),
					Value:   status,
					Message: fmt.Sprintf("status must be one of: %s", strings.Join(validStatuses, ", ")),
				}
			}
			if !contains(validModes, mode) {
				return ValidationError{
					Field:   fmt.Sprintf("degradation.decision_matrix.%s.%s", component, status),
					Value:   mode,
					Message: fmt.Sprintf("mode must be one of: %s", strings.Join(validModes, ", ")),
				}
			}
		}
	}
	return nil
}

// Breaker returns the breaker configuration for a component, falling back to the database thresholds
func (c *Config) Breaker(component string) BreakerConfig {
	if b, ok := c.Breakers[component]; ok {
		return b
	}
	return c.Breakers[ComponentDatabase]
}

// String returns a YAML representation of the configuration with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a complete, valid configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:       "tradeguard",
			EngineType: "simple",
		},
		System: SystemConfig{
			LogLevel:  "INFO",
			LogFormat: "console",
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			Path:          "tradeguard.db",
			BusyTimeoutMs: 5000,
		},
		Broker: BrokerConfig{
			Type:        "paper",
			FillRatio:   1.0,
			InitialCash: 100000,
		},
		Risk: RiskConfig{
			MaxOrderNotional: 1000000,
			CheckTimeoutMs:   1000,
		},
		Breakers: map[string]BreakerConfig{
			ComponentBroker:     {FailThresholdCount: 5, FailThresholdSeconds: 60, TimeoutSeconds: 30},
			ComponentMarketData: {FailThresholdCount: 5, FailThresholdSeconds: 60, TimeoutSeconds: 30},
			ComponentRisk:       {FailThresholdCount: 3, FailThresholdSeconds: 60, TimeoutSeconds: 60},
			ComponentDatabase:   {FailThresholdCount: 3, FailThresholdSeconds: 30, TimeoutSeconds: 15},
		},
		Degradation: DegradationConfig{
			StatusTTLSeconds:      30,
			UnknownOnTTLExpiry:    true,
			RecoveryStableSeconds: 30,
			MinSafeModeSeconds:    60,
			AlertOnUnstable:       true,
			FlapWindowSeconds:     60,
			FlapThreshold:         2,
			EvaluationIntervalMs:  500,
		},
		EventBus: EventBusConfig{
			QueueSize:        1024,
			ReservedSlots:    64,
			DropOnFull:       true,
			PublishTimeoutMs: 100,
		},
		Recovery: RecoveryConfig{
			BackoffBaseMs:       1000,
			MaxBackoffMs:        60000,
			MaxRecoveryAttempts: 5,
			TickIntervalMs:      1000,
		},
		Health: HealthConfig{
			ProbeIntervalMs:   5000,
			ProbeTimeoutMs:    2000,
			DegradedLatencyMs: 500,
		},
		DBBuffer: DBBufferConfig{
			MaxEntries:      10000,
			MaxBytes:        16 << 20,
			MaxSeconds:      600,
			DropOldest:      true,
			WALEnabled:      false,
			WALPath:         "data/dbbuffer",
			ReplayRetries:   3,
			ReplayBackoffMs: 100,
			DrainIntervalMs: 1000,
		},
		Outbox: OutboxConfig{
			PollIntervalMs:           500,
			BatchSize:                20,
			Workers:                  4,
			MaxRetries:               5,
			CloseMaxRetries:          5,
			ProcessingTimeoutSeconds: 60,
			BrokerTimeoutMs:          5000,
			BrokerRateLimit:          10,
			BrokerBurst:              5,
			RetryBackoffBaseMs:       500,
			RetryBackoffMaxMs:        30000,
			RetentionDays:            3,
			CleanupIntervalSeconds:   3600,
		},
		Reconciliation: ReconciliationConfig{
			Enabled:           true,
			IntervalSeconds:   60,
			AccountIDs:        []string{"paper"},
			QuantityTolerance: 0.0001,
			PriceTolerance:    0.01,
			CashTolerance:     0.01,
			EquityTolerance:   0.01,
			InfoPct:           0.1,
			CriticalPct:       5,
			EventMinSeverity:  "WARNING",
			TimeoutSeconds:    30,
		},
		Alert: AlertConfig{
			SlackMinLevel:    "WARNING",
			TelegramMinLevel: "CRITICAL",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			MetricsPath:   "/metrics",
			EnableMetrics: true,
		},
		Server: ServerConfig{
			StatusPort:     8080,
			GRPCHealthPort: 50051,
			StreamPort:     8081,
		},
	}
}
