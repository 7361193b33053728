package config

import "time"

type Config struct {
	Environment string `mapstructure:"environment" yaml:"environment"`
	Port        int    `mapstructure:"port" yaml:"port"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`

	Bus            BusConfig            `mapstructure:"bus" yaml:"bus"`
	Cache          CacheConfig          `mapstructure:"cache" yaml:"cache"`
	Detection      DetectionConfig      `mapstructure:"detection" yaml:"detection"`
	Thresholds     map[string]float64   `mapstructure:"thresholds" yaml:"thresholds"`
	Correlator     CorrelatorConfig     `mapstructure:"correlator" yaml:"correlator"`
	Remediation    RemediationConfig    `mapstructure:"remediation" yaml:"remediation"`
	DeviceRegistry DeviceRegistryConfig `mapstructure:"device_registry" yaml:"device_registry"`
	MetricsStore   MetricsStoreConfig   `mapstructure:"metrics_store" yaml:"metrics_store"`
	IncidentStore  IncidentStoreConfig  `mapstructure:"incident_store" yaml:"incident_store"`
	Weather        WeatherConfig        `mapstructure:"weather" yaml:"weather"`
	Policy         PolicyConfig         `mapstructure:"policy" yaml:"policy"`
	Enhancement    EnhancementConfig    `mapstructure:"enhancement" yaml:"enhancement"`
	CORS           CORSConfig           `mapstructure:"cors" yaml:"cors"`
	Tracing        TracingConfig        `mapstructure:"tracing" yaml:"tracing"`
}

// BusConfig points at the NATS JetStream deployment carrying pipeline topics.
type BusConfig struct {
	URL        string `mapstructure:"url" yaml:"url"`
	Stream     string `mapstructure:"stream" yaml:"stream"`
	DurableTag string `mapstructure:"durable_tag" yaml:"durable_tag"`
	// AckWaitSeconds is how long JetStream waits for an ack before redelivery.
	AckWaitSeconds int `mapstructure:"ack_wait_seconds" yaml:"ack_wait_seconds"`
}

// CacheConfig handles Valkey single-node caching configuration.
type CacheConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	TTL      int    `mapstructure:"ttl" yaml:"ttl"` // seconds
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// MetricQuery is one metric the detector polls every cycle.
type MetricQuery struct {
	Name      string  `mapstructure:"name" yaml:"name"`
	Query     string  `mapstructure:"query" yaml:"query"`
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	Domain    string  `mapstructure:"domain" yaml:"domain"`
}

// DetectionConfig tunes the anomaly detector.
type DetectionConfig struct {
	CycleSeconds  int           `mapstructure:"cycle_seconds" yaml:"cycle_seconds"`
	WindowSize    int           `mapstructure:"window_size" yaml:"window_size"`
	EWMAAlpha     float64       `mapstructure:"ewma_alpha" yaml:"ewma_alpha"`
	ZScoreDivisor float64       `mapstructure:"zscore_divisor" yaml:"zscore_divisor"`
	MADDivisor    float64       `mapstructure:"mad_divisor" yaml:"mad_divisor"`
	Queries       []MetricQuery `mapstructure:"queries" yaml:"queries"`
	BaselineDays  int           `mapstructure:"baseline_days" yaml:"baseline_days"`
}

type CorrelatorConfig struct {
	WindowSeconds    int    `mapstructure:"window_seconds" yaml:"window_seconds"`
	IdleCloseSeconds int    `mapstructure:"idle_close_seconds" yaml:"idle_close_seconds"`
	RunbookFile      string `mapstructure:"runbook_file" yaml:"runbook_file"`
}

type RemediationConfig struct {
	ApprovalTTLSeconds     int  `mapstructure:"approval_ttl_seconds" yaml:"approval_ttl_seconds"`
	RateLimitWindowSeconds int  `mapstructure:"rate_limit_window_seconds" yaml:"rate_limit_window_seconds"`
	DryRunDefault          bool `mapstructure:"dry_run_default" yaml:"dry_run_default"`
	SweepIntervalSeconds   int  `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

type DeviceRegistryConfig struct {
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	CacheTTLSeconds int    `mapstructure:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	LookupTimeoutMS int    `mapstructure:"lookup_timeout_ms" yaml:"lookup_timeout_ms"`
}

type MetricsStoreConfig struct {
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`
	Timeout   int      `mapstructure:"timeout" yaml:"timeout"` // milliseconds
	Username  string   `mapstructure:"username" yaml:"username"`
	Password  string   `mapstructure:"password" yaml:"password"`
}

type IncidentStoreConfig struct {
	DSN   string `mapstructure:"dsn" yaml:"dsn"`
	Table string `mapstructure:"table" yaml:"table"`
}

type WeatherConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

type PolicyConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

type EnhancementConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Model     string `mapstructure:"model" yaml:"model"`
	TimeoutMS int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
}

// CORSConfig handles Cross-Origin Resource Sharing for the HTTP surfaces.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" yaml:"max_age"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// DetectionCycle returns the pull-loop period.
func (c *Config) DetectionCycle() time.Duration {
	return time.Duration(c.Detection.CycleSeconds) * time.Second
}

// CorrelatorWindow returns the tumbling-window width.
func (c *Config) CorrelatorWindow() time.Duration {
	return time.Duration(c.Correlator.WindowSeconds) * time.Second
}

// CorrelatorIdleClose returns the idle close timeout.
func (c *Config) CorrelatorIdleClose() time.Duration {
	return time.Duration(c.Correlator.IdleCloseSeconds) * time.Second
}

// ApprovalTTL returns how long approval requests stay actionable.
func (c *Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Remediation.ApprovalTTLSeconds) * time.Second
}

// RateLimitWindow returns the remediation sliding-window width.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Remediation.RateLimitWindowSeconds) * time.Second
}
