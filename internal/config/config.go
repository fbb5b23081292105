package config

import "time"

// Config is the root configuration for the Stratagem daemon and CLI.
type Config struct {
	Core         CoreConfig         `mapstructure:"core" yaml:"core"`
	Database     DBConfig           `mapstructure:"database" yaml:"database"`
	Compiler     CompilerConfig     `mapstructure:"compiler" yaml:"compiler"`
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane" yaml:"controlplane"`
	Fleet        FleetConfig        `mapstructure:"fleet" yaml:"fleet"`
	Registry     RegistryConfig     `mapstructure:"registry" yaml:"registry"`
	Etcd         EtcdConfig         `mapstructure:"etcd" yaml:"etcd"`
	GRPC         GRPCConfig         `mapstructure:"grpc" yaml:"grpc"`
	HTTP         HTTPConfig         `mapstructure:"http" yaml:"http"`
	Events       EventsConfig       `mapstructure:"events" yaml:"events"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing" yaml:"tracing"`
}

// CoreConfig contains the directories everything else is derived from.
type CoreConfig struct {
	HomeDir string `mapstructure:"home_dir" yaml:"home_dir" validate:"required"`
	DataDir string `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
}

// DBConfig contains SQLite settings.
type DBConfig struct {
	Path           string        `mapstructure:"path" yaml:"path" validate:"required"`
	MaxConnections int           `mapstructure:"max_connections" yaml:"max_connections" validate:"min=1,max=100"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=1ms"`
}

// CompilerConfig tunes diagnostics and batch compilation.
type CompilerConfig struct {
	// Parallelism bounds concurrent compilations in batch mode.
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism" validate:"min=1,max=256"`

	// TightBoundRatio is the (max-min)/max ratio below which a bound is reported as tight.
	TightBoundRatio float64 `mapstructure:"tight_bound_ratio" yaml:"tight_bound_ratio" validate:"gt=0,lt=1"`

	// MaxLeverageWarning is the leverage ceiling above which a warning is emitted.
	MaxLeverageWarning float64 `mapstructure:"max_leverage_warning" yaml:"max_leverage_warning" validate:"gt=0"`
}

// ControlPlaneConfig contains lifecycle timing.
type ControlPlaneConfig struct {
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold" yaml:"staleness_threshold" validate:"min=1ms"`
	DeployTimeout      time.Duration `mapstructure:"deploy_timeout" yaml:"deploy_timeout" validate:"min=1ms"`
	MaxDeployAttempts  int           `mapstructure:"max_deploy_attempts" yaml:"max_deploy_attempts" validate:"min=1"`
	BackoffBase        time.Duration `mapstructure:"backoff_base" yaml:"backoff_base" validate:"min=1ms"`
	BackoffMax         time.Duration `mapstructure:"backoff_max" yaml:"backoff_max" validate:"min=1ms"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"min=1s"`
	GCInterval         time.Duration `mapstructure:"gc_interval" yaml:"gc_interval" validate:"min=1s"`
}

// FleetConfig contains worker assignment limits.
type FleetConfig struct {
	MaxLoad int `mapstructure:"max_load" yaml:"max_load" validate:"min=1"`
}

// Registry backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// RegistryConfig selects where plans and instances are stored.
type RegistryConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend" validate:"oneof=memory sqlite"`
}

// EtcdConfig contains settings for worker discovery through etcd.
type EtcdConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Mode is "embedded" (single-node development) or "external".
	Mode string `mapstructure:"mode" yaml:"mode" validate:"oneof=embedded external"`

	// Endpoints of the external cluster. Ignored in embedded mode.
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`

	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
	Namespace     string `mapstructure:"namespace" yaml:"namespace" validate:"required"`

	// TTL of worker announcement leases.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"min=1s"`
}

// GRPCConfig contains the control plane RPC listener.
type GRPCConfig struct {
	Address string `mapstructure:"address" yaml:"address" validate:"required"`
}

// HTTPConfig contains the collaborator webhook listener.
type HTTPConfig struct {
	// Address is the listen address. Empty disables the HTTP API.
	Address string `mapstructure:"address" yaml:"address"`

	// RateLimit is the sustained request rate per second. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"min=0"`
	Burst     int     `mapstructure:"burst" yaml:"burst" validate:"min=1"`
}

// EventsConfig contains event export settings.
type EventsConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// KafkaConfig contains the Kafka event sink settings.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" yaml:"enabled"`
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`

	// File enables rotated file output when set.
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"min=0"`
}

// MetricsConfig contains metrics settings. Metrics are served on the HTTP listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// TracingConfig contains tracing settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is an OTLP gRPC collector. Empty keeps spans local.
	Endpoint   string  `mapstructure:"endpoint" yaml:"endpoint"`
	Insecure   bool    `mapstructure:"insecure" yaml:"insecure"`
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate" validate:"min=0,max=1"`
}
