package config

import "time"

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	cfg := baseConfig()
	cfg.ResolvePaths()
	return cfg
}

// baseConfig returns the defaults without derived paths, so that a file that
// only sets core.home_dir moves everything below it.
func baseConfig() *Config {
	return &Config{
		Database: DBConfig{
			MaxConnections: 10,
			Timeout:        5 * time.Second,
		},
		Compiler: CompilerConfig{
			Parallelism:        4,
			TightBoundRatio:    0.01,
			MaxLeverageWarning: 10,
		},
		ControlPlane: ControlPlaneConfig{
			StalenessThreshold: 30 * time.Second,
			DeployTimeout:      time.Minute,
			MaxDeployAttempts:  5,
			BackoffBase:        2 * time.Second,
			BackoffMax:         2 * time.Minute,
			ReconcileInterval:  5 * time.Second,
			GCInterval:         10 * time.Minute,
		},
		Fleet: FleetConfig{
			MaxLoad: 8,
		},
		Registry: RegistryConfig{
			Backend: BackendSQLite,
		},
		Etcd: EtcdConfig{
			Enabled:       false,
			Mode:          "embedded",
			ListenAddress: "localhost:2379",
			Namespace:     "stratagem",
			TTL:           15 * time.Second,
		},
		GRPC: GRPCConfig{
			Address: "localhost:50051",
		},
		HTTP: HTTPConfig{
			Address:   "localhost:8080",
			RateLimit: 50,
			Burst:     100,
		},
		Events: EventsConfig{
			Kafka: KafkaConfig{
				Topic: "stratagem.events",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			SampleRate: 1,
		},
	}
}
