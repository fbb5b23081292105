package config

import (
	"os"
	"strings"
)

// ApplyEnvironmentOverrides checks for environment variables and overrides
// the config values if they are set.
//
// Supported environment variables:
//   - STRATAGEM_DATABASE_PATH: overrides database.path
//   - STRATAGEM_GRPC_ADDRESS: overrides grpc.address
//   - STRATAGEM_HTTP_ADDRESS: overrides http.address
//   - STRATAGEM_LOG_LEVEL: overrides logging.level
//   - STRATAGEM_ETCD_ENDPOINTS: comma separated, overrides etcd.endpoints
//   - STRATAGEM_KAFKA_BROKERS: comma separated, overrides events.kafka.brokers
func (c *Config) ApplyEnvironmentOverrides() {
	if path := os.Getenv("STRATAGEM_DATABASE_PATH"); path != "" {
		c.Database.Path = path
	}
	if addr := os.Getenv("STRATAGEM_GRPC_ADDRESS"); addr != "" {
		c.GRPC.Address = addr
	}
	if addr := os.Getenv("STRATAGEM_HTTP_ADDRESS"); addr != "" {
		c.HTTP.Address = addr
	}
	if level := os.Getenv("STRATAGEM_LOG_LEVEL"); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
	if endpoints := splitList(os.Getenv("STRATAGEM_ETCD_ENDPOINTS")); len(endpoints) > 0 {
		c.Etcd.Endpoints = endpoints
	}
	if brokers := splitList(os.Getenv("STRATAGEM_KAFKA_BROKERS")); len(brokers) > 0 {
		c.Events.Kafka.Brokers = brokers
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
