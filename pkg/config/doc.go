// Package config provides the configuration system for Tidepool.
// It defines a single Config structure shared by the CLI and by services
// embedding the pools, so every component is tuned from one file.
//
// The configuration is organized into logical sections:
//   - Logging: Level, encoding and outputs of the zap logger
//   - Scheduler: Worker bound of the shared eviction scheduler
//   - Pool: Capacity, eviction and expiry of resource pools
//   - Database: Connection pool and statement cache of a DataSource
//   - Metrics: Prometheus endpoint
//   - Tracing: OpenTelemetry exporter
//
// Example usage:
//
//	cfg := config.NewConfig()
//	cfg.Pool.Capacity = 5000
//	cfg.Pool.Policy = "access_count"
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// Load reads a YAML file, substitutes ${VAR} references from the
// environment, and lets TIDEPOOL_* variables override any key:
//
//	TIDEPOOL_POOL_CAPACITY=500 tidepool bench --config tidepool.yaml
package config
