package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/goccy/go-yaml"

	"blobfront/pkg/logger"
)

// Defaults applied by ApplyDefaults. Zero values in the loaded config mean
// "use the default" throughout.
const (
	defaultAddress     = "0.0.0.0"
	defaultPort        = 8080
	defaultMetricsAddr = ":9100"
	defaultHealthPath  = "/healthz"

	defaultRouter          = "pebble"
	defaultStorage         = "blobs"
	defaultRequestHandler  = "pool"
	defaultResponseHandler = "pool"
	defaultTransport       = "fasthttp"

	defaultQueueCapacity = 64
	defaultChunkCapacity = 8
	defaultMaxBodySize   = 256 << 20
	defaultOpTimeout     = 30 * time.Second

	// DigestNone disables upload digesting when set as digest_algorithm.
	DigestNone    = "none"
	defaultDigest = "sha-256"

	defaultSnapshotCron     = "*/5 * * * *"
	defaultTraceSampleEvery = 16
)

func defaultReporters() []string {
	return []string{"http", "snapshot", "watchdog"}
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with the defaults above. It mutates the
// receiver; worker counts are capped at twice the logical core count.
func (c *Config) ApplyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = defaultMetricsAddr
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = defaultHealthPath
	}
	if c.Server.MaxBodySize.Int64() == 0 {
		c.Server.MaxBodySize = SizeBytes(defaultMaxBodySize)
	}

	if c.Components.Router == "" {
		c.Components.Router = defaultRouter
	}
	if c.Components.Storage == "" {
		c.Components.Storage = defaultStorage
	}
	if c.Components.RequestHandler == "" {
		c.Components.RequestHandler = defaultRequestHandler
	}
	if c.Components.ResponseHandler == "" {
		c.Components.ResponseHandler = defaultResponseHandler
	}
	if c.Components.Transport == "" {
		c.Components.Transport = defaultTransport
	}
	if c.Components.Reporters == nil {
		c.Components.Reporters = defaultReporters()
	}

	numCPU := runtime.NumCPU()
	maxWorkers := numCPU * 2
	if c.Scaling.RequestWorkers <= 0 {
		c.Scaling.RequestWorkers = numCPU
	} else if c.Scaling.RequestWorkers > maxWorkers {
		logger.Warn("request_workers_capped", "requested", c.Scaling.RequestWorkers, "capped_to", maxWorkers)
		c.Scaling.RequestWorkers = maxWorkers
	}
	if c.Scaling.ResponseWorkers <= 0 {
		c.Scaling.ResponseWorkers = numCPU
	} else if c.Scaling.ResponseWorkers > maxWorkers {
		logger.Warn("response_workers_capped", "requested", c.Scaling.ResponseWorkers, "capped_to", maxWorkers)
		c.Scaling.ResponseWorkers = maxWorkers
	}
	if c.Scaling.QueueCapacity <= 0 {
		c.Scaling.QueueCapacity = defaultQueueCapacity
	}
	if c.Scaling.ChunkCapacity <= 0 {
		c.Scaling.ChunkCapacity = defaultChunkCapacity
	}

	if c.Storage.DigestAlgorithm == "" {
		c.Storage.DigestAlgorithm = defaultDigest
	}
	if c.Storage.OpTimeout.Duration() == 0 {
		c.Storage.OpTimeout = Duration(defaultOpTimeout)
	}

	if c.Telemetry.SnapshotCron == "" {
		c.Telemetry.SnapshotCron = defaultSnapshotCron
	}
	if c.Telemetry.Trace.Dir != "" && c.Telemetry.Trace.SampleEvery <= 0 {
		c.Telemetry.Trace.SampleEvery = defaultTraceSampleEvery
	}
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("BLOBFRONT_SERVER_CONFIG"); p != "" {
		return p
	}
	if p := os.Getenv("BLOBFRONT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
