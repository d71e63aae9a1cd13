package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Config is the main configuration struct.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Components ComponentsConfig `yaml:"components"`
	Scaling    ScalingConfig    `yaml:"scaling"`
	Storage    StorageConfig    `yaml:"storage"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	AccessLog  AccessLogConfig  `yaml:"access_log"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds listener, data-dir and tls settings.
type ServerConfig struct {
	Address     string          `yaml:"address"`
	Port        int             `yaml:"port"`
	MetricsAddr string          `yaml:"metrics_address"`
	HealthPath  string          `yaml:"health_path"`
	DataDir     string          `yaml:"data_dir"`
	MaxBodySize SizeBytes       `yaml:"max_body_size"`
	TLS         TLSConfig       `yaml:"tls"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig holds TLS certificate configuration.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// RateLimitConfig tunes the per-client limiter. RPS <= 0 disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ComponentsConfig selects the pluggable implementations by registry id.
type ComponentsConfig struct {
	Router          string   `yaml:"router"`
	Storage         string   `yaml:"storage"`
	RequestHandler  string   `yaml:"request_handler"`
	ResponseHandler string   `yaml:"response_handler"`
	Transport       string   `yaml:"transport"`
	Reporters       []string `yaml:"reporters"`
}

// ScalingConfig sizes the worker pools and per-request body queues.
type ScalingConfig struct {
	RequestWorkers  int `yaml:"request_workers"`
	ResponseWorkers int `yaml:"response_workers"`
	QueueCapacity   int `yaml:"queue_capacity"`
	ChunkCapacity   int `yaml:"chunk_capacity"`
}

// StorageConfig tunes the storage service and the router backend.
type StorageConfig struct {
	// DigestAlgorithm is computed over uploads. "none" disables digesting.
	DigestAlgorithm string   `yaml:"digest_algorithm"`
	OpTimeout       Duration `yaml:"op_timeout"`
	DisableWAL      bool     `yaml:"disable_wal"`
}

// TelemetryConfig tunes the reporters and the request trace sink.
type TelemetryConfig struct {
	SnapshotCron string         `yaml:"snapshot_cron"`
	Watchdog     WatchdogConfig `yaml:"watchdog"`
	Trace        TraceConfig    `yaml:"trace"`
}

// WatchdogConfig holds watchdog reporter tuning knobs.
type WatchdogConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	RecoveryWindow Duration `yaml:"recovery_window"`
	DiskHighPct    int      `yaml:"disk_high_pct"`
	DiskLowPct     int      `yaml:"disk_low_pct"`
	MemHighPct     int      `yaml:"mem_high_pct"`
}

// TraceConfig controls the sampled JSONL request traces. Empty dir disables
// tracing; Dir "default" places traces under the data dir.
type TraceConfig struct {
	Dir         string `yaml:"dir"`
	SampleEvery int64  `yaml:"sample_every"`
}

// AccessLogConfig names the headers echoed on access-log lines.
type AccessLogConfig struct {
	RequestHeaders  []string `yaml:"request_headers"`
	ResponseHeaders []string `yaml:"response_headers"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly
// strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*s = 0
	case string:
		b, err := ParseSizeBytes(v)
		if err != nil {
			return err
		}
		*s = b
	case int:
		*s = SizeBytes(v)
	case int64:
		*s = SizeBytes(v)
	case uint64:
		*s = SizeBytes(v)
	case float64:
		*s = SizeBytes(int64(v))
	default:
		return fmt.Errorf("invalid size value: %v", raw)
	}
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// ParseSizeBytes parses "64MB"-style strings and plain integers.
func ParseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from
// strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		td, err := ParseDuration(v)
		if err != nil {
			return err
		}
		*d = td
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case int64:
		*d = Duration(time.Duration(v) * time.Second)
	case uint64:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value: %v", raw)
	}
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseDuration parses "250ms"-style strings and plain numbers as seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
