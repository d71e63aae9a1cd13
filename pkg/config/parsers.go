package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr   string
	Data   string
	Config string
	Set    map[string]bool
}

// holds the results of applying environment overrides
type EnvResult struct {
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config  *Config
	Addr    string
	DataDir string
	Source  string // "flags", "config", or "env"
}

// ParseConfigFlags parses command-line flags and returns them as a Flags
// struct, recording which flags were set explicitly.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dataPtr := flag.String("data", "./.blobfront", "Data directory")
	cfgPtr := flag.String("config", "./blobfront.yaml", "Path to config file")
	flag.Parse()

	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })

	return Flags{Addr: *addrPtr, Data: *dataPtr, Config: *cfgPtr, Set: setFlags}
}

// ParseConfigFile loads config from file, returning the config, a found
// bool, and an error.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "not found") {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// ParseConfigEnvs loads BLOBFRONT_* environment variables into a new Config
// and returns it with an EnvResult; the caller's config is unchanged.
func ParseConfigEnvs() (*Config, EnvResult) {
	envs := map[string]string{
		"SERVER_ADDR":     os.Getenv("BLOBFRONT_SERVER_ADDR"),
		"ADDR":            os.Getenv("BLOBFRONT_ADDR"),
		"SERVER_ADDRESS":  os.Getenv("BLOBFRONT_SERVER_ADDRESS"),
		"SERVER_PORT":     os.Getenv("BLOBFRONT_SERVER_PORT"),
		"SERVER_DATA_DIR": os.Getenv("BLOBFRONT_SERVER_DATA_DIR"),
		"DATA_DIR":        os.Getenv("BLOBFRONT_DATA_DIR"),
		"METRICS_ADDR":    os.Getenv("BLOBFRONT_METRICS_ADDR"),
		"HEALTH_PATH":     os.Getenv("BLOBFRONT_HEALTH_PATH"),
		"MAX_BODY_SIZE":   os.Getenv("BLOBFRONT_MAX_BODY_SIZE"),
		"TLS_CERT":        os.Getenv("BLOBFRONT_TLS_CERT"),
		"TLS_KEY":         os.Getenv("BLOBFRONT_TLS_KEY"),
		"RATE_RPS":        os.Getenv("BLOBFRONT_RATE_RPS"),
		"RATE_BURST":      os.Getenv("BLOBFRONT_RATE_BURST"),

		// pluggable component ids
		"ROUTER":           os.Getenv("BLOBFRONT_ROUTER"),
		"STORAGE":          os.Getenv("BLOBFRONT_STORAGE"),
		"REQUEST_HANDLER":  os.Getenv("BLOBFRONT_REQUEST_HANDLER"),
		"RESPONSE_HANDLER": os.Getenv("BLOBFRONT_RESPONSE_HANDLER"),
		"TRANSPORT":        os.Getenv("BLOBFRONT_TRANSPORT"),
		"REPORTERS":        os.Getenv("BLOBFRONT_REPORTERS"),

		// scaling units
		"REQUEST_WORKERS":  os.Getenv("BLOBFRONT_REQUEST_WORKERS"),
		"RESPONSE_WORKERS": os.Getenv("BLOBFRONT_RESPONSE_WORKERS"),
		"QUEUE_CAPACITY":   os.Getenv("BLOBFRONT_QUEUE_CAPACITY"),
		"CHUNK_CAPACITY":   os.Getenv("BLOBFRONT_CHUNK_CAPACITY"),

		// storage and router backend
		"DIGEST_ALGORITHM": os.Getenv("BLOBFRONT_DIGEST_ALGORITHM"),
		"OP_TIMEOUT":       os.Getenv("BLOBFRONT_OP_TIMEOUT"),
		"DISABLE_WAL":      os.Getenv("BLOBFRONT_DISABLE_WAL"),

		// telemetry
		"SNAPSHOT_CRON":            os.Getenv("BLOBFRONT_SNAPSHOT_CRON"),
		"WATCHDOG_POLL_INTERVAL":   os.Getenv("BLOBFRONT_WATCHDOG_POLL_INTERVAL"),
		"WATCHDOG_RECOVERY_WINDOW": os.Getenv("BLOBFRONT_WATCHDOG_RECOVERY_WINDOW"),
		"WATCHDOG_DISK_HIGH_PCT":   os.Getenv("BLOBFRONT_WATCHDOG_DISK_HIGH_PCT"),
		"WATCHDOG_DISK_LOW_PCT":    os.Getenv("BLOBFRONT_WATCHDOG_DISK_LOW_PCT"),
		"WATCHDOG_MEM_HIGH_PCT":    os.Getenv("BLOBFRONT_WATCHDOG_MEM_HIGH_PCT"),
		"TRACE_DIR":                os.Getenv("BLOBFRONT_TRACE_DIR"),
		"TRACE_SAMPLE_EVERY":       os.Getenv("BLOBFRONT_TRACE_SAMPLE_EVERY"),

		// access log
		"ACCESS_LOG_REQUEST_HEADERS":  os.Getenv("BLOBFRONT_ACCESS_LOG_REQUEST_HEADERS"),
		"ACCESS_LOG_RESPONSE_HEADERS": os.Getenv("BLOBFRONT_ACCESS_LOG_RESPONSE_HEADERS"),

		// logging
		"LOG_LEVEL": os.Getenv("BLOBFRONT_LOG_LEVEL"),
	}

	envUsed := false
	for _, v := range envs {
		if v != "" {
			envUsed = true
			break
		}
	}
	envCfg := &Config{}

	parseList := func(v string) []string {
		if v == "" {
			return nil
		}
		parts := []string{}
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				parts = append(parts, s)
			}
		}
		return parts
	}

	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}

	applyHostPort := func(v string) {
		if h, p, err := net.SplitHostPort(v); err == nil {
			envCfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				envCfg.Server.Port = pi
			}
		} else {
			envCfg.Server.Address = v
		}
	}

	if v := envs["SERVER_ADDR"]; v != "" {
		applyHostPort(v)
	} else if v := envs["ADDR"]; v != "" {
		applyHostPort(v)
	} else {
		if host := envs["SERVER_ADDRESS"]; host != "" {
			envCfg.Server.Address = host
		}
		if port := envs["SERVER_PORT"]; port != "" {
			if pi, err := strconv.Atoi(port); err == nil {
				envCfg.Server.Port = pi
			}
		}
	}

	if v := envs["SERVER_DATA_DIR"]; v != "" {
		envCfg.Server.DataDir = v
	} else if v := envs["DATA_DIR"]; v != "" {
		envCfg.Server.DataDir = v
	}

	if v := envs["METRICS_ADDR"]; v != "" {
		envCfg.Server.MetricsAddr = v
	}
	if v := envs["HEALTH_PATH"]; v != "" {
		envCfg.Server.HealthPath = v
	}
	if v := envs["MAX_BODY_SIZE"]; v != "" {
		if b, err := ParseSizeBytes(v); err == nil {
			envCfg.Server.MaxBodySize = b
		}
	}
	if c := envs["TLS_CERT"]; c != "" {
		envCfg.Server.TLS.CertFile = c
	}
	if k := envs["TLS_KEY"]; k != "" {
		envCfg.Server.TLS.KeyFile = k
	}
	if v := envs["RATE_RPS"]; v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envCfg.Server.RateLimit.RPS = f
		}
	}
	if v := envs["RATE_BURST"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Server.RateLimit.Burst = n
		}
	}

	if v := envs["ROUTER"]; v != "" {
		envCfg.Components.Router = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envs["STORAGE"]; v != "" {
		envCfg.Components.Storage = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envs["REQUEST_HANDLER"]; v != "" {
		envCfg.Components.RequestHandler = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envs["RESPONSE_HANDLER"]; v != "" {
		envCfg.Components.ResponseHandler = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envs["TRANSPORT"]; v != "" {
		envCfg.Components.Transport = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envs["REPORTERS"]; v != "" {
		envCfg.Components.Reporters = parseList(strings.ToLower(v))
	}

	if v := envs["REQUEST_WORKERS"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Scaling.RequestWorkers = n
		}
	}
	if v := envs["RESPONSE_WORKERS"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Scaling.ResponseWorkers = n
		}
	}
	if v := envs["QUEUE_CAPACITY"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Scaling.QueueCapacity = n
		}
	}
	if v := envs["CHUNK_CAPACITY"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Scaling.ChunkCapacity = n
		}
	}

	if v := envs["DIGEST_ALGORITHM"]; v != "" {
		envCfg.Storage.DigestAlgorithm = strings.ToLower(strings.TrimSpace(v))
	}
	if v := envs["OP_TIMEOUT"]; v != "" {
		if d, err := ParseDuration(v); err == nil {
			envCfg.Storage.OpTimeout = d
		}
	}
	if v := envs["DISABLE_WAL"]; v != "" {
		envCfg.Storage.DisableWAL = parseBool(v)
	}

	if v := envs["SNAPSHOT_CRON"]; v != "" {
		envCfg.Telemetry.SnapshotCron = v
	}
	if v := envs["WATCHDOG_POLL_INTERVAL"]; v != "" {
		if d, err := ParseDuration(v); err == nil {
			envCfg.Telemetry.Watchdog.PollInterval = d
		}
	}
	if v := envs["WATCHDOG_RECOVERY_WINDOW"]; v != "" {
		if d, err := ParseDuration(v); err == nil {
			envCfg.Telemetry.Watchdog.RecoveryWindow = d
		}
	}
	if v := envs["WATCHDOG_DISK_HIGH_PCT"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Telemetry.Watchdog.DiskHighPct = n
		}
	}
	if v := envs["WATCHDOG_DISK_LOW_PCT"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Telemetry.Watchdog.DiskLowPct = n
		}
	}
	if v := envs["WATCHDOG_MEM_HIGH_PCT"]; v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envCfg.Telemetry.Watchdog.MemHighPct = n
		}
	}
	if v := envs["TRACE_DIR"]; v != "" {
		envCfg.Telemetry.Trace.Dir = v
	}
	if v := envs["TRACE_SAMPLE_EVERY"]; v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			envCfg.Telemetry.Trace.SampleEvery = n
		}
	}

	if v := envs["ACCESS_LOG_REQUEST_HEADERS"]; v != "" {
		envCfg.AccessLog.RequestHeaders = parseList(v)
	}
	if v := envs["ACCESS_LOG_RESPONSE_HEADERS"]; v != "" {
		envCfg.AccessLog.ResponseHeaders = parseList(v)
	}

	if v := envs["LOG_LEVEL"]; v != "" {
		envCfg.Logging.Level = strings.TrimSpace(v)
	}

	return envCfg, EnvResult{EnvUsed: envUsed}
}

// LoadEffectiveConfig decides which single source to use (flags, config
// file, or env) and returns the effective config plus resolved addr and data
// dir. If -config is set, only the config file is used; otherwise flags if
// set; else config file if present; else env.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult

	if flags.Set["config"] {
		if !fileExists {
			return res, fmt.Errorf("config file %s not found", flags.Config)
		}
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DataDir = fileCfg.Server.DataDir
		res.Source = "config"
		return res, nil
	}

	if flags.Set["addr"] || flags.Set["data"] {
		addr := flags.Addr
		if !flags.Set["addr"] {
			addr = envCfg.Addr()
			if addr == "" {
				addr = fileCfg.Addr()
			}
		}
		dataDir := flags.Data
		if !flags.Set["data"] {
			if p := strings.TrimSpace(envCfg.Server.DataDir); p != "" {
				dataDir = p
			} else if p := strings.TrimSpace(fileCfg.Server.DataDir); p != "" {
				dataDir = p
			}
		}
		out := &Config{}
		out.Server.Address = addr
		out.Server.Port = parsePortFromAddr(addr)
		out.Server.DataDir = dataDir
		res.Config = out
		res.Addr = addr
		res.DataDir = dataDir
		res.Source = "flags"
		return res, nil
	}

	if fileExists {
		res.Config = fileCfg
		res.Addr = fileCfg.Addr()
		res.DataDir = fileCfg.Server.DataDir
		res.Source = "config"
		return res, nil
	}
	res.Config = envCfg
	res.Addr = envCfg.Addr()
	res.DataDir = envCfg.Server.DataDir
	res.Source = "env"
	return res, nil
}

// parsePortFromAddr extracts the port integer from a host:port string.
func parsePortFromAddr(a string) int {
	if a == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(a); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return pi
		}
	}
	return 0
}
