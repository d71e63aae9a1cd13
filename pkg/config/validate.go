package config

import (
	"fmt"
	"os"

	"github.com/adhocore/gronx"

	"blobfront/pkg/rest"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff EffectiveConfigResult) error {
	cfg := eff.Config
	if cfg == nil {
		return fmt.Errorf("effective config is nil")
	}
	// data dir must be present
	if p := eff.DataDir; p == "" {
		return fmt.Errorf("data directory is empty: set -data flag, BLOBFRONT_DATA_DIR env, or server.data_dir in config")
	}

	cfg.ApplyDefaults()

	// TLS cert/key presence check if one is set
	cert := cfg.Server.TLS.CertFile
	key := cfg.Server.TLS.KeyFile
	if (cert != "" && key == "") || (cert == "" && key != "") {
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if cert != "" {
		if _, err := os.Stat(cert); err != nil {
			return fmt.Errorf("tls cert file not accessible: %w", err)
		}
		if _, err := os.Stat(key); err != nil {
			return fmt.Errorf("tls key file not accessible: %w", err)
		}
	}

	if cfg.Server.MaxBodySize < 0 {
		return fmt.Errorf("invalid server.max_body_size: must not be negative")
	}

	// digest algorithm must be one the request layer can stream
	if alg := cfg.Storage.DigestAlgorithm; alg != "" && alg != DigestNone {
		if !rest.DigestSupported(alg) {
			return fmt.Errorf("unsupported storage.digest_algorithm %q: use sha-256, sha-512, sha-1, md5, or %q", alg, DigestNone)
		}
	}
	if cfg.Storage.OpTimeout < 0 {
		return fmt.Errorf("invalid storage.op_timeout: must not be negative")
	}

	if cron := cfg.Telemetry.SnapshotCron; cron != "" {
		gron := gronx.New()
		if !gron.IsValid(cron) {
			return fmt.Errorf("invalid telemetry.snapshot_cron: not a valid cron expression")
		}
	}

	wd := cfg.Telemetry.Watchdog
	for name, pct := range map[string]int{
		"disk_high_pct": wd.DiskHighPct,
		"disk_low_pct":  wd.DiskLowPct,
		"mem_high_pct":  wd.MemHighPct,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("invalid telemetry.watchdog.%s: must be between 0 and 100", name)
		}
	}
	if wd.DiskLowPct > 0 && wd.DiskHighPct > 0 && wd.DiskLowPct > wd.DiskHighPct {
		return fmt.Errorf("invalid telemetry.watchdog thresholds: disk_low_pct must not exceed disk_high_pct")
	}

	return nil
}
