package banner

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"blobfront/pkg/config"
)

const banner = `
██████╗ ██╗      ██████╗ ██████╗ ███████╗██████╗  ██████╗ ███╗   ██╗████████╗
██╔══██╗██║     ██╔═══██╗██╔══██╗██╔════╝██╔══██╗██╔═══██╗████╗  ██║╚══██╔══╝
██████╔╝██║     ██║   ██║██████╔╝█████╗  ██████╔╝██║   ██║██╔██╗ ██║   ██║
██╔══██╗██║     ██║   ██║██╔══██╗██╔══╝  ██╔══██╗██║   ██║██║╚██╗██║   ██║
██████╔╝███████╗╚██████╔╝██████╔╝██║     ██║  ██║╚██████╔╝██║ ╚████║   ██║
╚═════╝ ╚══════╝ ╚═════╝ ╚═════╝ ╚═╝     ╚═╝  ╚═╝ ╚═════╝ ╚═╝  ╚═══╝   ╚═╝
`

// PrintWithEff prints the banner using an EffectiveConfigResult which
// provides richer context (config, addr, data dir, source).
func PrintWithEff(eff config.EffectiveConfigResult, version string) {
	var addr = eff.Addr
	if addr == "" && eff.Config != nil {
		addr = eff.Config.Addr()
	}
	var dataDir = eff.DataDir
	if dataDir == "" && eff.Config != nil {
		dataDir = eff.Config.Server.DataDir
	}
	var src = eff.Source
	if src == "" {
		src = "flags"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("Data dir: %s\n", dataDir)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Printf("Config: %s\n", src)

	fmt.Println("\n== Production? =================================================")
	cfg := eff.Config

	// TLS
	tlsOn := false
	if cfg != nil && cfg.Server.TLS.CertFile != "" && cfg.Server.TLS.KeyFile != "" {
		tlsOn = true
	}
	if tlsOn {
		fmt.Printf("- TLS: OK (%s)\n", cfg.Server.TLS.CertFile)
	} else {
		fmt.Println("- TLS: MISSING (terminate TLS here or at a proxy)")
	}

	// rate limiting
	if cfg != nil && cfg.Server.RateLimit.RPS > 0 {
		fmt.Printf("- Rate limit: OK (%.0f rps, burst %d)\n", cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst)
	} else {
		fmt.Println("- Rate limit: disabled")
	}

	// body digesting
	alg := ""
	if cfg != nil {
		alg = strings.TrimSpace(cfg.Storage.DigestAlgorithm)
	}
	if alg != "" && alg != config.DigestNone {
		fmt.Printf("- Body digest: %s\n", alg)
	} else {
		fmt.Println("- Body digest: disabled (clients cannot verify uploads)")
	}

	// max body size
	if cfg != nil && cfg.Server.MaxBodySize > 0 {
		fmt.Printf("- Max body: %s\n", humanize.IBytes(uint64(cfg.Server.MaxBodySize.Int64())))
	} else {
		fmt.Println("- Max body: unlimited")
	}

	// reporters
	nrep := 0
	if cfg != nil {
		nrep = len(cfg.Components.Reporters)
	}
	if nrep > 0 {
		fmt.Printf("- Reporters: OK (%d: %s)\n", nrep, strings.Join(cfg.Components.Reporters, ", "))
	} else {
		fmt.Println("- Reporters: none (no metrics endpoint, snapshots, or watchdog)")
	}

	// request tracing
	if cfg != nil && cfg.Telemetry.Trace.Dir != "" {
		fmt.Printf("- Tracing: enabled (dir=%s, every %d)\n", cfg.Telemetry.Trace.Dir, cfg.Telemetry.Trace.SampleEvery)
	} else {
		fmt.Println("- Tracing: disabled")
	}
}
