package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"blobfront/pkg/config"
	"blobfront/pkg/config/banner"
	"blobfront/pkg/logger"
	"blobfront/pkg/server"
	"blobfront/pkg/state"
)

// App groups the effective config with the assembled server.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	srv *server.Server
}

// New validates the effective config and builds the server with every
// component resolved. It does not start anything; call Run to start and
// block for lifecycle.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	// validate config and fail fast if not valid
	if err := validateConfig(eff); err != nil {
		return nil, err
	}
	cfg := eff.Config

	// summarize the data-loss window when the pebble WAL is off
	if cfg.Storage.DisableWAL {
		summaryItems := []string{
			"pebble_wal: disabled",
			"at_risk: writes buffered in the memtable are lost on crash",
			fmt.Sprintf("queue_capacity: %s", humanize.Comma(int64(cfg.Scaling.QueueCapacity))),
			fmt.Sprintf("request_workers: %d", cfg.Scaling.RequestWorkers),
		}
		logger.LogConfigSummary("config_durability_summary", summaryItems)
	}

	// caller ensures directories exist before construction
	if state.PathsVar.Store == "" {
		return nil, fmt.Errorf("state paths not initialized")
	}

	srv, err := server.New(buildOptions(eff))
	if err != nil {
		return nil, err
	}

	return &App{eff: eff, version: version, commit: commit, buildDate: buildDate, srv: srv}, nil
}

// buildOptions maps the effective config onto the server's options.
func buildOptions(eff config.EffectiveConfigResult) server.Options {
	cfg := eff.Config

	digest := strings.TrimSpace(cfg.Storage.DigestAlgorithm)
	if digest == config.DigestNone {
		digest = ""
	}

	traceDir := strings.TrimSpace(cfg.Telemetry.Trace.Dir)
	if traceDir == "default" {
		traceDir = state.PathsVar.Traces
	}

	return server.Options{
		RouterID:          cfg.Components.Router,
		StorageID:         cfg.Components.Storage,
		RequestHandlerID:  cfg.Components.RequestHandler,
		ResponseHandlerID: cfg.Components.ResponseHandler,
		TransportID:       cfg.Components.Transport,
		ReporterIDs:       cfg.Components.Reporters,

		Addr:                  eff.Addr,
		HealthPath:            cfg.Server.HealthPath,
		CertFile:              cfg.Server.TLS.CertFile,
		KeyFile:               cfg.Server.TLS.KeyFile,
		RateRPS:               cfg.Server.RateLimit.RPS,
		RateBurst:             cfg.Server.RateLimit.Burst,
		MaxBodyBytes:          cfg.Server.MaxBodySize.Int64(),
		ChunkCapacity:         cfg.Scaling.ChunkCapacity,
		AccessRequestHeaders:  strings.Join(cfg.AccessLog.RequestHeaders, ","),
		AccessResponseHeaders: strings.Join(cfg.AccessLog.ResponseHeaders, ","),

		DataDir:         state.PathsVar.Store,
		DisableWAL:      cfg.Storage.DisableWAL,
		DigestAlgorithm: digest,
		OpTimeout:       cfg.Storage.OpTimeout.Duration(),

		RequestWorkers:  cfg.Scaling.RequestWorkers,
		ResponseWorkers: cfg.Scaling.ResponseWorkers,
		QueueCapacity:   cfg.Scaling.QueueCapacity,

		MetricsAddr:    cfg.Server.MetricsAddr,
		SnapshotCron:   cfg.Telemetry.SnapshotCron,
		WatchdogPoll:   cfg.Telemetry.Watchdog.PollInterval.Duration(),
		RecoveryWindow: cfg.Telemetry.Watchdog.RecoveryWindow.Duration(),
		DiskHighPct:    cfg.Telemetry.Watchdog.DiskHighPct,
		DiskLowPct:     cfg.Telemetry.Watchdog.DiskLowPct,
		MemHighPct:     cfg.Telemetry.Watchdog.MemHighPct,

		TraceDir:         traceDir,
		TraceSampleEvery: cfg.Telemetry.Trace.SampleEvery,
	}
}

// Run prints the banner, starts the server, and blocks until the context is
// cancelled. The caller drives teardown through Shutdown.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()

	if err := a.srv.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.PrintWithEff(a.eff, verStr)
}
