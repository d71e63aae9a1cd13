// Package server assembles the pluggable components into one front end and
// walks them through startup and shutdown. Components are resolved by
// identifier through their package registries, built in dependency order,
// started front-to-back and stopped back-to-front, with every stage timed
// into the shared metrics registry.
package server

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/dispatch"
	"blobfront/pkg/health"
	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
	"blobfront/pkg/router"
	"blobfront/pkg/storage"
	"blobfront/pkg/telemetry"
	"blobfront/pkg/transport"
)

// Options selects the component implementations and carries their tuning.
// Identifiers resolve through the package registries; unknown identifiers
// fail construction.
type Options struct {
	RouterID          string
	StorageID         string
	RequestHandlerID  string
	ResponseHandlerID string
	TransportID       string
	ReporterIDs       []string

	// Transport.
	Addr                  string
	HealthPath            string
	CertFile              string
	KeyFile               string
	RateRPS               float64
	RateBurst             int
	MaxBodyBytes          int64
	ChunkCapacity         int
	AccessRequestHeaders  string
	AccessResponseHeaders string

	// Router and storage.
	DataDir         string
	DisableWAL      bool
	DigestAlgorithm string
	OpTimeout       time.Duration

	// Scaling units.
	RequestWorkers  int
	ResponseWorkers int
	QueueCapacity   int

	// Reporters.
	MetricsAddr    string
	SnapshotCron   string
	WatchdogPoll   time.Duration
	RecoveryWindow time.Duration
	DiskHighPct    int
	DiskLowPct     int
	MemHighPct     int

	// Request tracing. Empty TraceDir disables the trace sink.
	TraceDir         string
	TraceSampleEvery int64

	// Registry receives every instrument the server and its components
	// create. Nil means a private registry.
	Registry *prometheus.Registry
}

type namedReporter struct {
	id string
	r  telemetry.Reporter
}

// Server owns the assembled components. Build one with New, run it with
// Start, and tear it down with Shutdown; AwaitShutdown blocks until the
// teardown has finished.
type Server struct {
	opts    Options
	metrics *Metrics
	state   *health.State

	reporters []namedReporter
	router    router.Router
	responses dispatch.ResponseHandler
	storage   storage.Service
	requests  dispatch.RequestHandler
	transport transport.Server
	traces    *telemetry.TraceSink

	started int32
	stop    sync.Once
	stopErr error
	done    chan struct{}
}

// New resolves and builds every component in dependency order: reporters,
// router, response handler, storage, request handler, transport. The first
// failure aborts construction; nothing has been started at that point, so
// there is nothing to roll back beyond the trace sink.
func New(opts Options) (*Server, error) {
	m := NewMetrics(opts.Registry)
	reg := m.Registry
	state := health.NewState(opts.HealthPath)
	state.Register(reg)

	s := &Server{
		opts:    opts,
		metrics: m,
		state:   state,
		done:    make(chan struct{}),
	}

	fail := func(err error) (*Server, error) {
		m.MarkConstructionFailure()
		if s.traces != nil {
			s.traces.Close()
		}
		return nil, err
	}

	var tracking rest.TrackerSink = m
	if opts.TraceDir != "" {
		traces, err := telemetry.NewTraceSink(telemetry.TraceSinkOptions{
			Dir:         opts.TraceDir,
			SampleEvery: opts.TraceSampleEvery,
		})
		if err != nil {
			return fail(fmt.Errorf("%w: trace sink: %v", rest.ErrConstruction, err))
		}
		s.traces = traces
		tracking = fanoutSink{m, traces}
	}

	for _, id := range opts.ReporterIDs {
		r, err := telemetry.New(id, telemetry.Deps{
			Registry:       reg,
			Addr:           opts.MetricsAddr,
			DataDir:        opts.DataDir,
			SnapshotCron:   opts.SnapshotCron,
			PollInterval:   opts.WatchdogPoll,
			RecoveryWindow: opts.RecoveryWindow,
			DiskHighPct:    opts.DiskHighPct,
			DiskLowPct:     opts.DiskLowPct,
			MemHighPct:     opts.MemHighPct,
		})
		if err != nil {
			return fail(err)
		}
		s.reporters = append(s.reporters, namedReporter{id: id, r: r})
	}

	rt, err := router.New(opts.RouterID, router.Deps{
		DataDir:    opts.DataDir,
		DisableWAL: opts.DisableWAL,
		Registry:   reg,
	})
	if err != nil {
		return fail(err)
	}
	s.router = rt

	responses, err := dispatch.NewResponseHandler(opts.ResponseHandlerID, dispatch.ResponseDeps{
		Workers:       opts.ResponseWorkers,
		QueueCapacity: opts.QueueCapacity,
		Registry:      reg,
	})
	if err != nil {
		return fail(err)
	}
	s.responses = responses

	store, err := storage.New(opts.StorageID, storage.Deps{
		Router:          rt,
		Responses:       responses,
		DigestAlgorithm: opts.DigestAlgorithm,
		OpTimeout:       opts.OpTimeout,
		Registry:        reg,
	})
	if err != nil {
		return fail(err)
	}
	s.storage = store

	requests, err := dispatch.NewRequestHandler(opts.RequestHandlerID, dispatch.RequestDeps{
		Workers:       opts.RequestWorkers,
		QueueCapacity: opts.QueueCapacity,
		Service:       store,
		Registry:      reg,
	})
	if err != nil {
		return fail(err)
	}
	s.requests = requests

	front, err := transport.New(opts.TransportID, transport.Deps{
		Addr:                  opts.Addr,
		HealthState:           state,
		Handler:               requests,
		Tracking:              tracking,
		MaxBodyBytes:          opts.MaxBodyBytes,
		ChunkCapacity:         opts.ChunkCapacity,
		CertFile:              opts.CertFile,
		KeyFile:               opts.KeyFile,
		RateRPS:               opts.RateRPS,
		RateBurst:             opts.RateBurst,
		AccessRequestHeaders:  opts.AccessRequestHeaders,
		AccessResponseHeaders: opts.AccessResponseHeaders,
		Registry:              reg,
	})
	if err != nil {
		return fail(err)
	}
	s.transport = front

	logger.Info("server_assembled",
		"router", opts.RouterID,
		"storage", opts.StorageID,
		"transport", opts.TransportID,
		"reporters", len(s.reporters))
	return s, nil
}

// Start brings the components up in order: reporters, response handler,
// storage, request handler, transport, then marks the service healthy. Each
// stage is timed; the first failure aborts startup and is returned. Stages
// that started before the failure keep running, so the caller should still
// Shutdown.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return fmt.Errorf("%w: server already started", rest.ErrIllegalState)
	}
	begin := time.Now()
	stages := []struct {
		name string
		run  func() error
	}{
		{StageReporter, s.startReporters},
		{StageResponseHandler, s.responses.Start},
		{StageStorage, s.storage.Start},
		{StageRequestHandler, s.requests.Start},
		{StageTransport, s.transport.Start},
	}
	for _, stage := range stages {
		if err := s.metrics.timeStage(stage.name, phaseStart, stage.run); err != nil {
			s.metrics.MarkConstructionFailure()
			return fmt.Errorf("%w: start %s: %v", rest.ErrConstruction, stage.name, err)
		}
	}
	s.state.ServiceUp()
	s.metrics.observeStage(StageTotalStartup, phaseStart, time.Since(begin))
	logger.Info("server_started",
		"addr", s.opts.Addr,
		"health_path", s.state.Path(),
		"startup_ms", time.Since(begin).Milliseconds())
	return nil
}

// Shutdown tears the server down: mark the service unhealthy, then stop the
// transport, request handler, storage, response handler, router and
// reporters, in that order. Every stage runs even when an earlier one fails;
// failures are logged and folded into the returned error. Safe to call
// concurrently and more than once; later calls return the first run's error.
func (s *Server) Shutdown() error {
	s.stop.Do(func() {
		begin := time.Now()
		s.state.ServiceDown()

		var errs []error
		stage := func(name string, fn func() error) {
			if err := s.metrics.timeStage(name, phaseStop, fn); err != nil {
				logger.Error("shutdown_stage_failed", "stage", name, "error", err.Error())
				errs = append(errs, fmt.Errorf("%w: %s: %v", rest.ErrShutdownStage, name, err))
			}
		}
		stage(StageTransport, s.transport.Stop)
		stage(StageRequestHandler, s.requests.Stop)
		stage(StageStorage, s.storage.Stop)
		stage(StageResponseHandler, s.responses.Stop)
		stage(StageRouterClose, s.router.Close)
		stage(StageReporter, s.stopReporters)
		if s.traces != nil {
			s.traces.Close()
		}

		s.metrics.observeStage(StageTotalShutdown, phaseStop, time.Since(begin))
		s.stopErr = errors.Join(errs...)
		close(s.done)
		logger.Info("server_stopped",
			"shutdown_ms", time.Since(begin).Milliseconds(),
			"stage_failures", len(errs))
	})
	return s.stopErr
}

// AwaitShutdown blocks until Shutdown has run every stage. It is safe for
// any number of goroutines, before or after the fact.
func (s *Server) AwaitShutdown() {
	<-s.done
}

// Health exposes the mark-up/mark-down state, mainly for embedders that
// front the server with their own checks.
func (s *Server) Health() *health.State {
	return s.state
}

func (s *Server) startReporters() error {
	for _, nr := range s.reporters {
		if err := nr.r.Start(); err != nil {
			return fmt.Errorf("reporter %s: %v", nr.id, err)
		}
	}
	return nil
}

// stopReporters stops in reverse start order so the metrics endpoint, which
// conventionally comes first in ReporterIDs, stays scrapable the longest.
func (s *Server) stopReporters() error {
	var firstErr error
	for i := len(s.reporters) - 1; i >= 0; i-- {
		nr := s.reporters[i]
		if err := nr.r.Stop(); err != nil {
			logger.Error("reporter_stop_failed", "reporter", nr.id, "error", err.Error())
			if firstErr == nil {
				firstErr = fmt.Errorf("reporter %s: %v", nr.id, err)
			}
		}
	}
	return firstErr
}

// fanoutSink delivers each tracker snapshot to every sink.
type fanoutSink []rest.TrackerSink

func (f fanoutSink) ObserveRequest(snap rest.TrackerSnapshot) {
	for _, sink := range f {
		sink.ObserveRequest(snap)
	}
}
