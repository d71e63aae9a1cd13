package telemetry

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
)

// HTTPID is the registry id of the metrics endpoint reporter.
const HTTPID = "http"

func init() {
	Register(HTTPID, newHTTPReporter)
}

// httpReporter serves the metrics registry and the pprof debug surface on
// its own listener, kept off the public transport port.
type httpReporter struct {
	addr   string
	routes map[string]fasthttp.RequestHandler
	srv    *fasthttp.Server

	// ln may be pre-set before Start to serve on a custom listener.
	ln       net.Listener
	stopped  int32
	stopOnce sync.Once
	serveWg  sync.WaitGroup
}

func newHTTPReporter(deps Deps) (Reporter, error) {
	if deps.Addr == "" {
		return nil, errors.New("metrics reporter needs a listen address")
	}
	if deps.Registry == nil {
		return nil, errors.New("metrics reporter needs a registry")
	}
	registerRuntimeGauges(deps.Registry)

	wrap := fasthttpadaptor.NewFastHTTPHandler
	r := &httpReporter{
		addr: deps.Addr,
		routes: map[string]fasthttp.RequestHandler{
			"/metrics":             wrap(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})),
			"/debug/pprof/":        wrap(http.HandlerFunc(pprof.Index)),
			"/debug/pprof/cmdline": wrap(http.HandlerFunc(pprof.Cmdline)),
			"/debug/pprof/profile": wrap(http.HandlerFunc(pprof.Profile)),
			"/debug/pprof/symbol":  wrap(http.HandlerFunc(pprof.Symbol)),
			"/debug/pprof/trace":   wrap(http.HandlerFunc(pprof.Trace)),
		},
	}
	r.srv = &fasthttp.Server{
		Handler: r.handle,
		Name:    "blobfront-metrics",
	}
	return r, nil
}

func (r *httpReporter) handle(ctx *fasthttp.RequestCtx) {
	if h, ok := r.routes[string(ctx.Path())]; ok {
		h(ctx)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNotFound)
}

func (r *httpReporter) Start() error {
	if r.ln == nil {
		ln, err := net.Listen("tcp", r.addr)
		if err != nil {
			return fmt.Errorf("%w: metrics listen %s: %v", rest.ErrTransport, r.addr, err)
		}
		r.ln = ln
	}
	r.serveWg.Add(1)
	go func() {
		defer r.serveWg.Done()
		if err := r.srv.Serve(r.ln); err != nil && atomic.LoadInt32(&r.stopped) == 0 {
			logger.Error("metrics_serve_failed", "error", err.Error())
		}
	}()
	logger.Info("metrics_endpoint_started", "addr", r.ln.Addr().String())
	return nil
}

func (r *httpReporter) Stop() error {
	var err error
	r.stopOnce.Do(func() {
		atomic.StoreInt32(&r.stopped, 1)
		err = r.srv.Shutdown()
		r.serveWg.Wait()
		logger.Info("metrics_endpoint_stopped")
	})
	return err
}

// registerRuntimeGauges attaches process-level gauges to the registry.
// Re-registration across reporter rebuilds is treated as already-done, not
// an error.
func registerRuntimeGauges(reg *prometheus.Registry) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_goroutines",
			Help: "Number of active goroutines.",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_gc_pause_total_ns",
			Help: "Total GC pause time in nanoseconds.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.PauseTotalNs)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_heap_sys_bytes",
			Help: "Total heap size in bytes.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapSys)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "go_gc_cycles_total",
			Help: "Total number of GC cycles.",
		}, func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.NumGC)
		}),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			var dup prometheus.AlreadyRegisteredError
			if !errors.As(err, &dup) {
				logger.Warn("runtime_gauge_register_failed", "error", err.Error())
			}
		}
	}
}
