package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"blobfront/pkg/dispatch"
	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
	"blobfront/pkg/router"
)

// FastHTTPID is the registry id of the fasthttp transport.
const FastHTTPID = "fasthttp"

func init() {
	Register(FastHTTPID, newFastServer)
}

// fasthttp.Server options
const (
	readBufferSize       = 64 * 1024         // 64 KiB read buffer per connection
	defaultMaxBody       = 64 * 1024 * 1024  // 64 MiB max request body
	serverConcurrency    = 0                 // unlimited concurrency (0 means unlimited in fasthttp)
	readTimeout          = 5 * time.Minute   // generous: uploads stream through this window
	writeTimeout         = 5 * time.Minute   // downloads of large blobs need the same headroom
	idleTimeout          = 30 * time.Second  // max keep-alive idle duration per connection
	maxKeepaliveDuration = 2 * time.Minute   // max duration for keep-alive connection
	bodyChunkSize        = 32 * 1024         // request body read window
)

const userValueRequestID = "request_id"

// fastServer converts fasthttp traffic into rest requests and feeds the
// request pool. The handler goroutine pushes body chunks and blocks until
// the response channel is completed, then writes the buffered response in
// one go; nothing outside that goroutine ever touches the RequestCtx.
type fastServer struct {
	deps    Deps
	maxBody int64
	srv     *fasthttp.Server
	mux     *Mux
	access  *AccessLogger
	limiter *limiterPool

	// ln may be pre-set before Start to serve on a custom listener.
	ln       net.Listener
	started  int32
	stopped  int32
	stopOnce sync.Once
	serveWg  sync.WaitGroup

	requests *prometheus.CounterVec
	inflight prometheus.Gauge
}

func newFastServer(deps Deps) (Server, error) {
	if deps.Handler == nil {
		return nil, errors.New("fasthttp transport needs a request handler")
	}
	if deps.HealthState == nil {
		return nil, errors.New("fasthttp transport needs the health state")
	}
	if deps.Addr == "" {
		return nil, errors.New("fasthttp transport needs a listen address")
	}
	if (deps.CertFile == "") != (deps.KeyFile == "") {
		return nil, errors.New("TLS needs both a certificate and a key file")
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	s := &fastServer{
		deps:    deps,
		maxBody: maxBody,
		access:  NewAccessLogger(deps.AccessRequestHeaders, deps.AccessResponseHeaders),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobfront_transport_requests_total",
			Help: "Finished transport requests by method and status.",
		}, []string{"method", "status"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobfront_transport_inflight",
			Help: "Requests currently inside the transport.",
		}),
	}
	if deps.Registry != nil {
		deps.Registry.MustRegister(s.requests, s.inflight)
	}
	if deps.RateRPS > 0 {
		s.limiter = newLimiterPool(deps.RateRPS, deps.RateBurst)
	}

	s.mux = s.buildMux()
	handler := s.mux.Handler
	if s.limiter != nil {
		handler = s.rateLimitMiddleware(handler)
	}
	handler = s.accessLogMiddleware(handler)

	s.srv = &fasthttp.Server{
		Handler:              handler,
		Name:                 "blobfront",
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   int(maxBody),
		StreamRequestBody:    true,
		Concurrency:          serverConcurrency,
		ReduceMemoryUsage:    true,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}
	return s, nil
}

func (s *fastServer) buildMux() *Mux {
	m := NewMux()
	m.GET(s.deps.HealthState.Path(), s.handleHealth)
	m.POST("/blobs", s.serveBlob)
	m.GET("/blobs/{blob_id}", s.serveBlob)
	m.HEAD("/blobs/{blob_id}", s.serveBlob)
	m.DELETE("/blobs/{blob_id}", s.serveBlob)
	m.NotFound(func(ctx *fasthttp.RequestCtx) {
		writeJSONError(ctx, fasthttp.StatusNotFound, "not found")
	})
	return m
}

func writeJSONError(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.Response.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(fmt.Sprintf(`{"error":%q}`, msg))
}

func (s *fastServer) accessLogMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		reqID := string(ctx.Request.Header.Peek(rest.HeaderRequestID))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx.SetUserValue(userValueRequestID, reqID)
		ctx.Response.Header.Set(rest.HeaderRequestID, reqID)
		next(ctx)
		s.access.Log(ctx, reqID, start)
		s.requests.WithLabelValues(string(ctx.Method()), strconv.Itoa(ctx.Response.StatusCode())).Inc()
	}
}

func (s *fastServer) rateLimitMiddleware(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !s.limiter.Allow(ctx.RemoteIP().String()) {
			writeJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(ctx)
	}
}

func (s *fastServer) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if s.deps.HealthState.IsUp() {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.WriteString(`{"status":"ok"}`)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	_, _ = ctx.WriteString(`{"status":"down"}`)
}

// serveBlob is the single entry point for blob routes: it builds the
// request, submits it, pushes the body and waits for completion.
func (s *fastServer) serveBlob(ctx *fasthttp.RequestCtx) {
	s.inflight.Inc()
	defer s.inflight.Dec()

	req := s.buildRequest(ctx)
	rc := newResponseBuffer(req)
	if err := s.deps.Handler.Submit(req, rc); err != nil {
		_ = req.Close()
		rc.release()
		logger.Warn("request_submit_rejected", "path", string(ctx.Path()), "error", err.Error())
		writeJSONError(ctx, fasthttp.StatusServiceUnavailable, "server busy")
		if errors.Is(err, dispatch.ErrQueueFull) {
			ctx.Response.Header.Set("retry-after", "1")
		}
		return
	}
	s.pushBody(ctx, req)
	<-rc.done
	rc.flush(ctx)
}

func (s *fastServer) buildRequest(ctx *fasthttp.RequestCtx) *rest.StreamRequest {
	args := map[string]any{}
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		args[strings.ToLower(string(k))] = string(v)
	})
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		args[string(k)] = string(v)
	})
	if id, ok := ctx.UserValue("blob_id").(string); ok && id != "" {
		args[rest.ArgBlobID] = id
	}
	if reqID, ok := ctx.UserValue(userValueRequestID).(string); ok {
		args[rest.HeaderRequestID] = reqID
	}
	return rest.NewStreamRequest(rest.StreamOptions{
		Method:        rest.ParseMethod(string(ctx.Method())),
		Path:          string(ctx.Path()),
		URI:           string(ctx.RequestURI()),
		Args:          args,
		TLS:           ctx.TLSConnectionState(),
		ChunkCapacity: s.deps.ChunkCapacity,
		MaxBodyBytes:  s.maxBody,
		Tracker:       rest.NewTracker(s.deps.Tracking),
	})
}

// pushBody feeds the request body into the request's chunk queue. Writes
// block when workers fall behind, which is the backpressure keeping slow
// consumers from buffering the world.
func (s *fastServer) pushBody(ctx *fasthttp.RequestCtx, req *rest.StreamRequest) {
	if !ctx.IsPost() && !ctx.IsPut() {
		if err := req.WriteChunk(nil, true); err != nil {
			logger.Debug("body_finalize_skipped", "error", err.Error())
		}
		return
	}
	body := ctx.RequestBodyStream()
	if body == nil {
		if err := req.WriteChunk(ctx.PostBody(), true); err != nil {
			logger.Debug("body_push_aborted", "error", err.Error())
		}
		return
	}
	buf := make([]byte, bodyChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			last := err == io.EOF
			if werr := req.WriteChunk(buf[:n], last); werr != nil {
				logger.Debug("body_push_aborted", "error", werr.Error())
				return
			}
			if last {
				return
			}
		}
		if err == io.EOF {
			if werr := req.WriteChunk(nil, true); werr != nil {
				logger.Debug("body_finalize_skipped", "error", werr.Error())
			}
			return
		}
		if err != nil {
			// Client went away mid-body: abort the request so a pending
			// read fails instead of hanging.
			logger.Warn("body_read_failed", "path", string(ctx.Path()), "error", err.Error())
			_ = req.Close()
			return
		}
	}
}

// statusForError maps failure classes onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, rest.ErrRequestInvalid), errors.Is(err, rest.ErrUnsupportedAlgorithm):
		return fasthttp.StatusBadRequest
	case errors.Is(err, router.ErrBlobNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, dispatch.ErrQueueFull), errors.Is(err, dispatch.ErrQueueClosed):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func (s *fastServer) Start() error {
	if atomic.LoadInt32(&s.stopped) == 1 {
		return fmt.Errorf("%w: transport already stopped", rest.ErrIllegalState)
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}
	if s.ln == nil {
		ln, err := net.Listen("tcp", s.deps.Addr)
		if err != nil {
			return fmt.Errorf("%w: listen %s: %v", rest.ErrTransport, s.deps.Addr, err)
		}
		s.ln = ln
	}
	tlsEnabled := s.deps.CertFile != ""
	s.serveWg.Add(1)
	go func() {
		defer s.serveWg.Done()
		var err error
		if tlsEnabled {
			err = s.srv.ServeTLS(s.ln, s.deps.CertFile, s.deps.KeyFile)
		} else {
			err = s.srv.Serve(s.ln)
		}
		if err != nil && atomic.LoadInt32(&s.stopped) == 0 {
			logger.Error("transport_serve_failed", "error", err.Error())
		}
	}()
	logger.Info("transport_started", "addr", s.ln.Addr().String(), "tls", tlsEnabled)
	return nil
}

func (s *fastServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		atomic.StoreInt32(&s.stopped, 1)
		err = s.srv.Shutdown()
		if s.limiter != nil {
			s.limiter.Shutdown()
		}
		s.serveWg.Wait()
		logger.Info("transport_stopped")
	})
	return err
}

// Addr returns the bound listen address, or empty before Start.
func (s *fastServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
