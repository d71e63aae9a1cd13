package transport

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
)

// LoopbackID is the registry id of the in-process transport.
const LoopbackID = "loopback"

func init() {
	Register(LoopbackID, newLoopback)
}

// loopbackTimeout bounds how long a Do call waits for its response.
const loopbackTimeout = 30 * time.Second

// Loopback pushes requests through the pools without a network listener.
// Embedders and smoke tests hand it a method, a URI and an optional body
// and get the fully buffered response back.
type Loopback struct {
	deps    Deps
	maxBody int64
	started int32
	stopped int32
}

// LoopbackResponse is the buffered result of a loopback call.
type LoopbackResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Err     error
}

func newLoopback(deps Deps) (Server, error) {
	return NewLoopback(deps)
}

// NewLoopback builds the in-process transport around an already
// constructed request handler.
func NewLoopback(deps Deps) (*Loopback, error) {
	if deps.Handler == nil {
		return nil, errors.New("loopback transport needs a request handler")
	}
	if deps.HealthState == nil {
		return nil, errors.New("loopback transport needs the health state")
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Loopback{deps: deps, maxBody: maxBody}, nil
}

func (l *Loopback) Start() error {
	if atomic.LoadInt32(&l.stopped) == 1 {
		return fmt.Errorf("%w: transport already stopped", rest.ErrIllegalState)
	}
	if atomic.CompareAndSwapInt32(&l.started, 0, 1) {
		logger.Info("loopback_transport_started")
	}
	return nil
}

func (l *Loopback) Stop() error {
	if atomic.CompareAndSwapInt32(&l.stopped, 0, 1) {
		logger.Info("loopback_transport_stopped")
	}
	return nil
}

// Do runs one request through the pools and waits for its response. The
// whole body is handed over as a single chunk; responses come back fully
// buffered.
func (l *Loopback) Do(method, uri string, headers map[string]string, body []byte) (*LoopbackResponse, error) {
	if atomic.LoadInt32(&l.started) == 0 || atomic.LoadInt32(&l.stopped) == 1 {
		return nil, fmt.Errorf("%w: loopback transport not running", rest.ErrIllegalState)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", rest.ErrRequestInvalid, uri, err)
	}
	if u.Path == l.deps.HealthState.Path() {
		status := fasthttp.StatusOK
		if !l.deps.HealthState.IsUp() {
			status = fasthttp.StatusServiceUnavailable
		}
		return &LoopbackResponse{Status: status, Headers: map[string]string{}}, nil
	}

	args := map[string]any{}
	for k, v := range headers {
		args[strings.ToLower(k)] = v
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			args[k] = vs[0]
		}
	}
	if id := blobIDFromPath(u.Path); id != "" {
		args[rest.ArgBlobID] = id
	}
	reqID, _ := args[rest.HeaderRequestID].(string)
	if reqID == "" {
		reqID = uuid.NewString()
	}
	args[rest.HeaderRequestID] = reqID

	req := rest.NewStreamRequest(rest.StreamOptions{
		Method:        rest.ParseMethod(method),
		Path:          u.Path,
		URI:           uri,
		Args:          args,
		ChunkCapacity: l.deps.ChunkCapacity,
		MaxBodyBytes:  l.maxBody,
		Tracker:       rest.NewTracker(l.deps.Tracking),
	})
	rc := newResponseBuffer(req)
	start := time.Now()
	if err := l.deps.Handler.Submit(req, rc); err != nil {
		_ = req.Close()
		rc.release()
		return nil, err
	}
	if err := req.WriteChunk(body, true); err != nil {
		logger.Debug("body_push_aborted", "error", err.Error())
	}
	select {
	case <-rc.done:
	case <-time.After(loopbackTimeout):
		_ = req.Close()
		select {
		case <-rc.done:
		case <-time.After(time.Second):
			// Hopeless: a worker is wedged. Abandon the buffer rather
			// than release it under a live writer.
			return nil, fmt.Errorf("%w: response timed out", rest.ErrTransport)
		}
	}
	status, hdrs, respBody, failure := rc.snapshot()
	hdrs[rest.HeaderRequestID] = reqID
	logger.Info("loopback_access",
		"method", method,
		"path", u.Path,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)
	return &LoopbackResponse{Status: status, Headers: hdrs, Body: respBody, Err: failure}, nil
}

func blobIDFromPath(path string) string {
	const prefix = "/blobs/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	id := strings.TrimPrefix(path, prefix)
	if strings.ContainsRune(id, '/') {
		return ""
	}
	return id
}
