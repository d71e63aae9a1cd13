package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"blobfront/pkg/dispatch"
	"blobfront/pkg/health"
	"blobfront/pkg/rest"
	"blobfront/pkg/router"
	"blobfront/pkg/storage"
)

// newPipelineHandler wires a memory router, a blob service and both pools
// into a started request handler, torn down with the test.
func newPipelineHandler(t *testing.T) dispatch.RequestHandler {
	t.Helper()
	reg := prometheus.NewRegistry()
	rt, err := router.New(router.MemoryID, router.Deps{Registry: reg})
	if err != nil {
		t.Fatalf("expected memory router, got error %v", err)
	}
	responses, err := dispatch.NewResponseHandler(dispatch.PoolID, dispatch.ResponseDeps{
		Workers: 2, QueueCapacity: 32, Registry: reg,
	})
	if err != nil {
		t.Fatalf("expected response pool, got error %v", err)
	}
	if err := responses.Start(); err != nil {
		t.Fatalf("expected response pool to start, got %v", err)
	}
	svc, err := storage.New(storage.BlobsID, storage.Deps{
		Router: rt, Responses: responses, DigestAlgorithm: "sha-256", Registry: reg,
	})
	if err != nil {
		t.Fatalf("expected blob service, got error %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("expected blob service to start, got %v", err)
	}
	requests, err := dispatch.NewRequestHandler(dispatch.PoolID, dispatch.RequestDeps{
		Workers: 2, QueueCapacity: 32, Service: svc, Registry: reg,
	})
	if err != nil {
		t.Fatalf("expected request pool, got error %v", err)
	}
	if err := requests.Start(); err != nil {
		t.Fatalf("expected request pool to start, got %v", err)
	}
	t.Cleanup(func() {
		_ = requests.Stop()
		_ = svc.Stop()
		_ = responses.Stop()
		_ = rt.Close()
	})
	return requests
}

// startTestServer serves the fasthttp transport on an in-memory listener
// and returns a client bound to it.
func startTestServer(t *testing.T, handler dispatch.RequestHandler, hs *health.State) (*fastServer, *fasthttp.Client) {
	t.Helper()
	srv, err := New(FastHTTPID, Deps{
		Addr:                 "127.0.0.1:0",
		HealthState:          hs,
		Handler:              handler,
		AccessRequestHeaders: "content-type, authorization",
		Registry:             prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("expected transport, got error %v", err)
	}
	fs := srv.(*fastServer)
	ln := fasthttputil.NewInmemoryListener()
	fs.ln = ln
	if err := fs.Start(); err != nil {
		t.Fatalf("expected transport to start, got %v", err)
	}
	client := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}
	t.Cleanup(func() {
		client.CloseIdleConnections()
		if err := fs.Stop(); err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	})
	return fs, client
}

func doRequest(t *testing.T, client *fasthttp.Client, method, uri string, headers map[string]string, body []byte) *fasthttp.Response {
	t.Helper()
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp := fasthttp.AcquireResponse()
	if err := client.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		t.Fatalf("%s %s: expected a response, got error %v", method, uri, err)
	}
	return resp
}

func TestMuxRoutesAndParams(t *testing.T) {
	m := NewMux()
	var gotID string
	m.GET("/blobs/{blob_id}", func(ctx *fasthttp.RequestCtx) {
		gotID, _ = ctx.UserValue("blob_id").(string)
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	m.POST("/blobs", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusCreated)
	})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/blobs/blob-42")
	m.Handler(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", ctx.Response.StatusCode())
	}
	if gotID != "blob-42" {
		t.Fatalf("expected blob-42 param, got %q", gotID)
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/blobs")
	m.Handler(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d", ctx.Response.StatusCode())
	}
}

func TestMuxUnmatchedRoute(t *testing.T) {
	m := NewMux()
	m.GET("/blobs/{blob_id}", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
	})
	called := false
	m.NotFound(func(ctx *fasthttp.RequestCtx) {
		called = true
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})

	// wrong method for a known path
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("DELETE")
	ctx.Request.SetRequestURI("/blobs/x")
	m.Handler(ctx)
	if !called {
		t.Fatalf("expected the not-found handler for a method mismatch")
	}

	// unknown path
	ctx = &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/blobs/a/b")
	m.Handler(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestSplitHeaderList(t *testing.T) {
	got := splitHeaderList(" Content-Type , ,X-Blobfront-Owner-Id,")
	if len(got) != 2 {
		t.Fatalf("expected 2 names, got %v", got)
	}
	if got[0] != "content-type" || got[1] != "x-blobfront-owner-id" {
		t.Fatalf("expected lower-cased trimmed names, got %v", got)
	}
	if names := splitHeaderList(""); len(names) != 0 {
		t.Fatalf("expected no names from an empty list, got %v", names)
	}
}

func TestAccessLoggerRedactsSensitiveHeaders(t *testing.T) {
	a := NewAccessLogger("authorization, content-type", "")
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.Set("Authorization", "Bearer super-secret-token")
	ctx.Request.Header.Set("Content-Type", "text/plain")

	line := a.requestHeaders(ctx)
	if strings.Contains(line, "super-secret-token") {
		t.Fatalf("expected the authorization value to be redacted, got %q", line)
	}
	if !strings.Contains(line, "content-type=text/plain") {
		t.Fatalf("expected the content type in clear, got %q", line)
	}
	if !strings.Contains(line, "authorization=") {
		t.Fatalf("expected the authorization header to be listed, got %q", line)
	}
}

func TestLimiterPoolPerClient(t *testing.T) {
	p := newLimiterPool(1, 1)
	defer p.Shutdown()

	if !p.Allow("10.0.0.1") {
		t.Fatalf("expected the first request to pass")
	}
	if p.Allow("10.0.0.1") {
		t.Fatalf("expected the second request to be throttled")
	}
	if !p.Allow("10.0.0.2") {
		t.Fatalf("expected a different client to have its own budget")
	}
	p.Shutdown() // second call must be a no-op
}

func TestResponseBufferLifecycle(t *testing.T) {
	req := rest.NewStreamRequest(rest.StreamOptions{Method: rest.MethodGet, Path: "/blobs/x"})
	rc := newResponseBuffer(req)

	if err := rc.SetStatus(fasthttp.StatusOK); err != nil {
		t.Fatalf("expected status to be settable, got %v", err)
	}
	if err := rc.SetHeader("X-Thing", "v"); err != nil {
		t.Fatalf("expected header to be settable, got %v", err)
	}
	if _, err := rc.Write([]byte("payload")); err != nil {
		t.Fatalf("expected body write to succeed, got %v", err)
	}
	if err := rc.SetStatus(fasthttp.StatusAccepted); !errors.Is(err, rest.ErrIllegalState) {
		t.Fatalf("expected illegal state after the body started, got %v", err)
	}
	if err := rc.SetHeader("late", "v"); !errors.Is(err, rest.ErrIllegalState) {
		t.Fatalf("expected illegal state for late headers, got %v", err)
	}

	rc.OnComplete(nil)
	select {
	case <-rc.done:
	default:
		t.Fatalf("expected done to be closed after completion")
	}
	rc.OnComplete(errors.New("ignored")) // only the first completion counts

	status, headers, body, failure := rc.snapshot()
	if status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if failure != nil {
		t.Fatalf("expected no failure, got %v", failure)
	}
	if headers["x-thing"] != "v" {
		t.Fatalf("expected lower-cased header names, got %v", headers)
	}
	if string(body) != "payload" {
		t.Fatalf("expected payload, got %q", body)
	}
	if _, err := rc.Write([]byte("more")); !errors.Is(err, rest.ErrIllegalState) {
		t.Fatalf("expected writes after completion to fail, got %v", err)
	}
	_ = req.Close()
}

func TestResponseBufferErrorStatus(t *testing.T) {
	rc := newResponseBuffer(nil)
	rc.OnComplete(rest.ErrRequestInvalid)
	status, _, _, failure := rc.snapshot()
	if status != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if !errors.Is(failure, rest.ErrRequestInvalid) {
		t.Fatalf("expected the failure to be kept, got %v", failure)
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{rest.ErrRequestInvalid, fasthttp.StatusBadRequest},
		{rest.ErrUnsupportedAlgorithm, fasthttp.StatusBadRequest},
		{router.ErrBlobNotFound, fasthttp.StatusNotFound},
		{dispatch.ErrQueueFull, fasthttp.StatusServiceUnavailable},
		{dispatch.ErrQueueClosed, fasthttp.StatusServiceUnavailable},
		{errors.New("boom"), fasthttp.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusForError(c.err); got != c.want {
			t.Fatalf("expected %d for %v, got %d", c.want, c.err, got)
		}
	}
}

func TestServerBlobRoundTrip(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	_, client := startTestServer(t, handler, hs)

	payload := []byte("hello world")
	sum := sha256.Sum256(payload)
	wantDigest := hex.EncodeToString(sum[:])

	post := doRequest(t, client, "POST", "http://blobfront/blobs", map[string]string{
		rest.HeaderServiceID: "media",
		"Content-Type":       "text/plain",
	}, payload)
	defer fasthttp.ReleaseResponse(post)
	if post.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", post.StatusCode(), post.Body())
	}
	id := string(post.Header.Peek(rest.HeaderBlobID))
	if id == "" {
		t.Fatalf("expected a blob id header on the upload response")
	}
	if got := string(post.Header.Peek(rest.HeaderDigest)); got != wantDigest {
		t.Fatalf("expected digest %s, got %s", wantDigest, got)
	}
	if loc := string(post.Header.Peek("location")); loc != "/blobs/"+id {
		t.Fatalf("expected location /blobs/%s, got %q", id, loc)
	}
	if reqID := string(post.Header.Peek(rest.HeaderRequestID)); reqID == "" {
		t.Fatalf("expected a request id header")
	}

	get := doRequest(t, client, "GET", "http://blobfront/blobs/"+id, nil, nil)
	defer fasthttp.ReleaseResponse(get)
	if get.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode())
	}
	if string(get.Body()) != "hello world" {
		t.Fatalf("expected the stored body back, got %q", get.Body())
	}
	if ct := string(get.Header.Peek("content-type")); ct != "text/plain" {
		t.Fatalf("expected the stored content type, got %q", ct)
	}

	head := doRequest(t, client, "HEAD", "http://blobfront/blobs/"+id, nil, nil)
	defer fasthttp.ReleaseResponse(head)
	if head.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", head.StatusCode())
	}
	if cl := head.Header.ContentLength(); cl != int(int64(len(payload))) {
		t.Fatalf("expected content length %d, got %d", len(payload), cl)
	}
	if len(head.Body()) != 0 {
		t.Fatalf("expected an empty body on HEAD, got %q", head.Body())
	}

	del := doRequest(t, client, "DELETE", "http://blobfront/blobs/"+id, nil, nil)
	defer fasthttp.ReleaseResponse(del)
	if del.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("expected 202, got %d", del.StatusCode())
	}

	gone := doRequest(t, client, "GET", "http://blobfront/blobs/"+id, nil, nil)
	defer fasthttp.ReleaseResponse(gone)
	if gone.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", gone.StatusCode())
	}
	if !strings.Contains(string(gone.Body()), "error") {
		t.Fatalf("expected a JSON error body, got %q", gone.Body())
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	_, client := startTestServer(t, handler, hs)

	down := doRequest(t, client, "GET", "http://blobfront"+health.DefaultPath, nil, nil)
	defer fasthttp.ReleaseResponse(down)
	if down.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected 503 before mark-up, got %d", down.StatusCode())
	}

	hs.ServiceUp()
	up := doRequest(t, client, "GET", "http://blobfront"+health.DefaultPath, nil, nil)
	defer fasthttp.ReleaseResponse(up)
	if up.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200 after mark-up, got %d", up.StatusCode())
	}
	if !strings.Contains(string(up.Body()), "ok") {
		t.Fatalf("expected an ok body, got %q", up.Body())
	}
}

func TestServerUnknownRoute(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	_, client := startTestServer(t, handler, hs)

	resp := doRequest(t, client, "GET", "http://blobfront/nothing/here", nil, nil)
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode())
	}
	if got := string(resp.Header.Peek(rest.HeaderRequestID)); got == "" {
		t.Fatalf("expected a request id header on error responses")
	}
}

func TestServerHonorsInboundRequestID(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	_, client := startTestServer(t, handler, hs)

	resp := doRequest(t, client, "GET", "http://blobfront/blobs/absent", map[string]string{
		rest.HeaderRequestID: "caller-chosen-id",
	}, nil)
	defer fasthttp.ReleaseResponse(resp)
	if got := string(resp.Header.Peek(rest.HeaderRequestID)); got != "caller-chosen-id" {
		t.Fatalf("expected the caller's request id to be echoed, got %q", got)
	}
}

// rejectingHandler refuses every submission with a fixed error.
type rejectingHandler struct{ err error }

func (h *rejectingHandler) Start() error { return nil }
func (h *rejectingHandler) Stop() error  { return nil }
func (h *rejectingHandler) Submit(req rest.Request, rc rest.ResponseChannel) error {
	return h.err
}

func TestServerBusyOnQueueFull(t *testing.T) {
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	_, client := startTestServer(t, &rejectingHandler{err: dispatch.ErrQueueFull}, hs)

	resp := doRequest(t, client, "GET", "http://blobfront/blobs/some-id", nil, nil)
	defer fasthttp.ReleaseResponse(resp)
	if resp.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode())
	}
	if got := string(resp.Header.Peek("retry-after")); got != "1" {
		t.Fatalf("expected a retry-after hint, got %q", got)
	}
}

func TestLoopbackRoundTrip(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	lb, err := NewLoopback(Deps{Handler: handler, HealthState: hs})
	if err != nil {
		t.Fatalf("expected a loopback transport, got error %v", err)
	}
	if err := lb.Start(); err != nil {
		t.Fatalf("expected loopback to start, got %v", err)
	}
	defer func() { _ = lb.Stop() }()

	payload := []byte("hello world")
	sum := sha256.Sum256(payload)
	wantDigest := hex.EncodeToString(sum[:])

	post, err := lb.Do("POST", "/blobs", map[string]string{
		rest.HeaderServiceID: "media",
		"Content-Type":       "text/plain",
	}, payload)
	if err != nil {
		t.Fatalf("expected the upload to run, got error %v", err)
	}
	if post.Status != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", post.Status, post.Err)
	}
	id := post.Headers[rest.HeaderBlobID]
	if id == "" {
		t.Fatalf("expected a blob id header, got %v", post.Headers)
	}
	if post.Headers[rest.HeaderDigest] != wantDigest {
		t.Fatalf("expected digest %s, got %s", wantDigest, post.Headers[rest.HeaderDigest])
	}

	get, err := lb.Do("GET", "/blobs/"+id, nil, nil)
	if err != nil {
		t.Fatalf("expected the download to run, got error %v", err)
	}
	if get.Status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", get.Status, get.Err)
	}
	if string(get.Body) != "hello world" {
		t.Fatalf("expected the stored body, got %q", get.Body)
	}

	missing, err := lb.Do("GET", "/blobs/never-there", nil, nil)
	if err != nil {
		t.Fatalf("expected the lookup to run, got error %v", err)
	}
	if missing.Status != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.Status)
	}
	if !errors.Is(missing.Err, router.ErrBlobNotFound) {
		t.Fatalf("expected a not-found failure, got %v", missing.Err)
	}

	healthResp, err := lb.Do("GET", health.DefaultPath, nil, nil)
	if err != nil {
		t.Fatalf("expected the health check to run, got error %v", err)
	}
	if healthResp.Status != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", healthResp.Status)
	}
}

func TestLoopbackNotRunning(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	lb, err := NewLoopback(Deps{Handler: handler, HealthState: hs})
	if err != nil {
		t.Fatalf("expected a loopback transport, got error %v", err)
	}
	if _, err := lb.Do("GET", "/blobs/x", nil, nil); !errors.Is(err, rest.ErrIllegalState) {
		t.Fatalf("expected illegal state before Start, got %v", err)
	}
	if err := lb.Start(); err != nil {
		t.Fatalf("expected loopback to start, got %v", err)
	}
	if err := lb.Stop(); err != nil {
		t.Fatalf("expected loopback to stop, got %v", err)
	}
	if _, err := lb.Do("GET", "/blobs/x", nil, nil); !errors.Is(err, rest.ErrIllegalState) {
		t.Fatalf("expected illegal state after Stop, got %v", err)
	}
	if err := lb.Start(); !errors.Is(err, rest.ErrIllegalState) {
		t.Fatalf("expected restart to be refused, got %v", err)
	}
}

func TestLoopbackHonorsInboundRequestID(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	lb, err := NewLoopback(Deps{Handler: handler, HealthState: hs})
	if err != nil {
		t.Fatalf("expected a loopback transport, got error %v", err)
	}
	if err := lb.Start(); err != nil {
		t.Fatalf("expected loopback to start, got %v", err)
	}
	defer func() { _ = lb.Stop() }()

	resp, err := lb.Do("GET", "/blobs/absent", map[string]string{
		rest.HeaderRequestID: "caller-chosen-id",
	}, nil)
	if err != nil {
		t.Fatalf("expected the request to run, got error %v", err)
	}
	if got := resp.Headers[rest.HeaderRequestID]; got != "caller-chosen-id" {
		t.Fatalf("expected the caller's request id to be echoed, got %q", got)
	}
}

func TestTransportRegistry(t *testing.T) {
	if _, err := New("bogus", Deps{}); !errors.Is(err, rest.ErrConstruction) {
		t.Fatalf("expected a construction error for unknown ids, got %v", err)
	}
	// Factory validation failures classify the same way.
	if _, err := New(FastHTTPID, Deps{}); !errors.Is(err, rest.ErrConstruction) {
		t.Fatalf("expected a construction error for missing deps, got %v", err)
	}
	if _, err := New(FastHTTPID, Deps{
		Addr:        "127.0.0.1:0",
		HealthState: health.NewState(health.DefaultPath),
		Handler:     &rejectingHandler{err: dispatch.ErrQueueClosed},
		CertFile:    "cert-only.pem",
	}); !errors.Is(err, rest.ErrConstruction) {
		t.Fatalf("expected a construction error for a lone cert file, got %v", err)
	}
}

// The response pool relays bodies from slow readers without the transport
// goroutine noticing anything but latency; make sure a streamed download
// longer than one chunk survives the trip intact.
func TestServerLargeBodyRoundTrip(t *testing.T) {
	handler := newPipelineHandler(t)
	hs := health.NewState(health.DefaultPath)
	hs.ServiceUp()
	_, client := startTestServer(t, handler, hs)

	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	post := doRequest(t, client, "POST", "http://blobfront/blobs", map[string]string{
		rest.HeaderServiceID: "media",
		"Content-Type":       "application/octet-stream",
	}, payload)
	defer fasthttp.ReleaseResponse(post)
	if post.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", post.StatusCode(), post.Body())
	}
	id := string(post.Header.Peek(rest.HeaderBlobID))

	get := doRequest(t, client, "GET", "http://blobfront/blobs/"+id, nil, nil)
	defer fasthttp.ReleaseResponse(get)
	if get.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", get.StatusCode())
	}
	if len(get.Body()) != len(payload) {
		t.Fatalf("expected %d bytes back, got %d", len(payload), len(get.Body()))
	}
	if !strings.HasPrefix(string(get.Body()), "abcdefgh") {
		t.Fatalf("expected the payload content back, got prefix %q", get.Body()[:8])
	}
}
