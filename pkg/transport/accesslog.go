package transport

import (
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"blobfront/pkg/logger"
)

// AccessLogger emits one structured line per finished request. Only the
// configured headers are captured, and sensitive values are redacted before
// they reach the log.
type AccessLogger struct {
	reqHeaders  []string
	respHeaders []string
}

// NewAccessLogger parses the comma-separated header lists. Names are
// case-insensitive; empty entries are dropped.
func NewAccessLogger(requestList, responseList string) *AccessLogger {
	return &AccessLogger{
		reqHeaders:  splitHeaderList(requestList),
		respHeaders: splitHeaderList(responseList),
	}
}

func splitHeaderList(list string) []string {
	var out []string
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (a *AccessLogger) requestHeaders(ctx *fasthttp.RequestCtx) string {
	parts := make([]string, 0, len(a.reqHeaders))
	for _, name := range a.reqHeaders {
		if v := ctx.Request.Header.Peek(name); len(v) > 0 {
			parts = append(parts, name+"="+logger.RedactHeaderValue(name, string(v)))
		}
	}
	return strings.Join(parts, "; ")
}

func (a *AccessLogger) responseHeaders(ctx *fasthttp.RequestCtx) string {
	parts := make([]string, 0, len(a.respHeaders))
	for _, name := range a.respHeaders {
		if v := ctx.Response.Header.Peek(name); len(v) > 0 {
			parts = append(parts, name+"="+logger.RedactHeaderValue(name, string(v)))
		}
	}
	return strings.Join(parts, "; ")
}

// Log writes the access line for a finished request.
func (a *AccessLogger) Log(ctx *fasthttp.RequestCtx, requestID string, start time.Time) {
	logger.Info("http_access",
		"method", string(ctx.Method()),
		"path", string(ctx.Path()),
		"status", ctx.Response.StatusCode(),
		"remote", ctx.RemoteAddr().String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", requestID,
		"headers", a.requestHeaders(ctx),
		"response_headers", a.responseHeaders(ctx),
	)
}
