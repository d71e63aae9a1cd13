package transport

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"

	"blobfront/pkg/rest"
)

// responseBuffer is the rest.ResponseChannel handed to the pools. It
// buffers status, headers and body until OnComplete; the transport
// goroutine then flushes everything in one go, so pool workers never touch
// transport state directly.
type responseBuffer struct {
	req rest.Request

	mu        sync.Mutex
	status    int
	headers   [][2]string
	body      *bytebufferpool.ByteBuffer
	wroteBody bool
	completed bool
	err       error
	done      chan struct{}
}

func newResponseBuffer(req rest.Request) *responseBuffer {
	return &responseBuffer{
		req:  req,
		body: bytebufferpool.Get(),
		done: make(chan struct{}),
	}
}

func (c *responseBuffer) SetStatus(status int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed || c.wroteBody {
		return fmt.Errorf("%w: response already committed", rest.ErrIllegalState)
	}
	c.status = status
	return nil
}

func (c *responseBuffer) SetHeader(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed || c.wroteBody {
		return fmt.Errorf("%w: response already committed", rest.ErrIllegalState)
	}
	c.headers = append(c.headers, [2]string{strings.ToLower(name), value})
	return nil
}

func (c *responseBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed || c.body == nil {
		return 0, fmt.Errorf("%w: response already completed", rest.ErrIllegalState)
	}
	c.wroteBody = true
	return c.body.Write(p)
}

// OnComplete finishes the response exactly once. Errors decide the status;
// a clean completion without an explicit status becomes 200.
func (c *responseBuffer) OnComplete(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completed {
		return
	}
	c.completed = true
	c.err = err
	if err != nil {
		c.status = statusForError(err)
	} else if c.status == 0 {
		c.status = fasthttp.StatusOK
	}
	if c.req != nil {
		c.req.Tracker().SetStatus(c.status)
	}
	close(c.done)
}

// flush writes the buffered response into ctx. Must only be called after
// done is closed, from the handler goroutine.
func (c *responseBuffer) flush(ctx *fasthttp.RequestCtx) {
	defer c.release()
	if c.err != nil {
		writeJSONError(ctx, c.status, c.err.Error())
		return
	}
	ctx.SetStatusCode(c.status)
	isHead := ctx.IsHead()
	for _, h := range c.headers {
		if h[0] == rest.HeaderContentLength {
			if isHead {
				if n, err := strconv.Atoi(h[1]); err == nil {
					ctx.Response.Header.SetContentLength(n)
				}
			}
			continue
		}
		ctx.Response.Header.Set(h[0], h[1])
	}
	if isHead {
		ctx.Response.SkipBody = true
		return
	}
	ctx.Response.SetBody(c.body.B)
}

// snapshot copies the buffered response out, for transports that do not
// write to a RequestCtx. Must only be called after done is closed.
func (c *responseBuffer) snapshot() (int, map[string]string, []byte, error) {
	defer c.release()
	headers := make(map[string]string, len(c.headers))
	for _, h := range c.headers {
		headers[h[0]] = h[1]
	}
	body := append([]byte(nil), c.body.B...)
	return c.status, headers, body, c.err
}

func (c *responseBuffer) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body != nil {
		bytebufferpool.Put(c.body)
		c.body = nil
	}
}
