package rest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// lifecycle states of a StreamRequest.
const (
	stateOpen int32 = iota
	statePrepared
	stateReading
	stateClosed
)

// Chunks above this size are not returned to the pool.
const maxPooledChunk = 256 * 1024 // 256 KiB

const defaultChunkCapacity = 8

// chunk is one pooled slice of body bytes in flight between the transport
// and the reader. free returns the buffer to the pool exactly once.
type chunk struct {
	buf  *bytebufferpool.ByteBuffer
	last bool
	once sync.Once
}

func newChunk(p []byte, last bool) *chunk {
	c := &chunk{last: last}
	if len(p) > 0 {
		c.buf = bytebufferpool.Get()
		c.buf.Write(p)
	}
	return c
}

func (c *chunk) bytes() []byte {
	if c.buf == nil {
		return nil
	}
	return c.buf.B
}

func (c *chunk) free() {
	c.once.Do(func() {
		if c.buf != nil {
			if cap(c.buf.B) <= maxPooledChunk {
				bytebufferpool.Put(c.buf)
			}
			c.buf = nil
		}
	})
}

// StreamOptions configures a StreamRequest at construction.
type StreamOptions struct {
	Method Method
	Path   string
	URI    string
	Args   map[string]any
	TLS    *tls.ConnectionState

	// ChunkCapacity bounds the body chunk queue; producers block once it
	// is full. Zero means a small default.
	ChunkCapacity int
	// MaxBodyBytes caps the accepted body size. Zero means unlimited.
	MaxBodyBytes int64
	// Tracker receives per-request measurements. Nil allocates an unsinked
	// tracker.
	Tracker *Tracker
}

// StreamRequest is the concrete Request produced by the transports in this
// repo. The transport pushes body chunks with WriteChunk while a consumer
// drains them through ReadInto; both sides may run on different goroutines.
type StreamRequest struct {
	method  Method
	path    string
	uri     string
	args    map[string]any
	tls     *tls.ConnectionState
	tracker *Tracker

	maxBody int64

	chunks    chan *chunk
	closedCh  chan struct{}
	closed    int32
	enqWg     sync.WaitGroup
	closeOnce sync.Once

	mu         sync.Mutex
	state      int32
	digest     hash.Hash
	digestSum  []byte
	readDone   bool
	received   int64
	lastQueued bool
	firstChunk bool
}

var _ Request = (*StreamRequest)(nil)

// NewStreamRequest builds a request ready to accept body chunks.
func NewStreamRequest(o StreamOptions) *StreamRequest {
	capacity := o.ChunkCapacity
	if capacity <= 0 {
		capacity = defaultChunkCapacity
	}
	args := o.Args
	if args == nil {
		args = map[string]any{}
	}
	tracker := o.Tracker
	if tracker == nil {
		tracker = NewTracker(nil)
	}
	return &StreamRequest{
		method:   o.Method,
		path:     o.Path,
		uri:      o.URI,
		args:     args,
		tls:      o.TLS,
		tracker:  tracker,
		maxBody:  o.MaxBodyBytes,
		chunks:   make(chan *chunk, capacity),
		closedCh: make(chan struct{}),
	}
}

func (r *StreamRequest) Method() Method            { return r.method }
func (r *StreamRequest) Path() string              { return r.path }
func (r *StreamRequest) URI() string               { return r.uri }
func (r *StreamRequest) Args() map[string]any      { return r.args }
func (r *StreamRequest) TLS() *tls.ConnectionState { return r.tls }
func (r *StreamRequest) Tracker() *Tracker         { return r.tracker }

// WriteChunk copies p into a pooled buffer and queues it for delivery. It
// blocks while the chunk queue is full, which is the backpressure that
// keeps a slow consumer from buffering the whole body. last marks the final
// chunk; an empty final chunk is how transports terminate empty bodies.
func (r *StreamRequest) WriteChunk(p []byte, last bool) error {
	if atomic.LoadInt32(&r.closed) == 1 {
		return fmt.Errorf("write chunk on closed request: %w", ErrIllegalState)
	}
	r.enqWg.Add(1)
	defer r.enqWg.Done()
	if atomic.LoadInt32(&r.closed) == 1 {
		return fmt.Errorf("write chunk on closed request: %w", ErrIllegalState)
	}

	r.mu.Lock()
	if r.lastQueued {
		r.mu.Unlock()
		return fmt.Errorf("body already terminated: %w", ErrIllegalState)
	}
	if r.maxBody > 0 && r.received+int64(len(p)) > r.maxBody {
		r.mu.Unlock()
		return fmt.Errorf("body exceeds %d bytes: %w", r.maxBody, ErrRequestInvalid)
	}
	r.received += int64(len(p))
	if last {
		r.lastQueued = true
	}
	first := len(p) > 0 && !r.firstChunk
	if first {
		r.firstChunk = true
	}
	r.mu.Unlock()

	if first {
		r.tracker.MarkFirstByte()
	}

	c := newChunk(p, last)
	select {
	case r.chunks <- c:
		return nil
	case <-r.closedCh:
		c.free()
		return fmt.Errorf("write chunk on closed request: %w", ErrIllegalState)
	}
}

// Prepare validates the request ahead of body consumption. It is CPU-bound
// and must be invoked from a pool worker, not the transport's I/O
// goroutine.
func (r *StreamRequest) Prepare() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateClosed:
		return fmt.Errorf("prepare on closed request: %w", ErrRequestInvalid)
	case stateReading:
		return fmt.Errorf("prepare after reading started: %w", ErrIllegalState)
	case statePrepared:
		return nil
	}
	if !r.method.IsValid() {
		return fmt.Errorf("unrecognized method: %w", ErrRequestInvalid)
	}
	if cl, ok, err := declaredContentLength(r.args); err != nil {
		return err
	} else if ok && r.maxBody > 0 && cl > r.maxBody {
		return fmt.Errorf("declared body of %d bytes exceeds limit %d: %w", cl, r.maxBody, ErrRequestInvalid)
	}
	r.state = statePrepared
	return nil
}

// declaredContentLength reads a content-length argument when present.
func declaredContentLength(args map[string]any) (int64, bool, error) {
	v, ok := args["content-length"]
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int64:
		return t, true, nil
	case int:
		return int64(t), true, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil || n < 0 {
			return 0, false, fmt.Errorf("malformed content-length %q: %w", t, ErrRequestInvalid)
		}
		return n, true, nil
	default:
		return 0, false, fmt.Errorf("malformed content-length: %w", ErrRequestInvalid)
	}
}

// SetDigestAlgorithm attaches a streaming digest. Allowed only before body
// consumption begins and at most once.
func (r *StreamRequest) SetDigestAlgorithm(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state >= stateReading {
		return fmt.Errorf("digest attach after reading started: %w", ErrIllegalState)
	}
	if r.digest != nil {
		return fmt.Errorf("digest algorithm already set: %w", ErrIllegalState)
	}
	h, err := newDigest(name)
	if err != nil {
		return err
	}
	r.digest = h
	return nil
}

func newDigest(name string) (hash.Hash, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "") {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("digest algorithm %q: %w", name, ErrUnsupportedAlgorithm)
	}
}

// DigestSupported reports whether name is a digest algorithm
// SetDigestAlgorithm would accept. Names are case-insensitive and hyphens
// are ignored, so "SHA-256" and "sha256" are the same algorithm.
func DigestSupported(name string) bool {
	_, err := newDigest(name)
	return err == nil
}

// ReadInto starts the asynchronous delivery of the body into sink. It
// returns immediately; cb fires exactly once when every byte has been
// delivered or on the first error.
func (r *StreamRequest) ReadInto(sink io.Writer, cb Callback) error {
	if sink == nil {
		return fmt.Errorf("nil sink: %w", ErrRequestInvalid)
	}
	r.mu.Lock()
	switch r.state {
	case stateClosed:
		r.mu.Unlock()
		return fmt.Errorf("read on closed request: %w", ErrIllegalState)
	case stateReading:
		r.mu.Unlock()
		return fmt.Errorf("body is already being read: %w", ErrIllegalState)
	}
	r.state = stateReading
	r.mu.Unlock()

	go r.pump(sink, cb)
	return nil
}

// pump drains queued chunks into the sink. It is the only goroutine that
// fires the completion callback.
func (r *StreamRequest) pump(sink io.Writer, cb Callback) {
	var delivered int64
	for {
		if atomic.LoadInt32(&r.closed) == 1 {
			r.finishRead(cb, delivered, fmt.Errorf("request closed while reading: %w", ErrTransport))
			return
		}
		select {
		case c := <-r.chunks:
			b := c.bytes()
			if len(b) > 0 {
				if r.digest != nil {
					r.digest.Write(b)
				}
				n, err := sink.Write(b)
				delivered += int64(n)
				if err != nil {
					c.free()
					r.finishRead(cb, delivered, fmt.Errorf("sink rejected body chunk: %w: %v", ErrTransport, err))
					return
				}
				if n < len(b) {
					c.free()
					r.finishRead(cb, delivered, fmt.Errorf("short write to sink: %w", ErrTransport))
					return
				}
			}
			last := c.last
			c.free()
			if last {
				r.mu.Lock()
				if r.digest != nil {
					r.digestSum = r.digest.Sum(nil)
				}
				r.mu.Unlock()
				r.finishRead(cb, delivered, nil)
				return
			}
		case <-r.closedCh:
			r.finishRead(cb, delivered, fmt.Errorf("request closed while reading: %w", ErrTransport))
			return
		}
	}
}

func (r *StreamRequest) finishRead(cb Callback, n int64, err error) {
	r.mu.Lock()
	if r.readDone {
		r.mu.Unlock()
		return
	}
	r.readDone = true
	r.mu.Unlock()
	r.tracker.MarkBodyRead(n)
	if cb != nil {
		cb(n, err)
	}
}

// Digest returns the finished digest, or nil when no algorithm was
// configured.
func (r *StreamRequest) Digest() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.digest == nil {
		return nil, nil
	}
	if !r.readDone {
		return nil, fmt.Errorf("digest before body fully read: %w", ErrIllegalState)
	}
	if r.digestSum == nil {
		return nil, fmt.Errorf("body was not fully delivered: %w", ErrIllegalState)
	}
	return r.digestSum, nil
}

// Close releases all retained chunk buffers exactly once, aborts a pending
// read, and flushes the tracker. Safe to call repeatedly and concurrently.
func (r *StreamRequest) Close() error {
	r.closeOnce.Do(func() {
		atomic.StoreInt32(&r.closed, 1)
		r.mu.Lock()
		r.state = stateClosed
		r.mu.Unlock()
		close(r.closedCh)
		r.enqWg.Wait()
		for {
			select {
			case c := <-r.chunks:
				c.free()
			default:
				r.tracker.Flush()
				return
			}
		}
	})
	return nil
}
