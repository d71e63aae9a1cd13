// Package rest defines the framework-agnostic request and response
// abstractions every transport implementation produces and every storage
// service consumes. The contracts here are what make transports and
// business logic swappable without touching each other.
package rest

import (
	"crypto/tls"
	"io"
)

// Callback receives the outcome of an asynchronous body read: the number of
// bytes delivered to the sink and the first error encountered, or nil on
// success. It fires exactly once per ReadInto.
type Callback func(bytesRead int64, err error)

// Request is one inbound request, independent of the transport that
// produced it. Implementations must be safe for concurrent use: the
// transport goroutine produces body chunks while pool workers prepare,
// read and close the request.
//
// Lifecycle: OPEN -> PREPARED (Prepare) -> READING (ReadInto) -> CLOSED
// (Close). Close is legal from any state and is idempotent.
type Request interface {
	// Method returns the request method. Immutable.
	Method() Method
	// Path returns the decoded request path. Immutable.
	Path() string
	// URI returns the full request URI as received. Immutable.
	URI() string
	// Args returns arguments extracted from query parameters and headers.
	// The returned map is shared and read-only; callers must not modify it.
	Args() map[string]any
	// TLS returns the connection's TLS state, or nil when the connection
	// was not encrypted.
	TLS() *tls.ConnectionState

	// Prepare performs CPU-bound decoding and validation needed before the
	// body can be read. It must run on a pool worker, never on the
	// transport's I/O goroutine. Fails with ErrRequestInvalid when the
	// request is malformed or already closed.
	Prepare() error

	// SetDigestAlgorithm attaches a streaming digest computed over the body
	// as it is read. Fails with ErrUnsupportedAlgorithm for unknown names
	// and with ErrIllegalState once reading has begun or an algorithm is
	// already attached.
	SetDigestAlgorithm(name string) error

	// ReadInto asynchronously pushes the entire body into sink and fires cb
	// exactly once: with a nil error after every byte has been delivered
	// and acknowledged, or with the first error encountered. A second or
	// concurrent call fails synchronously with ErrIllegalState.
	ReadInto(sink io.Writer, cb Callback) error

	// Digest returns the finished digest, or nil if no algorithm was
	// configured. Fails with ErrIllegalState before the ReadInto completion
	// callback has fired.
	Digest() ([]byte, error)

	// Tracker returns the per-request metrics tracker. Never nil.
	Tracker() *Tracker

	// Close releases every retained resource exactly once and flushes the
	// tracker. Safe to call multiple times and from multiple goroutines; a
	// close during a pending read aborts the read and the pending callback
	// fires with a failure.
	Close() error
}

// ResponseChannel is the transport-owned write side paired with a Request.
// SetStatus and SetHeader must be called before the first Write. OnComplete
// finishes the response; only the first call has effect.
type ResponseChannel interface {
	SetStatus(status int) error
	SetHeader(name, value string) error
	Write(p []byte) (int, error)
	OnComplete(err error)
}
