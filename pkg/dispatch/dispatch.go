// Package dispatch provides the bounded worker pools that sit between the
// transport and the storage service. Transports submit paired
// request/response work and return to their I/O loops immediately; pool
// workers run preparation and business logic, and a second pool relays
// finished response bodies back out. Pool sizes and queue depths are the
// unit of scaling for the whole front end.
package dispatch

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/rest"
)

var (
	// ErrQueueFull is returned by Submit when the pool's queue is at
	// capacity. Callers should translate it into a retryable "service
	// unavailable" response.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrQueueClosed is returned by Submit once the pool has been stopped.
	ErrQueueClosed = errors.New("dispatch queue closed")
)

// Service is the slice of the storage layer request workers drive. Handlers
// receive ownership of the request and must finish the response channel,
// normally by handing both to a ResponseHandler.
type Service interface {
	HandleGet(req rest.Request, rc rest.ResponseChannel)
	HandlePost(req rest.Request, rc rest.ResponseChannel)
	HandleDelete(req rest.Request, rc rest.ResponseChannel)
	HandleHead(req rest.Request, rc rest.ResponseChannel)
}

// RequestHandler accepts inbound request/response pairs from transports and
// dispatches them to the storage service on pool workers.
type RequestHandler interface {
	Start() error
	Stop() error
	// Submit enqueues a request for handling. It never blocks: ErrQueueFull
	// when the queue is at capacity, ErrQueueClosed after Stop.
	Submit(req rest.Request, rc rest.ResponseChannel) error
}

// ResponseHandler relays completed responses to the transport off the
// storage goroutines. Exactly one of body or failure may be set; both nil
// finishes a header-only response. The pool owns req, rc and body from the
// moment SubmitResponse returns nil: it completes the channel, closes the
// body and closes the request.
type ResponseHandler interface {
	Start() error
	Stop() error
	SubmitResponse(req rest.Request, rc rest.ResponseChannel, body io.ReadCloser, failure error) error
}

// RequestDeps carries everything a request handler factory may need.
type RequestDeps struct {
	Workers       int
	QueueCapacity int
	Service       Service
	Registry      *prometheus.Registry
}

// ResponseDeps carries everything a response handler factory may need.
type ResponseDeps struct {
	Workers       int
	QueueCapacity int
	Registry      *prometheus.Registry
}

// RequestFactory builds a RequestHandler from its dependencies.
type RequestFactory func(deps RequestDeps) (RequestHandler, error)

// ResponseFactory builds a ResponseHandler from its dependencies.
type ResponseFactory func(deps ResponseDeps) (ResponseHandler, error)

var (
	regMu             sync.RWMutex
	requestFactories  = map[string]RequestFactory{}
	responseFactories = map[string]ResponseFactory{}
)

// RegisterRequestHandler makes a request handler factory available under id.
// It panics if id is already taken or f is nil, matching driver-style
// registration: duplicates are programmer errors, not runtime conditions.
func RegisterRequestHandler(id string, f RequestFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	if f == nil {
		panic("dispatch: nil request handler factory for " + id)
	}
	if _, dup := requestFactories[id]; dup {
		panic("dispatch: request handler registered twice: " + id)
	}
	requestFactories[id] = f
}

// RegisterResponseHandler makes a response handler factory available under id.
func RegisterResponseHandler(id string, f ResponseFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	if f == nil {
		panic("dispatch: nil response handler factory for " + id)
	}
	if _, dup := responseFactories[id]; dup {
		panic("dispatch: response handler registered twice: " + id)
	}
	responseFactories[id] = f
}

// NewRequestHandler constructs the request handler registered under id.
// Unknown ids, factory errors and nil results all classify as
// rest.ErrConstruction.
func NewRequestHandler(id string, deps RequestDeps) (RequestHandler, error) {
	regMu.RLock()
	f, ok := requestFactories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown request handler %q", rest.ErrConstruction, id)
	}
	h, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: request handler %q: %v", rest.ErrConstruction, id, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: request handler %q factory returned nil", rest.ErrConstruction, id)
	}
	return h, nil
}

// NewResponseHandler constructs the response handler registered under id.
func NewResponseHandler(id string, deps ResponseDeps) (ResponseHandler, error) {
	regMu.RLock()
	f, ok := responseFactories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown response handler %q", rest.ErrConstruction, id)
	}
	h, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: response handler %q: %v", rest.ErrConstruction, id, err)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: response handler %q factory returned nil", rest.ErrConstruction, id)
	}
	return h, nil
}
