// Package transport hosts the pluggable network front ends. A transport
// owns its listener and I/O loops, converts inbound traffic into rest
// requests, submits them to the request pool and writes whatever the
// response channel collected back to the wire. Everything behind Submit is
// transport-agnostic.
package transport

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/dispatch"
	"blobfront/pkg/health"
	"blobfront/pkg/rest"
)

// Server is a running transport front end.
type Server interface {
	// Start binds the listener and begins serving. It returns once the
	// transport is accepting traffic.
	Start() error
	// Stop drains in-flight requests and releases the listener.
	Stop() error
}

// Deps carries everything a transport factory may need.
type Deps struct {
	// Addr is the listen address, host:port.
	Addr string
	// HealthState answers the health endpoint.
	HealthState *health.State
	// Handler receives every accepted request.
	Handler dispatch.RequestHandler
	// Tracking observes per-request trackers; may be nil.
	Tracking rest.TrackerSink
	// MaxBodyBytes caps request bodies. Zero means the transport default.
	MaxBodyBytes int64
	// ChunkCapacity sizes each request's body queue.
	ChunkCapacity int
	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string
	// RateRPS and RateBurst configure the per-client limiter; RateRPS <= 0
	// disables limiting.
	RateRPS   float64
	RateBurst int
	// AccessRequestHeaders and AccessResponseHeaders are comma-separated
	// header names captured on the access log line.
	AccessRequestHeaders  string
	AccessResponseHeaders string
	Registry              *prometheus.Registry
}

// Factory builds a Server from its dependencies.
type Factory func(deps Deps) (Server, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a transport factory available under id. Panics on
// duplicate or nil registration.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if f == nil {
		panic("transport: nil factory for " + id)
	}
	if _, dup := factories[id]; dup {
		panic("transport: factory registered twice: " + id)
	}
	factories[id] = f
}

// New constructs the transport registered under id. Unknown ids, factory
// errors and nil results all classify as rest.ErrConstruction.
func New(id string, deps Deps) (Server, error) {
	regMu.RLock()
	f, ok := factories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown transport %q", rest.ErrConstruction, id)
	}
	s, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: transport %q: %v", rest.ErrConstruction, id, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: transport %q factory returned nil", rest.ErrConstruction, id)
	}
	return s, nil
}
