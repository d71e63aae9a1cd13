// Package storage holds the business logic of the front end: it turns
// prepared requests into router operations and hands finished responses to
// the response pool. Implementations are registered by id and constructed by
// the orchestrator, so the logic can be swapped without touching transports
// or pools.
package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/dispatch"
	"blobfront/pkg/rest"
	"blobfront/pkg/router"
)

// Service is the business logic driven by the request pool. Handlers own
// the request and the response channel from the moment they are invoked and
// must finish both, normally through the response handler.
type Service interface {
	Start() error
	Stop() error
	HandleGet(req rest.Request, rc rest.ResponseChannel)
	HandlePost(req rest.Request, rc rest.ResponseChannel)
	HandleDelete(req rest.Request, rc rest.ResponseChannel)
	HandleHead(req rest.Request, rc rest.ResponseChannel)
}

// Deps carries everything a storage service factory may need.
type Deps struct {
	Router    router.Router
	Responses dispatch.ResponseHandler
	// DigestAlgorithm is computed over every uploaded body and returned to
	// the client. Empty disables digesting.
	DigestAlgorithm string
	// OpTimeout bounds a single router operation.
	OpTimeout time.Duration
	Registry  *prometheus.Registry
}

// Factory builds a Service from its dependencies.
type Factory func(deps Deps) (Service, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a storage service factory available under id. Panics on
// duplicate or nil registration.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if f == nil {
		panic("storage: nil factory for " + id)
	}
	if _, dup := factories[id]; dup {
		panic("storage: factory registered twice: " + id)
	}
	factories[id] = f
}

// New constructs the storage service registered under id. Unknown ids,
// factory errors and nil results all classify as rest.ErrConstruction.
func New(id string, deps Deps) (Service, error) {
	regMu.RLock()
	f, ok := factories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown storage service %q", rest.ErrConstruction, id)
	}
	s, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: storage service %q: %v", rest.ErrConstruction, id, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: storage service %q factory returned nil", rest.ErrConstruction, id)
	}
	return s, nil
}
