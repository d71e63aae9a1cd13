// Package router abstracts the blob storage tier behind the front end. A
// Router owns durable placement of blob bytes and their properties; the
// storage service streams request bodies into it and serves responses out of
// it without knowing which backend is wired in.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/rest"
)

var (
	// ErrBlobNotFound is returned when no blob exists under the given id.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrRouterClosed is returned by every operation after Close.
	ErrRouterClosed = errors.New("router closed")
)

// BlobProperties is the metadata stored alongside every blob.
type BlobProperties struct {
	ID          string `json:"id"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	ServiceID   string `json:"service_id,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
	DigestAlgo  string `json:"digest_algo,omitempty"`
	Digest      string `json:"digest,omitempty"`
	CreatedTS   int64  `json:"created_ts"`
}

// Router stores and retrieves blobs. Implementations must be safe for
// concurrent use. Contexts bound the individual operation; a cancelled
// context aborts the call with the context's error.
type Router interface {
	// PutBlob stores body under a new id (or props.ID when set) and returns
	// the id the blob is reachable under.
	PutBlob(ctx context.Context, props BlobProperties, body io.Reader) (string, error)
	// GetBlob returns the blob's properties and a reader over its bytes.
	// The caller owns the reader and must close it.
	GetBlob(ctx context.Context, id string) (BlobProperties, io.ReadCloser, error)
	// GetBlobInfo returns the blob's properties without touching its bytes.
	GetBlobInfo(ctx context.Context, id string) (BlobProperties, error)
	// DeleteBlob removes the blob and its properties.
	DeleteBlob(ctx context.Context, id string) error
	// Close releases the backend. Further operations fail with
	// ErrRouterClosed.
	Close() error
}

// Deps carries everything a router factory may need.
type Deps struct {
	// DataDir is the directory durable backends keep their files in.
	DataDir string
	// DisableWAL trades durability for write throughput on backends that
	// keep a write-ahead log.
	DisableWAL bool
	Registry   *prometheus.Registry
}

// Factory builds a Router from its dependencies.
type Factory func(deps Deps) (Router, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a router factory available under id. Panics on duplicate
// or nil registration.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if f == nil {
		panic("router: nil factory for " + id)
	}
	if _, dup := factories[id]; dup {
		panic("router: factory registered twice: " + id)
	}
	factories[id] = f
}

// New constructs the router registered under id. Unknown ids, factory
// errors and nil results all classify as rest.ErrConstruction.
func New(id string, deps Deps) (Router, error) {
	regMu.RLock()
	f, ok := factories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown router %q", rest.ErrConstruction, id)
	}
	r, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: router %q: %v", rest.ErrConstruction, id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: router %q factory returned nil", rest.ErrConstruction, id)
	}
	return r, nil
}

// opsCounter builds the shared per-operation counter, registered on reg
// when reg is non-nil.
func opsCounter(reg *prometheus.Registry, backend string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "blobfront_router_ops_total",
		Help:        "Router operations by outcome.",
		ConstLabels: prometheus.Labels{"router": backend},
	}, []string{"op", "outcome"})
	if reg != nil {
		reg.MustRegister(vec)
	}
	return vec
}
