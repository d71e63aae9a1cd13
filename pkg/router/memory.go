package router

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MemoryID is the registry id of the in-memory router. It keeps everything
// on the heap and is meant for development and tests.
const MemoryID = "memory"

func init() {
	Register(MemoryID, newMemoryRouter)
}

type memBlob struct {
	props BlobProperties
	data  []byte
}

type memoryRouter struct {
	mu     sync.RWMutex
	blobs  map[string]memBlob
	closed bool
	ops    *prometheus.CounterVec
}

func newMemoryRouter(deps Deps) (Router, error) {
	return &memoryRouter{
		blobs: map[string]memBlob{},
		ops:   opsCounter(deps.Registry, MemoryID),
	}, nil
}

func (r *memoryRouter) PutBlob(ctx context.Context, props BlobProperties, body io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		r.ops.WithLabelValues("put", "error").Inc()
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		r.ops.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("reading blob body: %w", err)
	}
	id := props.ID
	if id == "" {
		id = genBlobID()
	}
	props.ID = id
	props.Size = int64(len(data))
	if props.CreatedTS == 0 {
		props.CreatedTS = time.Now().UTC().UnixNano()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.ops.WithLabelValues("put", "error").Inc()
		return "", ErrRouterClosed
	}
	r.blobs[id] = memBlob{props: props, data: data}
	r.ops.WithLabelValues("put", "ok").Inc()
	return id, nil
}

func (r *memoryRouter) lookup(ctx context.Context, op, id string) (memBlob, error) {
	if err := ctx.Err(); err != nil {
		r.ops.WithLabelValues(op, "error").Inc()
		return memBlob{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.ops.WithLabelValues(op, "error").Inc()
		return memBlob{}, ErrRouterClosed
	}
	b, ok := r.blobs[id]
	if !ok {
		r.ops.WithLabelValues(op, "missing").Inc()
		return memBlob{}, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	r.ops.WithLabelValues(op, "ok").Inc()
	return b, nil
}

func (r *memoryRouter) GetBlob(ctx context.Context, id string) (BlobProperties, io.ReadCloser, error) {
	b, err := r.lookup(ctx, "get", id)
	if err != nil {
		return BlobProperties{}, nil, err
	}
	return b.props, io.NopCloser(bytes.NewReader(b.data)), nil
}

func (r *memoryRouter) GetBlobInfo(ctx context.Context, id string) (BlobProperties, error) {
	b, err := r.lookup(ctx, "head", id)
	if err != nil {
		return BlobProperties{}, err
	}
	return b.props, nil
}

func (r *memoryRouter) DeleteBlob(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		r.ops.WithLabelValues("delete", "error").Inc()
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.ops.WithLabelValues("delete", "error").Inc()
		return ErrRouterClosed
	}
	if _, ok := r.blobs[id]; !ok {
		r.ops.WithLabelValues("delete", "missing").Inc()
		return fmt.Errorf("%w: %s", ErrBlobNotFound, id)
	}
	delete(r.blobs, id)
	r.ops.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (r *memoryRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.blobs = nil
	return nil
}
