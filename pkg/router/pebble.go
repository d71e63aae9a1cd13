package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/bytebufferpool"

	"blobfront/pkg/logger"
)

// PebbleID is the registry id of the pebble-backed router.
const PebbleID = "pebble"

func init() {
	Register(PebbleID, newPebbleRouter)
}

func genBlobID() string {
	return "blob-" + uuid.NewString()
}

func metaKey(id string) []byte { return []byte("blob:" + id + ":meta") }
func dataKey(id string) []byte { return []byte("blob:" + id + ":data") }

// pebbleRouter keeps blob bytes and properties in a local pebble DB. Data
// and metadata are written in one batch so a blob is never visible without
// its properties.
type pebbleRouter struct {
	db          *pebble.DB
	walDisabled bool
	closed      int32
	ops         *prometheus.CounterVec
}

func newPebbleRouter(deps Deps) (Router, error) {
	if deps.DataDir == "" {
		return nil, errors.New("pebble router needs a data directory")
	}
	opts := &pebble.Options{
		DisableWAL: deps.DisableWAL,
	}
	if deps.DisableWAL {
		logger.Warn("durability_disabled", "router", PebbleID, "reason", "WAL disabled")
	}
	db, err := pebble.Open(deps.DataDir, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", deps.DataDir, "error", err.Error())
		return nil, err
	}
	logger.Info("pebble_router_opened", "path", deps.DataDir)
	return &pebbleRouter{
		db:          db,
		walDisabled: deps.DisableWAL,
		ops:         opsCounter(deps.Registry, PebbleID),
	}, nil
}

// chooses sync/no-sync WriteOptions, always disables sync if WAL disabled
func (r *pebbleRouter) writeOpt(requestSync bool) *pebble.WriteOptions {
	if requestSync && !r.walDisabled {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (r *pebbleRouter) guard(ctx context.Context) error {
	if atomic.LoadInt32(&r.closed) == 1 {
		return ErrRouterClosed
	}
	return ctx.Err()
}

func (r *pebbleRouter) PutBlob(ctx context.Context, props BlobProperties, body io.Reader) (string, error) {
	if err := r.guard(ctx); err != nil {
		r.ops.WithLabelValues("put", "error").Inc()
		return "", err
	}
	id := props.ID
	if id == "" {
		id = genBlobID()
	}
	props.ID = id
	if props.CreatedTS == 0 {
		props.CreatedTS = time.Now().UTC().UnixNano()
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	n, err := io.Copy(buf, body)
	if err != nil {
		r.ops.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("reading blob body: %w", err)
	}
	props.Size = n

	meta, err := json.Marshal(props)
	if err != nil {
		r.ops.WithLabelValues("put", "error").Inc()
		return "", fmt.Errorf("failed to marshal blob properties: %w", err)
	}

	// properties and bytes land atomically in one batch
	batch := new(pebble.Batch)
	batch.Set(metaKey(id), meta, r.writeOpt(true))
	batch.Set(dataKey(id), buf.B, r.writeOpt(true))
	if err := r.db.Apply(batch, r.writeOpt(true)); err != nil {
		logger.Error("blob_put_failed", "id", id, "error", err.Error())
		r.ops.WithLabelValues("put", "error").Inc()
		return "", err
	}
	logger.Info("blob_stored", "id", id, "size", n)
	r.ops.WithLabelValues("put", "ok").Inc()
	return id, nil
}

func (r *pebbleRouter) info(id string) (BlobProperties, error) {
	var props BlobProperties
	v, closer, err := r.db.Get(metaKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return props, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		}
		return props, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &props); err != nil {
		return props, fmt.Errorf("invalid blob properties for %s: %w", id, err)
	}
	return props, nil
}

func (r *pebbleRouter) GetBlob(ctx context.Context, id string) (BlobProperties, io.ReadCloser, error) {
	if err := r.guard(ctx); err != nil {
		r.ops.WithLabelValues("get", "error").Inc()
		return BlobProperties{}, nil, err
	}
	props, err := r.info(id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			r.ops.WithLabelValues("get", "missing").Inc()
		} else {
			r.ops.WithLabelValues("get", "error").Inc()
		}
		return BlobProperties{}, nil, err
	}
	v, closer, err := r.db.Get(dataKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			logger.Error("blob_data_missing", "id", id)
			r.ops.WithLabelValues("get", "missing").Inc()
			return BlobProperties{}, nil, fmt.Errorf("%w: %s", ErrBlobNotFound, id)
		}
		r.ops.WithLabelValues("get", "error").Inc()
		return BlobProperties{}, nil, err
	}
	data := append([]byte(nil), v...)
	_ = closer.Close()
	r.ops.WithLabelValues("get", "ok").Inc()
	return props, io.NopCloser(bytes.NewReader(data)), nil
}

func (r *pebbleRouter) GetBlobInfo(ctx context.Context, id string) (BlobProperties, error) {
	if err := r.guard(ctx); err != nil {
		r.ops.WithLabelValues("head", "error").Inc()
		return BlobProperties{}, err
	}
	props, err := r.info(id)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			r.ops.WithLabelValues("head", "missing").Inc()
		} else {
			r.ops.WithLabelValues("head", "error").Inc()
		}
		return BlobProperties{}, err
	}
	r.ops.WithLabelValues("head", "ok").Inc()
	return props, nil
}

func (r *pebbleRouter) DeleteBlob(ctx context.Context, id string) error {
	if err := r.guard(ctx); err != nil {
		r.ops.WithLabelValues("delete", "error").Inc()
		return err
	}
	if _, err := r.info(id); err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			r.ops.WithLabelValues("delete", "missing").Inc()
		} else {
			r.ops.WithLabelValues("delete", "error").Inc()
		}
		return err
	}
	batch := new(pebble.Batch)
	batch.Delete(metaKey(id), r.writeOpt(true))
	batch.Delete(dataKey(id), r.writeOpt(true))
	if err := r.db.Apply(batch, r.writeOpt(true)); err != nil {
		logger.Error("blob_delete_failed", "id", id, "error", err.Error())
		r.ops.WithLabelValues("delete", "error").Inc()
		return err
	}
	logger.Info("blob_deleted", "id", id)
	r.ops.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (r *pebbleRouter) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return nil
	}
	if err := r.db.Close(); err != nil {
		logger.Error("pebble_close_failed", "error", err.Error())
		return err
	}
	logger.Info("pebble_router_closed")
	return nil
}
