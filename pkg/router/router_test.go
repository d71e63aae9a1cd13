package router

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"blobfront/pkg/rest"
)

func roundTrip(t *testing.T, r Router) {
	t.Helper()
	ctx := context.Background()

	id, err := r.PutBlob(ctx, BlobProperties{ContentType: "text/plain", ServiceID: "tester"}, strings.NewReader("blob payload"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id == "" {
		t.Fatalf("expected a generated blob id")
	}

	props, body, err := r.GetBlob(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("reading blob body: %v", err)
	}
	_ = body.Close()
	if string(data) != "blob payload" {
		t.Fatalf("expected payload %q, got %q", "blob payload", string(data))
	}
	if props.ID != id || props.Size != int64(len("blob payload")) || props.ContentType != "text/plain" {
		t.Fatalf("unexpected properties: %+v", props)
	}
	if props.CreatedTS == 0 {
		t.Fatalf("expected creation timestamp to be set")
	}

	info, err := r.GetBlobInfo(ctx, id)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.ID != id || info.Size != props.Size {
		t.Fatalf("head properties diverge from get: %+v vs %+v", info, props)
	}

	if err := r.DeleteBlob(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := r.GetBlob(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound after delete, got %v", err)
	}
	if _, err := r.GetBlobInfo(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound from head after delete, got %v", err)
	}
	if err := r.DeleteBlob(ctx, id); !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound from repeated delete, got %v", err)
	}
}

func TestMemoryRouterRoundTrip(t *testing.T) {
	r, err := New(MemoryID, Deps{})
	if err != nil {
		t.Fatalf("building memory router: %v", err)
	}
	defer func() { _ = r.Close() }()
	roundTrip(t, r)
}

func TestPebbleRouterRoundTrip(t *testing.T) {
	r, err := New(PebbleID, Deps{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("building pebble router: %v", err)
	}
	defer func() { _ = r.Close() }()
	roundTrip(t, r)
}

func TestPebbleRouterPersists(t *testing.T) {
	dir := t.TempDir()
	r, err := New(PebbleID, Deps{DataDir: dir})
	if err != nil {
		t.Fatalf("building pebble router: %v", err)
	}
	id, err := r.PutBlob(context.Background(), BlobProperties{}, strings.NewReader("durable bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(PebbleID, Deps{DataDir: dir})
	if err != nil {
		t.Fatalf("reopening pebble router: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	_, body, err := reopened.GetBlob(context.Background(), id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != "durable bytes" {
		t.Fatalf("expected persisted payload, got %q", string(data))
	}
}

func TestRouterKeepsCallerID(t *testing.T) {
	r, err := New(MemoryID, Deps{})
	if err != nil {
		t.Fatalf("building memory router: %v", err)
	}
	defer func() { _ = r.Close() }()
	id, err := r.PutBlob(context.Background(), BlobProperties{ID: "blob-fixed"}, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if id != "blob-fixed" {
		t.Fatalf("expected caller id to be kept, got %q", id)
	}
}

func TestRouterClosed(t *testing.T) {
	r, err := New(MemoryID, Deps{})
	if err != nil {
		t.Fatalf("building memory router: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if _, err := r.PutBlob(context.Background(), BlobProperties{}, strings.NewReader("x")); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected ErrRouterClosed, got %v", err)
	}
	if _, _, err := r.GetBlob(context.Background(), "any"); !errors.Is(err, ErrRouterClosed) {
		t.Fatalf("expected ErrRouterClosed from get, got %v", err)
	}
}

func TestRouterHonoursContext(t *testing.T) {
	r, err := New(MemoryID, Deps{})
	if err != nil {
		t.Fatalf("building memory router: %v", err)
	}
	defer func() { _ = r.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.PutBlob(ctx, BlobProperties{}, strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRouterRegistry(t *testing.T) {
	if _, err := New("bogus", Deps{}); !errors.Is(err, rest.ErrConstruction) {
		t.Fatalf("expected ErrConstruction for unknown router, got %v", err)
	}
	if _, err := New(PebbleID, Deps{}); !errors.Is(err, rest.ErrConstruction) {
		t.Fatalf("expected ErrConstruction without a data directory, got %v", err)
	}
}

func TestGeneratedIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := genBlobID()
		if seen[id] {
			t.Fatalf("duplicate generated id %q", id)
		}
		seen[id] = true
	}
}
