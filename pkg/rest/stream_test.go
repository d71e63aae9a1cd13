package rest

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type readResult struct {
	n   int64
	err error
}

// feedBody pushes the body as two chunks on a separate goroutine, the way a
// transport would.
func feedBody(t *testing.T, req *StreamRequest, body []byte) {
	t.Helper()
	go func() {
		if len(body) == 0 {
			_ = req.WriteChunk(nil, true)
			return
		}
		mid := len(body) / 2
		if err := req.WriteChunk(body[:mid], false); err != nil {
			return
		}
		_ = req.WriteChunk(body[mid:], true)
	}()
}

func awaitRead(t *testing.T, done <-chan readResult) readResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for read completion")
		return readResult{}
	}
}

func TestReadIntoDeliversBodyAndDigest(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/blobs", URI: "/blobs?ttl=60"})
	if err := req.SetDigestAlgorithm("SHA-256"); err != nil {
		t.Fatalf("set digest: %v", err)
	}
	if err := req.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	var sink bytes.Buffer
	done := make(chan readResult, 1)
	if err := req.ReadInto(&sink, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("read into: %v", err)
	}
	feedBody(t, req, []byte("hello world"))

	res := awaitRead(t, done)
	if res.err != nil {
		t.Fatalf("unexpected read error: %v", res.err)
	}
	if res.n != int64(len("hello world")) {
		t.Fatalf("expected %d bytes, got %d", len("hello world"), res.n)
	}
	if sink.String() != "hello world" {
		t.Fatalf("sink content mismatch: %q", sink.String())
	}

	want := sha256.Sum256([]byte("hello world"))
	got, err := req.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("digest mismatch: got %x want %x", got, want)
	}

	if err := req.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := req.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestDigestOverEmptyBody(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPut, Path: "/blobs/x", URI: "/blobs/x"})
	if err := req.SetDigestAlgorithm("sha256"); err != nil {
		t.Fatalf("set digest: %v", err)
	}
	var sink bytes.Buffer
	done := make(chan readResult, 1)
	if err := req.ReadInto(&sink, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("read into: %v", err)
	}
	feedBody(t, req, nil)

	res := awaitRead(t, done)
	if res.err != nil || res.n != 0 {
		t.Fatalf("expected clean empty read, got n=%d err=%v", res.n, res.err)
	}
	want := sha256.Sum256(nil)
	got, err := req.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !bytes.Equal(got, want[:]) {
		t.Fatalf("digest mismatch for empty body: got %x want %x", got, want)
	}
}

func TestSetDigestAfterReadStarted(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodGet, Path: "/", URI: "/"})
	done := make(chan readResult, 1)
	if err := req.ReadInto(&bytes.Buffer{}, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("read into: %v", err)
	}
	for _, name := range []string{"SHA-256", "md5", "definitely-not-a-hash"} {
		if err := req.SetDigestAlgorithm(name); !errors.Is(err, ErrIllegalState) {
			t.Fatalf("expected ErrIllegalState for %q, got %v", name, err)
		}
	}
	feedBody(t, req, []byte("x"))
	awaitRead(t, done)
}

func TestSetDigestTwice(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodGet, Path: "/", URI: "/"})
	if err := req.SetDigestAlgorithm("sha-512"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := req.SetDigestAlgorithm("sha-256"); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}
}

func TestUnsupportedDigestAlgorithm(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodGet, Path: "/", URI: "/"})
	if err := req.SetDigestAlgorithm("whirlpool"); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("expected ErrUnsupportedAlgorithm, got %v", err)
	}
	// a failed attach must not count as "already set"
	if err := req.SetDigestAlgorithm("sha-256"); err != nil {
		t.Fatalf("attach after failed attach: %v", err)
	}
}

func TestDigestBeforeCompletion(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/", URI: "/"})
	if err := req.SetDigestAlgorithm("sha-256"); err != nil {
		t.Fatalf("set digest: %v", err)
	}
	if _, err := req.Digest(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState before read, got %v", err)
	}
	done := make(chan readResult, 1)
	if err := req.ReadInto(&bytes.Buffer{}, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("read into: %v", err)
	}
	// read pending, no chunks delivered yet
	if _, err := req.Digest(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState mid-read, got %v", err)
	}
	feedBody(t, req, []byte("abc"))
	awaitRead(t, done)
	if _, err := req.Digest(); err != nil {
		t.Fatalf("digest after completion: %v", err)
	}
}

func TestDigestWithoutAlgorithm(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodGet, Path: "/", URI: "/"})
	if d, err := req.Digest(); err != nil || d != nil {
		t.Fatalf("expected nil digest and nil error, got %v %v", d, err)
	}
}

func TestSecondReadIntoFails(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/", URI: "/"})
	var sink bytes.Buffer
	done := make(chan readResult, 1)
	if err := req.ReadInto(&sink, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("first read into: %v", err)
	}
	if err := req.ReadInto(&bytes.Buffer{}, nil); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState on second read, got %v", err)
	}

	feedBody(t, req, []byte("payload intact"))
	res := awaitRead(t, done)
	if res.err != nil {
		t.Fatalf("first read corrupted by rejected second read: %v", res.err)
	}
	if sink.String() != "payload intact" {
		t.Fatalf("delivery corrupted: %q", sink.String())
	}
	// read finished; a later attempt is still rejected
	if err := req.ReadInto(&bytes.Buffer{}, nil); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState after completed read, got %v", err)
	}
}

func TestConcurrentClose(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodDelete, Path: "/blobs/y", URI: "/blobs/y"})
	if err := req.WriteChunk([]byte("abc"), false); err != nil {
		t.Fatalf("write chunk: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- req.Close()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("close returned error: %v", err)
		}
	}
}

func TestCloseAbortsPendingRead(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/", URI: "/"})
	if err := req.SetDigestAlgorithm("sha-256"); err != nil {
		t.Fatalf("set digest: %v", err)
	}
	done := make(chan readResult, 1)
	if err := req.ReadInto(&bytes.Buffer{}, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("read into: %v", err)
	}
	if err := req.WriteChunk([]byte("partial"), false); err != nil {
		t.Fatalf("write chunk: %v", err)
	}
	if err := req.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	res := awaitRead(t, done)
	if !errors.Is(res.err, ErrTransport) {
		t.Fatalf("expected abort surfaced as ErrTransport, got %v", res.err)
	}
	// the body never completed, so the digest must not be trusted
	if _, err := req.Digest(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState for digest after abort, got %v", err)
	}
}

func TestWriteChunkAfterClose(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPut, Path: "/", URI: "/"})
	if err := req.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := req.WriteChunk([]byte("late"), true); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState, got %v", err)
	}
}

func TestWriteChunkAfterFinal(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPut, Path: "/", URI: "/"})
	if err := req.WriteChunk([]byte("done"), true); err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if err := req.WriteChunk([]byte("more"), true); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState after final chunk, got %v", err)
	}
}

func TestBodySizeCap(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPut, Path: "/", URI: "/", MaxBodyBytes: 4, ChunkCapacity: 4})
	if err := req.WriteChunk([]byte("okay"), false); err != nil {
		t.Fatalf("within cap: %v", err)
	}
	if err := req.WriteChunk([]byte("x"), false); !errors.Is(err, ErrRequestInvalid) {
		t.Fatalf("expected ErrRequestInvalid over cap, got %v", err)
	}
	_ = req.Close()
}

func TestPrepareLifecycle(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/", URI: "/"})
	if err := req.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := req.Prepare(); err != nil {
		t.Fatalf("prepare must be idempotent: %v", err)
	}
	if err := req.ReadInto(&bytes.Buffer{}, nil); err != nil {
		t.Fatalf("read into: %v", err)
	}
	if err := req.Prepare(); !errors.Is(err, ErrIllegalState) {
		t.Fatalf("expected ErrIllegalState after read started, got %v", err)
	}
	_ = req.Close()

	closed := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/", URI: "/"})
	_ = closed.Close()
	if err := closed.Prepare(); !errors.Is(err, ErrRequestInvalid) {
		t.Fatalf("expected ErrRequestInvalid on closed request, got %v", err)
	}
}

func TestPrepareValidatesContentLength(t *testing.T) {
	cases := []struct {
		name string
		args map[string]any
		max  int64
		want error
	}{
		{"well formed", map[string]any{"content-length": "11"}, 0, nil},
		{"numeric", map[string]any{"content-length": int64(11)}, 0, nil},
		{"malformed", map[string]any{"content-length": "eleven"}, 0, ErrRequestInvalid},
		{"negative", map[string]any{"content-length": "-2"}, 0, ErrRequestInvalid},
		{"over limit", map[string]any{"content-length": "100"}, 10, ErrRequestInvalid},
	}
	for _, tc := range cases {
		req := NewStreamRequest(StreamOptions{Method: MethodPut, Path: "/", URI: "/", Args: tc.args, MaxBodyBytes: tc.max})
		err := req.Prepare()
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

type failingSink struct {
	allow int
}

func (f *failingSink) Write(p []byte) (int, error) {
	if f.allow <= 0 {
		return 0, fmt.Errorf("sink is full")
	}
	f.allow--
	return len(p), nil
}

func TestSinkErrorSurfacesThroughCallback(t *testing.T) {
	req := NewStreamRequest(StreamOptions{Method: MethodPost, Path: "/", URI: "/"})
	done := make(chan readResult, 1)
	if err := req.ReadInto(&failingSink{allow: 1}, func(n int64, err error) { done <- readResult{n, err} }); err != nil {
		t.Fatalf("read into: %v", err)
	}
	feedBody(t, req, []byte("hello world"))
	res := awaitRead(t, done)
	if !errors.Is(res.err, ErrTransport) {
		t.Fatalf("expected ErrTransport from sink rejection, got %v", res.err)
	}
	if err := req.Close(); err != nil {
		t.Fatalf("close after failed read: %v", err)
	}
}
