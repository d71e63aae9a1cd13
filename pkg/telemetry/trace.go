package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
)

// trace sink defaults.
const (
	defaultTraceBufferSize    = 32 * 1024
	defaultTraceQueueCapacity = 1024
	defaultTraceFlushInterval = 2 * time.Second
	defaultTraceMaxFileSize   = 64 * 1024 * 1024
)

// traceRecord is one sampled request flattened for the JSONL file.
type traceRecord struct {
	Time         time.Time `json:"ts"`
	Operation    string    `json:"op"`
	Status       int       `json:"status"`
	BytesRead    int64     `json:"bytes_read"`
	QueueMS      float64   `json:"queue_ms"`
	ProcessingMS float64   `json:"processing_ms"`
	FirstByteMS  float64   `json:"ttfb_ms"`
	RoundTripMS  float64   `json:"round_trip_ms"`
}

// TraceSinkOptions configures a TraceSink. Zero values mean defaults.
type TraceSinkOptions struct {
	Dir string
	// SampleEvery records one request out of every N per sink. 1 records
	// everything; 0 means 1.
	SampleEvery int64
	BufferSize  int
	// QueueCapacity bounds the async queue; records are dropped, never
	// blocked on, when it is full.
	QueueCapacity int
	FlushInterval time.Duration
	MaxFileSize   int64
}

// TraceSink appends sampled request snapshots to per-operation JSONL files
// through an async background writer. It implements rest.TrackerSink, so it
// can be handed to transports directly or combined with the metrics sink.
type TraceSink struct {
	dir         string
	sampleEvery int64
	bufferSize  int
	flushInt    time.Duration
	maxFileSize int64

	seen    int64
	dropped int64

	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string]*bufio.Writer

	records  chan traceRecord
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTraceSink creates the sink and starts its background writer.
func NewTraceSink(o TraceSinkOptions) (*TraceSink, error) {
	if o.Dir == "" {
		return nil, fmt.Errorf("trace sink needs a directory")
	}
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	if o.SampleEvery <= 0 {
		o.SampleEvery = 1
	}
	if o.BufferSize <= 0 {
		o.BufferSize = defaultTraceBufferSize
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultTraceQueueCapacity
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultTraceFlushInterval
	}
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = defaultTraceMaxFileSize
	}
	t := &TraceSink{
		dir:         o.Dir,
		sampleEvery: o.SampleEvery,
		bufferSize:  o.BufferSize,
		flushInt:    o.FlushInterval,
		maxFileSize: o.MaxFileSize,
		files:       make(map[string]*os.File),
		buffers:     make(map[string]*bufio.Writer),
		records:     make(chan traceRecord, o.QueueCapacity),
		stopCh:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writerLoop()
	return t, nil
}

// ObserveRequest samples the snapshot and enqueues it for writing. It never
// blocks; records are dropped when the queue is full.
func (t *TraceSink) ObserveRequest(snap rest.TrackerSnapshot) {
	n := atomic.AddInt64(&t.seen, 1)
	if (n-1)%t.sampleEvery != 0 {
		return
	}
	op := snap.Operation
	if op == "" {
		op = "unknown"
	}
	rec := traceRecord{
		Time:         time.Now(),
		Operation:    op,
		Status:       snap.Status,
		BytesRead:    snap.BytesRead,
		QueueMS:      float64(snap.QueueTime) / float64(time.Millisecond),
		ProcessingMS: float64(snap.ProcessingTime) / float64(time.Millisecond),
		FirstByteMS:  float64(snap.TimeToFirstByte) / float64(time.Millisecond),
		RoundTripMS:  float64(snap.RoundTrip) / float64(time.Millisecond),
	}
	select {
	case t.records <- rec:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

func (t *TraceSink) writerLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.flushInt)
	defer ticker.Stop()

	for {
		select {
		case rec := <-t.records:
			t.append(rec)

		case <-ticker.C:
			t.flushAndRotate()

		case <-t.stopCh:
			// Drain whatever is still queued before closing the files.
			for {
				select {
				case rec := <-t.records:
					t.append(rec)
				default:
					t.mu.Lock()
					for _, b := range t.buffers {
						_ = b.Flush()
					}
					for _, f := range t.files {
						_ = f.Sync()
						_ = f.Close()
					}
					t.mu.Unlock()
					if d := atomic.LoadInt64(&t.dropped); d > 0 {
						logger.Warn("trace_records_dropped", "count", d)
					}
					return
				}
			}
		}
	}
}

func (t *TraceSink) append(rec traceRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bufferFor(rec.Operation)
	if b == nil {
		return
	}
	_, _ = b.Write(data)
	_ = b.WriteByte('\n')
}

// flushAndRotate flushes every buffer and truncates files past the size cap.
func (t *TraceSink) flushAndRotate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, b := range t.buffers {
		_ = b.Flush()
		f := t.files[name]
		fi, err := f.Stat()
		if err != nil || fi.Size() <= t.maxFileSize {
			continue
		}
		path := f.Name()
		_ = f.Close()
		newF, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			logger.Error("trace_truncate_failed", "path", path, "error", err.Error())
			delete(t.files, name)
			delete(t.buffers, name)
			continue
		}
		t.files[name] = newF
		t.buffers[name] = bufio.NewWriterSize(newF, t.bufferSize)
		logger.Warn("trace_file_truncated", "path", path, "max_bytes", t.maxFileSize)
	}
}

// bufferFor returns the buffered writer for op, opening its file on first
// use. Callers hold t.mu.
func (t *TraceSink) bufferFor(op string) *bufio.Writer {
	if b, ok := t.buffers[op]; ok {
		return b
	}
	path := filepath.Join(t.dir, op+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Error("trace_open_failed", "path", path, "error", err.Error())
		return nil
	}
	b := bufio.NewWriterSize(f, t.bufferSize)
	t.files[op] = f
	t.buffers[op] = b
	return b
}

// Close drains the queue, flushes and closes every file. Safe to call more
// than once.
func (t *TraceSink) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
