package rest

import (
	"sync"
	"time"
)

// TrackerSnapshot is the flushed form of one request's measurements.
type TrackerSnapshot struct {
	Operation       string
	Status          int
	BytesRead       int64
	QueueTime       time.Duration
	ProcessingTime  time.Duration
	TimeToFirstByte time.Duration
	RoundTrip       time.Duration
}

// TrackerSink receives one snapshot per request, on close.
type TrackerSink interface {
	ObserveRequest(snap TrackerSnapshot)
}

// Tracker accumulates per-request timings and counters as the request moves
// through the transport, the scaling units and the storage service. It is
// flushed exactly once, when the owning request closes.
type Tracker struct {
	mu          sync.Mutex
	sink        TrackerSink
	start       time.Time
	operation   string
	status      int
	bytesRead   int64
	queueTime   time.Duration
	procTime    time.Duration
	firstByteAt time.Time
	flushed     bool
}

// NewTracker starts a tracker. A nil sink makes Flush a no-op, which keeps
// programmatically built requests cheap.
func NewTracker(sink TrackerSink) *Tracker {
	return &Tracker{sink: sink, start: time.Now()}
}

// SetOperation names the request for metric labelling, e.g. "PUT /blobs".
func (t *Tracker) SetOperation(op string) {
	t.mu.Lock()
	t.operation = op
	t.mu.Unlock()
}

// SetStatus records the response status eventually sent to the client.
func (t *Tracker) SetStatus(code int) {
	t.mu.Lock()
	t.status = code
	t.mu.Unlock()
}

// AddQueueTime accumulates time the request spent parked on a scaling-unit
// queue.
func (t *Tracker) AddQueueTime(d time.Duration) {
	t.mu.Lock()
	t.queueTime += d
	t.mu.Unlock()
}

// AddProcessingTime accumulates time spent inside the storage service.
func (t *Tracker) AddProcessingTime(d time.Duration) {
	t.mu.Lock()
	t.procTime += d
	t.mu.Unlock()
}

// MarkFirstByte records the arrival of the first body byte. Later calls are
// ignored.
func (t *Tracker) MarkFirstByte() {
	t.mu.Lock()
	if t.firstByteAt.IsZero() {
		t.firstByteAt = time.Now()
	}
	t.mu.Unlock()
}

// MarkBodyRead records the number of body bytes delivered to the sink.
func (t *Tracker) MarkBodyRead(n int64) {
	t.mu.Lock()
	t.bytesRead = n
	t.mu.Unlock()
}

// Flush pushes the snapshot to the sink. Only the first call has effect.
func (t *Tracker) Flush() {
	t.mu.Lock()
	if t.flushed || t.sink == nil {
		t.flushed = true
		t.mu.Unlock()
		return
	}
	t.flushed = true
	snap := TrackerSnapshot{
		Operation:      t.operation,
		Status:         t.status,
		BytesRead:      t.bytesRead,
		QueueTime:      t.queueTime,
		ProcessingTime: t.procTime,
		RoundTrip:      time.Since(t.start),
	}
	if !t.firstByteAt.IsZero() {
		snap.TimeToFirstByte = t.firstByteAt.Sub(t.start)
	}
	sink := t.sink
	t.mu.Unlock()
	sink.ObserveRequest(snap)
}
