package dispatch

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/logger"
	"blobfront/pkg/rest"
)

// PoolID is the registry id of the built-in bounded pool implementations.
const PoolID = "pool"

const defaultQueueCapacity = 64

func init() {
	RegisterRequestHandler(PoolID, newRequestPool)
	RegisterResponseHandler(PoolID, newResponsePool)
}

// poolMetrics holds the per-pool instruments. All pools share metric names
// and are told apart by the const "pool" label.
type poolMetrics struct {
	submitted prometheus.Counter
	rejected  prometheus.Counter
	completed prometheus.Counter
}

func newPoolMetrics(reg *prometheus.Registry, kind string, depth func() float64) poolMetrics {
	m := poolMetrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "blobfront_dispatch_submitted_total",
			Help:        "Tasks accepted by the pool queue.",
			ConstLabels: prometheus.Labels{"pool": kind},
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "blobfront_dispatch_rejected_total",
			Help:        "Tasks rejected because the pool queue was full or closed.",
			ConstLabels: prometheus.Labels{"pool": kind},
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "blobfront_dispatch_completed_total",
			Help:        "Tasks fully processed by pool workers.",
			ConstLabels: prometheus.Labels{"pool": kind},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.rejected, m.completed)
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "blobfront_dispatch_queue_depth",
			Help:        "Tasks currently waiting in the pool queue.",
			ConstLabels: prometheus.Labels{"pool": kind},
		}, depth))
	}
	return m
}

type requestTask struct {
	req        rest.Request
	rc         rest.ResponseChannel
	enqueuedAt time.Time
}

// requestPool is the built-in RequestHandler: a fixed set of workers pulling
// from a bounded queue. Submit never blocks the caller.
type requestPool struct {
	svc     Service
	workers int
	tasks   chan requestTask

	closed    int32
	enqWg     sync.WaitGroup
	workerWg  sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	metrics poolMetrics
}

func newRequestPool(deps RequestDeps) (RequestHandler, error) {
	if deps.Workers <= 0 {
		return nil, fmt.Errorf("request workers must be positive, got %d", deps.Workers)
	}
	if deps.Service == nil {
		return nil, errors.New("request pool needs a storage service")
	}
	capacity := deps.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	p := &requestPool{
		svc:     deps.Service,
		workers: deps.Workers,
		tasks:   make(chan requestTask, capacity),
	}
	p.metrics = newPoolMetrics(deps.Registry, "request", func() float64 { return float64(len(p.tasks)) })
	return p, nil
}

func (p *requestPool) Start() error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return fmt.Errorf("%w: request pool already stopped", rest.ErrIllegalState)
	}
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.workerWg.Add(1)
			go p.worker()
		}
		logger.Info("request_pool_started", "workers", p.workers, "queue_capacity", cap(p.tasks))
	})
	return nil
}

// Stop drains: queued tasks are still handled, then workers exit. Safe to
// call more than once.
func (p *requestPool) Stop() error {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.closed, 1)
		p.enqWg.Wait()
		close(p.tasks)
		p.workerWg.Wait()
		logger.Info("request_pool_stopped")
	})
	return nil
}

func (p *requestPool) Submit(req rest.Request, rc rest.ResponseChannel) error {
	if req == nil || rc == nil {
		return fmt.Errorf("%w: submit needs a request and a response channel", rest.ErrRequestInvalid)
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		p.metrics.rejected.Inc()
		return ErrQueueClosed
	}
	p.enqWg.Add(1)
	defer p.enqWg.Done()
	// Recheck after joining the enqueuer group: Stop waits on the group
	// before closing the channel, so a send past this point cannot race the
	// close.
	if atomic.LoadInt32(&p.closed) == 1 {
		p.metrics.rejected.Inc()
		return ErrQueueClosed
	}
	select {
	case p.tasks <- requestTask{req: req, rc: rc, enqueuedAt: time.Now()}:
		p.metrics.submitted.Inc()
		return nil
	default:
		p.metrics.rejected.Inc()
		return ErrQueueFull
	}
}

func (p *requestPool) worker() {
	defer p.workerWg.Done()
	for task := range p.tasks {
		p.dispatch(task)
		p.metrics.completed.Inc()
	}
}

func (p *requestPool) dispatch(task requestTask) {
	req, rc := task.req, task.rc
	req.Tracker().AddQueueTime(time.Since(task.enqueuedAt))
	start := time.Now()
	defer func() {
		req.Tracker().AddProcessingTime(time.Since(start))
	}()

	if err := req.Prepare(); err != nil {
		logger.Warn("request_prepare_failed", "path", req.Path(), "error", err.Error())
		rc.OnComplete(err)
		_ = req.Close()
		return
	}
	switch req.Method() {
	case rest.MethodGet:
		p.svc.HandleGet(req, rc)
	case rest.MethodPost:
		p.svc.HandlePost(req, rc)
	case rest.MethodDelete:
		p.svc.HandleDelete(req, rc)
	case rest.MethodHead:
		p.svc.HandleHead(req, rc)
	default:
		logger.Warn("request_method_unsupported", "method", req.Method().String(), "path", req.Path())
		rc.OnComplete(fmt.Errorf("%w: unsupported method %s", rest.ErrRequestInvalid, req.Method()))
		_ = req.Close()
	}
}

type responseTask struct {
	req        rest.Request
	rc         rest.ResponseChannel
	body       io.ReadCloser
	failure    error
	enqueuedAt time.Time
}

// responsePool is the built-in ResponseHandler. Workers copy response bodies
// to the transport and finish the request, so storage goroutines never block
// on slow clients.
type responsePool struct {
	workers int
	tasks   chan responseTask

	closed    int32
	enqWg     sync.WaitGroup
	workerWg  sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	metrics poolMetrics
}

func newResponsePool(deps ResponseDeps) (ResponseHandler, error) {
	if deps.Workers <= 0 {
		return nil, fmt.Errorf("response workers must be positive, got %d", deps.Workers)
	}
	capacity := deps.QueueCapacity
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	p := &responsePool{
		workers: deps.Workers,
		tasks:   make(chan responseTask, capacity),
	}
	p.metrics = newPoolMetrics(deps.Registry, "response", func() float64 { return float64(len(p.tasks)) })
	return p, nil
}

func (p *responsePool) Start() error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return fmt.Errorf("%w: response pool already stopped", rest.ErrIllegalState)
	}
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.workerWg.Add(1)
			go p.worker()
		}
		logger.Info("response_pool_started", "workers", p.workers, "queue_capacity", cap(p.tasks))
	})
	return nil
}

func (p *responsePool) Stop() error {
	p.stopOnce.Do(func() {
		atomic.StoreInt32(&p.closed, 1)
		p.enqWg.Wait()
		close(p.tasks)
		p.workerWg.Wait()
		logger.Info("response_pool_stopped")
	})
	return nil
}

func (p *responsePool) SubmitResponse(req rest.Request, rc rest.ResponseChannel, body io.ReadCloser, failure error) error {
	if rc == nil {
		return fmt.Errorf("%w: submit needs a response channel", rest.ErrRequestInvalid)
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		p.metrics.rejected.Inc()
		return ErrQueueClosed
	}
	p.enqWg.Add(1)
	defer p.enqWg.Done()
	if atomic.LoadInt32(&p.closed) == 1 {
		p.metrics.rejected.Inc()
		return ErrQueueClosed
	}
	select {
	case p.tasks <- responseTask{req: req, rc: rc, body: body, failure: failure, enqueuedAt: time.Now()}:
		p.metrics.submitted.Inc()
		return nil
	default:
		p.metrics.rejected.Inc()
		return ErrQueueFull
	}
}

func (p *responsePool) worker() {
	defer p.workerWg.Done()
	for task := range p.tasks {
		p.relay(task)
		p.metrics.completed.Inc()
	}
}

func (p *responsePool) relay(task responseTask) {
	if task.req != nil {
		task.req.Tracker().AddQueueTime(time.Since(task.enqueuedAt))
	}
	switch {
	case task.failure != nil:
		task.rc.OnComplete(task.failure)
	case task.body != nil:
		_, err := io.Copy(task.rc, task.body)
		task.rc.OnComplete(err)
	default:
		task.rc.OnComplete(nil)
	}
	if task.body != nil {
		if err := task.body.Close(); err != nil {
			logger.Warn("response_body_close_failed", "error", err.Error())
		}
	}
	if task.req != nil {
		_ = task.req.Close()
	}
}
