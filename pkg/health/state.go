// Package health tracks whether the front end is accepting traffic.
// Transports consult the shared State to answer their health endpoint and
// the orchestrator flips it as the last startup step and the first shutdown
// step, so load balancers stop routing before any component is torn down.
package health

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/logger"
)

// DefaultPath is the health endpoint served when none is configured.
const DefaultPath = "/healthz"

// State is the mark-up/mark-down latch shared by the orchestrator and the
// transports. The zero value is down; all methods are safe for concurrent
// use.
type State struct {
	up   int32
	path string
}

// NewState returns a State answering on path, or DefaultPath when empty.
func NewState(path string) *State {
	if path == "" {
		path = DefaultPath
	}
	return &State{path: path}
}

// ServiceUp marks the service as accepting traffic.
func (s *State) ServiceUp() {
	if atomic.SwapInt32(&s.up, 1) == 0 {
		logger.Info("service_marked_up", "path", s.path)
	}
}

// ServiceDown marks the service as draining. Health checks fail from the
// moment this returns.
func (s *State) ServiceDown() {
	if atomic.SwapInt32(&s.up, 0) == 1 {
		logger.Info("service_marked_down", "path", s.path)
	}
}

// IsUp reports whether the service is accepting traffic.
func (s *State) IsUp() bool {
	return atomic.LoadInt32(&s.up) == 1
}

// Path returns the health endpoint path.
func (s *State) Path() string {
	return s.path
}

// Register exposes the state as a 0/1 gauge on reg.
func (s *State) Register(reg *prometheus.Registry) {
	if reg == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blobfront_service_state",
		Help: "1 while the service is marked up, 0 otherwise.",
	}, func() float64 {
		if s.IsUp() {
			return 1
		}
		return 0
	}))
}
