// Package telemetry hosts the pluggable metrics reporters the orchestrator
// starts first and stops last: an HTTP endpoint exposing the registry, a
// cron-driven snapshot logger, a disk/memory watchdog, and the JSONL trace
// sink fed by sampled request trackers.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/rest"
)

// Reporter is one metrics/reporting plugin with an independent lifecycle.
type Reporter interface {
	Start() error
	Stop() error
}

// Deps carries everything a reporter factory may need. Factories use the
// fields they care about and ignore the rest.
type Deps struct {
	// Registry is the orchestrator-owned metrics registry.
	Registry *prometheus.Registry
	// Addr is the listen address of the metrics endpoint reporter.
	Addr string
	// DataDir is the directory whose filesystem the watchdog samples.
	DataDir string
	// SnapshotCron schedules the snapshot reporter. Empty means the
	// default schedule.
	SnapshotCron string

	// Watchdog tuning. Zero values mean the reporter defaults.
	PollInterval   time.Duration
	RecoveryWindow time.Duration
	DiskHighPct    int
	DiskLowPct     int
	MemHighPct     int
}

// Factory builds a Reporter from its dependencies.
type Factory func(deps Deps) (Reporter, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a reporter factory available under id. Panics on duplicate
// or nil registration.
func Register(id string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if f == nil {
		panic("telemetry: nil factory for " + id)
	}
	if _, dup := factories[id]; dup {
		panic("telemetry: factory registered twice: " + id)
	}
	factories[id] = f
}

// New constructs the reporter registered under id. Unknown ids, factory
// errors and nil results all classify as rest.ErrConstruction.
func New(id string, deps Deps) (Reporter, error) {
	regMu.RLock()
	f, ok := factories[id]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown reporter %q", rest.ErrConstruction, id)
	}
	r, err := f(deps)
	if err != nil {
		return nil, fmt.Errorf("%w: reporter %q: %v", rest.ErrConstruction, id, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: reporter %q factory returned nil", rest.ErrConstruction, id)
	}
	return r, nil
}
