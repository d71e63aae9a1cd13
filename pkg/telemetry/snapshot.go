package telemetry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/prometheus/client_golang/prometheus"

	"blobfront/pkg/logger"
)

// SnapshotID is the registry id of the cron-driven snapshot reporter.
const SnapshotID = "snapshot"

const defaultSnapshotCron = "*/5 * * * *"

func init() {
	Register(SnapshotID, newSnapshotReporter)
}

// snapshotReporter periodically gathers the registry and logs a compact
// summary, so the last known metrics survive in the logs even when nothing
// scrapes the endpoint.
type snapshotReporter struct {
	reg      *prometheus.Registry
	cron     string
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSnapshotReporter(deps Deps) (Reporter, error) {
	if deps.Registry == nil {
		return nil, errors.New("snapshot reporter needs a registry")
	}
	cron := deps.SnapshotCron
	if cron == "" {
		cron = defaultSnapshotCron
	}
	if !gronx.New().IsValid(cron) {
		return nil, fmt.Errorf("invalid snapshot cron %q", cron)
	}
	return &snapshotReporter{
		reg:    deps.Registry,
		cron:   cron,
		stopCh: make(chan struct{}),
	}, nil
}

func (s *snapshotReporter) Start() error {
	s.wg.Add(1)
	go s.scheduleLoop()
	logger.Info("snapshot_reporter_started", "cron", s.cron)
	return nil
}

func (s *snapshotReporter) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	logger.Info("snapshot_reporter_stopped")
	return nil
}

func (s *snapshotReporter) scheduleLoop() {
	defer s.wg.Done()
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now(), false)
		if err != nil {
			logger.Error("snapshot_nexttick_failed", "cron", s.cron, "error", err.Error())
			select {
			case <-time.After(30 * time.Second):
			case <-s.stopCh:
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			s.snapshot()
			select {
			case <-time.After(time.Second):
			case <-s.stopCh:
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			s.snapshot()
		case <-s.stopCh:
			return
		}
	}
}

// snapshot gathers the registry and logs one summary line plus a debug line
// per family.
func (s *snapshotReporter) snapshot() {
	families, err := s.reg.Gather()
	if err != nil {
		logger.Error("snapshot_gather_failed", "error", err.Error())
		return
	}
	series := 0
	for _, mf := range families {
		series += len(mf.GetMetric())
		logger.Debug("metrics_family", "name", mf.GetName(), "series", len(mf.GetMetric()))
	}
	logger.Info("metrics_snapshot", "families", len(families), "series", series)
}
