package telemetry

import (
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"blobfront/pkg/logger"
)

// WatchdogID is the registry id of the disk/memory watchdog reporter.
const WatchdogID = "watchdog"

// watchdog defaults.
const (
	defaultPollInterval   = 30 * time.Second
	defaultRecoveryWindow = 5 * time.Minute
	defaultDiskHighPct    = 90
	defaultDiskLowPct     = 85
	defaultMemHighPct     = 90
)

func init() {
	Register(WatchdogID, newWatchdog)
}

// watchdog samples the data dir's filesystem and the Go heap, raising an
// alert when usage crosses the high threshold and clearing it only after
// usage stayed low for the recovery window.
type watchdog struct {
	dataDir        string
	pollInterval   time.Duration
	recoveryWindow time.Duration
	diskHighPct    int
	diskLowPct     int
	memHighPct     int

	mu            sync.Mutex
	diskAlert     bool
	memAlert      bool
	lastDiskAlert time.Time
	lastMemAlert  time.Time

	diskUsedPct prometheus.Gauge
	heapUsedPct prometheus.Gauge
	alerts      *prometheus.GaugeVec

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWatchdog(deps Deps) (Reporter, error) {
	if deps.DataDir == "" {
		return nil, errors.New("watchdog reporter needs a data dir")
	}
	w := &watchdog{
		dataDir:        deps.DataDir,
		pollInterval:   deps.PollInterval,
		recoveryWindow: deps.RecoveryWindow,
		diskHighPct:    deps.DiskHighPct,
		diskLowPct:     deps.DiskLowPct,
		memHighPct:     deps.MemHighPct,
		stopCh:         make(chan struct{}),
		diskUsedPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobfront_watchdog_disk_used_percent",
			Help: "Used space on the data dir's filesystem, percent.",
		}),
		heapUsedPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobfront_watchdog_heap_used_percent",
			Help: "Heap in use relative to heap from the OS, percent.",
		}),
		alerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "blobfront_watchdog_alert",
			Help: "1 while the resource is in the alert state.",
		}, []string{"resource"}),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.recoveryWindow <= 0 {
		w.recoveryWindow = defaultRecoveryWindow
	}
	if w.diskHighPct <= 0 {
		w.diskHighPct = defaultDiskHighPct
	}
	if w.diskLowPct <= 0 {
		w.diskLowPct = defaultDiskLowPct
	}
	if w.memHighPct <= 0 {
		w.memHighPct = defaultMemHighPct
	}
	if deps.Registry != nil {
		deps.Registry.MustRegister(w.diskUsedPct, w.heapUsedPct, w.alerts)
	}
	return w, nil
}

func (w *watchdog) Start() error {
	w.wg.Add(1)
	go w.run()
	logger.Info("watchdog_started", "data_dir", w.dataDir, "poll", w.pollInterval.String())
	return nil
}

func (w *watchdog) Stop() error {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.wg.Wait()
	logger.Info("watchdog_stopped")
	return nil
}

func (w *watchdog) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.sample()
		case <-w.stopCh:
			return
		}
	}
}

func (w *watchdog) sample() {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	var stat unix.Statfs_t
	if err := unix.Statfs(w.dataDir, &stat); err != nil {
		logger.Error("watchdog_statfs_failed", "data_dir", w.dataDir, "error", err.Error())
	} else if stat.Blocks > 0 {
		available := stat.Bavail * uint64(stat.Bsize)
		total := stat.Blocks * uint64(stat.Bsize)
		usedPct := float64(total-available) / float64(total) * 100
		w.diskUsedPct.Set(usedPct)

		if usedPct > float64(w.diskHighPct) {
			if !w.diskAlert {
				logger.Warn("disk_usage_high",
					"used_pct", usedPct,
					"threshold_pct", w.diskHighPct,
					"available", humanize.IBytes(available),
				)
				w.diskAlert = true
				w.lastDiskAlert = now
			}
		} else if usedPct < float64(w.diskLowPct) && w.diskAlert {
			if now.Sub(w.lastDiskAlert) >= w.recoveryWindow {
				logger.Info("disk_usage_recovered", "used_pct", usedPct, "window", w.recoveryWindow.String())
				w.diskAlert = false
			}
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapSys > 0 {
		heapPct := float64(m.HeapInuse) / float64(m.HeapSys) * 100
		w.heapUsedPct.Set(heapPct)

		if heapPct > float64(w.memHighPct) {
			if !w.memAlert {
				logger.Warn("memory_usage_high",
					"used_pct", heapPct,
					"threshold_pct", w.memHighPct,
					"heap_inuse", humanize.IBytes(m.HeapInuse),
				)
				w.memAlert = true
				w.lastMemAlert = now
			}
		} else if w.memAlert {
			if now.Sub(w.lastMemAlert) >= w.recoveryWindow {
				logger.Info("memory_usage_recovered", "used_pct", heapPct, "window", w.recoveryWindow.String())
				w.memAlert = false
			}
		}
	}

	w.setAlertGauge("disk", w.diskAlert)
	w.setAlertGauge("memory", w.memAlert)
}

func (w *watchdog) setAlertGauge(resource string, alerting bool) {
	v := 0.0
	if alerting {
		v = 1.0
	}
	w.alerts.WithLabelValues(resource).Set(v)
}
