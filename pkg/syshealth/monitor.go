// Package syshealth watches host and database-pool pressure and scales
// worker concurrency against it. A background monitor samples load,
// I/O wait, memory, and pool utilization into a weighted 0-100 score;
// the score's zone drives the ConcurrencyScaler that claim loops
// consult before taking work.
package syshealth

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/uptrace/bun"

	"github.com/docmesh/docmesh/pkg/logger"
)

// Zone buckets the health score into the bands the scaler acts on.
type Zone string

const (
	// ZoneSafe covers scores 67-100.
	ZoneSafe Zone = "safe"
	// ZoneWarning covers scores 34-66.
	ZoneWarning Zone = "warning"
	// ZoneCritical covers scores 0-33.
	ZoneCritical Zone = "critical"
)

// Snapshot is one sampled view of system pressure.
type Snapshot struct {
	Score int
	Zone  Zone

	// LoadAvg is the 1-minute load average.
	LoadAvg float64
	// IOWait is the percentage of CPU time spent waiting on I/O since
	// the previous sample.
	IOWait float64
	// MemoryUsed is host memory utilization, 0-100.
	MemoryUsed float64
	// PoolUsed is database pool utilization, 0-100.
	PoolUsed float64

	CollectedAt time.Time
	// Stale marks a snapshot older than the configured maximum age.
	Stale bool
}

// Monitor samples system pressure in the background.
type Monitor interface {
	Start() error
	Stop() error
	Snapshot() *Snapshot
}

type monitor struct {
	cfg *Config
	db  bun.IDB
	log *slog.Logger

	mu       sync.RWMutex
	latest   Snapshot
	running  bool
	stop     chan struct{}
	ticker   *time.Ticker
	failures int

	prevCPU *cpu.TimesStat

	// Probes, swappable in tests.
	probeLoad   func(context.Context) (*load.AvgStat, error)
	probeCPU    func(context.Context, bool) ([]cpu.TimesStat, error)
	probeMemory func(context.Context) (*mem.VirtualMemoryStat, error)
	coreCount   func() int
}

// NewMonitor creates a system health monitor. cfg may be nil for
// defaults; db may be nil when pool utilization is not of interest.
func NewMonitor(cfg *Config, db bun.IDB, log *slog.Logger) Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &monitor{
		cfg:         cfg,
		db:          db,
		log:         log.With(logger.Scope("syshealth")),
		latest:      Snapshot{Score: 100, Zone: ZoneSafe},
		probeLoad:   load.AvgWithContext,
		probeCPU:    cpu.TimesWithContext,
		probeMemory: mem.VirtualMemoryWithContext,
		coreCount:   runtime.NumCPU,
	}
}

func (m *monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.stop = make(chan struct{})
	m.ticker = time.NewTicker(m.cfg.Interval)

	go func() {
		m.sample()
		for {
			select {
			case <-m.ticker.C:
				m.sample()
			case <-m.stop:
				return
			}
		}
	}()

	m.log.Info("health monitor started", slog.Duration("interval", m.cfg.Interval))
	return nil
}

func (m *monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.ticker.Stop()
	close(m.stop)
	return nil
}

// Snapshot returns a copy of the latest sample so callers never race
// with the collection loop.
func (m *monitor) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.latest
	if time.Since(snap.CollectedAt) > m.cfg.MaxSnapshotAge {
		snap.Stale = true
	}
	return &snap
}

func (m *monitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()

	loadAvg, loadOK := m.readLoad(ctx)
	ioWait, ioOK := m.readIOWait(ctx)
	memUsed, memOK := m.readMemory(ctx)
	poolUsed := m.readPool()

	m.mu.Lock()
	defer m.mu.Unlock()

	// A probe that failed reports ok=false; keep the previous value for
	// it rather than reporting a false recovery.
	if !loadOK {
		loadAvg = m.latest.LoadAvg
	}
	if !ioOK {
		ioWait = m.latest.IOWait
	}
	if !memOK {
		memUsed = m.latest.MemoryUsed
	}
	if loadOK && ioOK && memOK {
		m.failures = 0
	} else {
		m.failures++
		if m.failures >= 3 {
			m.log.Error("persistent probe failures", slog.Int("consecutive", m.failures))
		}
	}

	snap := Snapshot{
		LoadAvg:     loadAvg,
		IOWait:      ioWait,
		MemoryUsed:  memUsed,
		PoolUsed:    poolUsed,
		CollectedAt: time.Now(),
	}
	snap.Score, snap.Zone = m.cfg.score(snap, m.coreCount())

	if snap.Zone != m.latest.Zone {
		m.log.Warn("health zone transition",
			slog.String("from", string(m.latest.Zone)),
			slog.String("to", string(snap.Zone)),
			slog.Int("score", snap.Score))
	}
	m.latest = snap

	healthScore.WithLabelValues(string(snap.Zone)).Set(float64(snap.Score))
	ioWaitGauge.Set(ioWait)
	loadAvgGauge.Set(loadAvg)
	memoryGauge.Set(memUsed)
	poolGauge.Set(poolUsed)

	m.log.Debug("health sampled",
		slog.Int("score", snap.Score),
		slog.String("zone", string(snap.Zone)),
		slog.Float64("io_wait", ioWait),
		slog.Float64("load", loadAvg),
		slog.Float64("memory", memUsed),
		slog.Float64("pool", poolUsed))
}

func (m *monitor) readLoad(ctx context.Context) (float64, bool) {
	l, err := m.probeLoad(ctx)
	if err != nil {
		m.log.Error("load probe failed", logger.Error(err))
		return 0, false
	}
	return l.Load1, true
}

// readIOWait derives the wait share from the delta against the previous
// sample's cumulative CPU times, so the first sample always reports 0.
func (m *monitor) readIOWait(ctx context.Context) (float64, bool) {
	times, err := m.probeCPU(ctx, false)
	if err != nil || len(times) == 0 {
		if err != nil {
			m.log.Error("cpu probe failed", logger.Error(err))
		}
		return 0, false
	}

	t := times[0]
	var ioWait float64
	if m.prevCPU != nil {
		dTotal := t.Total() - m.prevCPU.Total()
		dWait := t.Iowait - m.prevCPU.Iowait
		if dTotal > 0 {
			ioWait = dWait / dTotal * 100.0
		}
	}
	m.prevCPU = &t
	return ioWait, true
}

func (m *monitor) readMemory(ctx context.Context) (float64, bool) {
	v, err := m.probeMemory(ctx)
	if err != nil {
		m.log.Error("memory probe failed", logger.Error(err))
		return 0, false
	}
	return v.UsedPercent, true
}

func (m *monitor) readPool() float64 {
	bdb, ok := m.db.(*bun.DB)
	if !ok {
		return 0
	}
	stats := bdb.DB.Stats()
	if stats.MaxOpenConnections == 0 {
		return 0
	}
	return float64(stats.InUse) / float64(stats.MaxOpenConnections) * 100.0
}
