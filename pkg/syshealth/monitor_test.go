package syshealth

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testMonitor returns a monitor whose probes report a healthy host
// until a test swaps them out.
func testMonitor(cfg *Config) *monitor {
	m := NewMonitor(cfg, nil, quietLog()).(*monitor)
	m.probeLoad = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 0.5}, nil
	}
	m.probeCPU = func(context.Context, bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{{User: 100, System: 50, Idle: 800, Iowait: 10}}, nil
	}
	m.probeMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 40}, nil
	}
	m.coreCount = func() int { return 4 }
	return m
}

func TestScoreZones(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name  string
		snap  Snapshot
		score int
		zone  Zone
	}{
		{"idle host", Snapshot{}, 100, ZoneSafe},
		{"io wait warning alone", Snapshot{IOWait: 32}, 80, ZoneSafe},
		{"io wait critical alone", Snapshot{IOWait: 45}, 60, ZoneWarning},
		{"io and cpu critical", Snapshot{IOWait: 45, LoadAvg: 13}, 30, ZoneCritical},
		{"pool warning alone", Snapshot{PoolUsed: 80}, 90, ZoneSafe},
		{"memory critical alone", Snapshot{MemoryUsed: 96}, 90, ZoneSafe},
		{"everything critical", Snapshot{IOWait: 50, LoadAvg: 99, MemoryUsed: 99, PoolUsed: 99}, 0, ZoneCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, zone := cfg.score(tt.snap, 4)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.zone, zone)
		})
	}
}

func TestScoreDividesLoadByCores(t *testing.T) {
	cfg := DefaultConfig()

	// Load 3 is critical on one core but nothing on four.
	score, _ := cfg.score(Snapshot{LoadAvg: 3}, 1)
	assert.Equal(t, 70, score)

	score, zone := cfg.score(Snapshot{LoadAvg: 3}, 4)
	assert.Equal(t, 100, score)
	assert.Equal(t, ZoneSafe, zone)
}

func TestSampleKeepsPreviousValuesWhenProbesFail(t *testing.T) {
	m := testMonitor(DefaultConfig())
	m.probeLoad = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 2.0}, nil
	}
	m.sample()
	require.Equal(t, 2.0, m.Snapshot().LoadAvg)

	m.probeLoad = func(context.Context) (*load.AvgStat, error) {
		return nil, errors.New("proc unavailable")
	}
	m.sample()

	assert.Equal(t, 2.0, m.Snapshot().LoadAvg, "failed probe must not zero the reading")
	assert.Equal(t, 1, m.failures)

	m.sample()
	m.sample()
	assert.Equal(t, 3, m.failures)

	m.probeLoad = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: 0.1}, nil
	}
	m.sample()
	assert.Equal(t, 0, m.failures)
	assert.Equal(t, 0.1, m.Snapshot().LoadAvg)
}

func TestIOWaitIsDeltaBased(t *testing.T) {
	m := testMonitor(DefaultConfig())

	times := cpu.TimesStat{User: 100, System: 50, Idle: 800, Iowait: 10}
	m.probeCPU = func(context.Context, bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{times}, nil
	}

	m.sample()
	assert.Zero(t, m.Snapshot().IOWait, "first sample has no previous cycle")

	// 100 more units of CPU time, 40 of them waiting on I/O.
	times = cpu.TimesStat{User: 120, System: 70, Idle: 820, Iowait: 50}
	m.sample()
	assert.InDelta(t, 40.0, m.Snapshot().IOWait, 0.01)
}

func TestSnapshotStaleness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSnapshotAge = 50 * time.Millisecond
	m := testMonitor(cfg)

	m.sample()
	assert.False(t, m.Snapshot().Stale)

	time.Sleep(80 * time.Millisecond)
	assert.True(t, m.Snapshot().Stale)
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = 10 * time.Millisecond
	m := testMonitor(cfg)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())

	assert.Eventually(t, func() bool {
		return !m.Snapshot().CollectedAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}
