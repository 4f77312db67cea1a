package syshealth

import "time"

// Threshold holds the warning and critical levels for one resource.
// Crossing warning contributes a half penalty, crossing critical a full
// one.
type Threshold struct {
	Warning  float64
	Critical float64
}

// Config holds sampling cadence and per-resource thresholds. IOWait,
// Memory, and DBPool thresholds are percentages; CPULoad thresholds are
// load-average factors of the core count.
type Config struct {
	Interval       time.Duration
	ProbeTimeout   time.Duration
	MaxSnapshotAge time.Duration

	IOWait  Threshold
	CPULoad Threshold
	Memory  Threshold
	DBPool  Threshold
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:       30 * time.Second,
		ProbeTimeout:   5 * time.Second,
		MaxSnapshotAge: 2 * time.Minute,
		IOWait:         Threshold{Warning: 30, Critical: 40},
		CPULoad:        Threshold{Warning: 2, Critical: 3},
		Memory:         Threshold{Warning: 85, Critical: 95},
		DBPool:         Threshold{Warning: 75, Critical: 90},
	}
}

// score condenses a snapshot into the 0-100 scale. I/O wait dominates
// the weighting: a worker that cannot read or flush pages stalls every
// pipeline stage at once.
func (c *Config) score(s Snapshot, cores int) (int, Zone) {
	if cores <= 0 {
		cores = 1
	}

	penalty := 0.40*c.IOWait.penalty(s.IOWait) +
		0.30*c.CPULoad.penalty(s.LoadAvg/float64(cores)) +
		0.20*c.DBPool.penalty(s.PoolUsed) +
		0.10*c.Memory.penalty(s.MemoryUsed)

	score := 100 - int(penalty)
	if score < 0 {
		score = 0
	}

	switch {
	case score <= 33:
		return score, ZoneCritical
	case score <= 66:
		return score, ZoneWarning
	default:
		return score, ZoneSafe
	}
}

func (t Threshold) penalty(value float64) float64 {
	switch {
	case value >= t.Critical:
		return 100
	case value >= t.Warning:
		return 50
	default:
		return 0
	}
}
