package syshealth

import (
	"math"
	"sync"
	"time"
)

// Adjustment cooldowns. Decreases apply quickly so an overloaded host
// sheds work fast; increases are deliberately slow to avoid oscillation.
const (
	decreaseCooldown = 1 * time.Minute
	increaseCooldown = 5 * time.Minute
)

// ConcurrencyScaler adjusts how many worker threads may claim documents
// based on the monitor's health zone.
type ConcurrencyScaler struct {
	monitor Monitor
	worker  string

	mu             sync.Mutex
	enabled        bool
	min            int
	max            int
	current        int
	lastAdjustment time.Time
}

// NewConcurrencyScaler creates a scaler for one worker pool. worker is a
// stable label for metrics, not a per-process identifier. min is clamped
// to 1 and max to min.
func NewConcurrencyScaler(monitor Monitor, worker string, enabled bool, min, max int) *ConcurrencyScaler {
	min, max = clampBounds(min, max)
	return &ConcurrencyScaler{
		monitor:        monitor,
		worker:         worker,
		enabled:        enabled,
		min:            min,
		max:            max,
		current:        max, // start at max, scale down if needed
		lastAdjustment: time.Now(),
	}
}

// UpdateConfig replaces the scaling bounds at runtime and re-clamps the
// current level into them. Cooldowns still govern movement toward a new
// target inside the bounds.
func (s *ConcurrencyScaler) UpdateConfig(enabled bool, min, max int) {
	min, max = clampBounds(min, max)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled = enabled
	s.min = min
	s.max = max
	if s.current < min {
		s.current = min
	}
	if s.current > max {
		s.current = max
	}
}

// GetConcurrency returns the currently allowed concurrency. When scaling
// is disabled it passes staticValue through untouched.
func (s *ConcurrencyScaler) GetConcurrency(staticValue int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled {
		return staticValue
	}

	health := s.monitor.Snapshot()
	now := time.Now()
	sinceLast := now.Sub(s.lastAdjustment)

	// Stale health data is treated as a warning: the monitor may have
	// died exactly because the host is overloaded.
	zone := health.Zone
	reason := string(zone)
	if health.Stale {
		zone = ZoneWarning
		reason = "stale"
	}

	target := s.current
	switch zone {
	case ZoneCritical:
		target = s.min
	case ZoneWarning:
		target = int(math.Max(float64(s.min), float64(s.max)*0.5))
	case ZoneSafe:
		target = s.max
	}

	if target < s.current {
		// Critical drops bypass the cooldown entirely.
		if zone == ZoneCritical || sinceLast >= decreaseCooldown {
			s.current = target
			s.lastAdjustment = now
			adjustmentsTotal.WithLabelValues(s.worker, "decrease", reason).Inc()
		}
	} else if target > s.current {
		// Increases move at most 50% per step.
		if sinceLast >= increaseCooldown {
			step := int(math.Max(1.0, float64(s.current)*0.5))
			s.current = int(math.Min(float64(target), float64(s.current+step)))
			s.lastAdjustment = now
			adjustmentsTotal.WithLabelValues(s.worker, "increase", reason).Inc()
		}
	}

	if s.current < s.min {
		s.current = s.min
	}
	if s.current > s.max {
		s.current = s.max
	}

	concurrencyGauge.WithLabelValues(s.worker).Set(float64(s.current))
	return s.current
}

// Throttled records one claim attempt parked because the scaler is
// holding concurrency below the configured level.
func (s *ConcurrencyScaler) Throttled() {
	throttledTotal.WithLabelValues(s.worker).Inc()
}

func clampBounds(min, max int) (int, int) {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return min, max
}
