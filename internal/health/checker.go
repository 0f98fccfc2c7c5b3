// Package health decides whether a device reporting no generation is
// actually unhealthy.
package health

import (
	"context"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// stormUV is the average UV index at or below which low output is blamed on
// the weather.
const stormUV = 0.1

// Options holds the heuristic's thresholds.
type Options struct {
	NoiseFloorKW       float64
	HistoryWindow      time.Duration
	IndexFailureWindow time.Duration
}

// Checker evaluates device health against recent history.
type Checker struct {
	index  repository.ReadingIndex
	status repository.HealthStatus
	opts   Options
}

// NewChecker creates a checker.
func NewChecker(index repository.ReadingIndex, status repository.HealthStatus, opts Options) *Checker {
	return &Checker{index: index, status: status, opts: opts}
}

// IndexHealthy reports whether the time-series index has not failed within
// the failure window. A status lookup error counts as unhealthy.
func (c *Checker) IndexHealthy(ctx context.Context) bool {
	failed, err := c.status.FailedWithin(ctx, c.opts.IndexFailureWindow)
	if err != nil {
		logger.Warnf("index health lookup failed: %v", err)
		return false
	}
	return !failed
}

// IsDeviceOK is called for a reading with non-positive power. The reading's
// IsDaylight must reflect the current time at the device's location.
func (c *Checker) IsDeviceOK(ctx context.Context, r *domain.Reading, indexHealthy bool) bool {
	log := logger.WithDevice(r.CustomerID, r.DeviceID)

	if !r.IsDaylight {
		return true
	}
	if r.RealPower.Set && r.RealPower.Value > c.opts.NoiseFloorKW {
		return true
	}
	if !indexHealthy {
		log.Info("index unhealthy, suppressing anomaly")
		return true
	}

	end := r.Timestamp
	if end.IsZero() {
		end = time.Now()
	}
	window, err := c.index.Window(ctx, r.CustomerID, r.DeviceID, end.Add(-c.opts.HistoryWindow), end)
	if err != nil {
		log.Warnf("history lookup failed, assuming OK: %v", err)
		if recErr := c.status.RecordFailure(ctx, time.Now()); recErr != nil {
			log.Errorf("failed to record index failure: %v", recErr)
		}
		return true
	}

	return c.judgeWindow(window)
}

func (c *Checker) judgeWindow(window []domain.Reading) bool {
	var powerSum, uvSum float64
	var powerN, uvN int
	for _, rd := range window {
		if !rd.IsDaylight {
			return true
		}
		if rd.RealPower.Set {
			powerSum += rd.RealPower.Value
			powerN++
		}
		if rd.Weather.UVIndex != domain.Unset {
			uvSum += rd.Weather.UVIndex
			uvN++
		}
	}

	if powerN > 0 && powerSum/float64(powerN) > c.opts.NoiseFloorKW {
		return true
	}
	if uvN > 0 {
		if avg := uvSum / float64(uvN); avg >= 0 && avg <= stormUV {
			return true
		}
	}
	return false
}
