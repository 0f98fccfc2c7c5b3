// Package reading fills in derived fields of a canonical reading and decides
// whether it is complete enough to be stored.
package reading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// Assembler derives real power and incremental energy.
type Assembler struct {
	index     repository.ReadingIndex
	health    repository.HealthStatus
	rollovers Rollovers
	lookback  time.Duration
}

// NewAssembler creates an assembler. lookback bounds how far back the
// previous cumulative total is searched for.
func NewAssembler(index repository.ReadingIndex, health repository.HealthStatus, rollovers Rollovers, lookback time.Duration) *Assembler {
	return &Assembler{
		index:     index,
		health:    health,
		rollovers: rollovers,
		lookback:  lookback,
	}
}

// Assemble completes the reading in place. Index failures are recorded and
// leave incremental energy absent; they never fail the reading.
func (a *Assembler) Assemble(ctx context.Context, r *domain.Reading, vendor string) {
	DerivePower(r)

	if r.EnergyConsumed.Set || !r.TotalEnergyConsumed.AboveUnset() || r.Timestamp.IsZero() {
		return
	}

	prev, err := a.index.PreviousTotal(ctx, r.CustomerID, r.DeviceID, r.Timestamp, a.lookback)
	if err != nil {
		logger.WithDevice(r.CustomerID, r.DeviceID).Warnf("previous total lookup failed: %v", err)
		if a.health != nil {
			if recErr := a.health.RecordFailure(ctx, time.Now()); recErr != nil {
				logger.Errorf("failed to record index failure: %v", recErr)
			}
		}
		return
	}
	if !prev.Set {
		return
	}

	r.EnergyConsumed = domain.Some(IncrementalEnergy(a.rollovers.For(vendor), prev.Value, r.TotalEnergyConsumed.Value))
}

// IncrementalEnergy is the rollover-corrected difference, never negative.
func IncrementalEnergy(rollover Rollover, prev, newTotal float64) float64 {
	delta := rollover.Correct(prev, newTotal) - prev
	if delta < 0 {
		return 0
	}
	return delta
}

// DerivePower computes real power kW from power factor (percent), volts and
// amps when the payload did not supply it.
func DerivePower(r *domain.Reading) {
	if r.RealPower.Set {
		return
	}
	if !r.PowerFactor.NotUnset() || !r.AverageVoltage.NotUnset() || !r.AverageCurrent.NotUnset() {
		return
	}
	power := math.Abs(r.PowerFactor.Value/100) * r.AverageVoltage.Value * r.AverageCurrent.Value * math.Sqrt(3) / 1000
	r.RealPower = domain.Some(domain.RoundHalfUp(power, 1))
}

// Gate rejects readings that fail the completeness invariant.
func Gate(r *domain.Reading) error {
	if reason := r.MissingReason(); reason != "" {
		return fmt.Errorf("%w: missing %s", domain.ErrMalformedInput, reason)
	}
	return nil
}
