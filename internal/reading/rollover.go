package reading

import (
	"strings"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
)

// Rollover describes where a cumulative energy counter wraps (Threshold) and
// how close to either end a pair of totals must be to count as a wrap (Margin).
type Rollover struct {
	Threshold float64
	Margin    float64
}

// Correct returns the total to subtract prev from. A new total just above
// zero following a previous total just below the threshold is treated as a
// wrap; anything else is returned unchanged.
func (r Rollover) Correct(prev, newTotal float64) float64 {
	if prev < newTotal {
		return newTotal
	}
	if newTotal < r.Margin && prev >= r.Threshold-r.Margin && prev < r.Threshold {
		return r.Threshold + newTotal
	}
	return newTotal
}

// Rollovers selects the counter width per vendor.
type Rollovers struct {
	Default Rollover
	Vendors map[string]Rollover
}

// NewRollovers builds the table from configuration. Vendor overrides share the
// default margin.
func NewRollovers(cfg *config.Config) Rollovers {
	rs := Rollovers{
		Default: Rollover{Threshold: cfg.RolloverThreshold, Margin: cfg.RolloverMargin},
		Vendors: make(map[string]Rollover, len(cfg.VendorRollovers)),
	}
	for vendor, threshold := range cfg.VendorRollovers {
		rs.Vendors[strings.ToLower(vendor)] = Rollover{Threshold: threshold, Margin: cfg.RolloverMargin}
	}
	return rs
}

// For returns the rollover for a vendor, falling back to the default.
func (rs Rollovers) For(vendor string) Rollover {
	if r, ok := rs.Vendors[strings.ToLower(vendor)]; ok {
		return r
	}
	return rs.Default
}
