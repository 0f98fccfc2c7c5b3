package adapter

import (
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

// Canonical attribute names a raw field can map to.
const (
	TotalRealPower      = "Total Real Power"
	EnergyConsumed      = "Energy Consumed"
	TotalEnergyConsumed = "Total Energy Consumed"
	AverageVoltage      = "Average Voltage (L-N)"
	AverageCurrent      = "Average Current"
	PowerFactor         = "Total (System) Power Factor"

	CriticalAlarms    = "Critical Alarms"
	InformativeAlarms = "Informative Alarms"
)

var canonical = map[string]bool{
	TotalRealPower:      true,
	EnergyConsumed:      true,
	TotalEnergyConsumed: true,
	AverageVoltage:      true,
	AverageCurrent:      true,
	PowerFactor:         true,
	CriticalAlarms:      true,
	InformativeAlarms:   true,
}

// IsAttribute reports whether name is a canonical attribute.
func IsAttribute(name string) bool {
	return canonical[name]
}

// Mapping resolves raw field names to canonical attributes.
type Mapping map[string]string

// Attribute returns the canonical name for a raw field, if known.
func (m Mapping) Attribute(field string) (string, bool) {
	attr, ok := m[field]
	return attr, ok
}

// Defaults is the built-in mapping table. It is built once at startup and
// never mutated; Resolve copies it.
type Defaults struct {
	table Mapping
}

// NewDefaults builds the default mapping table.
func NewDefaults() *Defaults {
	table := Mapping{
		TotalRealPower:      TotalRealPower,
		TotalEnergyConsumed: TotalEnergyConsumed,
		AverageVoltage:      AverageVoltage,
		AverageCurrent:      AverageCurrent,
		PowerFactor:         PowerFactor,
		"Real Power":        TotalRealPower,
		// meters report the cumulative register under this name; the
		// incremental value is always derived
		EnergyConsumed: TotalEnergyConsumed,

		// generic inverter JSON
		"total_output_power": TotalRealPower,
		"total_e":            TotalEnergyConsumed,
		"grid_voltage":       AverageVoltage,
		"grid_current":       AverageCurrent,
		"power_factor":       PowerFactor,
	}
	return &Defaults{table: table}
}

// Len returns the number of default entries.
func (d *Defaults) Len() int { return len(d.table) }

// Resolve merges customer overrides over the defaults. Later overrides for
// the same raw name win.
func Resolve(defaults *Defaults, overrides []domain.AttributeMapping) Mapping {
	merged := make(Mapping, defaults.Len()+len(overrides))
	for field, attr := range defaults.table {
		merged[field] = attr
	}
	for _, o := range overrides {
		if o.MappingName == "" || o.Attribute == "" {
			continue
		}
		merged[o.MappingName] = o.Attribute
	}
	return merged
}

// setAttribute stores a parsed value on the reading under its canonical name.
func setAttribute(r *domain.Reading, attribute string, value float64) bool {
	switch attribute {
	case TotalRealPower:
		r.RealPower = domain.Some(value)
	case EnergyConsumed:
		r.EnergyConsumed = domain.Some(value)
	case TotalEnergyConsumed:
		r.TotalEnergyConsumed = domain.Some(value)
	case AverageVoltage:
		r.AverageVoltage = domain.Some(value)
	case AverageCurrent:
		r.AverageCurrent = domain.Some(value)
	case PowerFactor:
		r.PowerFactor = domain.Some(value)
	default:
		return false
	}
	return true
}
