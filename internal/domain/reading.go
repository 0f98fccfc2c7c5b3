// internal/domain/reading.go

package domain

import (
	"math"
	"time"
)

// Unset is the storage sentinel for numeric fields that carry no value.
const Unset = -1

// OptFloat is a numeric field that may be absent. Arithmetic only ever
// touches Value after checking Set, so the -1 sentinel never leaks into math.
type OptFloat struct {
	Value float64 `json:"value"`
	Set   bool    `json:"set"`
}

// Some wraps a present value.
func Some(v float64) OptFloat {
	return OptFloat{Value: v, Set: true}
}

// FromSentinel converts a stored value where -1 means absent.
func FromSentinel(v float64) OptFloat {
	if v == Unset {
		return OptFloat{}
	}
	return Some(v)
}

// Or returns the value, or def when absent.
func (o OptFloat) Or(def float64) float64 {
	if !o.Set {
		return def
	}
	return o.Value
}

// AboveUnset reports Value > -1. Voltage, current, power and energy use this
// comparison; power factor uses NotUnset.
func (o OptFloat) AboveUnset() bool {
	return o.Set && o.Value > Unset
}

// NotUnset reports Value != -1.
func (o OptFloat) NotUnset() bool {
	return o.Set && o.Value != Unset
}

// Weather is the conditions snapshot attached to a reading.
type Weather struct {
	Temperature            float64 `json:"temperature"`
	UVIndex                float64 `json:"uvIndex"`
	PrecipitationIntensity float64 `json:"precipitationIntensity"`
	CloudCover             float64 `json:"cloudCover"`
	Visibility             float64 `json:"visibility"`
	Summary                string  `json:"summary"`
}

// UnknownWeather is used when the weather service cannot answer.
func UnknownWeather() Weather {
	return Weather{UVIndex: Unset, CloudCover: Unset, Visibility: Unset}
}

// Reading is one telemetry sample for one device at one instant.
type Reading struct {
	SiteID     string    `json:"site"`
	CustomerID string    `json:"customerId"`
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	Source     string    `json:"source"`
	Timestamp  time.Time `json:"timestamp"`

	RealPower           OptFloat `json:"realPower"`
	TotalEnergyConsumed OptFloat `json:"totalEnergyConsumed"`
	EnergyConsumed      OptFloat `json:"energyConsumed"`
	AverageVoltage      OptFloat `json:"averageVoltage"`
	AverageCurrent      OptFloat `json:"averageCurrent"`
	PowerFactor         OptFloat `json:"powerFactor"`

	InformationalError     int    `json:"informationalError"`
	InformationalErrorText string `json:"informationalErrorText,omitempty"`

	// FaultCarry marks a reading emitted for a faulted device that only
	// re-asserts the last known total energy.
	FaultCarry bool `json:"faultCarry,omitempty"`

	IsVirtual  bool    `json:"isVirtual"`
	IsSite     bool    `json:"isSite"`
	IsDaylight bool    `json:"isDaylight"`
	Weather    Weather `json:"weather"`
}

// NewReading returns a reading with every optional attribute absent.
func NewReading(customerID, deviceID string) *Reading {
	return &Reading{
		CustomerID:         customerID,
		DeviceID:           deviceID,
		InformationalError: Unset,
		Weather:            UnknownWeather(),
	}
}

// MissingReason explains why a reading fails the completeness invariant,
// or returns "" when it is valid.
func (r *Reading) MissingReason() string {
	switch {
	case r.SiteID == "":
		return "site"
	case r.CustomerID == "":
		return "customer"
	case r.DeviceID == "":
		return "device"
	case r.Timestamp.IsZero():
		return "timestamp"
	}
	if r.IsVirtual {
		return ""
	}
	switch {
	case !r.AverageVoltage.AboveUnset():
		return "voltage"
	case !r.AverageCurrent.AboveUnset():
		return "current"
	case !r.PowerFactor.NotUnset():
		return "power factor"
	case !r.RealPower.AboveUnset():
		return "real power"
	case !r.TotalEnergyConsumed.AboveUnset():
		return "total energy consumed"
	}
	return ""
}

// Valid reports whether the reading may be handed downstream.
func (r *Reading) Valid() bool {
	return r.MissingReason() == ""
}

// RoundHalfUp rounds to the given number of decimals, halves away from zero.
func RoundHalfUp(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Floor(v*p+0.5) / p
}
