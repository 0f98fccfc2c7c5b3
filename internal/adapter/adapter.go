// Package adapter turns vendor payloads into canonical readings.
//
// An adapter returns (nil, nil) for payloads that are handled but do not
// produce a reading: linked device fault telemetry and update-mode markers.
package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// Adapter parses one vendor's payload format.
type Adapter interface {
	Vendor() string
	Handle(ctx context.Context, body, customerID string) (*domain.Reading, error)
}

// FaultReporter receives device-signalled faults.
type FaultReporter interface {
	FaultDetected(ctx context.Context, customerID, deviceID, siteID, message string) (*domain.Alarm, error)
}

// OverrideSource returns a customer's attribute mapping overrides.
type OverrideSource interface {
	Overrides(ctx context.Context, customerID string) ([]domain.AttributeMapping, error)
}

// Deps are the collaborators shared by every adapter.
type Deps struct {
	Devices   repository.DeviceRepository
	Linked    repository.LinkedDeviceRepository
	Index     repository.ReadingIndex
	Faults    FaultReporter
	Overrides OverrideSource
	Defaults  *Defaults

	// LastTotalLookback bounds the search for the last known total on a
	// faulted payload.
	LastTotalLookback time.Duration
}

// base holds the steps common to all vendors.
type base struct {
	Deps
	vendor string
}

// mapping merges the customer's overrides over the defaults. A lookup
// failure falls back to the defaults alone.
func (b *base) mapping(ctx context.Context, customerID string) Mapping {
	var overrides []domain.AttributeMapping
	if b.Overrides != nil {
		var err error
		overrides, err = b.Overrides.Overrides(ctx, customerID)
		if err != nil {
			logger.Warnf("mapping overrides for %s unavailable, using defaults: %v", customerID, err)
		}
	}
	return Resolve(b.Defaults, overrides)
}

// resolveDevice finds the device by name, provisioning it on first sight,
// and backfills its serial number once.
func (b *base) resolveDevice(ctx context.Context, customerID, name, serial string) (*domain.Device, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: payload has no device name", domain.ErrMalformedInput)
	}

	device, err := b.Devices.FindByName(ctx, customerID, name)
	if errors.Is(err, domain.ErrNotFound) {
		device, err = b.Devices.CreateIfAbsent(ctx, domain.Device{
			ID:           uuid.NewString(),
			ClientID:     customerID,
			Name:         name,
			DeviceName:   name,
			SerialNumber: serial,
			Site:         domain.NoSite,
			SiteID:       domain.NoSite,
			Vendor:       b.vendor,
		})
		if err == nil {
			logger.WithDevice(customerID, device.ID).Infof("provisioned new device %q", name)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolving device %q: %w", name, err)
	}

	if device.SerialNumber == "" && serial != "" {
		updated, err := b.Devices.BackfillSerial(ctx, device.ID, serial)
		if err != nil {
			logger.WithDevice(customerID, device.ID).Warnf("serial backfill failed: %v", err)
		} else if updated {
			device.SerialNumber = serial
		}
	}

	if err := b.Devices.RecordCheckIn(ctx, device.ID, time.Now()); err != nil {
		logger.WithDevice(customerID, device.ID).Warnf("check-in failed: %v", err)
	}
	return device, nil
}

// newReading starts a reading for a resolved device.
func (b *base) newReading(device *domain.Device, ts time.Time) *domain.Reading {
	r := domain.NewReading(device.ClientID, device.ID)
	r.SiteID = device.SiteID
	r.DeviceName = device.Label()
	r.Source = b.vendor
	r.Timestamp = ts
	r.IsVirtual = device.Virtual
	r.IsSite = device.IsSite
	return r
}

// fault raises a fault for the device and returns a reading that carries only
// the last known total energy.
func (b *base) fault(ctx context.Context, device *domain.Device, ts time.Time, message string) (*domain.Reading, error) {
	if _, err := b.Faults.FaultDetected(ctx, device.ClientID, device.ID, device.SiteID, message); err != nil {
		return nil, fmt.Errorf("recording fault: %w", err)
	}

	r := b.newReading(device, ts)
	r.FaultCarry = true

	before := ts
	if before.IsZero() {
		before = time.Now()
	}
	total, err := b.Index.PreviousTotal(ctx, device.ClientID, device.ID, before, b.LastTotalLookback)
	if err != nil {
		logger.WithDevice(device.ClientID, device.ID).Warnf("last total lookup failed: %v", err)
		return r, nil
	}
	r.TotalEnergyConsumed = total
	return r, nil
}

// upsertLinked stores the child's fault snapshot.
func (b *base) upsertLinked(ctx context.Context, customerID, serial string, critical, informative int, ts time.Time) error {
	if serial == "" {
		return fmt.Errorf("%w: linked device payload has no serial", domain.ErrMalformedInput)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	rec := domain.NewLinkedDevice(serial, customerID, ts)
	rec.CriticalAlarm = critical
	rec.InformativeAlarm = informative
	return b.Linked.Upsert(ctx, rec)
}

// Registry picks an adapter by sniffing the payload.
type Registry struct {
	xml  Adapter
	json Adapter
}

// NewRegistry wires the built-in adapters.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		xml:  NewAcquiSuite(deps),
		json: NewGenericJSON(deps),
	}
}

// Select returns the adapter for the body.
func (r *Registry) Select(body string) (Adapter, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", domain.ErrMalformedInput)
	}
	switch trimmed[0] {
	case '<':
		return r.xml, nil
	case '{':
		return r.json, nil
	}
	return nil, fmt.Errorf("%w: unrecognized payload format", domain.ErrMalformedInput)
}

// Handle routes the body to its adapter. Blank input is a logged no-op.
func (r *Registry) Handle(ctx context.Context, body, customerID string) (*domain.Reading, error) {
	if strings.TrimSpace(body) == "" || strings.TrimSpace(customerID) == "" {
		logger.Warn("ignoring payload with blank body or customer")
		return nil, nil
	}
	a, err := r.Select(body)
	if err != nil {
		return nil, err
	}
	return a.Handle(ctx, body, customerID)
}

// parseLocalTime parses a local wall-clock time in the named zone. Missing,
// empty or NULL values give the zero time.
func parseLocalTime(value, zone string, layouts ...string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, nullValue) {
		return time.Time{}
	}

	loc := time.UTC
	if zone = strings.TrimSpace(zone); zone != "" {
		if l, err := time.LoadLocation(zone); err == nil {
			loc = l
		} else {
			logger.Warnf("unknown time zone %q, using UTC", zone)
		}
	}

	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, value, loc); err == nil {
			return ts
		}
	}
	logger.Warnf("unparseable timestamp %q", value)
	return time.Time{}
}
