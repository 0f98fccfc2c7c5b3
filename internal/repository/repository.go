package repository

import (
	"context"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

// DeviceRepository stores device records, keyed by id and by (customer, name).
type DeviceRepository interface {
	// Get returns domain.ErrNotFound when no device has the id.
	Get(ctx context.Context, id string) (*domain.Device, error)

	// FindByName returns domain.ErrNotFound when the customer has no such device.
	FindByName(ctx context.Context, customerID, name string) (*domain.Device, error)

	// CreateIfAbsent inserts the device unless one with the same customer and
	// name exists; either way the stored record is returned (first seen wins).
	CreateIfAbsent(ctx context.Context, device domain.Device) (*domain.Device, error)

	// BackfillSerial sets the serial number only if the device has none.
	BackfillSerial(ctx context.Context, id, serial string) (bool, error)

	RecordCheckIn(ctx context.Context, id string, at time.Time) error
	ListEnabled(ctx context.Context) ([]domain.Device, error)
	ListBySite(ctx context.Context, customerID, siteID string) ([]domain.Device, error)
	Delete(ctx context.Context, id string) error
}

// CustomerRepository reads customer records.
type CustomerRepository interface {
	Get(ctx context.Context, customerID string) (*domain.Customer, error)
}

// Marker names one of an alarm's email marker fields.
type Marker string

const (
	EmailedMarker        Marker = "emailed"
	ResolveEmailedMarker Marker = "resolveEmailed"
)

// AlarmRepository stores alarms with lookups by device+state, emailed markers
// and state+date. Changes after creation are conditional field updates so a
// stale copy never overwrites a newer state.
type AlarmRepository interface {
	// FindOrCreateActive atomically returns the ACTIVE alarm for the seed's
	// (customer, device), inserting the seed when none exists.
	FindOrCreateActive(ctx context.Context, seed domain.Alarm) (alarm *domain.Alarm, created bool, err error)

	// FindActive returns domain.ErrNotFound when the pair has no open alarm.
	FindActive(ctx context.Context, customerID, deviceID string) (*domain.Alarm, error)

	// Touch bumps lastUpdate of an ACTIVE alarm and fills an empty message.
	// It returns domain.ErrNotFound once the alarm is no longer active.
	Touch(ctx context.Context, alarmID string, at int64, message string) error

	// Promote moves an ACTIVE alarm from DontEmail to NeedsEmail and reports
	// whether it did.
	Promote(ctx context.Context, alarmID string, at int64) (bool, error)

	// Resolve closes an ACTIVE alarm and returns it as stored afterwards. It
	// returns domain.ErrNotFound when the alarm was already closed.
	Resolve(ctx context.Context, alarmID string, at int64) (*domain.Alarm, error)

	// SwapMarker sets marker to `to` only while it still holds `from`.
	SwapMarker(ctx context.Context, alarmID string, marker Marker, from, to int64) (bool, error)

	// QueueResolveNotice sets ResolveEmailed to NeedsEmail when the alert went
	// out and no resolution notice is queued or sent yet.
	QueueResolveNotice(ctx context.Context, alarmID string) (bool, error)

	ListActive(ctx context.Context, customerID string) ([]domain.Alarm, error)
	FindByEmailed(ctx context.Context, marker int64) ([]domain.Alarm, error)
	FindByResolveEmailed(ctx context.Context, marker int64) ([]domain.Alarm, error)
	FindByStateBefore(ctx context.Context, state int, before time.Time) ([]domain.Alarm, error)
	Delete(ctx context.Context, alarmID string) error
	DeleteByDevice(ctx context.Context, customerID, deviceID string) (int64, error)
}

// LinkedDeviceRepository keeps the latest snapshot per child device.
type LinkedDeviceRepository interface {
	Upsert(ctx context.Context, device domain.LinkedDevice) error
	// Get returns domain.ErrNotFound when no snapshot exists.
	Get(ctx context.Context, customerID, id string) (*domain.LinkedDevice, error)
	Delete(ctx context.Context, customerID, id string) error
}

// MappingRepository stores per-customer attribute mapping overrides.
type MappingRepository interface {
	List(ctx context.Context, customerID string) ([]domain.AttributeMapping, error)
	Put(ctx context.Context, mapping domain.AttributeMapping) error
	Delete(ctx context.Context, customerID, mappingName string) error
}

// ReadingIndex is the time-series index for readings.
type ReadingIndex interface {
	Append(ctx context.Context, readings []domain.Reading) error

	// Latest returns domain.ErrNotFound when the device never reported.
	Latest(ctx context.Context, customerID, deviceID string) (*domain.Reading, error)

	// Window returns readings in [start, end], oldest first.
	Window(ctx context.Context, customerID, deviceID string, start, end time.Time) ([]domain.Reading, error)

	// PreviousTotal returns the latest total energy consumed strictly before
	// the given time and within lookback; absent when none was recorded.
	PreviousTotal(ctx context.Context, customerID, deviceID string, before time.Time, lookback time.Duration) (domain.OptFloat, error)
}

// HealthStatus tracks recent failures of the time-series index.
type HealthStatus interface {
	RecordFailure(ctx context.Context, at time.Time) error
	FailedWithin(ctx context.Context, window time.Duration) (bool, error)
}

// RawPayload is an unprocessed body dropped off by the ingestion transport.
type RawPayload struct {
	ID         string    `bson:"_id" json:"id"`
	CustomerID string    `bson:"customerId" json:"customerId"`
	Body       string    `bson:"body" json:"body"`
	Received   time.Time `bson:"received" json:"received"`
	Processed  bool      `bson:"processed" json:"processed"`
	Error      string    `bson:"error,omitempty" json:"error,omitempty"`
}

// RawQueue buffers raw payloads until the service processes them.
type RawQueue interface {
	Enqueue(ctx context.Context, customerID, body string) (string, error)
	GetUnprocessed(ctx context.Context, limit int) ([]RawPayload, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkError(ctx context.Context, id, msg string) error
	CountUnprocessed(ctx context.Context) (int64, error)
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Store bundles every entity repository.
type Store interface {
	Devices() DeviceRepository
	Customers() CustomerRepository
	Alarms() AlarmRepository
	LinkedDevices() LinkedDeviceRepository
	Mappings() MappingRepository
	Health() HealthStatus
	Raw() RawQueue
}
