package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/adapter"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/lease"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/notify"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/weather"
)

type sentMail struct {
	recipient, subject string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeSender) Send(_ context.Context, recipient, subject string, _ notify.Body) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{recipient, subject})
	return nil
}

type fixture struct {
	svc    *Service
	store  *repository.MemoryStore
	index  *repository.MemoryIndex
	locker *lease.Local
	sender *fakeSender
}

func testConfig() *config.Config {
	return &config.Config{
		DBType:             "memory",
		BatchSize:          100,
		FlushInterval:      50,
		RolloverThreshold:  1_000_000,
		RolloverMargin:     1_000,
		NoiseFloorKW:       0.1,
		NoDataWindow:       45 * time.Minute,
		StaleReading:       time.Hour,
		HistoryWindow:      2 * time.Hour,
		IndexFailureWindow: 30 * time.Minute,
		AlarmRetention:     365 * 24 * time.Hour,
		LastTotalLookback:  7 * 24 * time.Hour,
		LeaseTTL:           time.Minute,
		SweepParallelism:   4,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		index:  repository.NewMemoryIndex(),
		locker: lease.NewLocal(),
		sender: &fakeSender{},
	}
	geo := weather.NewService("", "")
	f.svc = NewService(testConfig(), Deps{
		Store:   f.store,
		Index:   f.index,
		Sender:  f.sender,
		Locker:  f.locker,
		Weather: geo,
	})
	t.Cleanup(func() {
		_ = f.svc.Close()
		geo.Close()
	})
	return f
}

// noonLongitude returns the longitude where the sun is near its highest at t.
func noonLongitude(t time.Time) float64 {
	utc := t.UTC()
	hours := float64(utc.Hour()) + float64(utc.Minute())/60
	return (12 - hours) * 15
}

func inverterJSON(name string, ts time.Time, power float64) string {
	return fmt.Sprintf(`{"device_name": %q, "serial_no": "SN-%s", "timestamp": %q, "status": "OK",
		"data": {"total_output_power": %g, "total_e": 1500.5, "grid_voltage": 230.1, "grid_current": 8.2, "power_factor": 98}}`,
		name, name, ts.UTC().Format(time.RFC3339), power)
}

// placeInSun moves an auto-provisioned device to the equator at solar noon.
func (f *fixture) placeInSun(t *testing.T, name string) *domain.Device {
	t.Helper()
	device, err := f.store.Devices().FindByName(context.Background(), "cust", name)
	require.NoError(t, err)
	device.Latitude = 1
	device.Longitude = noonLongitude(time.Now())
	f.store.PutDevice(*device)
	return device
}

func TestHandlePayloadStoresReading(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := time.Now().Add(-5 * time.Minute).Truncate(time.Second)

	r, err := f.svc.HandlePayload(ctx, inverterJSON("inv-1", ts, 4.2), "cust")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, 4.2, r.RealPower.Value)
	assert.Equal(t, domain.NoSite, r.SiteID)

	f.svc.Flush()
	latest, err := f.index.Latest(ctx, "cust", r.DeviceID)
	require.NoError(t, err)
	assert.True(t, latest.Timestamp.Equal(ts))
	assert.Equal(t, 1500.5, latest.TotalEnergyConsumed.Value)

	stats, err := f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Processed)
	assert.True(t, stats.IndexHealthy)
}

func TestHandlePayloadDerivesIncrementalEnergy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := time.Now().Add(-20 * time.Minute).Truncate(time.Second)

	_, err := f.svc.HandlePayload(ctx, inverterJSON("inv-1", first, 4.2), "cust")
	require.NoError(t, err)
	f.svc.Flush()

	body := fmt.Sprintf(`{"device_name": "inv-1", "timestamp": %q,
		"data": {"total_output_power": 4.0, "total_e": 1502.0, "grid_voltage": 230.1, "grid_current": 8.2, "power_factor": 98}}`,
		first.Add(15*time.Minute).UTC().Format(time.RFC3339))
	r, err := f.svc.HandlePayload(ctx, body, "cust")
	require.NoError(t, err)
	require.True(t, r.EnergyConsumed.Set)
	assert.InDelta(t, 1.5, r.EnergyConsumed.Value, 1e-9)
}

func TestHandlePayloadResolvesAlarm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.HandlePayload(ctx, inverterJSON("inv-1", time.Now().Add(-10*time.Minute), 0), "cust")
	require.NoError(t, err)
	device := f.placeInSun(t, "inv-1")

	_, err = f.svc.engine.AlarmConditionDetected(ctx, "cust", device.ID, device.SiteID, msgNotGenerating)
	require.NoError(t, err)

	r, err := f.svc.HandlePayload(ctx, inverterJSON("inv-1", time.Now().Add(-time.Minute), 5.5), "cust")
	require.NoError(t, err)
	assert.True(t, r.IsDaylight)

	alarms := f.store.AllAlarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, domain.Resolved, alarms[0].State)
	assert.Equal(t, domain.ResolvedNotEmailed, alarms[0].Emailed)
}

func TestHandlePayloadDrops(t *testing.T) {
	ctx := context.Background()

	t.Run("garbage", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.svc.HandlePayload(ctx, "hello", "cust")
		assert.ErrorIs(t, err, domain.ErrMalformedInput)
		assert.Nil(t, r)
		assert.Equal(t, uint64(1), f.svc.droppedCount)
	})

	t.Run("incomplete_reading", func(t *testing.T) {
		f := newFixture(t)
		body := fmt.Sprintf(`{"device_name": "inv-1", "timestamp": %q, "data": {"total_output_power": 4.0}}`,
			time.Now().UTC().Format(time.RFC3339))
		r, err := f.svc.HandlePayload(ctx, body, "cust")
		assert.ErrorIs(t, err, domain.ErrMalformedInput)
		assert.Nil(t, r)

		f.svc.Flush()
		device, err := f.store.Devices().FindByName(ctx, "cust", "inv-1")
		require.NoError(t, err)
		_, err = f.index.Latest(ctx, "cust", device.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("blank", func(t *testing.T) {
		f := newFixture(t)
		r, err := f.svc.HandlePayload(ctx, "   ", "cust")
		assert.NoError(t, err)
		assert.Nil(t, r)
	})
}

func TestHandlePayloadFaultCarry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := time.Now().Add(-20 * time.Minute).Truncate(time.Second)

	_, err := f.svc.HandlePayload(ctx, inverterJSON("inv-1", first, 4.2), "cust")
	require.NoError(t, err)
	f.svc.Flush()

	body := fmt.Sprintf(`{"device_name": "inv-1", "timestamp": %q, "status": "GRID FAULT"}`,
		first.Add(15*time.Minute).UTC().Format(time.RFC3339))
	r, err := f.svc.HandlePayload(ctx, body, "cust")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.FaultCarry)
	assert.Equal(t, 1500.5, r.TotalEnergyConsumed.Value)

	alarms := f.store.AllAlarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, "Error text: GRID FAULT", alarms[0].Message)
	assert.Equal(t, domain.DontEmail, alarms[0].Emailed)

	f.svc.Flush()
	latest, err := f.index.Latest(ctx, "cust", r.DeviceID)
	require.NoError(t, err)
	assert.True(t, latest.FaultCarry)
}

func TestHealthSweepNoRecentData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutDevice(domain.Device{ID: "quiet", ClientID: "cust", Name: "quiet", SiteID: "s1"})
	f.store.PutDevice(domain.Device{ID: "off", ClientID: "cust", Name: "off", SiteID: "s1", Disabled: true})

	require.NoError(t, f.svc.RunHealthSweep(ctx))

	alarms := f.store.AllAlarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, "quiet", alarms[0].DeviceID)
	assert.Equal(t, msgNoRecentData, alarms[0].Message)
	assert.Equal(t, domain.NeedsEmail, alarms[0].Emailed)

	stats, err := f.svc.GetStats(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, stats.LastSweepTime)
}

func sunnyReading(deviceID string, ts time.Time, power float64) domain.Reading {
	r := domain.NewReading("cust", deviceID)
	r.SiteID = "s1"
	r.Timestamp = ts
	r.RealPower = domain.Some(power)
	r.TotalEnergyConsumed = domain.Some(100)
	r.IsDaylight = true
	r.Weather.UVIndex = 3.0
	return *r
}

func TestHealthSweepNotGenerating(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	f.store.PutDevice(domain.Device{ID: "inv", ClientID: "cust", Name: "inv", SiteID: "s1",
		Latitude: 1, Longitude: noonLongitude(now)})
	require.NoError(t, f.index.Append(ctx, []domain.Reading{
		sunnyReading("inv", now.Add(-30*time.Minute), 0),
		sunnyReading("inv", now.Add(-5*time.Minute), 0),
	}))

	require.NoError(t, f.svc.RunHealthSweep(ctx))

	alarms := f.store.AllAlarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, msgNotGenerating, alarms[0].Message)
}

func TestHealthSweepGeneratingDeviceIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutDevice(domain.Device{ID: "inv", ClientID: "cust", Name: "inv", SiteID: "s1"})
	require.NoError(t, f.index.Append(ctx, []domain.Reading{sunnyReading("inv", time.Now().Add(-5*time.Minute), 3.2)}))

	require.NoError(t, f.svc.RunHealthSweep(ctx))
	assert.Empty(t, f.store.AllAlarms())
}

func TestHealthSweepCriticalChild(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	f.store.PutDevice(domain.Device{ID: "inv", ClientID: "cust", Name: "inv", SiteID: "s1", SerialNumber: "SN-1"})
	require.NoError(t, f.index.Append(ctx, []domain.Reading{sunnyReading("inv", now.Add(-5*time.Minute), 0)}))

	child := domain.NewLinkedDevice("SN-1", "cust", now.Add(-2*time.Minute))
	child.CriticalAlarm = 1 | 64
	require.NoError(t, f.store.LinkedDevices().Upsert(ctx, child))

	require.NoError(t, f.svc.RunHealthSweep(ctx))

	alarms := f.store.AllAlarms()
	require.Len(t, alarms, 1)
	assert.Equal(t, "Ground fault detected\nGrid connection lost", alarms[0].Message)
}

func TestHealthSweepLeaseHeld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutDevice(domain.Device{ID: "quiet", ClientID: "cust", Name: "quiet", SiteID: "s1"})
	require.NoError(t, f.locker.Acquire(ctx, LeaseHealthSweep, time.Minute))

	err := f.svc.RunHealthSweep(ctx)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)
	assert.Empty(t, f.store.AllAlarms())
}

func TestHealthSweepSiteRollup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now()
	f.store.PutDevice(domain.Device{ID: "site", ClientID: "cust", Name: "Main St", SiteID: "s1", IsSite: true, Virtual: true})
	f.store.PutDevice(domain.Device{ID: "a", ClientID: "cust", Name: "a", SiteID: "s1"})
	f.store.PutDevice(domain.Device{ID: "b", ClientID: "cust", Name: "b", SiteID: "s1"})
	require.NoError(t, f.index.Append(ctx, []domain.Reading{
		sunnyReading("a", now.Add(-5*time.Minute), 2.0),
		sunnyReading("b", now.Add(-6*time.Minute), 3.5),
	}))

	require.NoError(t, f.svc.RunHealthSweep(ctx))
	f.svc.Flush()

	site, err := f.index.Latest(ctx, "cust", "site")
	require.NoError(t, err)
	assert.True(t, site.IsVirtual)
	assert.True(t, site.IsSite)
	assert.Equal(t, 5.5, site.RealPower.Value)
	assert.Equal(t, 200.0, site.TotalEnergyConsumed.Value)
	assert.Equal(t, domain.Unset, site.InformationalError)
	assert.Empty(t, f.store.AllAlarms())
}

func TestSendPendingNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutCustomer(domain.Customer{CustomerID: "cust", Email: "ops@example.com", Name: "Ops", Active: true})
	f.store.PutDevice(domain.Device{ID: "quiet", ClientID: "cust", Name: "quiet", SiteID: "s1"})
	require.NoError(t, f.svc.RunHealthSweep(ctx))

	summary, err := f.svc.SendPendingNotifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "ops@example.com", f.sender.sent[0].recipient)

	alarms := f.store.AllAlarms()
	require.Len(t, alarms, 1)
	assert.True(t, alarms[0].WasEmailed())
}

func TestCleanupOldAlarms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old := time.Now().Add(-400 * 24 * time.Hour).UnixMilli()
	_, _, err := f.store.Alarms().FindOrCreateActive(ctx, domain.Alarm{
		AlarmID: "old", CustomerID: "cust", DeviceID: "d", State: domain.Active, StartDate: old, LastUpdate: old,
	})
	require.NoError(t, err)

	deleted, err := f.svc.CleanupOldAlarms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.Empty(t, f.store.AllAlarms())
}

func TestDrainRaw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.EnqueueRaw(ctx, "cust", inverterJSON("inv-1", time.Now().Add(-time.Minute), 4.2))
	require.NoError(t, err)
	_, err = f.svc.EnqueueRaw(ctx, "cust", "not a payload")
	require.NoError(t, err)

	n, err := f.svc.DrainRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := f.store.Raw().GetUnprocessed(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, uint64(1), f.svc.processedCount)
	assert.Equal(t, uint64(1), f.svc.droppedCount)
}

func TestMappingOverrides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	err := f.svc.PutMapping(ctx, domain.AttributeMapping{CustomerID: "cust", MappingName: "watts", Attribute: "Bogus"})
	assert.ErrorIs(t, err, domain.ErrMalformedInput)

	// prime the cache, then make sure a write invalidates it
	before, err := f.svc.Overrides(ctx, "cust")
	require.NoError(t, err)
	assert.Empty(t, before)

	require.NoError(t, f.svc.PutMapping(ctx, domain.AttributeMapping{CustomerID: "cust", MappingName: "pac_kw", Attribute: adapter.TotalRealPower}))
	after, err := f.svc.Overrides(ctx, "cust")
	require.NoError(t, err)
	require.Len(t, after, 1)

	body := fmt.Sprintf(`{"device_name": "inv-1", "timestamp": %q,
		"data": {"pac_kw": 7.7, "total_e": 10, "grid_voltage": 230.1, "grid_current": 8.2, "power_factor": 98}}`,
		time.Now().UTC().Format(time.RFC3339))
	r, err := f.svc.HandlePayload(ctx, body, "cust")
	require.NoError(t, err)
	assert.Equal(t, 7.7, r.RealPower.Value)

	require.NoError(t, f.svc.DeleteMapping(ctx, "cust", "pac_kw"))
	after, err = f.svc.Overrides(ctx, "cust")
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestDeleteDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.PutDevice(domain.Device{ID: "quiet", ClientID: "cust", Name: "quiet", SiteID: "s1"})
	require.NoError(t, f.svc.RunHealthSweep(ctx))
	require.Len(t, f.store.AllAlarms(), 1)

	assert.ErrorIs(t, f.svc.DeleteDevice(ctx, "other", "quiet"), domain.ErrNotFound)
	require.NoError(t, f.svc.DeleteDevice(ctx, "cust", "quiet"))

	assert.Empty(t, f.store.AllAlarms())
	_, err := f.store.Devices().Get(ctx, "quiet")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
