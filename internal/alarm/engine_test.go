package alarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
)

func newTestEngine(t *testing.T) (*Engine, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutDevice(domain.Device{ID: "dev", ClientID: "cust", Name: "Meter 1", SiteID: "site"})
	e := NewEngine(store, Options{
		NoiseFloorKW: 0.1,
		StaleReading: time.Hour,
		Retention:    365 * 24 * time.Hour,
	})
	return e, store
}

func goodReading(power float64) *domain.Reading {
	r := domain.NewReading("cust", "dev")
	r.SiteID = "site"
	r.Timestamp = time.Now().Add(-5 * time.Minute)
	r.AverageVoltage = domain.Some(277)
	r.AverageCurrent = domain.Some(12)
	r.PowerFactor = domain.Some(99)
	r.RealPower = domain.Some(power)
	r.TotalEnergyConsumed = domain.Some(1000)
	r.IsDaylight = true
	return r
}

func activeCount(store *repository.MemoryStore) int {
	n := 0
	for _, a := range store.AllAlarms() {
		if a.IsActive() {
			n++
		}
	}
	return n
}

func TestRepeatedFaultsKeepOneSuppressedAlarm(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	var first *domain.Alarm
	for i := 0; i < 5; i++ {
		a, err := e.FaultDetected(ctx, "cust", "dev", "site", "Error code: 3 Error text: Modbus timeout")
		require.NoError(t, err)
		if first == nil {
			first = a
		}
		assert.Equal(t, first.AlarmID, a.AlarmID)
		assert.Equal(t, domain.DontEmail, a.Emailed)
	}

	all := store.AllAlarms()
	require.Len(t, all, 1)
	assert.Equal(t, domain.DontEmail, all[0].Emailed)
	assert.Equal(t, "Error code: 3 Error text: Modbus timeout", all[0].Message)
}

func TestAlarmConditionPromotesFault(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	_, err := e.FaultDetected(ctx, "cust", "dev", "site", "first fault")
	require.NoError(t, err)

	a, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "device not generating power")
	require.NoError(t, err)

	assert.Equal(t, domain.NeedsEmail, a.Emailed)
	assert.Equal(t, "first fault", a.Message)
	assert.Len(t, store.AllAlarms(), 1)
}

func TestAlarmConditionRespectsDisabledNotifications(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	store.PutDevice(domain.Device{ID: "quiet", ClientID: "cust", Name: "Quiet", NotificationsDisabled: true})

	a, err := e.AlarmConditionDetected(ctx, "cust", "quiet", "site", "no recent data")
	require.NoError(t, err)
	assert.Equal(t, domain.DontEmail, a.Emailed)

	a, err = e.AlarmConditionDetected(ctx, "cust", "quiet", "site", "no recent data")
	require.NoError(t, err)
	assert.Equal(t, domain.DontEmail, a.Emailed)
}

func TestAlarmConditionAlreadyEmailedUnchanged(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	a, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
	require.NoError(t, err)
	a.Emailed = 1_700_000_000_000
	store.PutAlarm(*a)

	a, err = e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000_000), a.Emailed)
}

func TestConcurrentDetectionsLeaveOneActive(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = e.FaultDetected(ctx, "cust", "dev", "site", "fault")
			} else {
				_, _ = e.AlarmConditionDetected(ctx, "cust", "dev", "site", "condition")
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, activeCount(store))
}

func TestResolveRules(t *testing.T) {
	ctx := context.Background()

	t.Run("night_keeps_active", func(t *testing.T) {
		e, store := newTestEngine(t)
		_, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
		require.NoError(t, err)

		r := goodReading(5)
		r.IsDaylight = false
		resolved, err := e.ResolveOnGoodData(ctx, r)
		require.NoError(t, err)
		assert.False(t, resolved)
		assert.Equal(t, 1, activeCount(store))
	})

	t.Run("noise_floor_keeps_active", func(t *testing.T) {
		e, store := newTestEngine(t)
		_, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
		require.NoError(t, err)

		resolved, err := e.ResolveOnGoodData(ctx, goodReading(0.05))
		require.NoError(t, err)
		assert.False(t, resolved)
		assert.Equal(t, 1, activeCount(store))
	})

	t.Run("stale_reading_ignored", func(t *testing.T) {
		e, store := newTestEngine(t)
		_, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
		require.NoError(t, err)

		r := goodReading(5)
		r.Timestamp = time.Now().Add(-2 * time.Hour)
		resolved, err := e.ResolveOnGoodData(ctx, r)
		require.NoError(t, err)
		assert.False(t, resolved)
		assert.Equal(t, 1, activeCount(store))
	})

	t.Run("pending_alert_resolves_without_email", func(t *testing.T) {
		e, store := newTestEngine(t)
		_, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
		require.NoError(t, err)

		resolved, err := e.ResolveOnGoodData(ctx, goodReading(5))
		require.NoError(t, err)
		require.True(t, resolved)

		a := store.AllAlarms()[0]
		assert.Equal(t, domain.Resolved, a.State)
		assert.NotZero(t, a.EndDate)
		assert.Equal(t, domain.ResolvedNotEmailed, a.Emailed)
		assert.Equal(t, domain.DontEmail, a.ResolveEmailed)
	})

	t.Run("emailed_alert_queues_resolution_notice", func(t *testing.T) {
		e, store := newTestEngine(t)
		a, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
		require.NoError(t, err)
		a.Emailed = time.Now().Add(-time.Hour).UnixMilli()
		store.PutAlarm(*a)

		resolved, err := e.ResolveOnGoodData(ctx, goodReading(5))
		require.NoError(t, err)
		require.True(t, resolved)
		assert.Equal(t, domain.NeedsEmail, store.AllAlarms()[0].ResolveEmailed)
	})

	t.Run("suppressed_fault_resolves_quietly", func(t *testing.T) {
		e, store := newTestEngine(t)
		_, err := e.FaultDetected(ctx, "cust", "dev", "site", "fault")
		require.NoError(t, err)

		resolved, err := e.ResolveOnGoodData(ctx, goodReading(5))
		require.NoError(t, err)
		require.True(t, resolved)

		a := store.AllAlarms()[0]
		assert.Equal(t, domain.DontEmail, a.Emailed)
		assert.Equal(t, domain.DontEmail, a.ResolveEmailed)
	})

	t.Run("no_alarm_is_noop", func(t *testing.T) {
		e, _ := newTestEngine(t)
		resolved, err := e.ResolveOnGoodData(ctx, goodReading(5))
		require.NoError(t, err)
		assert.False(t, resolved)
	})
}

func TestReopenAfterResolve(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	first, err := e.FaultDetected(ctx, "cust", "dev", "site", "fault")
	require.NoError(t, err)
	_, err = e.ResolveOnGoodData(ctx, goodReading(5))
	require.NoError(t, err)

	second, err := e.FaultDetected(ctx, "cust", "dev", "site", "fault again")
	require.NoError(t, err)

	assert.NotEqual(t, first.AlarmID, second.AlarmID)
	assert.Len(t, store.AllAlarms(), 2)
	assert.Equal(t, 1, activeCount(store))
}

// interleaved runs between once, right after the first lookup that finds an
// existing alarm, standing in for another worker.
type interleaved struct {
	repository.AlarmRepository
	once    sync.Once
	between func(a *domain.Alarm)
}

func (r *interleaved) FindOrCreateActive(ctx context.Context, seed domain.Alarm) (*domain.Alarm, bool, error) {
	a, created, err := r.AlarmRepository.FindOrCreateActive(ctx, seed)
	if err == nil && !created {
		r.once.Do(func() { r.between(a) })
	}
	return a, created, err
}

func TestFaultKeepsConcurrentPromotion(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	_, err := e.FaultDetected(ctx, "cust", "dev", "site", "fault")
	require.NoError(t, err)

	e.alarms = &interleaved{AlarmRepository: store.Alarms(), between: func(a *domain.Alarm) {
		promoted, err := store.Alarms().Promote(ctx, a.AlarmID, time.Now().UnixMilli())
		require.NoError(t, err)
		require.True(t, promoted)
	}}

	_, err = e.FaultDetected(ctx, "cust", "dev", "site", "fault")
	require.NoError(t, err)

	all := store.AllAlarms()
	require.Len(t, all, 1)
	assert.Equal(t, domain.NeedsEmail, all[0].Emailed)
}

func TestFaultAfterConcurrentResolveOpensNewAlarm(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	first, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
	require.NoError(t, err)

	e.alarms = &interleaved{AlarmRepository: store.Alarms(), between: func(a *domain.Alarm) {
		_, err := store.Alarms().Resolve(ctx, a.AlarmID, time.Now().UnixMilli())
		require.NoError(t, err)
	}}

	second, err := e.FaultDetected(ctx, "cust", "dev", "site", "fault")
	require.NoError(t, err)
	assert.NotEqual(t, first.AlarmID, second.AlarmID)
	assert.Equal(t, 1, activeCount(store))

	var closed domain.Alarm
	for _, a := range store.AllAlarms() {
		if a.AlarmID == first.AlarmID {
			closed = a
		}
	}
	assert.Equal(t, domain.Resolved, closed.State)
	assert.Equal(t, domain.NeedsEmail, closed.Emailed)
}

func TestResolveAfterAlertSentQueuesNotice(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)

	a, err := e.AlarmConditionDetected(ctx, "cust", "dev", "site", "no recent data")
	require.NoError(t, err)

	// the batch marks the alert sent between Resolve and the marker swap
	e.alarms = &sentOnResolve{AlarmRepository: store.Alarms()}

	resolved, err := e.ResolveOnGoodData(ctx, goodReading(5))
	require.NoError(t, err)
	require.True(t, resolved)

	all := store.AllAlarms()
	require.Len(t, all, 1)
	assert.Equal(t, a.AlarmID, all[0].AlarmID)
	assert.Equal(t, int64(1_780_000_000_000), all[0].Emailed)
	assert.Equal(t, domain.NeedsEmail, all[0].ResolveEmailed)
}

type sentOnResolve struct {
	repository.AlarmRepository
}

func (r *sentOnResolve) Resolve(ctx context.Context, alarmID string, at int64) (*domain.Alarm, error) {
	a, err := r.AlarmRepository.Resolve(ctx, alarmID, at)
	if err != nil {
		return nil, err
	}
	if _, err := r.AlarmRepository.SwapMarker(ctx, alarmID, repository.EmailedMarker, domain.NeedsEmail, 1_780_000_000_000); err != nil {
		return nil, err
	}
	return a, nil
}

type flakyDeletes struct {
	repository.AlarmRepository
	fail string
}

func (f flakyDeletes) Delete(ctx context.Context, alarmID string) error {
	if alarmID == f.fail {
		return errors.New("throttled")
	}
	return f.AlarmRepository.Delete(ctx, alarmID)
}

func TestCleanupOldAlarms(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	old := time.Now().Add(-400 * 24 * time.Hour).UnixMilli()

	seed := func(id, device string, state int, start int64) {
		_, _, err := store.Alarms().FindOrCreateActive(ctx, domain.Alarm{
			AlarmID: id, CustomerID: "cust", DeviceID: device, StartDate: start,
		})
		require.NoError(t, err)
		if state == domain.Resolved {
			a, err := store.Alarms().FindActive(ctx, "cust", device)
			require.NoError(t, err)
			a.State = domain.Resolved
			store.PutAlarm(*a)
		}
	}
	seed("old-active", "d1", domain.Active, old)
	seed("old-resolved", "d2", domain.Resolved, old)
	seed("old-stuck", "d3", domain.Resolved, old)
	seed("recent", "d4", domain.Active, time.Now().UnixMilli())

	e.alarms = flakyDeletes{AlarmRepository: store.Alarms(), fail: "old-stuck"}

	deleted, err := e.CleanupOldAlarms(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	var left []string
	for _, a := range store.AllAlarms() {
		left = append(left, a.AlarmID)
	}
	assert.ElementsMatch(t, []string{"old-stuck", "recent"}, left)
}

func TestClearDevice(t *testing.T) {
	ctx := context.Background()
	e, store := newTestEngine(t)
	store.PutDevice(domain.Device{ID: "inv", ClientID: "cust", Name: "Inverter", SerialNumber: "SN1"})
	require.NoError(t, store.LinkedDevices().Upsert(ctx, domain.NewLinkedDevice("SN1", "cust", time.Now())))

	_, err := e.FaultDetected(ctx, "cust", "inv", "site", "fault")
	require.NoError(t, err)

	require.NoError(t, e.ClearDevice(ctx, "cust", "inv"))

	assert.Empty(t, store.AllAlarms())
	_, err = store.LinkedDevices().Get(ctx, "cust", "SN1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
