// Package alarm drives the open/update/resolve lifecycle of device alarms.
//
// A fault opens a suppressed alarm (DontEmail). A confirmed alarm condition
// on the same device promotes it to NeedsEmail. Good daylight generation
// resolves it and, when the customer had been told, queues a resolution
// notice.
package alarm

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

const lockStripes = 64

// Options tunes resolution and retention.
type Options struct {
	NoiseFloorKW float64
	StaleReading time.Duration
	Retention    time.Duration
}

// Engine owns alarm state transitions.
type Engine struct {
	alarms  repository.AlarmRepository
	devices repository.DeviceRepository
	linked  repository.LinkedDeviceRepository
	opts    Options

	stripes [lockStripes]sync.Mutex
	now     func() time.Time
}

// NewEngine creates an engine over the store.
func NewEngine(store repository.Store, opts Options) *Engine {
	return &Engine{
		alarms:  store.Alarms(),
		devices: store.Devices(),
		linked:  store.LinkedDevices(),
		opts:    opts,
		now:     time.Now,
	}
}

// lock serializes in-process transitions for one (customer, device). The
// store's conditional writes cover other processes.
func (e *Engine) lock(customerID, deviceID string) func() {
	h := fnv.New32a()
	h.Write([]byte(customerID))
	h.Write([]byte{0})
	h.Write([]byte(deviceID))
	mu := &e.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) seed(customerID, deviceID, siteID, message string, emailed int64) domain.Alarm {
	now := e.now().UnixMilli()
	return domain.Alarm{
		AlarmID:        uuid.NewString(),
		CustomerID:     customerID,
		DeviceID:       deviceID,
		SiteID:         siteID,
		StartDate:      now,
		LastUpdate:     now,
		Message:        message,
		State:          domain.Active,
		Emailed:        emailed,
		ResolveEmailed: domain.DontEmail,
	}
}

// openOrUpdate returns the pair's ACTIVE alarm, inserting seed when none
// exists. An existing alarm goes through update; if that reports
// domain.ErrNotFound the alarm closed in between and the lookup runs once more.
func (e *Engine) openOrUpdate(ctx context.Context, seed domain.Alarm, update func(*domain.Alarm) error) (*domain.Alarm, bool, error) {
	for attempt := 0; ; attempt++ {
		alarm, created, err := e.alarms.FindOrCreateActive(ctx, seed)
		if err != nil || created {
			return alarm, created, err
		}
		err = update(alarm)
		if errors.Is(err, domain.ErrNotFound) && attempt == 0 {
			continue
		}
		return alarm, false, err
	}
}

// FaultDetected records a device-signalled fault. New alarms start
// suppressed; an existing alarm only has its last update bumped.
func (e *Engine) FaultDetected(ctx context.Context, customerID, deviceID, siteID, message string) (*domain.Alarm, error) {
	unlock := e.lock(customerID, deviceID)
	defer unlock()

	seed := e.seed(customerID, deviceID, siteID, message, domain.DontEmail)
	alarm, created, err := e.openOrUpdate(ctx, seed, func(a *domain.Alarm) error {
		return e.touch(ctx, a, message)
	})
	if err != nil {
		return nil, fmt.Errorf("fault for %s: %w", deviceID, err)
	}
	if created {
		logger.WithDevice(customerID, deviceID).Infof("fault alarm opened: %s", message)
	}
	return alarm, nil
}

// AlarmConditionDetected records a confirmed anomaly. A suppressed alarm is
// promoted to NeedsEmail unless the device has notifications disabled.
func (e *Engine) AlarmConditionDetected(ctx context.Context, customerID, deviceID, siteID, message string) (*domain.Alarm, error) {
	unlock := e.lock(customerID, deviceID)
	defer unlock()

	notify := e.notificationsEnabled(ctx, deviceID)
	initial := domain.DontEmail
	if notify {
		initial = domain.NeedsEmail
	}

	seed := e.seed(customerID, deviceID, siteID, message, initial)
	alarm, created, err := e.openOrUpdate(ctx, seed, func(a *domain.Alarm) error {
		if err := e.touch(ctx, a, message); err != nil {
			return err
		}
		if !notify || a.Emailed != domain.DontEmail {
			return nil
		}
		promoted, err := e.alarms.Promote(ctx, a.AlarmID, a.LastUpdate)
		if err != nil {
			return err
		}
		if promoted {
			a.Emailed = domain.NeedsEmail
			logger.WithDevice(customerID, deviceID).Info("fault promoted to alert")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("alarm condition for %s: %w", deviceID, err)
	}
	if created {
		logger.WithDevice(customerID, deviceID).Infof("alarm opened: %s", message)
	}
	return alarm, nil
}

func (e *Engine) touch(ctx context.Context, alarm *domain.Alarm, message string) error {
	at := e.now().UnixMilli()
	if err := e.alarms.Touch(ctx, alarm.AlarmID, at, message); err != nil {
		return err
	}
	alarm.LastUpdate = at
	if alarm.Message == "" {
		alarm.Message = message
	}
	return nil
}

func (e *Engine) notificationsEnabled(ctx context.Context, deviceID string) bool {
	device, err := e.devices.Get(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			logger.Warnf("device lookup for %s failed, assuming notifications enabled: %v", deviceID, err)
		}
		return true
	}
	return !device.NotificationsDisabled
}

// ResolveOnGoodData closes the device's active alarm when a fresh, valid
// reading shows daylight generation above the noise floor.
func (e *Engine) ResolveOnGoodData(ctx context.Context, r *domain.Reading) (bool, error) {
	if !r.Valid() || e.now().Sub(r.Timestamp) > e.opts.StaleReading {
		return false, nil
	}
	if !r.IsDaylight || !r.RealPower.Set || r.RealPower.Value <= e.opts.NoiseFloorKW {
		return false, nil
	}

	unlock := e.lock(r.CustomerID, r.DeviceID)
	defer unlock()

	alarm, err := e.alarms.FindActive(ctx, r.CustomerID, r.DeviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	resolved, err := e.alarms.Resolve(ctx, alarm.AlarmID, e.now().UnixMilli())
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch {
	case resolved.WasEmailed():
		_, err = e.alarms.QueueResolveNotice(ctx, alarm.AlarmID)
	case resolved.Emailed == domain.NeedsEmail:
		var cancelled bool
		cancelled, err = e.alarms.SwapMarker(ctx, alarm.AlarmID, repository.EmailedMarker, domain.NeedsEmail, domain.ResolvedNotEmailed)
		if err == nil && !cancelled {
			// the alert was sent after Resolve read it
			_, err = e.alarms.QueueResolveNotice(ctx, alarm.AlarmID)
		}
	}
	if err != nil {
		return true, fmt.Errorf("resolution markers for %s: %w", alarm.AlarmID, err)
	}
	logger.WithDevice(r.CustomerID, r.DeviceID).Infof("alarm %s resolved", alarm.AlarmID)
	return true, nil
}

// CleanupOldAlarms purges alarms that started before the retention window.
// A failed delete is logged and the rest of the batch continues.
func (e *Engine) CleanupOldAlarms(ctx context.Context) (int, error) {
	cutoff := e.now().Add(-e.opts.Retention)
	deleted := 0
	for _, state := range []int{domain.Active, domain.Resolved} {
		old, err := e.alarms.FindByStateBefore(ctx, state, cutoff)
		if err != nil {
			return deleted, fmt.Errorf("listing alarms in state %d: %w", state, err)
		}
		for _, a := range old {
			if err := e.alarms.Delete(ctx, a.AlarmID); err != nil {
				logger.WithFields(map[string]interface{}{
					"alarm_id":    a.AlarmID,
					"customer_id": a.CustomerID,
					"device_id":   a.DeviceID,
				}).Errorf("retention delete failed: %v", err)
				continue
			}
			deleted++
		}
	}
	if deleted > 0 {
		logger.Infof("Cleaned up %d alarms older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

// ClearDevice removes every alarm and the linked record of a device.
func (e *Engine) ClearDevice(ctx context.Context, customerID, deviceID string) error {
	unlock := e.lock(customerID, deviceID)
	defer unlock()

	if _, err := e.alarms.DeleteByDevice(ctx, customerID, deviceID); err != nil {
		return fmt.Errorf("deleting alarms of %s: %w", deviceID, err)
	}
	device, err := e.devices.Get(ctx, deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if device.SerialNumber != "" {
		return e.linked.Delete(ctx, customerID, device.SerialNumber)
	}
	return nil
}

// ActiveAlarms lists a customer's open alarms.
func (e *Engine) ActiveAlarms(ctx context.Context, customerID string) ([]domain.Alarm, error) {
	return e.alarms.ListActive(ctx, customerID)
}
