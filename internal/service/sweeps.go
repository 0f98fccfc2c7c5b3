package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/lease"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/linked"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/notify"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/reading"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/weather"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// Lease names, one per sweep.
const (
	LeaseHealthSweep   = "healthSweep"
	LeaseNotifications = "notifications"
	LeaseAlarmCleanup  = "alarmCleanup"
)

const (
	msgNoRecentData  = "no recent data"
	msgNotGenerating = "device not generating power"

	siteSource    = "site"
	rawBatchSize  = 100
	rawRetention  = 7 * 24 * time.Hour
	statsInterval = time.Minute
)

// RunHealthSweep checks every enabled device and opens alarms for the ones
// that stopped reporting or stopped generating. Site devices get a rollup
// reading built from their members instead.
func (svc *Service) RunHealthSweep(ctx context.Context) error {
	return lease.Run(ctx, svc.locker, LeaseHealthSweep, svc.cfg.LeaseTTL, svc.healthSweep)
}

func (svc *Service) healthSweep(ctx context.Context) error {
	start := time.Now()
	devices, err := svc.store.Devices().ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}

	now := svc.now()
	indexHealthy := svc.checker.IndexHealthy(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(svc.cfg.SweepParallelism)
	for i := range devices {
		device := devices[i]
		g.Go(func() error {
			if device.IsSite || device.Virtual {
				svc.rollupSite(gctx, &device, now)
			} else {
				svc.checkDevice(gctx, &device, now, indexHealthy)
			}
			return nil
		})
	}
	err = g.Wait()

	svc.lastSweep.Store(now.UnixMilli())
	logger.Infof("health sweep checked %d devices in %v", len(devices), time.Since(start).Round(time.Millisecond))
	return err
}

func (svc *Service) checkDevice(ctx context.Context, device *domain.Device, now time.Time, indexHealthy bool) {
	log := logger.WithDevice(device.ClientID, device.ID)

	latest, err := svc.index.Latest(ctx, device.ClientID, device.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warnf("latest reading lookup failed, skipping: %v", err)
		if recErr := svc.store.Health().RecordFailure(ctx, time.Now()); recErr != nil {
			log.Errorf("failed to record index failure: %v", recErr)
		}
		return
	}

	if latest == nil || now.Sub(latest.Timestamp) > svc.cfg.NoDataWindow {
		if !indexHealthy {
			log.Info("index unhealthy, not flagging missing data")
			return
		}
		svc.raise(ctx, device, msgNoRecentData)
		return
	}

	if latest.RealPower.Set && latest.RealPower.Value > 0 {
		return
	}

	r := *latest
	r.IsDaylight = weather.DaylightAt(device, now)

	children, err := svc.aggregator.Apply(ctx, device, &r)
	if err != nil {
		log.Warnf("linked device lookup failed: %v", err)
	} else if mask := linked.Critical(children); mask > 0 {
		msg := linked.Render(mask, domain.CriticalErrors)
		if msg == "" {
			msg = fmt.Sprintf("critical alarm code %d", mask)
		}
		svc.raise(ctx, device, msg)
		return
	}

	if svc.checker.IsDeviceOK(ctx, &r, indexHealthy) {
		return
	}
	svc.raise(ctx, device, msgNotGenerating)
}

func (svc *Service) raise(ctx context.Context, device *domain.Device, message string) {
	if _, err := svc.engine.AlarmConditionDetected(ctx, device.ClientID, device.ID, device.SiteID, message); err != nil {
		logger.WithDevice(device.ClientID, device.ID).Errorf("raising alarm %q: %v", message, err)
	}
}

// rollupSite writes a virtual reading summing the fresh readings of every
// physical device on the site.
func (svc *Service) rollupSite(ctx context.Context, site *domain.Device, now time.Time) {
	log := logger.WithDevice(site.ClientID, site.ID)

	members, err := svc.store.Devices().ListBySite(ctx, site.ClientID, site.SiteID)
	if err != nil {
		log.Warnf("listing site members: %v", err)
		return
	}

	var power, total, energy float64
	reporting := 0
	for _, m := range members {
		if m.ID == site.ID || m.IsSite || m.Virtual {
			continue
		}
		latest, err := svc.index.Latest(ctx, m.ClientID, m.ID)
		if err != nil || now.Sub(latest.Timestamp) > svc.cfg.NoDataWindow {
			continue
		}
		reporting++
		if latest.RealPower.AboveUnset() {
			power += latest.RealPower.Value
		}
		if latest.TotalEnergyConsumed.AboveUnset() {
			total += latest.TotalEnergyConsumed.Value
		}
		if latest.EnergyConsumed.AboveUnset() {
			energy += latest.EnergyConsumed.Value
		}
	}
	if reporting == 0 {
		return
	}

	r := domain.NewReading(site.ClientID, site.ID)
	r.SiteID = site.SiteID
	r.DeviceName = site.Label()
	r.Source = siteSource
	r.Timestamp = now.Truncate(time.Minute)
	r.IsVirtual = true
	r.IsSite = site.IsSite
	r.RealPower = domain.Some(domain.RoundHalfUp(power, 3))
	r.TotalEnergyConsumed = domain.Some(domain.RoundHalfUp(total, 3))
	r.EnergyConsumed = domain.Some(domain.RoundHalfUp(energy, 3))

	if _, err := svc.aggregator.Apply(ctx, site, r); err != nil {
		log.Warnf("linked device lookup failed: %v", err)
	}
	svc.geo.Enrich(ctx, site, r)

	if err := reading.Gate(r); err != nil {
		log.Warnf("site rollup dropped: %v", err)
		return
	}
	svc.batch.Add(*r)
}

// SendPendingNotifications sends the pending alarm notices under the
// notification lease.
func (svc *Service) SendPendingNotifications(ctx context.Context) (notify.Summary, error) {
	var summary notify.Summary
	err := lease.Run(ctx, svc.locker, LeaseNotifications, svc.cfg.LeaseTTL, func(ctx context.Context) error {
		var err error
		summary, err = svc.batcher.SendPendingNotifications(ctx)
		return err
	})
	return summary, err
}

// CleanupOldAlarms purges alarms past retention under the cleanup lease.
func (svc *Service) CleanupOldAlarms(ctx context.Context) (int, error) {
	deleted := 0
	err := lease.Run(ctx, svc.locker, LeaseAlarmCleanup, svc.cfg.LeaseTTL, func(ctx context.Context) error {
		var err error
		deleted, err = svc.engine.CleanupOldAlarms(ctx)
		return err
	})
	return deleted, err
}

// DrainRaw processes one batch of queued raw payloads and reports how many
// it picked up.
func (svc *Service) DrainRaw(ctx context.Context) (int, error) {
	raws, err := svc.store.Raw().GetUnprocessed(ctx, rawBatchSize)
	if err != nil {
		return 0, fmt.Errorf("loading raw payloads: %w", err)
	}

	for _, raw := range raws {
		if _, err := svc.HandlePayload(ctx, raw.Body, raw.CustomerID); err != nil {
			if markErr := svc.store.Raw().MarkError(ctx, raw.ID, err.Error()); markErr != nil {
				logger.Errorf("failed to mark raw payload %s: %v", raw.ID, markErr)
			}
			continue
		}
		if err := svc.store.Raw().MarkProcessed(ctx, raw.ID); err != nil {
			logger.Errorf("failed to mark raw payload %s processed: %v", raw.ID, err)
		}
	}
	return len(raws), nil
}

// CleanupRaw deletes processed payloads past retention.
func (svc *Service) CleanupRaw(ctx context.Context) (int64, error) {
	return svc.store.Raw().Cleanup(ctx, svc.now().Add(-rawRetention))
}

// Start launches the stats reporter, the raw queue loops and the sweep
// schedule. A non-positive interval disables that loop.
func (svc *Service) Start() {
	svc.every("stats", statsInterval, func(context.Context) error {
		svc.reportStats()
		return nil
	})
	svc.every("raw drain", svc.cfg.RawDrainInterval, func(ctx context.Context) error {
		_, err := svc.DrainRaw(ctx)
		return err
	})
	svc.every("raw cleanup", time.Hour, func(ctx context.Context) error {
		deleted, err := svc.CleanupRaw(ctx)
		if deleted > 0 {
			logger.Infof("Cleaned up %d old raw payloads", deleted)
		}
		return err
	})
	svc.every("health sweep", svc.cfg.HealthSweepInterval, svc.RunHealthSweep)
	svc.every("notifications", svc.cfg.NotifyInterval, func(ctx context.Context) error {
		summary, err := svc.SendPendingNotifications(ctx)
		if err == nil && summary.Sent+summary.Failed > 0 {
			logger.Infof("notifications: %d sent, %d failed, %d skipped, %d suppressed",
				summary.Sent, summary.Failed, summary.Skipped, summary.Suppressed)
		}
		return err
	})
	svc.every("alarm cleanup", svc.cfg.CleanupInterval, func(ctx context.Context) error {
		deleted, err := svc.CleanupOldAlarms(ctx)
		if deleted > 0 {
			logger.Infof("Cleaned up %d old alarms", deleted)
		}
		return err
	})
}

func (svc *Service) every(name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		logger.Infof("%s loop disabled", name)
		return
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-svc.stop:
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := fn(ctx)
			cancel()

			switch {
			case errors.Is(err, domain.ErrLeaseHeld):
				logger.Debugf("%s skipped: %v", name, err)
			case err != nil:
				logger.Errorf("%s failed: %v", name, err)
			}
		}
	}()
}

// reportStats logs throughput since the previous report.
func (svc *Service) reportStats() {
	received := atomic.LoadUint64(&svc.receivedCount)
	processed := atomic.LoadUint64(&svc.processedCount)

	logger.Infof("Recv: %d | Proc: %d | Dropped: %d | Fail: %d | Buf: %d | Cache: %d",
		received, processed,
		atomic.LoadUint64(&svc.droppedCount),
		atomic.LoadUint64(&svc.failedCount),
		svc.batch.Size(),
		svc.mappingCache.Size()+svc.statsCache.Size())
}
