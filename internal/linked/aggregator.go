// Package linked merges fault bitmasks from child units into the reading of
// the device they report through.
package linked

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
)

// maxBits covers every flag an inverter alarm register can carry.
const maxBits = 32

// Aggregate returns the informative total across children: the OR of every set
// mask, 0 when none report a fault and -1 when there are no children at all.
func Aggregate(children []domain.LinkedDevice) int {
	if len(children) == 0 {
		return domain.Unset
	}
	total := 0
	for _, c := range children {
		if c.InformativeAlarm > 0 {
			total |= c.InformativeAlarm
		}
	}
	return total
}

// Critical returns the OR of the children's critical masks, 0 when none are set.
func Critical(children []domain.LinkedDevice) int {
	total := 0
	for _, c := range children {
		if c.CriticalAlarm > 0 {
			total |= c.CriticalAlarm
		}
	}
	return total
}

// Render translates a bitmask into one line per set bit, lowest bit first.
// Bits missing from the table are skipped.
func Render(mask int, table domain.FaultTable) string {
	if mask <= 0 {
		return ""
	}
	var lines []string
	for i := 0; i < maxBits; i++ {
		bit := 1 << i
		if mask&bit == 0 {
			continue
		}
		if info, ok := table[bit]; ok {
			lines = append(lines, info.Name)
		}
	}
	return strings.Join(lines, "\n")
}

// Aggregator loads the child records observed for a device this cycle.
type Aggregator struct {
	devices repository.DeviceRepository
	linked  repository.LinkedDeviceRepository
	window  time.Duration
}

// NewAggregator creates an aggregator. Child records older than window
// relative to the reading are ignored.
func NewAggregator(devices repository.DeviceRepository, linked repository.LinkedDeviceRepository, window time.Duration) *Aggregator {
	return &Aggregator{devices: devices, linked: linked, window: window}
}

// Children returns the fresh linked records for a device. A site or virtual
// device collects the records of every unit on its site; any other device
// only its own.
func (a *Aggregator) Children(ctx context.Context, device *domain.Device, at time.Time) ([]domain.LinkedDevice, error) {
	members := []domain.Device{*device}
	if device.IsSite || device.Virtual {
		siteDevices, err := a.devices.ListBySite(ctx, device.ClientID, device.SiteID)
		if err != nil {
			return nil, err
		}
		members = siteDevices
	}

	cutoff := at.Add(-a.window).UnixMilli()
	var children []domain.LinkedDevice
	for _, m := range members {
		if m.SerialNumber == "" {
			continue
		}
		rec, err := a.linked.Get(ctx, device.ClientID, m.SerialNumber)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if rec.Date < cutoff {
			continue
		}
		children = append(children, *rec)
	}
	return children, nil
}

// Apply attaches the informative total and its text to the reading and
// returns the children so the caller can act on critical masks.
func (a *Aggregator) Apply(ctx context.Context, device *domain.Device, r *domain.Reading) ([]domain.LinkedDevice, error) {
	children, err := a.Children(ctx, device, r.Timestamp)
	if err != nil {
		return nil, err
	}
	r.InformationalError = Aggregate(children)
	r.InformationalErrorText = Render(r.InformationalError, domain.InformativeErrors)
	return children, nil
}
