// Package notify batches pending alarm notices into one message per customer.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// Batcher groups alarms waiting on an email and sends them.
type Batcher struct {
	alarms    repository.AlarmRepository
	devices   repository.DeviceRepository
	customers repository.CustomerRepository
	sender    Sender
	composer  *Composer
	now       func() time.Time
}

// NewBatcher creates a batcher over the store.
func NewBatcher(store repository.Store, sender Sender, composer *Composer) *Batcher {
	return &Batcher{
		alarms:    store.Alarms(),
		devices:   store.Devices(),
		customers: store.Customers(),
		sender:    sender,
		composer:  composer,
		now:       time.Now,
	}
}

// Summary reports what one batch did.
type Summary struct {
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Suppressed int `json:"suppressed"`
}

type pending struct {
	alerts      []domain.Alarm
	resolutions []domain.Alarm
}

// SendPendingNotifications sends one message per customer covering every
// alarm with a pending alert or resolution notice. Markers advance only
// after a successful send.
func (b *Batcher) SendPendingNotifications(ctx context.Context) (Summary, error) {
	var summary Summary

	alerts, err := b.alarms.FindByEmailed(ctx, domain.NeedsEmail)
	if err != nil {
		return summary, fmt.Errorf("loading pending alerts: %w", err)
	}
	resolutions, err := b.alarms.FindByResolveEmailed(ctx, domain.NeedsEmail)
	if err != nil {
		return summary, fmt.Errorf("loading pending resolutions: %w", err)
	}

	byCustomer := make(map[string]*pending)
	group := func(customerID string) *pending {
		p, ok := byCustomer[customerID]
		if !ok {
			p = &pending{}
			byCustomer[customerID] = p
		}
		return p
	}
	for _, a := range alerts {
		p := group(a.CustomerID)
		p.alerts = append(p.alerts, a)
	}
	for _, a := range resolutions {
		p := group(a.CustomerID)
		p.resolutions = append(p.resolutions, a)
	}

	customerIDs := make([]string, 0, len(byCustomer))
	for id := range byCustomer {
		customerIDs = append(customerIDs, id)
	}
	sort.Strings(customerIDs)

	for _, customerID := range customerIDs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		b.sendCustomer(ctx, customerID, byCustomer[customerID], &summary)
	}

	if summary.Sent+summary.Failed > 0 {
		logger.Infof("Notifications: %d sent, %d failed, %d skipped, %d suppressed",
			summary.Sent, summary.Failed, summary.Skipped, summary.Suppressed)
	}
	return summary, nil
}

func (b *Batcher) sendCustomer(ctx context.Context, customerID string, p *pending, summary *Summary) {
	log := logger.WithFields(map[string]interface{}{"customer_id": customerID})

	customer, err := b.customers.Get(ctx, customerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Warnf("customer lookup failed, retrying next batch: %v", err)
		summary.Failed++
		return
	}
	if customer == nil || !customer.Active || customer.Email == "" {
		log.Debug("customer has no active email, skipping notifications")
		summary.Skipped++
		return
	}

	digest := Digest{CustomerName: customer.Name}
	var alerts, resolutions []domain.Alarm
	for _, a := range p.alerts {
		if line, ok := b.line(ctx, a, repository.EmailedMarker, summary); ok {
			alerts = append(alerts, a)
			digest.Alerts = append(digest.Alerts, line)
		}
	}
	for _, a := range p.resolutions {
		if line, ok := b.line(ctx, a, repository.ResolveEmailedMarker, summary); ok {
			resolutions = append(resolutions, a)
			digest.Resolutions = append(digest.Resolutions, line)
		}
	}
	if len(alerts)+len(resolutions) == 0 {
		return
	}

	body, err := b.composer.Render(digest)
	if err != nil {
		log.Errorf("rendering notification failed: %v", err)
		summary.Failed++
		return
	}
	if err := b.sender.Send(ctx, customer.Email, b.composer.Subject(digest), body); err != nil {
		log.Errorf("sending notification failed, retrying next batch: %v", err)
		summary.Failed++
		return
	}
	summary.Sent++

	sentAt := b.now().UnixMilli()
	for _, a := range alerts {
		b.markAlertSent(ctx, a, sentAt)
	}
	for _, a := range resolutions {
		b.swap(ctx, a, repository.ResolveEmailedMarker, domain.NeedsEmail, sentAt)
	}
}

// markAlertSent records the send. An alarm resolved while the message was in
// flight has its alert marked sent and a resolution notice queued instead.
func (b *Batcher) markAlertSent(ctx context.Context, a domain.Alarm, sentAt int64) {
	if b.swap(ctx, a, repository.EmailedMarker, domain.NeedsEmail, sentAt) {
		return
	}
	if !b.swap(ctx, a, repository.EmailedMarker, domain.ResolvedNotEmailed, sentAt) {
		return
	}
	if _, err := b.alarms.QueueResolveNotice(ctx, a.AlarmID); err != nil {
		logger.WithDevice(a.CustomerID, a.DeviceID).Errorf("queueing resolution notice for %s: %v", a.AlarmID, err)
	}
}

// line builds the digest entry for an alarm. Alarms of devices with
// notifications disabled have the pending marker flipped to DontEmail instead.
func (b *Batcher) line(ctx context.Context, a domain.Alarm, marker repository.Marker, summary *Summary) (Line, bool) {
	name := a.DeviceID
	device, err := b.devices.Get(ctx, a.DeviceID)
	switch {
	case err == nil && device.NotificationsDisabled:
		b.swap(ctx, a, marker, domain.NeedsEmail, domain.DontEmail)
		summary.Suppressed++
		return Line{}, false
	case err == nil:
		name = device.Label()
	case !errors.Is(err, domain.ErrNotFound):
		logger.WithDevice(a.CustomerID, a.DeviceID).Warnf("device lookup failed: %v", err)
	}

	since := time.UnixMilli(a.StartDate)
	if a.State == domain.Resolved && a.EndDate > 0 {
		since = time.UnixMilli(a.EndDate)
	}
	return Line{Device: name, Message: a.Message, Since: since}, true
}

func (b *Batcher) swap(ctx context.Context, a domain.Alarm, marker repository.Marker, from, to int64) bool {
	ok, err := b.alarms.SwapMarker(ctx, a.AlarmID, marker, from, to)
	if err != nil {
		logger.WithDevice(a.CustomerID, a.DeviceID).Errorf("updating alarm %s %s: %v", a.AlarmID, marker, err)
	}
	return ok
}
