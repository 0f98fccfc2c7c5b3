package linked

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
)

func child(serial string, informative int) domain.LinkedDevice {
	d := domain.NewLinkedDevice(serial, "cust", time.Now())
	d.InformativeAlarm = informative
	return d
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		children []domain.LinkedDevice
		want     int
	}{
		{"no_children", nil, domain.Unset},
		{"no_faults", []domain.LinkedDevice{child("a", 0), child("b", 0)}, 0},
		{"unset_masks_ignored", []domain.LinkedDevice{child("a", domain.Unset), child("b", 4)}, 4},
		{"disjoint_bits", []domain.LinkedDevice{child("a", 2), child("b", 2048), child("c", 32768)}, 34818},
		{"overlapping_bits", []domain.LinkedDevice{child("a", 2), child("b", 3)}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.children))
		})
	}
}

func TestRender(t *testing.T) {
	text := Render(34818, domain.InformativeErrors)
	lines := strings.Split(text, "\n")

	require.Len(t, lines, 3)
	assert.Equal(t, domain.InformativeErrors[2].Name, lines[0])
	assert.Equal(t, domain.InformativeErrors[2048].Name, lines[1])
	assert.Equal(t, domain.InformativeErrors[32768].Name, lines[2])
}

func TestRenderSkipsUnknownBits(t *testing.T) {
	// 512 has no entry
	assert.Equal(t, domain.InformativeErrors[1].Name, Render(1|512, domain.InformativeErrors))
	assert.Empty(t, Render(0, domain.InformativeErrors))
	assert.Empty(t, Render(domain.Unset, domain.InformativeErrors))
}

func TestCritical(t *testing.T) {
	a := domain.NewLinkedDevice("a", "cust", time.Now())
	b := domain.NewLinkedDevice("b", "cust", time.Now())
	b.CriticalAlarm = 64
	assert.Equal(t, 64, Critical([]domain.LinkedDevice{a, b}))
	assert.Equal(t, 0, Critical(nil))
}

func TestApplySiteChildren(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := repository.NewMemoryStore()

	site := domain.Device{ID: "site", ClientID: "cust", Name: "Site", SiteID: "s1", IsSite: true, Virtual: true}
	store.PutDevice(site)
	for i, mask := range []int{2, 2048, 32768} {
		serial := string(rune('a' + i))
		store.PutDevice(domain.Device{ID: "inv-" + serial, ClientID: "cust", Name: serial, SiteID: "s1", SerialNumber: serial})
		rec := domain.NewLinkedDevice(serial, "cust", now)
		rec.InformativeAlarm = mask
		require.NoError(t, store.LinkedDevices().Upsert(ctx, rec))
	}
	// stale record from a unit on the same site
	store.PutDevice(domain.Device{ID: "inv-old", ClientID: "cust", Name: "old", SiteID: "s1", SerialNumber: "old"})
	stale := domain.NewLinkedDevice("old", "cust", now.Add(-3*time.Hour))
	stale.InformativeAlarm = 1
	require.NoError(t, store.LinkedDevices().Upsert(ctx, stale))

	agg := NewAggregator(store.Devices(), store.LinkedDevices(), 45*time.Minute)
	r := domain.NewReading("cust", "site")
	r.Timestamp = now

	children, err := agg.Apply(ctx, &site, r)
	require.NoError(t, err)

	assert.Len(t, children, 3)
	assert.Equal(t, 34818, r.InformationalError)
	assert.Equal(t, 3, strings.Count(r.InformationalErrorText, "\n")+1)
}

func TestApplyWithoutChildren(t *testing.T) {
	store := repository.NewMemoryStore()
	device := domain.Device{ID: "m1", ClientID: "cust", Name: "meter"}
	store.PutDevice(device)

	agg := NewAggregator(store.Devices(), store.LinkedDevices(), time.Hour)
	r := domain.NewReading("cust", "m1")
	r.Timestamp = time.Now()

	_, err := agg.Apply(context.Background(), &device, r)
	require.NoError(t, err)
	assert.Equal(t, domain.Unset, r.InformationalError)
	assert.Empty(t, r.InformationalErrorText)
}
