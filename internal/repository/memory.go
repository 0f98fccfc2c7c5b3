// internal/repository/memory.go
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
)

// MemoryStore is an in-process Store for local runs and tests. One mutex
// guards everything, which makes FindOrCreateActive trivially atomic.
type MemoryStore struct {
	mu sync.RWMutex

	devices     map[string]domain.Device
	customers   map[string]domain.Customer
	alarms      map[string]domain.Alarm
	linked      map[string]domain.LinkedDevice
	mappings    map[string]domain.AttributeMapping
	raw         map[string]RawPayload
	lastFailure time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:   make(map[string]domain.Device),
		customers: make(map[string]domain.Customer),
		alarms:    make(map[string]domain.Alarm),
		linked:    make(map[string]domain.LinkedDevice),
		mappings:  make(map[string]domain.AttributeMapping),
		raw:       make(map[string]RawPayload),
	}
}

func (s *MemoryStore) Devices() DeviceRepository             { return memDevices{s} }
func (s *MemoryStore) Customers() CustomerRepository         { return memCustomers{s} }
func (s *MemoryStore) Alarms() AlarmRepository               { return memAlarms{s} }
func (s *MemoryStore) LinkedDevices() LinkedDeviceRepository { return memLinked{s} }
func (s *MemoryStore) Mappings() MappingRepository           { return memMappings{s} }
func (s *MemoryStore) Health() HealthStatus                  { return memHealth{s} }
func (s *MemoryStore) Raw() RawQueue                         { return memRaw{s} }

// PutCustomer seeds a customer record.
func (s *MemoryStore) PutCustomer(c domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.CustomerID] = c
}

// PutDevice seeds or replaces a device record.
func (s *MemoryStore) PutDevice(d domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

// PutAlarm seeds or replaces an alarm record as is.
func (s *MemoryStore) PutAlarm(a domain.Alarm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alarms[a.AlarmID] = a
}

// AllAlarms returns every alarm regardless of state.
func (s *MemoryStore) AllAlarms() []domain.Alarm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Alarm, 0, len(s.alarms))
	for _, a := range s.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate < out[j].StartDate })
	return out
}

type memDevices struct{ s *MemoryStore }

func (r memDevices) Get(_ context.Context, id string) (*domain.Device, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.devices[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &d, nil
}

func (r memDevices) FindByName(_ context.Context, customerID, name string) (*domain.Device, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if d, ok := r.s.findDevice(customerID, name); ok {
		return &d, nil
	}
	return nil, domain.ErrNotFound
}

func (s *MemoryStore) findDevice(customerID, name string) (domain.Device, bool) {
	for _, d := range s.devices {
		if d.ClientID == customerID && d.Name == name {
			return d, true
		}
	}
	return domain.Device{}, false
}

func (r memDevices) CreateIfAbsent(_ context.Context, device domain.Device) (*domain.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.findDevice(device.ClientID, device.Name); ok {
		return &d, nil
	}
	r.s.devices[device.ID] = device
	return &device, nil
}

func (r memDevices) BackfillSerial(_ context.Context, id, serial string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.devices[id]
	if !ok || d.SerialNumber != "" {
		return false, nil
	}
	d.SerialNumber = serial
	r.s.devices[id] = d
	return true, nil
}

func (r memDevices) RecordCheckIn(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if d, ok := r.s.devices[id]; ok && at.UnixMilli() > d.LastCheckIn {
		d.LastCheckIn = at.UnixMilli()
		r.s.devices[id] = d
	}
	return nil
}

func (r memDevices) ListEnabled(_ context.Context) ([]domain.Device, error) {
	return r.list(func(d domain.Device) bool { return !d.Disabled }), nil
}

func (r memDevices) ListBySite(_ context.Context, customerID, siteID string) ([]domain.Device, error) {
	return r.list(func(d domain.Device) bool { return d.ClientID == customerID && d.SiteID == siteID }), nil
}

func (r memDevices) list(keep func(domain.Device) bool) []domain.Device {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Device
	for _, d := range r.s.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r memDevices) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.devices, id)
	return nil
}

type memCustomers struct{ s *MemoryStore }

func (r memCustomers) Get(_ context.Context, customerID string) (*domain.Customer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	c, ok := r.s.customers[customerID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &c, nil
}

type memAlarms struct{ s *MemoryStore }

func (r memAlarms) FindOrCreateActive(_ context.Context, seed domain.Alarm) (*domain.Alarm, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.findActive(seed.CustomerID, seed.DeviceID); ok {
		return &a, false, nil
	}
	seed.State = domain.Active
	r.s.alarms[seed.AlarmID] = seed
	return &seed, true, nil
}

func (s *MemoryStore) findActive(customerID, deviceID string) (domain.Alarm, bool) {
	for _, a := range s.alarms {
		if a.CustomerID == customerID && a.DeviceID == deviceID && a.State == domain.Active {
			return a, true
		}
	}
	return domain.Alarm{}, false
}

func (r memAlarms) FindActive(_ context.Context, customerID, deviceID string) (*domain.Alarm, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if a, ok := r.s.findActive(customerID, deviceID); ok {
		return &a, nil
	}
	return nil, domain.ErrNotFound
}

func alarmActive(a domain.Alarm) bool { return a.State == domain.Active }

// updateWhere applies change to the alarm when cond holds, under the store lock.
func (r memAlarms) updateWhere(alarmID string, cond func(domain.Alarm) bool, change func(*domain.Alarm)) (domain.Alarm, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.alarms[alarmID]
	if !ok || !cond(a) {
		return domain.Alarm{}, false
	}
	change(&a)
	r.s.alarms[alarmID] = a
	return a, true
}

func (r memAlarms) Touch(_ context.Context, alarmID string, at int64, message string) error {
	_, ok := r.updateWhere(alarmID, alarmActive, func(a *domain.Alarm) {
		a.LastUpdate = at
		if a.Message == "" {
			a.Message = message
		}
	})
	if !ok {
		return domain.ErrNotFound
	}
	return nil
}

func (r memAlarms) Promote(_ context.Context, alarmID string, at int64) (bool, error) {
	_, ok := r.updateWhere(alarmID, func(a domain.Alarm) bool {
		return a.State == domain.Active && a.Emailed == domain.DontEmail
	}, func(a *domain.Alarm) {
		a.Emailed = domain.NeedsEmail
		a.LastUpdate = at
	})
	return ok, nil
}

func (r memAlarms) Resolve(_ context.Context, alarmID string, at int64) (*domain.Alarm, error) {
	a, ok := r.updateWhere(alarmID, alarmActive, func(a *domain.Alarm) {
		a.State = domain.Resolved
		a.EndDate = at
		a.LastUpdate = at
	})
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func markerField(a *domain.Alarm, marker Marker) *int64 {
	if marker == ResolveEmailedMarker {
		return &a.ResolveEmailed
	}
	return &a.Emailed
}

func (r memAlarms) SwapMarker(_ context.Context, alarmID string, marker Marker, from, to int64) (bool, error) {
	_, ok := r.updateWhere(alarmID, func(a domain.Alarm) bool {
		return *markerField(&a, marker) == from
	}, func(a *domain.Alarm) {
		*markerField(a, marker) = to
	})
	return ok, nil
}

func (r memAlarms) QueueResolveNotice(_ context.Context, alarmID string) (bool, error) {
	_, ok := r.updateWhere(alarmID, func(a domain.Alarm) bool {
		return a.ResolveEmailed == domain.DontEmail && a.Emailed > domain.ResolvedNotEmailed
	}, func(a *domain.Alarm) {
		a.ResolveEmailed = domain.NeedsEmail
	})
	return ok, nil
}

func (r memAlarms) filter(keep func(domain.Alarm) bool) []domain.Alarm {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.Alarm
	for _, a := range r.s.alarms {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate < out[j].StartDate })
	return out
}

func (r memAlarms) ListActive(_ context.Context, customerID string) ([]domain.Alarm, error) {
	return r.filter(func(a domain.Alarm) bool { return a.CustomerID == customerID && a.State == domain.Active }), nil
}

func (r memAlarms) FindByEmailed(_ context.Context, marker int64) ([]domain.Alarm, error) {
	return r.filter(func(a domain.Alarm) bool { return a.Emailed == marker }), nil
}

func (r memAlarms) FindByResolveEmailed(_ context.Context, marker int64) ([]domain.Alarm, error) {
	return r.filter(func(a domain.Alarm) bool { return a.ResolveEmailed == marker }), nil
}

func (r memAlarms) FindByStateBefore(_ context.Context, state int, before time.Time) ([]domain.Alarm, error) {
	cutoff := before.UnixMilli()
	return r.filter(func(a domain.Alarm) bool { return a.State == state && a.StartDate < cutoff }), nil
}

func (r memAlarms) Delete(_ context.Context, alarmID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.alarms[alarmID]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.alarms, alarmID)
	return nil
}

func (r memAlarms) DeleteByDevice(_ context.Context, customerID, deviceID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, a := range r.s.alarms {
		if a.CustomerID == customerID && a.DeviceID == deviceID {
			delete(r.s.alarms, id)
			n++
		}
	}
	return n, nil
}

type memLinked struct{ s *MemoryStore }

func linkedKey(customerID, id string) string { return customerID + "/" + id }

func (r memLinked) Upsert(_ context.Context, device domain.LinkedDevice) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.linked[linkedKey(device.CustomerID, device.ID)] = device
	return nil
}

func (r memLinked) Get(_ context.Context, customerID, id string) (*domain.LinkedDevice, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	d, ok := r.s.linked[linkedKey(customerID, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &d, nil
}

func (r memLinked) Delete(_ context.Context, customerID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.linked, linkedKey(customerID, id))
	return nil
}

type memMappings struct{ s *MemoryStore }

func (r memMappings) List(_ context.Context, customerID string) ([]domain.AttributeMapping, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []domain.AttributeMapping
	for _, m := range r.s.mappings {
		if m.CustomerID == customerID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MappingName < out[j].MappingName })
	return out, nil
}

func (r memMappings) Put(_ context.Context, m domain.AttributeMapping) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.mappings[m.CustomerID+"/"+m.MappingName] = m
	return nil
}

func (r memMappings) Delete(_ context.Context, customerID, mappingName string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.mappings, customerID+"/"+mappingName)
	return nil
}

type memHealth struct{ s *MemoryStore }

func (r memHealth) RecordFailure(_ context.Context, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if at.After(r.s.lastFailure) {
		r.s.lastFailure = at
	}
	return nil
}

func (r memHealth) FailedWithin(_ context.Context, window time.Duration) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return !r.s.lastFailure.IsZero() && time.Since(r.s.lastFailure) < window, nil
}

type memRaw struct{ s *MemoryStore }

func (r memRaw) Enqueue(_ context.Context, customerID, body string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p := RawPayload{ID: uuid.NewString(), CustomerID: customerID, Body: body, Received: time.Now()}
	r.s.raw[p.ID] = p
	return p.ID, nil
}

func (r memRaw) GetUnprocessed(_ context.Context, limit int) ([]RawPayload, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []RawPayload
	for _, p := range r.s.raw {
		if !p.Processed && p.Error == "" {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Received.Before(out[j].Received) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memRaw) MarkProcessed(_ context.Context, id string) error {
	return r.update(id, func(p *RawPayload) { p.Processed = true })
}

func (r memRaw) MarkError(_ context.Context, id, msg string) error {
	return r.update(id, func(p *RawPayload) { p.Processed = false; p.Error = msg })
}

func (r memRaw) update(id string, fn func(*RawPayload)) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.raw[id]
	if !ok {
		return domain.ErrNotFound
	}
	fn(&p)
	r.s.raw[id] = p
	return nil
}

func (r memRaw) CountUnprocessed(_ context.Context) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var n int64
	for _, p := range r.s.raw {
		if !p.Processed {
			n++
		}
	}
	return n, nil
}

func (r memRaw) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, p := range r.s.raw {
		if p.Processed && p.Received.Before(olderThan) {
			delete(r.s.raw, id)
			n++
		}
	}
	return n, nil
}

// MemoryIndex is an in-process ReadingIndex.
type MemoryIndex struct {
	mu       sync.RWMutex
	readings map[string][]domain.Reading
	// FailWith, when set, is returned by every query.
	FailWith error
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{readings: make(map[string][]domain.Reading)}
}

func indexKey(customerID, deviceID string) string { return customerID + "/" + deviceID }

func (m *MemoryIndex) Append(_ context.Context, readings []domain.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	for _, rd := range readings {
		k := indexKey(rd.CustomerID, rd.DeviceID)
		m.readings[k] = append(m.readings[k], rd)
		sort.SliceStable(m.readings[k], func(i, j int) bool {
			return m.readings[k][i].Timestamp.Before(m.readings[k][j].Timestamp)
		})
	}
	return nil
}

func (m *MemoryIndex) Latest(_ context.Context, customerID, deviceID string) (*domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	rs := m.readings[indexKey(customerID, deviceID)]
	if len(rs) == 0 {
		return nil, domain.ErrNotFound
	}
	latest := rs[len(rs)-1]
	return &latest, nil
}

func (m *MemoryIndex) Window(_ context.Context, customerID, deviceID string, start, end time.Time) ([]domain.Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return nil, m.FailWith
	}
	var out []domain.Reading
	for _, rd := range m.readings[indexKey(customerID, deviceID)] {
		if !rd.Timestamp.Before(start) && !rd.Timestamp.After(end) {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (m *MemoryIndex) PreviousTotal(_ context.Context, customerID, deviceID string, before time.Time, lookback time.Duration) (domain.OptFloat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.FailWith != nil {
		return domain.OptFloat{}, m.FailWith
	}
	rs := m.readings[indexKey(customerID, deviceID)]
	after := before.Add(-lookback)
	for i := len(rs) - 1; i >= 0; i-- {
		rd := rs[i]
		if !rd.Timestamp.Before(before) || rd.Timestamp.Before(after) {
			continue
		}
		if rd.TotalEnergyConsumed.Set {
			return rd.TotalEnergyConsumed, nil
		}
	}
	return domain.OptFloat{}, nil
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ Store        = (*MongoStore)(nil)
	_ ReadingIndex = (*MemoryIndex)(nil)
	_ ReadingIndex = (*InfluxIndex)(nil)
)
