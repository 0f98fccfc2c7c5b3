package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/adapter"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/alarm"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/cache"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/config"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/health"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/lease"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/linked"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/notify"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/reading"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/weather"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

const (
	mappingCacheTTL = 5 * time.Minute
	statsCacheTTL   = 5 * time.Second
)

// Deps are the backends the service runs against
type Deps struct {
	Store   repository.Store
	Index   repository.ReadingIndex
	Sender  notify.Sender
	Locker  lease.Locker
	Weather *weather.Service
}

// Service wires ingestion, sweeps and notifications together
type Service struct {
	cfg   *config.Config
	store repository.Store
	index repository.ReadingIndex

	registry   *adapter.Registry
	assembler  *reading.Assembler
	engine     *alarm.Engine
	checker    *health.Checker
	aggregator *linked.Aggregator
	batcher    *notify.Batcher
	locker     lease.Locker
	geo        *weather.Service
	batch      *BatchWriter

	mappingCache *cache.Cache
	statsCache   *cache.Cache

	// Lock-free statistics
	receivedCount  uint64
	processedCount uint64
	droppedCount   uint64
	failedCount    uint64
	lastSweep      atomic.Int64

	now       func() time.Time
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewService builds the service. Background loops start with Start
func NewService(cfg *config.Config, deps Deps) *Service {
	svc := &Service{
		cfg:          cfg,
		store:        deps.Store,
		index:        deps.Index,
		locker:       deps.Locker,
		geo:          deps.Weather,
		mappingCache: cache.New(time.Minute),
		statsCache:   cache.New(time.Minute),
		now:          time.Now,
		stop:         make(chan struct{}),
	}

	svc.engine = alarm.NewEngine(deps.Store, alarm.Options{
		NoiseFloorKW: cfg.NoiseFloorKW,
		StaleReading: cfg.StaleReading,
		Retention:    cfg.AlarmRetention,
	})
	svc.checker = health.NewChecker(deps.Index, deps.Store.Health(), health.Options{
		NoiseFloorKW:       cfg.NoiseFloorKW,
		HistoryWindow:      cfg.HistoryWindow,
		IndexFailureWindow: cfg.IndexFailureWindow,
	})
	svc.aggregator = linked.NewAggregator(deps.Store.Devices(), deps.Store.LinkedDevices(), cfg.NoDataWindow)
	svc.assembler = reading.NewAssembler(deps.Index, deps.Store.Health(), reading.NewRollovers(cfg), cfg.LastTotalLookback)
	svc.registry = adapter.NewRegistry(adapter.Deps{
		Devices:           deps.Store.Devices(),
		Linked:            deps.Store.LinkedDevices(),
		Index:             deps.Index,
		Faults:            svc.engine,
		Overrides:         svc,
		Defaults:          adapter.NewDefaults(),
		LastTotalLookback: cfg.LastTotalLookback,
	})
	svc.batcher = notify.NewBatcher(deps.Store, deps.Sender, notify.NewComposer())
	svc.batch = NewBatchWriter(deps.Index, deps.Store.Health(), cfg.BatchSize, time.Duration(cfg.FlushInterval)*time.Millisecond)

	logger.Infof("Service initialized (DB: %s, Batch: %d, Parallelism: %d)",
		cfg.DBType, cfg.BatchSize, cfg.SweepParallelism)
	return svc
}

// HandlePayload turns one raw body into a stored reading. It returns nil, nil
// for blank input and for payloads that update state without producing a
// reading. Malformed payloads are dropped with an ErrMalformedInput error.
func (svc *Service) HandlePayload(ctx context.Context, body, customerID string) (*domain.Reading, error) {
	atomic.AddUint64(&svc.receivedCount, 1)

	r, err := svc.registry.Handle(ctx, body, customerID)
	if err != nil {
		svc.reject(customerID, err)
		return nil, err
	}
	if r == nil {
		return nil, nil
	}

	device := svc.device(ctx, r.DeviceID)

	if r.FaultCarry {
		svc.geo.Enrich(ctx, device, r)
		if !r.Timestamp.IsZero() {
			svc.batch.Add(*r)
		}
		atomic.AddUint64(&svc.processedCount, 1)
		return r, nil
	}

	svc.assembler.Assemble(ctx, r, r.Source)
	svc.geo.Enrich(ctx, device, r)

	if err := reading.Gate(r); err != nil {
		svc.reject(customerID, err)
		return nil, err
	}

	if _, err := svc.engine.ResolveOnGoodData(ctx, r); err != nil {
		logger.WithDevice(r.CustomerID, r.DeviceID).Errorf("resolve on good data failed: %v", err)
	}

	svc.batch.Add(*r)
	atomic.AddUint64(&svc.processedCount, 1)
	return r, nil
}

func (svc *Service) reject(customerID string, err error) {
	log := logger.WithFields(map[string]interface{}{"customer": customerID})
	if errors.Is(err, domain.ErrMalformedInput) {
		atomic.AddUint64(&svc.droppedCount, 1)
		log.Warnf("dropping payload: %v", err)
		return
	}
	atomic.AddUint64(&svc.failedCount, 1)
	log.Errorf("payload failed: %v", err)
}

// device loads the reading's device for enrichment. A missing device only
// loses its coordinates.
func (svc *Service) device(ctx context.Context, id string) *domain.Device {
	d, err := svc.store.Devices().Get(ctx, id)
	if err != nil {
		logger.Debugf("device %s lookup failed: %v", id, err)
		return nil
	}
	return d
}

// Overrides returns the customer's mapping overrides, cached briefly
func (svc *Service) Overrides(ctx context.Context, customerID string) ([]domain.AttributeMapping, error) {
	v, err := svc.mappingCache.GetOrLoad(ctx, customerID, mappingCacheTTL, func(ctx context.Context) (interface{}, error) {
		return svc.store.Mappings().List(ctx, customerID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.AttributeMapping), nil
}

// ListMappings returns the customer's stored overrides
func (svc *Service) ListMappings(ctx context.Context, customerID string) ([]domain.AttributeMapping, error) {
	return svc.store.Mappings().List(ctx, customerID)
}

// PutMapping creates or replaces an override. The target must be a
// canonical attribute.
func (svc *Service) PutMapping(ctx context.Context, m domain.AttributeMapping) error {
	if m.CustomerID == "" || m.MappingName == "" {
		return fmt.Errorf("%w: mapping needs a customer and a name", domain.ErrMalformedInput)
	}
	if !adapter.IsAttribute(m.Attribute) {
		return fmt.Errorf("%w: unknown attribute %q", domain.ErrMalformedInput, m.Attribute)
	}
	if err := svc.store.Mappings().Put(ctx, m); err != nil {
		return err
	}
	svc.mappingCache.Delete(m.CustomerID)
	return nil
}

// DeleteMapping removes an override
func (svc *Service) DeleteMapping(ctx context.Context, customerID, mappingName string) error {
	if err := svc.store.Mappings().Delete(ctx, customerID, mappingName); err != nil {
		return err
	}
	svc.mappingCache.Delete(customerID)
	return nil
}

// ActiveAlarms lists the customer's open alarms
func (svc *Service) ActiveAlarms(ctx context.Context, customerID string) ([]domain.Alarm, error) {
	return svc.engine.ActiveAlarms(ctx, customerID)
}

// DeleteDevice removes a device along with its alarms and linked record
func (svc *Service) DeleteDevice(ctx context.Context, customerID, deviceID string) error {
	device, err := svc.store.Devices().Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.ClientID != customerID {
		return domain.ErrNotFound
	}
	if err := svc.engine.ClearDevice(ctx, customerID, deviceID); err != nil {
		return fmt.Errorf("clearing device: %w", err)
	}
	return svc.store.Devices().Delete(ctx, deviceID)
}

// EnqueueRaw stores a body for the drain loop
func (svc *Service) EnqueueRaw(ctx context.Context, customerID, body string) (string, error) {
	return svc.store.Raw().Enqueue(ctx, customerID, body)
}

// GetStats returns current statistics, cached for a few seconds
func (svc *Service) GetStats(ctx context.Context) (*domain.Stats, error) {
	const cacheKey = "stats:current"
	if cached, found := svc.statsCache.Get(cacheKey); found {
		return cached.(*domain.Stats), nil
	}

	pending, err := svc.store.Raw().CountUnprocessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting raw payloads: %w", err)
	}

	stats := &domain.Stats{
		Received:     atomic.LoadUint64(&svc.receivedCount),
		Processed:    atomic.LoadUint64(&svc.processedCount),
		Dropped:      atomic.LoadUint64(&svc.droppedCount),
		Failed:       atomic.LoadUint64(&svc.failedCount),
		BufferSize:   svc.batch.Size(),
		RawPending:   pending,
		IndexHealthy: svc.checker.IndexHealthy(ctx),
	}
	if ms := svc.lastSweep.Load(); ms > 0 {
		stats.LastSweepTime = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}

	svc.statsCache.Set(cacheKey, stats, statsCacheTTL)
	return stats, nil
}

// BatchStats exposes the index writer's counters
func (svc *Service) BatchStats() map[string]interface{} {
	return svc.batch.Stats()
}

// CacheStats reports item counts of the mapping and weather caches
func (svc *Service) CacheStats() map[string]interface{} {
	return map[string]interface{}{
		"mappings": svc.mappingCache.Stats(),
		"weather":  svc.geo.CacheStats(),
	}
}

// Flush writes buffered readings now
func (svc *Service) Flush() {
	svc.batch.Flush()
}

// Close stops background loops and flushes buffered readings
func (svc *Service) Close() error {
	svc.closeOnce.Do(func() {
		close(svc.stop)
		svc.wg.Wait()
		svc.batch.Close()
		svc.mappingCache.Close()
		svc.statsCache.Close()
	})
	return nil
}
