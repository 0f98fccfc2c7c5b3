package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bigboxer23/solar-moon-common-sub001/internal/domain"
	"github.com/bigboxer23/solar-moon-common-sub001/internal/repository"
	"github.com/bigboxer23/solar-moon-common-sub001/pkg/logger"
)

// BatchWriter buffers readings and appends them to the time-series index in
// batches. A failed flush is recorded against the index health status.
type BatchWriter struct {
	index         repository.ReadingIndex
	health        repository.HealthStatus
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []domain.Reading
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	// Stats
	batchesWritten uint64
	recordsWritten uint64
	recordsFailed  uint64
	lastFlushTime  atomic.Int64
}

// NewBatchWriter creates a writer and starts its flush ticker
func NewBatchWriter(index repository.ReadingIndex, health repository.HealthStatus, batchSize int, flushInterval time.Duration) *BatchWriter {
	bw := &BatchWriter{
		index:         index,
		health:        health,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]domain.Reading, 0, batchSize),
		stop:          make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.autoFlush()

	logger.Infof("BatchWriter started: %d size, %v interval", batchSize, flushInterval)
	return bw
}

// Add buffers a reading and flushes when the batch is full
func (bw *BatchWriter) Add(r domain.Reading) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, r)
	shouldFlush := len(bw.buffer) >= bw.batchSize
	bw.mu.Unlock()

	if shouldFlush {
		bw.Flush()
	}
}

// Flush writes everything buffered so far
func (bw *BatchWriter) Flush() {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return
	}
	toWrite := make([]domain.Reading, len(bw.buffer))
	copy(toWrite, bw.buffer)
	bw.buffer = bw.buffer[:0]
	bw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := bw.index.Append(ctx, toWrite); err != nil {
		atomic.AddUint64(&bw.recordsFailed, uint64(len(toWrite)))
		logger.Errorf("batch write failed: %d readings in %v: %v", len(toWrite), time.Since(start), err)
		if recErr := bw.health.RecordFailure(ctx, time.Now()); recErr != nil {
			logger.Errorf("failed to record index failure: %v", recErr)
		}
		return
	}

	atomic.AddUint64(&bw.batchesWritten, 1)
	atomic.AddUint64(&bw.recordsWritten, uint64(len(toWrite)))
	bw.lastFlushTime.Store(time.Now().UnixMilli())

	logger.Debugf("flushed %d readings in %v", len(toWrite), time.Since(start).Round(time.Millisecond))
}

// Size returns current buffer size
func (bw *BatchWriter) Size() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

func (bw *BatchWriter) autoFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bw.Flush()
		case <-bw.stop:
			bw.Flush()
			return
		}
	}
}

// Stats returns writer statistics
func (bw *BatchWriter) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"batches_written": atomic.LoadUint64(&bw.batchesWritten),
		"records_written": atomic.LoadUint64(&bw.recordsWritten),
		"records_failed":  atomic.LoadUint64(&bw.recordsFailed),
		"buffer_size":     bw.Size(),
	}
	if ms := bw.lastFlushTime.Load(); ms > 0 {
		stats["last_flush_time"] = time.UnixMilli(ms).Format("15:04:05")
	}
	return stats
}

// Close stops the ticker and flushes what is left
func (bw *BatchWriter) Close() {
	bw.once.Do(func() {
		close(bw.stop)
		bw.wg.Wait()
		logger.Infof("BatchWriter closed. Total: %d batches, %d readings",
			atomic.LoadUint64(&bw.batchesWritten),
			atomic.LoadUint64(&bw.recordsWritten))
	})
}
