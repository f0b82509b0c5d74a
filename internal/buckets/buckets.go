// Package buckets batches settled credit spends per user before writing the
// daily spend rollup.
package buckets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"genflow-api/internal/metrics"
	"genflow-api/internal/shared"

	"go.uber.org/zap"
)

type SpendWriter interface {
	WriteSpend(ctx context.Context, userID uint64, records map[string]*shared.SpendRecord) error
}

type SpendCache struct {
	buckets       map[uint64]*bucket
	killedBuckets map[uint64]*bucket
	mu            sync.Mutex
	log           *zap.SugaredLogger
	writer        SpendWriter

	flushInterval time.Duration
	retryDelay    time.Duration
}

type bucket struct {
	mu           sync.Mutex
	userID       uint64
	totalCredits uint64
	records      map[string]*shared.SpendRecord
	inflight     uint64
	timer        *time.Timer
}

func NewSpendCache(log *zap.SugaredLogger, writer SpendWriter) *SpendCache {
	return &SpendCache{
		writer:        writer,
		log:           log,
		buckets:       map[uint64]*bucket{},
		killedBuckets: map[uint64]*bucket{},
		flushInterval: shared.BucketFlushInterval,
		retryDelay:    5 * time.Second,
	}
}

// Shutdown waits for in flight generations, bounded by ctx, then flushes
// every bucket.
func (c *SpendCache) Shutdown(ctx context.Context) {
	c.log.Info("Shutting down spend cache")
	for {
		c.mu.Lock()
		total := uint64(0)
		for _, b := range c.buckets {
			b.mu.Lock()
			if b.timer != nil {
				b.timer.Stop()
			}
			total += b.inflight
			b.mu.Unlock()
		}
		c.mu.Unlock()
		if total == 0 {
			break
		}
		select {
		case <-ctx.Done():
			c.log.Warnw("Shutdown deadline reached with generations in flight", "inflight", total)
		case <-time.After(time.Second):
			continue
		}
		break
	}

	c.mu.Lock()
	ids := make([]uint64, 0, len(c.buckets))
	for id := range c.buckets {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	wg := sync.WaitGroup{}
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Flush(id)
		}()
	}
	wg.Wait()
}

func (c *SpendCache) AddInFlight(userID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.getBucket(userID)
	b.mu.Lock()
	b.inflight++
	b.mu.Unlock()
	metrics.InflightRequests.WithLabelValues(fmt.Sprintf("%d", userID)).Inc()
}

// RemoveInFlight marks a generation finished without any spend. A bucket
// left with nothing in flight and nothing to flush is dropped.
func (c *SpendCache) RemoveInFlight(userID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[userID]
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight > 0 {
		b.inflight--
		metrics.InflightRequests.WithLabelValues(fmt.Sprintf("%d", userID)).Dec()
	}
	if b.inflight == 0 && len(b.records) == 0 && b.timer == nil {
		delete(c.buckets, userID)
	}
}

func (c *SpendCache) getBucket(userID uint64) *bucket {
	b, ok := c.buckets[userID]
	if !ok {
		b = &bucket{records: map[string]*shared.SpendRecord{}, userID: userID}
		c.buckets[userID] = b
	}
	return b
}

// AddSpend records a settled generation and ends its in flight mark. The
// bucket flushes once nothing is in flight, or after the flush interval.
func (c *SpendCache) AddSpend(rec *shared.SpendRecord) {
	if rec.Credits == 0 {
		c.RemoveInFlight(rec.UserID)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getBucket(rec.UserID).add(c, rec)
}

func (b *bucket) add(c *SpendCache, rec *shared.SpendRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.RequestID] = rec
	if b.inflight > 0 {
		b.inflight--
		metrics.InflightRequests.WithLabelValues(fmt.Sprintf("%d", b.userID)).Dec()
	}

	if b.totalCredits == 0 && b.timer == nil {
		b.timer = time.AfterFunc(c.flushInterval, func() {
			c.flushWithRetry(b.userID)
		})
	}
	b.totalCredits += rec.Credits
	metrics.CreditUsage.WithLabelValues(rec.Model, rec.Tool).Add(float64(rec.Credits))

	if b.inflight >= 1 {
		return
	}

	c.log.Debugw("Flushing bucket with no generations in flight", "user_id", b.userID)
	if !b.timer.Stop() {
		// Timer already fired and owns the flush.
		return
	}
	go c.flushWithRetry(b.userID)
}

func (c *SpendCache) flushWithRetry(userID uint64) {
	retry := c.Flush(userID)
	for retry != 0 {
		c.log.Warn("Flush requested retry, waiting...")
		time.Sleep(retry)
		retry = c.Flush(userID)
	}
}

// Flush writes and drops the user's bucket. A non zero return asks the
// caller to retry after that delay because another flush is running.
func (c *SpendCache) Flush(userID uint64) time.Duration {
	c.mu.Lock()
	b, ok := c.buckets[userID]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	if _, ok := c.killedBuckets[userID]; ok {
		c.mu.Unlock()
		return shared.BucketRetryDelay
	}
	c.killedBuckets[userID] = b
	delete(c.buckets, userID)
	b.mu.Lock()
	if b.inflight != 0 {
		c.buckets[userID] = &bucket{
			userID:   userID,
			inflight: b.inflight,
			records:  map[string]*shared.SpendRecord{},
		}
	}
	records, total := b.records, b.totalCredits
	b.mu.Unlock()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.killedBuckets, userID)
		c.mu.Unlock()
	}()

	if len(records) == 0 {
		return 0
	}

	var err error
	for attempt := range shared.MaxFlushRetries {
		if err = c.writer.WriteSpend(context.Background(), userID, records); err == nil {
			c.log.Infow("Flushed bucket", "user_id", userID, "total_credits_used", total, "generations", len(records))
			return 0
		}
		c.log.Errorw("Failed to write spend", "error", err, "attempt", attempt+1)
		time.Sleep(c.retryDelay)
	}
	c.log.Errorw("Failed writing spend after retries", "error", err, "user_id", userID)
	metrics.ErrorCount.WithLabelValues("", "", "save_spend").Inc()
	return 0
}
