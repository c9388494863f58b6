package server

import (
	"context"
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/nicktill/timeindex/pkg/config"
	"github.com/nicktill/timeindex/pkg/metrics"
	"github.com/nicktill/timeindex/pkg/server/monitor"
)

// GarbageCollector reclaims space in a store's value log
type GarbageCollector interface {
	RunGC(discardRatio float64) error
}

// Sizer reports a store's on-disk size
type Sizer interface {
	Size() int64
}

// RunBadgerGC runs value log garbage collection every interval until ctx
// is done. BadgerDB accumulates deleted links in its value log, so
// without GC removed indexes never give their disk space back.
func RunBadgerGC(ctx context.Context, gc GarbageCollector, interval time.Duration, tm *monitor.TaskMonitor, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("BadgerDB GC scheduler started")

	for {
		select {
		case <-ticker.C:
			if stop := collectGarbage(gc, tm, log); stop {
				return
			}
		case <-ctx.Done():
			log.Info().Msg("stopping BadgerDB GC scheduler")
			return
		}
	}
}

// collectGarbage runs one GC pass and reports whether the scheduler
// should give up
func collectGarbage(gc GarbageCollector, tm *monitor.TaskMonitor, log zerolog.Logger) bool {
	start := time.Now()
	err := gc.RunGC(config.BadgerGCDiscardRatio)
	elapsed := time.Since(start).Round(time.Millisecond)

	switch {
	case err == nil:
		tm.RecordSuccess()
		log.Info().Dur("elapsed", elapsed).Msg("GC completed, disk space reclaimed")
	case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrRejected):
		tm.RecordSuccess()
		log.Debug().Dur("elapsed", elapsed).Msg("GC completed, no rewrite needed")
	case errors.Is(err, badgerdb.ErrGCInMemoryMode):
		log.Info().Msg("store is in-memory, skipping GC")
		return true
	default:
		tm.RecordFailure(err)
		status := tm.Status()
		log.Error().Err(err).Int("consecutive_errors", status.ConsecutiveErrors).Msg("GC failed")
	}
	return false
}

// ReportStorageSize publishes the store's size to the storage gauge every
// interval until ctx is done
func ReportStorageSize(ctx context.Context, store Sizer, m *metrics.Metrics, interval time.Duration) {
	m.UpdateStorageSize(store.Size())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.UpdateStorageSize(store.Size())
		case <-ctx.Done():
			return
		}
	}
}
