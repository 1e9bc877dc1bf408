package storage

import (
	"context"
	"log/slog"
	"time"
)

// CleanupService periodically removes temp files abandoned by writes
// that never finished (process crash, killed container).
type CleanupService struct {
	store    *FileSystemStore
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
}

const defaultCleanupInterval = time.Hour

// NewCleanupService creates a new cleanup service. A non-positive interval
// falls back to one hour.
func NewCleanupService(store *FileSystemStore, interval time.Duration) *CleanupService {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &CleanupService{
		store:    store,
		interval: interval,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup()

		for {
			select {
			case <-ticker.C:
				cs.runCleanup()
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// runCleanup only touches files older than one interval so that
// in-progress writes are never swept.
func (cs *CleanupService) runCleanup() {
	cutoff := cs.now().Add(-cs.interval)

	removed, err := cs.store.SweepTemp(cutoff)
	if err != nil {
		slog.Error("failed to sweep temp files", "error", err)
		return
	}

	if removed == 0 {
		slog.Debug("no abandoned temp files to clean up")
		return
	}

	slog.Info("cleanup cycle complete", "removed", removed, "cutoff", cutoff)
}
