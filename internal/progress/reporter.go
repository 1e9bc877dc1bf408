// Package progress turns per-chunk byte counts into rate-limited status
// updates.
//
// Byte counts arrive synchronously from the copy loop through Reader or
// Writer. A Reporter drops updates that arrive inside the cooldown of its
// key, suppresses updates while no time has elapsed, and always delivers a
// single terminal "complete" status.
package progress

import (
	"log/slog"
	"sync"
	"time"
)

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// Reporter tracks one logical transfer.
type Reporter struct {
	mu      sync.Mutex
	key     string
	action  string
	total   int64
	sink    Sink
	limiter *Limiter
	now     func() time.Time

	startedAt  time.Time
	lastEmitAt time.Time
	done       int64
	editFailed bool
	completed  bool
	closeOnce  sync.Once
}

// NewReporter starts tracking a transfer of total bytes (<= 0 if unknown).
// A nil limiter disables the cooldown.
func NewReporter(key, action string, total int64, sink Sink, limiter *Limiter, opts ...Option) *Reporter {
	r := &Reporter{
		key:     key,
		action:  action,
		total:   total,
		sink:    sink,
		limiter: limiter,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.startedAt = r.now()
	if r.limiter != nil {
		r.limiter.Acquire(key)
	}
	return r
}

// Add records n more transferred bytes. It matches the Reader/Writer callback.
func (r *Reporter) Add(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe(r.done + int64(n))
}

// Observe records that done bytes have been transferred so far.
func (r *Reporter) Observe(done int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe(done)
}

// observe must be called with r.mu held.
func (r *Reporter) observe(done int64) {
	if r.completed {
		return
	}
	r.done = done
	now := r.now()

	if r.total > 0 && done >= r.total {
		r.completed = true
		r.emit(r.snapshot(now, true))
		return
	}

	if now.Sub(r.startedAt) <= 0 {
		return
	}
	if r.limiter != nil && !r.limiter.Allow(r.key, now) {
		return
	}
	r.lastEmitAt = now
	r.emit(r.snapshot(now, false))
}

// Finish emits the terminal status if it has not been emitted yet. It
// covers transfers whose total was unknown or zero.
func (r *Reporter) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed {
		return
	}
	r.completed = true
	if r.total <= 0 {
		r.total = r.done
	}
	r.emit(r.snapshot(r.now(), true))
}

// Close ends the reporter's hold on its key. The key's cooldown survives
// while other reporters still use it. Close is idempotent.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		if r.limiter != nil {
			r.limiter.Release(r.key)
		}
	})
}

// Done returns the bytes observed so far.
func (r *Reporter) Done() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// snapshot must be called with r.mu held.
func (r *Reporter) snapshot(now time.Time, complete bool) Snapshot {
	s := Snapshot{
		Action:   r.action,
		Done:     r.done,
		Total:    r.total,
		Complete: complete,
	}
	if r.total > 0 {
		s.Percent = float64(r.done) * 100 / float64(r.total)
	}
	if elapsed := now.Sub(r.startedAt).Seconds(); elapsed > 0 {
		s.Rate = float64(r.done) / elapsed
	}
	if s.Rate > 0 && r.total > 0 {
		remaining := float64(r.total - r.done)
		s.ETA = time.Duration(remaining / s.Rate * float64(time.Second))
		s.HasETA = true
	}
	return s
}

// emit must be called with r.mu held. Sink failures are never returned to
// the transfer.
func (r *Reporter) emit(s Snapshot) {
	if !r.editFailed {
		err := r.sink.Edit(s)
		if err == nil {
			return
		}
		slog.Debug("status edit failed, switching to new messages", "key", r.key, "error", err)
		r.editFailed = true
	}
	if err := r.sink.Post(s); err != nil {
		slog.Debug("status update failed", "key", r.key, "error", err)
	}
}
