package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter allows at most one emission per interval for each key.
// Keys are logical sessions (a user), not individual streams: two
// transfers reported under the same key share one cooldown.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	keys     map[string]*keyState
}

type keyState struct {
	lim  *rate.Limiter
	refs int // open reporters using the key
}

// NewLimiter creates a limiter with the given cooldown. An interval <= 0
// allows every emission.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		keys:     make(map[string]*keyState),
	}
}

// Allow reports whether key may emit at now, consuming its token if so.
func (l *Limiter) Allow(key string, now time.Time) bool {
	if l.interval <= 0 {
		return true
	}

	l.mu.Lock()
	st := l.state(key)
	l.mu.Unlock()

	return st.lim.AllowN(now, 1)
}

// Acquire registers one more transfer under key.
func (l *Limiter) Acquire(key string) {
	l.mu.Lock()
	l.state(key).refs++
	l.mu.Unlock()
}

// Release ends one transfer under key. The cooldown state is dropped
// once no transfer uses the key any more.
func (l *Limiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.keys[key]
	if !ok {
		return
	}
	st.refs--
	if st.refs <= 0 {
		delete(l.keys, key)
	}
}

// Len returns the number of keys with cooldown state.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// state must be called with l.mu held.
func (l *Limiter) state(key string) *keyState {
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{lim: rate.NewLimiter(rate.Every(l.interval), 1)}
		l.keys[key] = st
	}
	return st
}
