// Package coordinator bounds each user to a single in-flight upload.
//
// A user is either idle or holds exactly one Session. A second request while
// a Session is held fails immediately with ErrBusy; there is no queueing.
package coordinator

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var ErrBusy = errors.New("an upload is already in progress for this user")

// Session is the slot held by one in-flight upload.
type Session struct {
	UserID     string
	AcquiredAt time.Time

	owner   *Coordinator
	release sync.Once
}

// Release returns the user to idle. Calling it more than once is a no-op.
func (s *Session) Release() {
	s.release.Do(func() {
		// Only delete our own entry; never a later session for the same user.
		if s.owner.slots.CompareAndDelete(s.UserID, s) {
			s.owner.active.Add(-1)
		}
	})
}

// Coordinator tracks which users currently hold an upload slot.
// Entries exist only while held, so the map never outgrows the number of
// concurrent uploads.
type Coordinator struct {
	slots  sync.Map // user id -> *Session
	active atomic.Int64
	now    func() time.Time
}

// New creates a coordinator with every user idle.
func New() *Coordinator {
	return &Coordinator{now: time.Now}
}

// TryAcquire claims the slot for userID or fails with ErrBusy.
func (c *Coordinator) TryAcquire(userID string) (*Session, error) {
	s := &Session{UserID: userID, AcquiredAt: c.now(), owner: c}
	if _, loaded := c.slots.LoadOrStore(userID, s); loaded {
		return nil, ErrBusy
	}
	c.active.Add(1)
	return s, nil
}

// Do runs fn while holding userID's slot. The slot is released on every
// exit path, including a panic in fn.
func (c *Coordinator) Do(userID string, fn func(*Session) error) error {
	s, err := c.TryAcquire(userID)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(s)
}

// InFlight reports whether userID currently holds a slot.
func (c *Coordinator) InFlight(userID string) bool {
	_, ok := c.slots.Load(userID)
	return ok
}

// Active returns the number of slots currently held.
func (c *Coordinator) Active() int {
	return int(c.active.Load())
}
