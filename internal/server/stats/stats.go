// Package stats keeps in-memory per-user transfer counters.
package stats

import (
	"fmt"
	"sync"
)

// NoActivity is the last activity reported for users with no history.
const NoActivity = "No activity"

// Counters is the usage summary for one user.
type Counters struct {
	Uploads         int64  `json:"uploads"`
	Downloads       int64  `json:"downloads"`
	BytesUploaded   int64  `json:"bytes_uploaded"`
	BytesDownloaded int64  `json:"bytes_downloaded"`
	LastActivity    string `json:"last_activity"`
}

// UsageStats is safe for concurrent use.
type UsageStats struct {
	mu    sync.Mutex
	users map[string]*Counters
}

func New() *UsageStats {
	return &UsageStats{users: make(map[string]*Counters)}
}

// LogUpload records a completed upload of size bytes.
func (u *UsageStats) LogUpload(userID string, size int64, filename string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	c := u.entry(userID)
	c.Uploads++
	c.BytesUploaded += size
	c.LastActivity = fmt.Sprintf("Uploaded: %s", filename)
}

// LogDownload records a completed download of size bytes.
func (u *UsageStats) LogDownload(userID string, size int64, filename string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	c := u.entry(userID)
	c.Downloads++
	c.BytesDownloaded += size
	c.LastActivity = fmt.Sprintf("Downloaded: %s", filename)
}

// Snapshot returns a copy of the user's counters. Unknown users get zero
// counters and NoActivity.
func (u *UsageStats) Snapshot(userID string) Counters {
	u.mu.Lock()
	defer u.mu.Unlock()

	c, ok := u.users[userID]
	if !ok {
		return Counters{LastActivity: NoActivity}
	}
	return *c
}

// Users returns the number of users with recorded activity.
func (u *UsageStats) Users() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.users)
}

// entry must be called with u.mu held.
func (u *UsageStats) entry(userID string) *Counters {
	c, ok := u.users[userID]
	if !ok {
		c = &Counters{LastActivity: NoActivity}
		u.users[userID] = c
	}
	return c
}
