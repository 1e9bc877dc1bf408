package progress

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const barLength = 20

// Snapshot is one status emission for a transfer.
type Snapshot struct {
	Action   string
	Done     int64
	Total    int64 // <= 0 when unknown
	Percent  float64
	Rate     float64 // bytes per second
	ETA      time.Duration
	HasETA   bool
	Complete bool
}

// String renders the multi-line status used by chat-style sinks.
func (s Snapshot) String() string {
	if s.Complete {
		return fmt.Sprintf("%s complete (%s)", s.Action, humanize.IBytes(uint64(s.Done)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s...\n", s.Action)
	if s.Total > 0 {
		fmt.Fprintf(&b, "[%s] %.1f%%\n", s.bar(), s.Percent)
		fmt.Fprintf(&b, "Size: %s/%s\n", humanize.IBytes(uint64(s.Done)), humanize.IBytes(uint64(s.Total)))
	} else {
		fmt.Fprintf(&b, "Size: %s\n", humanize.IBytes(uint64(s.Done)))
	}
	fmt.Fprintf(&b, "Speed: %s/s\n", humanize.IBytes(uint64(s.Rate)))
	fmt.Fprintf(&b, "ETA: %s", s.etaText())
	return b.String()
}

// Line renders the status on a single line for terminals and logs.
func (s Snapshot) Line() string {
	if s.Complete {
		return s.String()
	}
	if s.Total <= 0 {
		return fmt.Sprintf("%s %s  %s/s",
			s.Action, humanize.IBytes(uint64(s.Done)), humanize.IBytes(uint64(s.Rate)))
	}
	return fmt.Sprintf("%s [%s] %5.1f%%  %s/%s  %s/s  ETA %s",
		s.Action, s.bar(), s.Percent,
		humanize.IBytes(uint64(s.Done)), humanize.IBytes(uint64(s.Total)),
		humanize.IBytes(uint64(s.Rate)), s.etaText())
}

func (s Snapshot) bar() string {
	filled := int(s.Percent / 100 * barLength)
	if filled < 0 {
		filled = 0
	}
	if filled > barLength {
		filled = barLength
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", barLength-filled)
}

func (s Snapshot) etaText() string {
	if !s.HasETA {
		return "unknown"
	}
	return fmt.Sprintf("%ds", int(s.ETA.Seconds()))
}
