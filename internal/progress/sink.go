package progress

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// ErrSinkGone is returned by a Sink whose edit target no longer exists.
var ErrSinkGone = errors.New("status target is no longer available")

// Sink delivers status snapshots. Edit updates the current status in place;
// Post emits a fresh status. A Reporter switches to Post for good after the
// first failed Edit.
type Sink interface {
	Edit(s Snapshot) error
	Post(s Snapshot) error
}

// SinkFunc adapts a function to a Sink whose Edit and Post behave alike.
type SinkFunc func(s Snapshot) error

func (f SinkFunc) Edit(s Snapshot) error { return f(s) }
func (f SinkFunc) Post(s Snapshot) error { return f(s) }

// LogSink writes statuses as structured debug logs. It never fails.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a sink logging through logger, or slog.Default() if nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{Logger: logger}
}

func (l *LogSink) Edit(s Snapshot) error {
	l.log(s)
	return nil
}

func (l *LogSink) Post(s Snapshot) error {
	l.log(s)
	return nil
}

func (l *LogSink) log(s Snapshot) {
	if s.Complete {
		l.Logger.Info("transfer complete", "action", s.Action, "bytes", s.Done)
		return
	}
	l.Logger.Debug("transfer progress",
		"action", s.Action,
		"bytes_done", s.Done,
		"bytes_total", s.Total,
		"percent", s.Percent,
		"rate_bps", int64(s.Rate),
		"eta_seconds", int64(s.ETA.Seconds()),
	)
}

// TerminalSink renders statuses for a CLI. On a terminal Edit redraws the
// current line; anywhere else Edit fails so the reporter prints lines.
type TerminalSink struct {
	mu    sync.Mutex
	w     io.Writer
	tty   bool
	dirty bool // a redrawn line is waiting for its newline
}

// NewTerminalSink creates a sink writing to f.
func NewTerminalSink(f *os.File) *TerminalSink {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return &TerminalSink{w: f, tty: tty}
}

func (t *TerminalSink) Edit(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.tty {
		return ErrSinkGone
	}
	if _, err := fmt.Fprintf(t.w, "\r\033[K%s", s.Line()); err != nil {
		return err
	}
	t.dirty = true
	if s.Complete {
		t.dirty = false
		_, err := fmt.Fprintln(t.w)
		return err
	}
	return nil
}

func (t *TerminalSink) Post(s Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dirty {
		fmt.Fprintln(t.w)
		t.dirty = false
	}
	_, err := fmt.Fprintln(t.w, s.Line())
	return err
}
