package term

import (
	"regexp"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"bbsfleet/internal/logging"
)

const (
	// DefaultIdleTimeout is how long the stream must stay quiet before a
	// screen is considered ready for the agent.
	DefaultIdleTimeout = 1500 * time.Millisecond

	// promptGrace is the short-circuit timeout used when the screen tail
	// already looks like a prompt awaiting input.
	promptGrace = 300 * time.Millisecond

	// historySize bounds the rolling record of distinct screens.
	historySize = 40

	// promptTailLines is how many trailing non-blank lines are checked
	// against the prompt patterns.
	promptTailLines = 3
)

// promptPatterns match screen tails that mean the board is waiting on us.
// Checked case-insensitively against the last few non-blank lines.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)[?:>][ \t]*$`),
	regexp.MustCompile(`(?i)\[Y/n\]|\[y/N\]`),
	regexp.MustCompile(`(?i)\[More\]|\[Enter\]`),
	regexp.MustCompile(`(?i)(password|login|name|handle):`),
	regexp.MustCompile(`(?i)(Command|Selection|choice):`),
	regexp.MustCompile(`(?i)\(\d+ min left\)`),
	regexp.MustCompile(`(?i)Press (ENTER|RETURN|any key) to continue`),
}

// LooksLikePrompt reports whether the given screen tail matches a known
// prompt pattern.
func LooksLikePrompt(tail string) bool {
	for _, pattern := range promptPatterns {
		if pattern.MatchString(tail) {
			return true
		}
	}
	return false
}

// Buffer sits between the connection and the session loop. It feeds incoming
// bytes through the virtual screen and wakes the single pending waiter once
// the stream has gone idle.
type Buffer struct {
	screen      *Screen
	idleTimeout time.Duration
	logger      logging.Logger

	mu           sync.Mutex
	waiter       chan string
	timer        *time.Timer
	history      *lru.Cache[string, time.Time]
	lastRecorded string
	closed       bool
}

// NewBuffer builds a buffer around a fresh screen. A zero idleTimeout uses
// the default.
func NewBuffer(idleTimeout time.Duration, logger logging.Logger) *Buffer {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	history, _ := lru.New[string, time.Time](historySize)
	return &Buffer{
		screen:      NewScreen(),
		idleTimeout: idleTimeout,
		logger:      logging.OrNop(logger),
		history:     history,
	}
}

// Screen exposes the underlying virtual terminal.
func (b *Buffer) Screen() *Screen {
	return b.screen
}

// Feed pushes raw connection bytes through CP437 decoding into the screen
// and re-arms the idle timer when a waiter is pending.
func (b *Buffer) Feed(data []byte) {
	b.screen.Write(DecodeCP437(data))

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.waiter == nil {
		// Nobody is waiting; absorb silently.
		return
	}
	b.armTimerLocked()
}

// armTimerLocked (re)arms the idle timer, choosing the short grace window
// when the screen tail already looks like a prompt. Caller holds b.mu.
func (b *Buffer) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	timeout := b.idleTimeout
	if LooksLikePrompt(b.screen.Tail(promptTailLines)) {
		timeout = promptGrace
	}
	b.timer = time.AfterFunc(timeout, b.fire)
}

// fire resolves the pending waiter with the current snapshot and records it
// into history.
func (b *Buffer) fire() {
	b.mu.Lock()
	waiter := b.waiter
	b.waiter = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if waiter == nil {
		b.mu.Unlock()
		return
	}
	snapshot := b.screen.Snapshot()
	if snapshot != "" && snapshot != b.lastRecorded {
		b.history.Add(snapshot, time.Now())
		b.lastRecorded = snapshot
	}
	b.mu.Unlock()

	waiter <- snapshot
}

// WaitForIdle blocks until the stream goes idle and returns the screen at
// that moment. Only one waiter may be pending at a time; a second concurrent
// call returns the empty string, as does any call after Close.
func (b *Buffer) WaitForIdle() string {
	b.mu.Lock()
	if b.closed || b.waiter != nil {
		b.mu.Unlock()
		return ""
	}
	waiter := make(chan string, 1)
	b.waiter = waiter
	// Always armed: if no more data arrives, the timer still resolves the
	// wait with whatever is on screen.
	b.armTimerLocked()
	b.mu.Unlock()

	return <-waiter
}

// History returns the recorded distinct snapshots, oldest first.
func (b *Buffer) History() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.Keys()
}

// Close releases any pending waiter with an empty screen and makes future
// waits return immediately.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	waiter := b.waiter
	b.waiter = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if waiter != nil {
		waiter <- ""
	}
}
