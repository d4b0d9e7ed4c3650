// Package protocol implements the wire framing for the rep sensor's BLE
// stream: reassembly of JSON messages split across notifications, sender-side
// fragmentation, and decoding of confidence readings.
package protocol

import (
	"strings"
	"sync"
	"time"
)

// DefaultIdleTimeout is how long a partial message may sit in the buffer
// before it is discarded.
const DefaultIdleTimeout = 1000 * time.Millisecond

// Framer reassembles a stream of text chunks into complete JSON objects.
//
// A buffer is complete when it holds at least one '{' and the number of '{'
// equals the number of '}'. Braces inside string values and nested objects
// are counted like any other, so a sender must never emit either.
type Framer struct {
	idle time.Duration
	emit func(msg string)

	mu     sync.Mutex
	buf    strings.Builder
	opens  int
	closes int
	timer  *time.Timer
	gen    uint64 // bumped on every Push/Reset so stale timers are ignored
}

// NewFramer creates a Framer that calls emit for every complete message.
// A non-positive idle uses DefaultIdleTimeout.
func NewFramer(idle time.Duration, emit func(msg string)) *Framer {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Framer{idle: idle, emit: emit}
}

// Push appends a chunk. If the buffer becomes a complete message it is
// emitted and cleared; otherwise the idle timer is (re)armed.
func (f *Framer) Push(chunk string) {
	f.mu.Lock()
	f.stopTimer()

	f.buf.WriteString(chunk)
	f.opens += strings.Count(chunk, "{")
	f.closes += strings.Count(chunk, "}")

	if f.opens > 0 && f.opens == f.closes {
		msg := f.buf.String()
		f.clear()
		f.mu.Unlock()
		if f.emit != nil {
			f.emit(msg)
		}
		return
	}

	gen := f.gen
	f.timer = time.AfterFunc(f.idle, func() { f.expire(gen) })
	f.mu.Unlock()
}

// Reset discards any partial message and cancels the idle timer.
func (f *Framer) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopTimer()
	f.clear()
}

// Pending returns the buffered partial message.
func (f *Framer) Pending() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func (f *Framer) expire(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen {
		return
	}
	f.timer = nil
	f.clear()
}

// stopTimer cancels the pending idle timer (caller must hold mu).
func (f *Framer) stopTimer() {
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}

// clear empties the buffer (caller must hold mu).
func (f *Framer) clear() {
	f.buf.Reset()
	f.opens = 0
	f.closes = 0
}
