// Package reps turns per-tick exercise confidences into debounced repetition
// events. A short majority window rejects single-tick noise and a refractory
// gap after each rep stops the next one from starting too early.
package reps

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/chaz8081/repsense/internal/ble/protocol"
)

// Defaults for Config.
const (
	DefaultThreshold = 0.4
	DefaultMinGap    = 1000 * time.Millisecond
	DefaultWindow    = 3
)

// minHistory is the number of readings needed before any transition.
const minHistory = 2

// Config tunes the Counter.
type Config struct {
	Exercise  string        // target exercise, matched case-insensitively
	Threshold float64       // confidence at or above which a tick counts as active
	MinGap    time.Duration // minimum time from a completed rep to the next start
	Window    int           // majority window size
}

// DefaultConfig returns the standard tuning for exercise.
func DefaultConfig(exercise string) Config {
	return Config{
		Exercise:  exercise,
		Threshold: DefaultThreshold,
		MinGap:    DefaultMinGap,
		Window:    DefaultWindow,
	}
}

// EventKind identifies a counter event.
type EventKind int

const (
	EventStarted EventKind = iota + 1
	EventStopped
	EventRepCompleted
	EventStatus
	EventReset
)

var eventKindNames = map[EventKind]string{
	EventStarted:      "exercise_started",
	EventStopped:      "exercise_stopped",
	EventRepCompleted: "rep_completed",
	EventStatus:       "status",
	EventReset:        "reset",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one output of the counter.
type Event struct {
	Kind       EventKind `json:"kind"`
	Exercise   string    `json:"exercise"`
	Doing      bool      `json:"doing"`
	Confidence float64   `json:"confidence"`
	Count      int       `json:"count"`
	Window     []bool    `json:"window,omitempty"` // EventStatus only
	Time       time.Time `json:"time"`
}

// State is a snapshot of the counter.
type State struct {
	Exercise string    `json:"exercise"`
	Count    int       `json:"count"`
	Doing    bool      `json:"doing"`
	LastRep  time.Time `json:"last_rep"`
	Window   []bool    `json:"window"`
}

// Counter is the rep state machine. It is not safe for concurrent use.
type Counter struct {
	cfg Config

	window  []bool
	count   int
	doing   bool
	lastRep time.Time
}

// NewCounter creates a Counter. Zero config fields take the defaults.
func NewCounter(cfg Config) *Counter {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultMinGap
	}
	if cfg.Window < minHistory {
		cfg.Window = DefaultWindow
	}
	cfg.Exercise = normalize(cfg.Exercise)
	return &Counter{
		cfg:    cfg,
		window: make([]bool, 0, cfg.Window),
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Exercise returns the normalized target exercise.
func (c *Counter) Exercise() string {
	return c.cfg.Exercise
}

// SetExercise changes the target exercise. The window is cleared so history
// from the previous exercise does not leak into the new one; the rep count
// is kept.
func (c *Counter) SetExercise(name string) {
	name = normalize(name)
	if name == c.cfg.Exercise {
		return
	}
	c.cfg.Exercise = name
	c.window = c.window[:0]
}

// Process feeds one reading, taken at now, and returns the events it caused
// in order. A status event is always last, except while the window holds
// fewer than two readings, when nothing is returned.
func (c *Counter) Process(confidences map[string]float64, now time.Time) []Event {
	conf := lookup(confidences, c.cfg.Exercise)
	active := conf >= c.cfg.Threshold

	if len(c.window) == c.cfg.Window {
		copy(c.window, c.window[1:])
		c.window = c.window[:len(c.window)-1]
	}
	c.window = append(c.window, active)

	if len(c.window) < minHistory {
		return nil
	}

	votes := 0
	for _, v := range c.window {
		if v {
			votes++
		}
	}
	// Strictly more than half of the buffered readings.
	majority := votes*2 > len(c.window)

	var events []Event
	switch {
	case !c.doing && majority && now.Sub(c.lastRep) >= c.cfg.MinGap:
		c.doing = true
		events = append(events, c.event(EventStarted, conf, now))
	case c.doing && !majority:
		c.doing = false
		c.count++
		c.lastRep = now
		events = append(events,
			c.event(EventRepCompleted, conf, now),
			c.event(EventStopped, conf, now),
		)
	}

	status := c.event(EventStatus, conf, now)
	status.Window = c.windowCopy()
	return append(events, status)
}

// Reset zeroes the count, clears the window and the refractory timestamp.
func (c *Counter) Reset(now time.Time) Event {
	c.count = 0
	c.doing = false
	c.lastRep = time.Time{}
	c.window = c.window[:0]
	return c.event(EventReset, 0, now)
}

// State returns a snapshot.
func (c *Counter) State() State {
	return State{
		Exercise: c.cfg.Exercise,
		Count:    c.count,
		Doing:    c.doing,
		LastRep:  c.lastRep,
		Window:   c.windowCopy(),
	}
}

func (c *Counter) event(kind EventKind, conf float64, now time.Time) Event {
	return Event{
		Kind:       kind,
		Exercise:   c.cfg.Exercise,
		Doing:      c.doing,
		Confidence: conf,
		Count:      c.count,
		Time:       now,
	}
}

func (c *Counter) windowCopy() []bool {
	out := make([]bool, len(c.window))
	copy(out, c.window)
	return out
}

// lookup finds the confidence for exercise, treating anything unusable as 0.
func lookup(confidences map[string]float64, exercise string) float64 {
	return protocol.Reading(confidences).Confidence(exercise)
}

// String renders the event for logs.
func (e Event) String() string {
	b, _ := json.Marshal(e)
	return string(b)
}
