// Package tracker connects the BLE link to the rep counter. It decodes each
// framed message into a confidence reading, runs it through the counter, and
// publishes link and rep events to observers. It is also the single entry
// point for consumer commands.
package tracker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/repsense/internal/ble"
	"github.com/chaz8081/repsense/internal/ble/protocol"
	"github.com/chaz8081/repsense/internal/observability"
	"github.com/chaz8081/repsense/internal/reps"
)

// Link is the part of ble.Manager the tracker drives.
type Link interface {
	StartScan() error
	StopScan() error
	Disconnect() error
	Cleanup() error
	Events() <-chan ble.Event
	State() ble.State
	MTU() int
}

// Update is one event delivered to observers. Exactly one of Link and Rep is set.
type Update struct {
	Time time.Time   `json:"time"`
	Link *ble.Event  `json:"link,omitempty"`
	Rep  *reps.Event `json:"rep,omitempty"`
}

// Observer receives updates in order. It runs on the publishing goroutine
// and must neither block nor call back into the Tracker.
type Observer func(Update)

// Status is a snapshot for consumers.
type Status struct {
	LinkState string     `json:"link_state"`
	Connected bool       `json:"connected"`
	Device    ble.Device `json:"device"`
	MTU       int        `json:"mtu"`
	LastError string     `json:"last_error,omitempty"`
	Counter   reps.State `json:"counter"`
}

// Tracker owns the counter and forwards commands to the link.
type Tracker struct {
	link Link
	now  func() time.Time

	mu        sync.Mutex
	counter   *reps.Counter
	observers []Observer
	connected bool
	device    ble.Device
	lastErr   string
}

// New creates a Tracker over link and counter.
func New(link Link, counter *reps.Counter) *Tracker {
	return &Tracker{
		link:    link,
		counter: counter,
		now:     time.Now,
	}
}

// Observe registers an observer. Register observers before Run.
func (t *Tracker) Observe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// Run consumes link events until the events channel closes or ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	events := t.link.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.handleLinkEvent(ev)
		}
	}
}

func (t *Tracker) handleLinkEvent(ev ble.Event) {
	observability.RecordLinkEvent(ev.Kind.String())

	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case ble.EventConnectionChanged:
		t.connected = ev.Connected
		t.device = ev.Device
		observability.SetConnected(ev.Connected)
	case ble.EventError:
		if ev.Err != nil {
			t.lastErr = ev.Err.Error()
		}
	case ble.EventScanStarted:
		t.lastErr = ""
	}

	now := t.now()
	t.publish(Update{Time: now, Link: &ev})

	if ev.Kind != ble.EventData {
		return
	}
	reading, err := protocol.ParseReading(ev.Data)
	if err != nil {
		// A message that cannot be decoded still counts as a tick with no
		// activity.
		slog.Warn("[REPS] undecodable message", "error", err, "data", ev.Data)
		observability.RecordDecodeError()
	}
	t.process(reading, now)
}

// ProcessReading feeds a reading directly, as if it had arrived over BLE.
func (t *Tracker) ProcessReading(r protocol.Reading) []reps.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.process(r, t.now())
}

// process runs the counter and publishes its events (caller must hold mu).
func (t *Tracker) process(r protocol.Reading, now time.Time) []reps.Event {
	events := t.counter.Process(r, now)
	for i := range events {
		ev := events[i]
		observability.RecordRepEvent(ev.Kind.String(), ev.Exercise, ev.Count, ev.Confidence)
		switch ev.Kind {
		case reps.EventRepCompleted:
			slog.Info("[REPS] rep completed", "exercise", ev.Exercise, "count", ev.Count)
		case reps.EventStarted, reps.EventStopped:
			slog.Info("[REPS] "+ev.Kind.String(), "exercise", ev.Exercise, "confidence", ev.Confidence)
		default:
			slog.Debug("[REPS] status", "doing", ev.Doing, "confidence", ev.Confidence, "window", ev.Window)
		}
		t.publish(Update{Time: now, Rep: &ev})
	}
	return events
}

// publish delivers u to every observer (caller must hold mu).
func (t *Tracker) publish(u Update) {
	for _, o := range t.observers {
		o(u)
	}
}

// StartScan asks the link to look for the sensor.
func (t *Tracker) StartScan() error { return t.link.StartScan() }

// StopScan stops an active scan.
func (t *Tracker) StopScan() error { return t.link.StopScan() }

// Disconnect drops the current connection.
func (t *Tracker) Disconnect() error { return t.link.Disconnect() }

// Cleanup resets the link to a fresh state.
func (t *Tracker) Cleanup() error { return t.link.Cleanup() }

// ToggleScan starts a scan when the link is idle, stops one in progress, and
// otherwise drops the current session.
func (t *Tracker) ToggleScan() error {
	switch t.link.State() {
	case ble.StateIdle:
		return t.link.StartScan()
	case ble.StateScanning:
		return t.link.StopScan()
	default:
		return t.link.Disconnect()
	}
}

// SetExercise changes the exercise being counted.
func (t *Tracker) SetExercise(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter.SetExercise(name)
	slog.Info("[REPS] target exercise", "exercise", t.counter.Exercise())
}

// ResetCounter zeroes the rep count and publishes a reset event.
func (t *Tracker) ResetCounter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	ev := t.counter.Reset(now)
	observability.RecordRepEvent(ev.Kind.String(), ev.Exercise, 0, 0)
	slog.Info("[REPS] counter reset", "exercise", ev.Exercise)
	t.publish(Update{Time: now, Rep: &ev})
}

// Status returns a snapshot of link and counter.
func (t *Tracker) Status() Status {
	state := t.link.State()
	mtu := t.link.MTU()

	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		LinkState: state.String(),
		Connected: t.connected,
		Device:    t.device,
		MTU:       mtu,
		LastError: t.lastErr,
		Counter:   t.counter.State(),
	}
}
