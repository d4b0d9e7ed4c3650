// Package hotkey provides global key bindings using gohook. Each binding
// maps a key combo to a Command that is emitted when the combo is pressed.
package hotkey

import (
	"sync"

	hook "github.com/robotn/gohook"
)

// Command is an action requested from the keyboard.
type Command int

const (
	// CommandReset zeroes the rep counter.
	CommandReset Command = iota
	// CommandToggleScan starts or stops looking for the sensor.
	CommandToggleScan
)

func (c Command) String() string {
	switch c {
	case CommandReset:
		return "reset"
	case CommandToggleScan:
		return "toggle_scan"
	default:
		return "unknown"
	}
}

// Binding maps a key combo to a command.
// Keys should be lowercase key names (e.g., ["ctrl", "shift", "0"]).
type Binding struct {
	Keys    []string
	Command Command
}

// Listener watches global key combos and emits commands.
type Listener struct {
	bindings []Binding
	ch       chan Command
	done     chan struct{}
	once     sync.Once
}

// NewListener creates a Listener for the given bindings.
func NewListener(bindings ...Binding) *Listener {
	return &Listener{
		bindings: bindings,
		ch:       make(chan Command, 16),
		done:     make(chan struct{}),
	}
}

// Commands returns the channel that receives commands.
// The channel is closed when the listener stops.
func (l *Listener) Commands() <-chan Command {
	return l.ch
}

// Start begins listening for the bindings.
// This function blocks until Stop is called. Run it in a goroutine.
func (l *Listener) Start() {
	for _, b := range l.bindings {
		cmd := b.Command
		hook.Register(hook.KeyDown, b.Keys, func(e hook.Event) {
			l.dispatch(cmd)
		})
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// dispatch sends cmd without blocking; presses are dropped if the
// consumer falls behind.
func (l *Listener) dispatch(cmd Command) {
	select {
	case l.ch <- cmd:
	default:
	}
}

// Stop terminates the listener.
// It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
