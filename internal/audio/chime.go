// Package audio plays the rep-completed chime through the default output
// device using malgo.
package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chaz8081/repsense/internal/reps"
	"github.com/chaz8081/repsense/internal/tracker"
	"github.com/gen2brain/malgo"
)

// DefaultSampleRate is used for synthesized tones.
const DefaultSampleRate = 44100

// fadeDuration is the linear ramp applied at both ends of a tone.
const fadeDuration = 5 * time.Millisecond

// Chime plays a short mono clip. Calls to Play while the clip is sounding
// restart it from the beginning.
type Chime struct {
	ctx        *malgo.AllocatedContext
	sampleRate uint32
	samples    []float32

	// ctl serializes device start and stop. mu guards playback position
	// and is the only lock taken by the audio callback.
	ctl     sync.Mutex
	device  *malgo.Device
	mu      sync.Mutex
	pos     int
	playing bool
	done    chan struct{}

	// start and stop drive the output device; tests replace them.
	start func() error
	stop  func()
}

// NewChime creates a chime for the given mono samples. Call Close() when done.
func NewChime(samples []float32, sampleRate uint32) (*Chime, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("chime has no samples")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}

	c := newChime(samples, sampleRate)
	c.ctx = ctx
	c.start = c.startDevice
	c.stop = c.stopDevice
	return c, nil
}

func newChime(samples []float32, sampleRate uint32) *Chime {
	return &Chime{
		sampleRate: sampleRate,
		samples:    samples,
		done:       make(chan struct{}, 1),
	}
}

// Tone synthesizes a sine wave at freq Hz with a short fade at both ends.
func Tone(freq float64, d time.Duration, volume float64, sampleRate uint32) []float32 {
	n := int(d.Seconds() * float64(sampleRate))
	if n <= 0 {
		return nil
	}
	fade := int(fadeDuration.Seconds() * float64(sampleRate))
	if fade*2 > n {
		fade = n / 2
	}

	out := make([]float32, n)
	for i := range out {
		gain := volume
		switch {
		case i < fade:
			gain *= float64(i) / float64(fade)
		case i >= n-fade:
			gain *= float64(n-1-i) / float64(fade)
		}
		out[i] = float32(gain * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// Play starts the clip from the beginning.
func (c *Chime) Play() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	c.pos = 0
	running := c.playing
	c.playing = true
	c.mu.Unlock()

	if running {
		return nil
	}
	if err := c.start(); err != nil {
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
		return err
	}
	go c.waitDone()
	return nil
}

// Observe plays the chime for every completed rep. It has the
// tracker.Observer signature and returns without waiting on the device.
func (c *Chime) Observe(u tracker.Update) {
	if u.Rep == nil || u.Rep.Kind != reps.EventRepCompleted {
		return
	}
	go func() {
		if err := c.Play(); err != nil {
			slog.Warn("[AUDIO] chime failed", "error", err)
		}
	}()
}

// IsPlaying returns whether the clip is currently sounding.
func (c *Chime) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playing
}

// Close releases all audio resources.
func (c *Chime) Close() error {
	c.ctl.Lock()
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
	c.ctl.Unlock()

	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		c.ctx.Free()
	}

	return nil
}

func (c *Chime) waitDone() {
	for range c.done {
		c.ctl.Lock()
		c.mu.Lock()
		if c.pos < len(c.samples) {
			// Restarted by Play.
			c.mu.Unlock()
			c.ctl.Unlock()
			continue
		}
		c.playing = false
		c.mu.Unlock()
		c.stop()
		c.ctl.Unlock()
		return
	}
}

// startDevice lazily creates the playback device and starts it.
// Called with ctl held.
func (c *Chime) startDevice() error {
	if c.device == nil {
		deviceCfg := malgo.DefaultDeviceConfig(malgo.Playback)
		deviceCfg.Playback.Format = malgo.FormatF32
		deviceCfg.Playback.Channels = 1
		deviceCfg.SampleRate = c.sampleRate

		device, err := malgo.InitDevice(c.ctx.Context, deviceCfg, malgo.DeviceCallbacks{
			Data: c.onData,
		})
		if err != nil {
			return fmt.Errorf("initializing playback device: %w", err)
		}
		c.device = device
	}

	if err := c.device.Start(); err != nil {
		return fmt.Errorf("starting playback device: %w", err)
	}
	return nil
}

// stopDevice is called with ctl held.
func (c *Chime) stopDevice() {
	if c.device == nil {
		return
	}
	if err := c.device.Stop(); err != nil {
		slog.Warn("[AUDIO] stopping playback device", "error", err)
	}
}

// onData is the malgo callback that fills the output buffer.
func (c *Chime) onData(pOutput, _ []byte, frameCount uint32) {
	c.mu.Lock()
	finished := c.fill(pOutput, frameCount)
	c.mu.Unlock()

	if finished {
		select {
		case c.done <- struct{}{}:
		default:
		}
	}
}

// fill writes up to frameCount little-endian float32 samples into out,
// padding with silence past the end of the clip. It reports whether the clip
// has been fully written. Called with mu held.
func (c *Chime) fill(out []byte, frameCount uint32) bool {
	for i := uint32(0); i < frameCount; i++ {
		offset := i * 4
		if offset+4 > uint32(len(out)) {
			break
		}
		var s float32
		if c.pos < len(c.samples) {
			s = c.samples[c.pos]
			c.pos++
		}
		binary.LittleEndian.PutUint32(out[offset:offset+4], math.Float32bits(s))
	}
	return c.pos >= len(c.samples)
}
