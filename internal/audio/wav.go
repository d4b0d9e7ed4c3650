package audio

import (
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// LoadWAV decodes a PCM WAV file into mono float32 samples scaled by volume.
// Multi-channel files are down-mixed by averaging.
func LoadWAV(path string, volume float64) ([]float32, uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening wav: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s is not a valid wav file", path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decoding wav: %w", err)
	}
	if len(buf.Data) == 0 {
		return nil, 0, fmt.Errorf("%s has no samples", path)
	}

	return toMono(buf, volume), uint32(dec.SampleRate), nil
}

// toMono normalizes an integer PCM buffer to [-1, 1] and averages channels.
func toMono(buf *audio.IntBuffer, volume float64) []float32 {
	channels := 1
	if buf.Format != nil && buf.Format.NumChannels > 0 {
		channels = buf.Format.NumChannels
	}
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	full := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := range out {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += float64(buf.Data[i*channels+ch])
		}
		out[i] = float32(sum / float64(channels) / full * volume)
	}
	return out
}
