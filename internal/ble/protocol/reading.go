package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Reading maps an exercise name to the model's confidence for one tick.
type Reading map[string]float64

// ParseReading decodes one framed message. Values that are not numbers, and
// numbers that are not finite, are dropped rather than failing the message;
// a message that is not a JSON object at all returns an error.
func ParseReading(msg string) (Reading, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(msg), &raw); err != nil {
		return nil, fmt.Errorf("protocol: decode reading: %w", err)
	}

	r := make(Reading, len(raw))
	for name, v := range raw {
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		r[name] = f
	}
	return r, nil
}

// Confidence returns the confidence for exercise. The name is matched
// exactly first, then case-insensitively with surrounding space ignored.
// Missing exercises report 0.
func (r Reading) Confidence(exercise string) float64 {
	if v, ok := r[exercise]; ok {
		return sanitize(v)
	}
	want := strings.TrimSpace(exercise)
	for name, v := range r {
		if strings.EqualFold(strings.TrimSpace(name), want) {
			return sanitize(v)
		}
	}
	return 0
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
