package protocol

import "unicode/utf8"

// ATT sizes. Every notification carries at most MTU-3 bytes of payload.
const (
	DefaultMTU    = 23
	MaxMTU        = 517
	attHeaderSize = 3
)

// PayloadSize returns the usable notification payload for an ATT MTU.
func PayloadSize(mtu int) int {
	if mtu < DefaultMTU {
		mtu = DefaultMTU
	}
	return mtu - attHeaderSize
}

// Fragment splits msg into chunks of at most maxBytes, the way the sensor
// firmware splits a message across notifications. It never splits in the
// middle of a UTF-8 character, so a rune wider than maxBytes becomes its own
// chunk. Returns nil for an empty message or a non-positive maxBytes.
func Fragment(msg string, maxBytes int) []string {
	if len(msg) == 0 || maxBytes <= 0 {
		return nil
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxBytes {
			chunks = append(chunks, msg)
			break
		}

		split := maxBytes
		for split > 0 && !utf8.RuneStart(msg[split]) {
			split--
		}
		if split == 0 {
			// Rune wider than maxBytes: take the whole rune.
			_, size := utf8.DecodeRuneInString(msg)
			split = size
		}

		chunks = append(chunks, msg[:split])
		msg = msg[split:]
	}
	return chunks
}
