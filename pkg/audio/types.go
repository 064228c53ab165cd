// Package audio provides the audio plumbing for the Trunkline bridge: the
// G.711 mu-law wire codec, a stateful sample-rate converter, frame energy
// measurement, and chunk reframing.
//
// All PCM in this package is 16-bit little-endian mono. The telephony wire
// side deals in mu-law bytes wrapped in base64 text framing; the upstream
// speech side deals in raw PCM16. Conversion always happens between those two
// worlds, never past them.
//
// This package lives under pkg/ because alternate transports are expected to
// reuse the codec and resampler directly.
package audio

import "time"

// Encoding identifies the byte layout of a [Frame] payload.
type Encoding string

const (
	// EncodingMuLaw is G.711 mu-law, one byte per sample.
	EncodingMuLaw Encoding = "audio/x-mulaw"

	// EncodingPCM16 is linear 16-bit little-endian PCM, two bytes per sample.
	EncodingPCM16 Encoding = "audio/x-l16"
)

// SupportedRates lists the sample rates the bridge can negotiate, in Hz.
var SupportedRates = []int{8000, 16000, 24000}

// RateSupported reports whether rate is one of [SupportedRates].
func RateSupported(rate int) bool {
	for _, r := range SupportedRates {
		if rate == r {
			return true
		}
	}
	return false
}

// Frame is one immutable unit of audio moving through the bridge. Producers
// allocate a fresh Frame per wire message or upstream delta; transformation
// stages return new payloads rather than mutating Data in place.
type Frame struct {
	// Data is the encoded payload. Interpretation depends on Encoding.
	Data []byte

	// SampleRate in Hz (8000, 16000, or 24000).
	SampleRate int

	// Encoding identifies the payload layout.
	Encoding Encoding

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration

	// Seq is the frame's position within its direction of its stream.
	// Assigned monotonically by the producer; never reused.
	Seq uint64
}

// Samples returns the number of audio samples in the frame payload.
func (f Frame) Samples() int {
	if f.Encoding == EncodingPCM16 {
		return len(f.Data) / 2
	}
	return len(f.Data)
}

// Duration returns the real-time playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}
