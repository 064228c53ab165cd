package audio

import (
	"math"
	"time"
)

// RMS computes the root-mean-square level of 16-bit little-endian mono PCM.
// Returns 0 for empty input. A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(pcm[2*i]) | int16(pcm[2*i+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Detector tracks caller speech activity from frame energy. It reports the
// start of speech as soon as a frame crosses the threshold and the end of
// speech once the level has stayed below it for the hangover duration, so
// brief pauses between words do not split an utterance.
//
// Detector is not safe for concurrent use; feed it from a single goroutine.
type Detector struct {
	// Threshold is the RMS level above which a frame counts as speech.
	Threshold float64
	// Hangover is how long the level must stay below Threshold before the
	// detector reports the utterance ended.
	Hangover time.Duration

	speaking  bool
	quietFor  time.Duration
	lastLevel float64
}

// Observe feeds one frame of 16-bit PCM plus its duration into the detector.
// It returns started=true on the frame that opens an utterance and
// stopped=true on the frame that closes one. At most one of the two is true.
func (d *Detector) Observe(pcm []byte, dur time.Duration) (started, stopped bool) {
	d.lastLevel = RMS(pcm)

	if d.lastLevel >= d.Threshold {
		d.quietFor = 0
		if !d.speaking {
			d.speaking = true
			return true, false
		}
		return false, false
	}

	if !d.speaking {
		return false, false
	}
	d.quietFor += dur
	if d.quietFor >= d.Hangover {
		d.speaking = false
		d.quietFor = 0
		return false, true
	}
	return false, false
}

// Speaking reports whether the detector is currently inside an utterance.
func (d *Detector) Speaking() bool { return d.speaking }

// Level returns the RMS of the most recently observed frame.
func (d *Detector) Level() float64 { return d.lastLevel }

// Reset returns the detector to the quiet state.
func (d *Detector) Reset() {
	d.speaking = false
	d.quietFor = 0
	d.lastLevel = 0
}
