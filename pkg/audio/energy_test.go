package audio_test

import (
	"testing"
	"time"

	"github.com/weltlinger/trunkline/pkg/audio"
)

func constFrame(value int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return samplesToBytes(samples)
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("empty input: got %f, want 0", got)
	}
	if got := audio.RMS(constFrame(0, 160)); got != 0 {
		t.Errorf("silence: got %f, want 0", got)
	}
	if got := audio.RMS(constFrame(1000, 160)); got != 1000 {
		t.Errorf("constant 1000: got %f, want 1000", got)
	}
	// Alternating sign does not change the level.
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 1000
		if i%2 == 1 {
			samples[i] = -1000
		}
	}
	if got := audio.RMS(samplesToBytes(samples)); got != 1000 {
		t.Errorf("alternating ±1000: got %f, want 1000", got)
	}
}

func TestDetector_StartStop(t *testing.T) {
	d := &audio.Detector{Threshold: 500, Hangover: 200 * time.Millisecond}
	loud := constFrame(1000, 160)
	quiet := constFrame(0, 160)
	frameDur := 20 * time.Millisecond

	started, stopped := d.Observe(loud, frameDur)
	if !started || stopped {
		t.Fatalf("first loud frame: started=%v stopped=%v, want true/false", started, stopped)
	}
	if !d.Speaking() {
		t.Error("expected Speaking() after loud frame")
	}

	// Further loud frames report nothing new.
	started, stopped = d.Observe(loud, frameDur)
	if started || stopped {
		t.Errorf("second loud frame: started=%v stopped=%v, want false/false", started, stopped)
	}

	// Nine quiet frames (180ms) stay inside the hangover.
	for i := 0; i < 9; i++ {
		started, stopped = d.Observe(quiet, frameDur)
		if started || stopped {
			t.Fatalf("quiet frame %d: started=%v stopped=%v, want false/false", i, started, stopped)
		}
	}

	// The tenth quiet frame crosses 200ms and closes the utterance.
	started, stopped = d.Observe(quiet, frameDur)
	if started || !stopped {
		t.Fatalf("final quiet frame: started=%v stopped=%v, want false/true", started, stopped)
	}
	if d.Speaking() {
		t.Error("expected !Speaking() after hangover elapsed")
	}
}

func TestDetector_BriefPauseDoesNotSplit(t *testing.T) {
	d := &audio.Detector{Threshold: 500, Hangover: 200 * time.Millisecond}
	loud := constFrame(1000, 160)
	quiet := constFrame(0, 160)
	frameDur := 20 * time.Millisecond

	d.Observe(loud, frameDur)
	// 100ms pause, shorter than the hangover.
	for i := 0; i < 5; i++ {
		if _, stopped := d.Observe(quiet, frameDur); stopped {
			t.Fatalf("quiet frame %d: utterance closed during brief pause", i)
		}
	}
	// Speech resumes; the pause counter must restart from zero.
	if started, _ := d.Observe(loud, frameDur); started {
		t.Error("resumed speech within one utterance reported a new start")
	}
	for i := 0; i < 9; i++ {
		if _, stopped := d.Observe(quiet, frameDur); stopped {
			t.Fatalf("quiet frame %d after resume: closed before full hangover", i)
		}
	}
}

func TestDetector_Reset(t *testing.T) {
	d := &audio.Detector{Threshold: 500, Hangover: 200 * time.Millisecond}
	d.Observe(constFrame(1000, 160), 20*time.Millisecond)
	d.Reset()
	if d.Speaking() {
		t.Error("expected !Speaking() after Reset")
	}
	if started, _ := d.Observe(constFrame(1000, 160), 20*time.Millisecond); !started {
		t.Error("expected a fresh start after Reset")
	}
}
