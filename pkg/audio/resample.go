package audio

import (
	"fmt"
	"math"
)

// UnsupportedRateError reports a sample rate outside [SupportedRates].
// It rejects a session at negotiation time; it is never a per-frame error.
type UnsupportedRateError struct {
	Rate int
}

func (e *UnsupportedRateError) Error() string {
	return fmt.Sprintf("audio: unsupported sample rate %d Hz (supported: 8000, 16000, 24000)", e.Rate)
}

// resamplerTapsPerPhase is the FIR length of each polyphase branch. 32 taps
// with a Blackman window gives a stopband deep enough that decimation images
// sit below the mu-law quantization floor.
const resamplerTapsPerPhase = 32

// Resampler converts a 16-bit little-endian mono PCM stream between two
// supported sample rates. Conversion is a rational polyphase FIR: the stream
// is logically raised by a factor L, low-pass filtered with a windowed-sinc
// kernel cut at the lower of the two Nyquist frequencies, and decimated by a
// factor M. Downsampling is therefore anti-aliased and upsampling is
// interpolated, never zero-stuffed.
//
// A Resampler is stateful: the filter delay line spans successive Resample
// calls, so feeding a stream chunk-by-chunk yields the identical output as
// feeding it whole. One instance serves exactly one direction of one stream;
// instances must not be shared across streams or directions.
//
// Resampler is not safe for concurrent use.
type Resampler struct {
	from, to int
	l, m     int

	// taps is the prototype filter, len resamplerTapsPerPhase*l, laid out so
	// that phase p reads taps[p], taps[p+l], taps[p+2l], ...
	taps []float64

	// hist carries the trailing resamplerTapsPerPhase-1 input samples between
	// calls (the filter delay line).
	hist []float64

	// t is the next output position on the upsampled axis; next is the
	// absolute index one past the newest input sample seen so far.
	t    int64
	next int64

	buf []float64
}

// NewResampler creates a converter from one supported rate to another.
// Returns a [*UnsupportedRateError] when either rate is outside the supported
// set. Equal rates yield a passthrough converter.
func NewResampler(from, to int) (*Resampler, error) {
	if !RateSupported(from) {
		return nil, &UnsupportedRateError{Rate: from}
	}
	if !RateSupported(to) {
		return nil, &UnsupportedRateError{Rate: to}
	}

	g := gcd(from, to)
	r := &Resampler{
		from: from,
		to:   to,
		l:    to / g,
		m:    from / g,
	}
	if r.l == 1 && r.m == 1 {
		return r, nil
	}

	r.taps = designKernel(r.l, r.m, resamplerTapsPerPhase)
	r.hist = make([]float64, resamplerTapsPerPhase-1)
	return r, nil
}

// From returns the input sample rate in Hz.
func (r *Resampler) From() int { return r.from }

// To returns the output sample rate in Hz.
func (r *Resampler) To() int { return r.to }

// Resample converts the next chunk of the stream. Input is 16-bit
// little-endian mono PCM at the From rate; output is the same layout at the
// To rate. A trailing odd byte is ignored. Equal rates return pcm unchanged.
func (r *Resampler) Resample(pcm []byte) []byte {
	if r.l == 1 && r.m == 1 {
		return pcm
	}

	n := len(pcm) / 2
	phase := resamplerTapsPerPhase

	// Working buffer: delay line followed by the new samples.
	buf := append(r.buf[:0], r.hist...)
	for i := 0; i < n; i++ {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		buf = append(buf, float64(s))
	}
	r.buf = buf

	bufStart := r.next - int64(phase-1)
	avail := r.next + int64(n)

	out := make([]byte, 0, (n*r.l/r.m+1)*2)
	for {
		i := r.t / int64(r.l)
		if i >= avail {
			break
		}
		p := int(r.t % int64(r.l))
		base := int(i - bufStart)

		var acc float64
		for k := 0; k < phase; k++ {
			acc += r.taps[p+k*r.l] * buf[base-k]
		}

		s := clampSample(acc)
		out = append(out, byte(s), byte(s>>8))
		r.t += int64(r.m)
	}

	r.next = avail
	copy(r.hist, buf[len(buf)-(phase-1):])
	return out
}

// Reset clears the filter delay line and stream position, as if the
// Resampler were freshly constructed. Used when a stream restarts.
func (r *Resampler) Reset() {
	for i := range r.hist {
		r.hist[i] = 0
	}
	r.t = 0
	r.next = 0
}

// designKernel builds the windowed-sinc prototype for a rational L/M
// converter: cutoff at the lower Nyquist, Blackman window, and each polyphase
// branch normalized to unity DC gain so interpolation introduces no
// amplitude modulation between phases.
func designKernel(l, m, tapsPerPhase int) []float64 {
	n := tapsPerPhase * l
	cutoff := 1.0 / float64(max(l, m))
	center := float64(n-1) / 2

	h := make([]float64, n)
	for j := 0; j < n; j++ {
		x := cutoff * (float64(j) - center)
		w := 0.42 - 0.5*math.Cos(2*math.Pi*float64(j)/float64(n-1)) + 0.08*math.Cos(4*math.Pi*float64(j)/float64(n-1))
		h[j] = cutoff * sinc(x) * w
	}

	for p := 0; p < l; p++ {
		var sum float64
		for k := p; k < n; k += l {
			sum += h[k]
		}
		if sum == 0 {
			continue
		}
		for k := p; k < n; k += l {
			h[k] /= sum
		}
	}
	return h
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

func clampSample(v float64) int16 {
	v = math.Round(v)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
