package audio

import (
	"encoding/base64"
	"fmt"
)

// CodecError reports a corrupt audio payload. A codec error affects only the
// frame that produced it; callers drop the frame and continue the stream.
type CodecError struct {
	// Op is the codec operation that failed ("decode" or "encode").
	Op string

	// Err is the underlying cause, if any.
	Err error

	reason string
}

func (e *CodecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: %s: %s: %v", e.Op, e.reason, e.Err)
	}
	return fmt.Sprintf("audio: %s: %s", e.Op, e.reason)
}

func (e *CodecError) Unwrap() error { return e.Err }

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawDecodeSample expands one G.711 mu-law byte to a linear 16-bit sample.
// The expansion follows the standard law: complement the byte, split into
// sign / 3-bit exponent / 4-bit mantissa, rebuild around the 0x84 bias.
func MuLawDecodeSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F

	value := (int(mant)<<3 + muLawBias) << exp
	value -= muLawBias

	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// MuLawEncodeSample compresses one linear 16-bit sample to a G.711 mu-law
// byte using the standard segment-based law (bias 0x84, clip 32635).
func MuLawEncodeSample(s int16) byte {
	x := int(s)
	sign := 0
	if x < 0 {
		sign = 0x80
		x = -x
	}
	if x > muLawClip {
		x = muLawClip
	}
	x += muLawBias

	// Locate the segment: the position of the highest set bit above bit 6.
	exp := 7
	for mask := 0x4000; exp > 0 && x&mask == 0; exp, mask = exp-1, mask>>1 {
	}
	mant := (x >> (exp + 3)) & 0x0F

	return byte(^(sign | exp<<4 | mant))
}

// MuLawDecode expands a mu-law byte stream to 16-bit little-endian PCM.
// Mu-law is one byte per sample, so any input length is well formed.
func MuLawDecode(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*2)
	for i, u := range ulaw {
		s := MuLawDecodeSample(u)
		pcm[2*i] = byte(s)
		pcm[2*i+1] = byte(s >> 8)
	}
	return pcm
}

// MuLawEncode compresses 16-bit little-endian PCM to a mu-law byte stream.
// The output is exactly one byte per input sample. Returns a [*CodecError]
// when the input length is odd (not whole 16-bit samples).
func MuLawEncode(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, &CodecError{Op: "encode", reason: fmt.Sprintf("pcm length %d is not a whole number of 16-bit samples", len(pcm))}
	}
	ulaw := make([]byte, len(pcm)/2)
	for i := range ulaw {
		s := int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
		ulaw[i] = MuLawEncodeSample(s)
	}
	return ulaw, nil
}

// DecodeFrame unwraps one wire media payload: base64 text framing around
// mu-law bytes. It returns 16-bit little-endian PCM at the wire sample rate.
// Fails with a [*CodecError] when the base64 framing is malformed.
func DecodeFrame(payload string) ([]byte, error) {
	ulaw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &CodecError{Op: "decode", reason: "malformed base64 payload", Err: err}
	}
	return MuLawDecode(ulaw), nil
}

// EncodeFrame wraps PCM16 for the wire: mu-law compression followed by base64
// text framing. The mu-law intermediate is exactly one byte per input sample.
func EncodeFrame(pcm []byte) (string, error) {
	ulaw, err := MuLawEncode(pcm)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ulaw), nil
}
