// Package realtime defines the Provider interface for speech-to-speech
// backends that power live phone calls.
//
// A realtime provider wraps a bidirectional voice AI service that accepts raw
// caller audio and streams back synthesised speech in a single, stateful
// session — no separate STT → LLM → TTS pipeline. Examples include the OpenAI
// Realtime API and similar low-latency voice models.
//
// The central abstraction is SessionHandle: an open session carrying audio
// and control both ways. Sessions live for the duration of one phone call
// (seconds to minutes). Audio always crosses this boundary as 16-bit
// little-endian mono PCM at the rate reported by Capabilities; rate and codec
// conversion for the telephone leg happen on the caller's side of the handle.
//
// All implementations must be safe for concurrent use.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// TransportError reports a failure of the connection to the upstream
// service. Transient errors (network resets, rate limits, 5xx handshakes)
// are worth retrying with a fresh session; permanent ones (bad credentials,
// invalid configuration) are not.
type TransportError struct {
	// Op is the transport operation that failed ("dial", "read", "session").
	Op string

	// Err is the underlying cause.
	Err error

	// Transient marks errors a caller may retry with backoff.
	Transient bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a retryable transport error. Errors
// outside the TransportError taxonomy are treated as permanent.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Transient
}

// EventKind identifies one kind of session event.
type EventKind int

const (
	// KindAudioDelta carries one chunk of synthesised speech.
	KindAudioDelta EventKind = iota

	// KindSpeechStarted marks the beginning of a synthesised utterance. All
	// audio deltas that follow, up to the next KindSpeechStopped, belong to
	// the same utterance.
	KindSpeechStarted

	// KindSpeechStopped marks the end of a synthesised utterance. It arrives
	// strictly after the utterance's final audio delta.
	KindSpeechStopped

	// KindInputSpeechStarted reports that the provider's voice activity
	// detection heard the caller begin speaking.
	KindInputSpeechStarted

	// KindInputSpeechStopped reports that the provider's voice activity
	// detection heard the caller stop speaking.
	KindInputSpeechStopped
)

// String returns the event kind name used in logs.
func (k EventKind) String() string {
	switch k {
	case KindAudioDelta:
		return "audio-delta"
	case KindSpeechStarted:
		return "speech-started"
	case KindSpeechStopped:
		return "speech-stopped"
	case KindInputSpeechStarted:
		return "input-speech-started"
	case KindInputSpeechStopped:
		return "input-speech-stopped"
	default:
		return fmt.Sprintf("event-kind-%d", int(k))
	}
}

// Event is one entry in a session's ordered event stream.
type Event struct {
	Kind EventKind

	// Audio holds 16-bit little-endian mono PCM at the provider's sample
	// rate. Set only for KindAudioDelta.
	Audio []byte
}

// Transcript is one finished piece of recognised or generated text.
type Transcript struct {
	// Speaker is "caller" for recognised phone-side speech and "assistant"
	// for generated responses.
	Speaker string

	// Text is the transcript content.
	Text string

	// At is when the transcript was completed.
	At time.Time
}

// SessionConfig is the initial configuration for a new session. The values
// are fixed for the life of the call; a configuration reload affects only
// calls admitted afterwards.
type SessionConfig struct {
	// Instructions is the system-level prompt defining the assistant's role,
	// tone and constraints for this call.
	Instructions string

	// Voice selects the synthesised voice. Empty means provider default.
	Voice string

	// Temperature controls response sampling. Zero means provider default.
	Temperature float64

	// MaxResponseTokens caps the length of each generated response. Zero
	// means provider default.
	MaxResponseTokens int
}

// Capabilities describes static properties of a provider. The values are
// assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// SampleRate is the PCM rate in Hz the provider consumes and produces.
	SampleRate int

	// MaxSessionDuration is the provider's hard cap on session lifetime.
	// Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voice IDs accepted in SessionConfig.Voice.
	Voices []string
}

// SessionHandle represents one open speech session. It is an interface so
// that test code can supply scripted implementations without a live
// provider connection.
//
// The session sits on the hot path of a live call — every method must
// return quickly. Event delivery is channel-based so slow consumers never
// stall the provider's receive loop. All methods must be safe for
// concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one chunk of caller audio for processing. The chunk
	// must be PCM16 at the provider's sample rate. Returns an error if the
	// session is closed or the transport rejects the write.
	SendAudio(chunk []byte) error

	// Events returns the session's ordered event stream. Audio deltas and
	// the utterance boundaries around them arrive in the exact order the
	// provider emitted them; consumers that forward audio and then act on
	// the boundary marks can rely on that order. The channel is closed when
	// the session ends; call [SessionHandle.Err] afterwards to check whether
	// it ended cleanly.
	Events() <-chan Event

	// Transcripts returns a channel of completed transcript entries for
	// both caller speech and generated responses. Closed when the session
	// ends.
	Transcripts() <-chan Transcript

	// InjectText inserts a caller-side text item into the conversation
	// without audio. Used for the greeting prompt and for DTMF digits.
	// The text does not trigger a response on its own; follow with
	// CreateResponse when one is wanted.
	InjectText(text string) error

	// CreateResponse asks the model to generate its next response from the
	// conversation so far.
	CreateResponse() error

	// Commit finalizes buffered caller audio into the conversation. With
	// server-side turn detection the provider commits on its own and an
	// explicit Commit on an empty buffer is a no-op.
	Commit() error

	// ClearInput discards caller audio the provider has buffered but not yet
	// committed to the conversation.
	ClearInput() error

	// Interrupt stops the in-flight response and discards its remaining
	// audio on the provider side. Used on barge-in. Audio already delivered
	// through Events is the caller's to discard.
	Interrupt() error

	// Err returns the error that ended the session, or nil if it ended
	// cleanly. Valid after the Events channel closes.
	Err() error

	// Close terminates the session, releases all resources, and closes the
	// Events and Transcripts channels. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any realtime speech backend.
//
// Implementations must be safe for concurrent use. The bridge opens one
// session per live call and many calls run at once.
type Provider interface {
	// Connect establishes a new session with the given configuration. The
	// returned SessionHandle is ready to accept audio immediately.
	//
	// Connection failures are reported as [*TransportError] so callers can
	// decide between retrying and giving up. The caller owns the handle and
	// is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the backing service. The
	// result is assumed constant for the lifetime of the Provider instance.
	Capabilities() Capabilities
}
