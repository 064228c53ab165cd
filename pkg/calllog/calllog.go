// Package calllog records call lifecycle, notable in-call events, and
// conversation transcripts for later review.
//
// The bridge treats the call log as best-effort: a failed write is logged
// and the call continues. Implementations must be safe for concurrent use;
// many calls write at once.
package calllog

import (
	"context"
	"time"
)

// Call is the opening record of one media stream.
type Call struct {
	// StreamSID identifies the media stream and keys all later records.
	StreamSID string

	// CallSID identifies the telephone call the stream belongs to.
	CallSID string

	// AccountSID identifies the telephony account, when provided.
	AccountSID string

	// SampleRate is the negotiated wire rate in Hz.
	SampleRate int

	// Persona is the assistant persona the call was admitted with.
	Persona string

	// Params carries the telephony side's custom parameters.
	Params map[string]string

	// StartedAt is when the session went active.
	StartedAt time.Time
}

// End is the terminal record of a call.
type End struct {
	// EndedAt is when the session reached Closed.
	EndedAt time.Time

	// Reason is the close reason, e.g. "stop", "idle-timeout",
	// "upstream-unavailable".
	Reason string

	// Error is the terminal error text. Empty when the call ended cleanly.
	Error string
}

// Event is one notable in-call occurrence: a DTMF digit, a barge-in, an
// upstream reconnect.
type Event struct {
	At     time.Time
	Kind   string
	Detail string
}

// Transcript is one finished piece of recognised or generated text.
type Transcript struct {
	At      time.Time
	Speaker string
	Text    string
}

// Record is a call as read back from a store. End is nil while the call is
// still live.
type Record struct {
	Call
	End *End
}

// Store persists call records.
type Store interface {
	// BeginCall records that a call went active.
	BeginCall(ctx context.Context, call Call) error

	// EndCall records the call's terminal state.
	EndCall(ctx context.Context, streamSID string, end End) error

	// RecordEvent appends one in-call event.
	RecordEvent(ctx context.Context, streamSID string, evt Event) error

	// RecordTranscript appends one transcript entry.
	RecordTranscript(ctx context.Context, streamSID string, tr Transcript) error

	// Ping verifies the backing store is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Nop is a Store that records nothing. Used when no call log is configured.
type Nop struct{}

var _ Store = Nop{}

func (Nop) BeginCall(context.Context, Call) error                      { return nil }
func (Nop) EndCall(context.Context, string, End) error                 { return nil }
func (Nop) RecordEvent(context.Context, string, Event) error           { return nil }
func (Nop) RecordTranscript(context.Context, string, Transcript) error { return nil }
func (Nop) Ping(context.Context) error                                 { return nil }
func (Nop) Close() error                                               { return nil }
