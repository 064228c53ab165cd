// Package bridge connects a telephony media stream to a realtime speech
// session, one [Session] per phone call.
//
// A [Manager] owns admission control and the registry of live sessions, and
// implements [telco.Runner] so the media-stream server can hand it accepted
// connections. Each Session runs two loops under one errgroup: an inbound
// loop consuming the call's event queue (telephony → upstream) and an
// upstream loop consuming the speech session's event stream (upstream →
// telephony). Per direction, frame order is preserved end to end.
package bridge

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound is returned when an event addresses a stream SID with
// no live session: the session already closed, or never existed. The event
// is dropped and logged, nothing else.
var ErrSessionNotFound = errors.New("bridge: session not found")

// ErrAtCapacity is returned by admission control when the configured
// session limit is reached. Callers get a stable, immediate rejection
// rather than a queue.
var ErrAtCapacity = errors.New("bridge: at session capacity")

// ErrResampleOverrun reports that a resampling step took longer than the
// real-time duration of the audio it converted. A session that cannot keep
// up with real time only falls further behind, so this is fatal for the
// session.
var ErrResampleOverrun = errors.New("bridge: resampler fell behind real time")

// SetupError reports that a session failed before reaching Active: an
// unsupported rate, a duplicate stream SID, or an upstream connect failure.
type SetupError struct {
	StreamSID string
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("bridge: session %q setup: %v", e.StreamSID, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// Link is the telephony side of a session: the subset of [telco.Conn] the
// bridge writes to. It is an interface so session tests can script the wire.
type Link interface {
	// SendMedia emits one outbound media event with a base64 mu-law payload.
	SendMedia(payload string) error

	// SendMark emits an outbound mark event with the given name.
	SendMark(name string) error
}
