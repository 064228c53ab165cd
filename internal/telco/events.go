// Package telco speaks the media-stream WebSocket protocol of the telephony
// side: JSON control events wrapping base64 mu-law audio. It parses inbound
// events into typed values, serialises outbound media and mark events, and
// owns the WebSocket server the telephony system dials.
//
// The protocol is event-oriented. One connection carries exactly one call:
// a "connected" handshake, a "start" envelope naming the stream, a flow of
// "media" frames (with "dtmf", "clear" and "mark" control events in between),
// and a final "stop". Outbound, the bridge sends "media" frames and "mark"
// markers. Event order on a connection is the order the wire delivered.
package telco

import (
	"encoding/json"
	"fmt"
)

// MalformedEventError reports an inbound frame that failed JSON decoding or
// arrived without the fields its event type requires. A malformed frame is
// dropped and logged; it never ends the call.
type MalformedEventError struct {
	// Reason says what was wrong.
	Reason string

	// Err is the underlying decode error, if any.
	Err error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("telco: malformed event: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("telco: malformed event: %s", e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// Kind identifies one inbound event type.
type Kind int

const (
	// KindUnknown is an event type this package does not recognise. Unknown
	// events are logged and skipped so protocol additions do not break calls.
	KindUnknown Kind = iota

	// KindConnected is the handshake sent once when the stream opens.
	KindConnected

	// KindStart carries the stream metadata; it precedes all media.
	KindStart

	// KindMedia carries one frame of base64 mu-law caller audio.
	KindMedia

	// KindDTMF reports one keypad digit pressed by the caller.
	KindDTMF

	// KindClear orders the bridge to discard all queued outbound audio.
	KindClear

	// KindMark echoes back a mark the bridge sent, confirming the audio
	// queued before it has been played out.
	KindMark

	// KindStop ends the call.
	KindStop
)

// String returns the wire name of the event kind.
func (k Kind) String() string {
	switch k {
	case KindConnected:
		return "connected"
	case KindStart:
		return "start"
	case KindMedia:
		return "media"
	case KindDTMF:
		return "dtmf"
	case KindClear:
		return "clear"
	case KindMark:
		return "mark"
	case KindStop:
		return "stop"
	default:
		return "unknown"
	}
}

// StartInfo is the metadata envelope of a start event.
type StartInfo struct {
	// StreamSID identifies this media stream. All later events on the
	// connection carry the same value.
	StreamSID string

	// CallSID identifies the telephone call the stream belongs to.
	CallSID string

	// AccountSID identifies the telephony account, when provided.
	AccountSID string

	// Encoding is the declared wire codec, e.g. "audio/x-mulaw".
	Encoding string

	// SampleRate is the declared wire rate in Hz. Zero when the telephony
	// system omits the media format block.
	SampleRate int

	// CustomParams carries opaque key/values configured on the telephony
	// side, passed through for call logging.
	CustomParams map[string]string
}

// MediaInfo is the payload of a media event.
type MediaInfo struct {
	// Payload is base64-encoded mu-law audio.
	Payload string

	// Timestamp is the telephony system's millisecond clock for this frame,
	// as the wire string.
	Timestamp string
}

// Event is one parsed inbound event.
type Event struct {
	Kind Kind

	// StreamSID is the stream the event belongs to. Empty on "connected",
	// which precedes stream assignment.
	StreamSID string

	// Start is set when Kind is KindStart.
	Start *StartInfo

	// Media is set when Kind is KindMedia.
	Media *MediaInfo

	// Digit is set when Kind is KindDTMF.
	Digit string

	// Mark is the mark name, set when Kind is KindMark.
	Mark string
}

// wire shapes

type wireMessage struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *wireStart `json:"start,omitempty"`
	Media     *wireMedia `json:"media,omitempty"`
	Mark      *wireMark  `json:"mark,omitempty"`
	DTMF      *wireDTMF  `json:"dtmf,omitempty"`
}

type wireStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	MediaFormat  wireMediaFormat   `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type wireMediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type wireMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireDTMF struct {
	Digit string `json:"digit"`
}

// Parse decodes one inbound wire frame into an Event. It returns a
// [*MalformedEventError] when the frame is not valid JSON or when the event
// type's required fields are missing. Event types this package does not know
// parse successfully as KindUnknown.
func Parse(data []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, &MalformedEventError{Reason: "invalid JSON", Err: err}
	}

	evt := Event{StreamSID: msg.StreamSID}

	switch msg.Event {
	case "connected":
		evt.Kind = KindConnected

	case "start":
		if msg.Start == nil {
			return Event{}, &MalformedEventError{Reason: "start event without start block"}
		}
		if msg.Start.StreamSID == "" {
			return Event{}, &MalformedEventError{Reason: "start event without streamSid"}
		}
		evt.Kind = KindStart
		evt.StreamSID = msg.Start.StreamSID
		evt.Start = &StartInfo{
			StreamSID:    msg.Start.StreamSID,
			CallSID:      msg.Start.CallSID,
			AccountSID:   msg.Start.AccountSID,
			Encoding:     msg.Start.MediaFormat.Encoding,
			SampleRate:   msg.Start.MediaFormat.SampleRate,
			CustomParams: msg.Start.CustomParams,
		}

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return Event{}, &MalformedEventError{Reason: "media event without payload"}
		}
		evt.Kind = KindMedia
		evt.Media = &MediaInfo{
			Payload:   msg.Media.Payload,
			Timestamp: msg.Media.Timestamp,
		}

	case "dtmf":
		if msg.DTMF == nil || msg.DTMF.Digit == "" {
			return Event{}, &MalformedEventError{Reason: "dtmf event without digit"}
		}
		evt.Kind = KindDTMF
		evt.Digit = msg.DTMF.Digit

	case "clear":
		evt.Kind = KindClear

	case "mark":
		if msg.Mark == nil || msg.Mark.Name == "" {
			return Event{}, &MalformedEventError{Reason: "mark event without name"}
		}
		evt.Kind = KindMark
		evt.Mark = msg.Mark.Name

	case "stop":
		evt.Kind = KindStop

	case "":
		return Event{}, &MalformedEventError{Reason: "missing event field"}

	default:
		evt.Kind = KindUnknown
	}

	return evt, nil
}

// outbound wire shapes

type outboundMedia struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Media     outboundPayload `json:"media"`
}

type outboundPayload struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Event     string   `json:"event"`
	StreamSID string   `json:"streamSid"`
	Mark      wireMark `json:"mark"`
}

// EncodeMedia serialises one outbound media frame. payload must already be
// base64 mu-law.
func EncodeMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(outboundMedia{
		Event:     "media",
		StreamSID: streamSID,
		Media:     outboundPayload{Payload: payload},
	})
}

// EncodeMark serialises one outbound mark event.
func EncodeMark(streamSID, name string) ([]byte, error) {
	return json.Marshal(outboundMark{
		Event:     "mark",
		StreamSID: streamSID,
		Mark:      wireMark{Name: name},
	})
}
