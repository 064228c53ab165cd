// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to script the event and transcript streams and inspect which
// methods the bridge invoked.
//
// Example:
//
//	sess := &mock.Session{
//	    EventsCh:      make(chan realtime.Event, 8),
//	    TranscriptsCh: make(chan realtime.Transcript, 4),
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session with buffered channels.
	Session realtime.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if non-nil, replaces the default Connect behaviour
	// entirely. Useful for scripting a failure sequence across attempts.
	ConnectFunc func(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error)

	// Caps is returned by Capabilities. A zero SampleRate is reported as
	// 24000 so bridge code under test sees a plausible provider.
	Caps realtime.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call, then defers to ConnectFunc when set, otherwise
// returns Session (or a fresh default Session) and ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn := p.ConnectFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return &Session{
		EventsCh:      make(chan realtime.Event, 64),
		TranscriptsCh: make(chan realtime.Transcript, 16),
	}, nil
}

// Capabilities returns Caps, defaulting the sample rate to 24000.
func (p *Provider) Capabilities() realtime.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.Caps
	if caps.SampleRate == 0 {
		caps.SampleRate = 24000
	}
	return caps
}

// Calls returns a snapshot of recorded Connect calls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of realtime.SessionHandle.
// Callers should pre-populate EventsCh and TranscriptsCh, then either close
// them directly or call End to signal end-of-session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan realtime.Event

	// TranscriptsCh is the channel returned by Transcripts(). Callers own
	// this channel.
	TranscriptsCh chan realtime.Transcript

	// ErrVal is returned by Err.
	ErrVal error

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// InjectTextErr, if non-nil, is returned by every InjectText call.
	InjectTextErr error

	// CreateResponseErr, if non-nil, is returned by every CreateResponse call.
	CreateResponseErr error

	// CommitErr, if non-nil, is returned by every Commit call.
	CommitErr error

	// ClearInputErr, if non-nil, is returned by every ClearInput call.
	ClearInputErr error

	// InterruptErr, if non-nil, is returned by every Interrupt call.
	InterruptErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// InjectTextCalls records the text passed to every InjectText call.
	InjectTextCalls []string

	// CreateResponseCallCount is the number of times CreateResponse was called.
	CreateResponseCallCount int

	// CommitCallCount is the number of times Commit was called.
	CommitCallCount int

	// ClearInputCallCount is the number of times ClearInput was called.
	ClearInputCallCount int

	// InterruptCallCount is the number of times Interrupt was called.
	InterruptCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	endOnce sync.Once
}

// NewSession returns a Session with freshly allocated buffered channels.
func NewSession() *Session {
	return &Session{
		EventsCh:      make(chan realtime.Event, 64),
		TranscriptsCh: make(chan realtime.Transcript, 16),
	}
}

// End sets the session error and closes both channels, mimicking a session
// that terminated on its own. Safe to call more than once; only the first
// call closes the channels.
func (s *Session) End(err error) {
	s.mu.Lock()
	if s.ErrVal == nil {
		s.ErrVal = err
	}
	s.mu.Unlock()
	s.closeChannels()
}

func (s *Session) closeChannels() {
	s.endOnce.Do(func() {
		close(s.EventsCh)
		close(s.TranscriptsCh)
	})
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Transcripts returns TranscriptsCh.
func (s *Session) Transcripts() <-chan realtime.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TranscriptsCh
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// InjectText records the call and returns InjectTextErr.
func (s *Session) InjectText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InjectTextCalls = append(s.InjectTextCalls, text)
	return s.InjectTextErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateResponseCallCount++
	return s.CreateResponseErr
}

// Commit records the call and returns CommitErr.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCallCount++
	return s.CommitErr
}

// ClearInput records the call and returns ClearInputErr.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearInputCallCount++
	return s.ClearInputErr
}

// Interrupt records the call and returns InterruptErr.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCallCount++
	return s.InterruptErr
}

// Close records the call, closes both channels (matching the real handles,
// whose streams end after Close) and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.closeChannels()
	return err
}

// Interrupts returns the current Interrupt call count. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCallCount
}

// SentAudio returns a snapshot of recorded SendAudio calls. Thread-safe.
func (s *Session) SentAudio() []SendAudioCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SendAudioCall, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Ensure Session implements realtime.SessionHandle at compile time.
var _ realtime.SessionHandle = (*Session)(nil)
