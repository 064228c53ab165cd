// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio crosses the wire as base64-encoded PCM16 at 24 kHz. Server-side voice
// activity detection is enabled with response auto-creation turned off, so
// the bridge decides when the model speaks. Interruption is supported via
// response.cancel events.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime
// interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the PCM rate the Realtime API speaks. Fixed by the API.
	sampleRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithServerVAD tunes the server-side voice activity detection: the energy
// threshold (0..1), how much audio before the detected start is kept, and
// how long a silence ends the caller's turn.
func WithServerVAD(threshold float64, prefixPadding, silenceDuration time.Duration) Option {
	return func(p *Provider) {
		p.vad = vadParams{
			Type:            "server_vad",
			Threshold:       threshold,
			PrefixPaddingMs: int(prefixPadding.Milliseconds()),
			SilenceMs:       int(silenceDuration.Milliseconds()),
		}
	}
}

// WithoutInputTranscription disables whisper-1 transcription of caller audio.
// Saves cost when the call log does not need caller-side text.
func WithoutInputTranscription() Option {
	return func(p *Provider) { p.transcribe = false }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	vad        vadParams
	transcribe bool
}

// New creates a new OpenAI Realtime Provider with the given API key and
// options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		transcribe: true,
		vad: vadParams{
			Type:            "server_vad",
			Threshold:       0.5,
			PrefixPaddingMs: 300,
			SilenceMs:       500,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() realtime.Capabilities {
	return realtime.Capabilities{
		SampleRate:         sampleRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new Realtime session with the given configuration.
// The returned SessionHandle is ready to accept audio immediately after the
// session.update message is sent.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		transient := true
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			transient = false
		}
		return nil, &realtime.TransportError{Op: "dial", Err: err, Transient: transient}
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		events:      make(chan realtime.Event, 64),
		transcripts: make(chan realtime.Transcript, 16),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg, p.vad, p.transcribe); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, &realtime.TransportError{Op: "session update", Err: err, Transient: true}
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities         []string             `json:"modalities"`
	Voice              string               `json:"voice,omitempty"`
	Instructions       string               `json:"instructions,omitempty"`
	InputAudioFormat   string               `json:"input_audio_format"`
	OutputAudioFormat  string               `json:"output_audio_format"`
	InputTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection      *vadParams           `json:"turn_detection,omitempty"`
	Temperature        float64              `json:"temperature,omitempty"`
	MaxResponseTokens  int                  `json:"max_response_output_tokens,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type vadParams struct {
	Type            string  `json:"type"`
	Threshold       float64 `json:"threshold,omitempty"`
	PrefixPaddingMs int     `json:"prefix_padding_ms,omitempty"`
	SilenceMs       int     `json:"silence_duration_ms,omitempty"`

	// CreateResponse stays false: the bridge decides when the model speaks.
	CreateResponse bool `json:"create_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	events      chan realtime.Event
	transcripts chan realtime.Transcript

	mu     sync.Mutex
	errVal error
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentTxText string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event carrying voice,
// instructions, audio formats, caller transcription and VAD tuning.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig, vad vadParams, transcribe bool) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &vad,
	}
	if transcribe {
		params.InputTranscription = &transcriptionParams{Model: "whisper-1"}
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if cfg.Temperature != 0 {
		params.Temperature = cfg.Temperature
	}
	if cfg.MaxResponseTokens != 0 {
		params.MaxResponseTokens = cfg.MaxResponseTokens
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events and transcripts: it closes both when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(&realtime.TransportError{Op: "read", Err: err, Transient: true})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.created":
		s.emit(realtime.Event{Kind: realtime.KindSpeechStarted})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(realtime.Event{Kind: realtime.KindAudioDelta, Audio: audioData})

	case "response.audio.done":
		s.emit(realtime.Event{Kind: realtime.KindSpeechStopped})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Kind: realtime.KindInputSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Kind: realtime.KindInputSpeechStopped})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()

		if text == "" {
			return
		}
		s.emitTranscript(realtime.Transcript{Speaker: "assistant", Text: text, At: time.Now()})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emitTranscript(realtime.Transcript{Speaker: "caller", Text: evt.Transcript, At: time.Now()})

	case "error":
		s.handleErrorEvent(evt)
	}
}

// emit delivers one event in order, giving up only when the session ends.
func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) emitTranscript(tx realtime.Transcript) {
	select {
	case s.transcripts <- tx:
	case <-s.ctx.Done():
	}
}

// handleErrorEvent classifies a server error event. Benign protocol hiccups
// (cancelling a response that already finished, committing an empty buffer)
// are ignored; everything else ends the session with a TransportError so the
// owner can decide whether a fresh session is worth trying.
func (s *session) handleErrorEvent(evt *serverEvent) {
	if evt.Error == nil {
		return
	}
	switch evt.Error.Code {
	case "response_cancel_not_active", "input_audio_buffer_commit_empty",
		"conversation_already_has_active_response":
		return
	}

	transient := evt.Error.Type == "server_error" ||
		evt.Error.Code == "rate_limit_exceeded" ||
		evt.Error.Code == "session_expired"

	s.setErr(&realtime.TransportError{
		Op:        "session",
		Err:       errors.New(evt.Error.Message),
		Transient: transient,
	})
	s.cancel()
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.events)
		close(s.transcripts)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one chunk of caller PCM16 to the model.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Transcripts returns the channel on which transcript entries arrive.
func (s *session) Transcripts() <-chan realtime.Transcript { return s.transcripts }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// InjectText inserts a caller-side text item as a conversation.item.create
// event.
func (s *session) InjectText(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// CreateResponse sends a response.create event to start the next model turn.
func (s *session) CreateResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Commit sends an input_audio_buffer.commit event. Under server VAD the
// server commits on speech stop, so this usually races a commit that has
// already happened; the resulting commit-empty error is benign and ignored.
func (s *session) Commit() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// ClearInput sends an input_audio_buffer.clear event to drop uncommitted
// caller audio.
func (s *session) ClearInput() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
