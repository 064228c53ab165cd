package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/weltlinger/trunkline/internal/observe"
	"github.com/weltlinger/trunkline/internal/resilience"
	"github.com/weltlinger/trunkline/internal/telco"
	"github.com/weltlinger/trunkline/pkg/audio"
	"github.com/weltlinger/trunkline/pkg/calllog"
	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

// inboundQueueDepth bounds the per-session event queue. At 20 ms per media
// frame this is over a second of cushion; beyond it the wire feeder blocks,
// which backpressures the connection's read loop.
const inboundQueueDepth = 64

// markUpstreamUnavailable is the outbound mark emitted when the upstream
// retry budget is exhausted, so the telephony side learns the assistant is
// gone before the stream closes.
const markUpstreamUnavailable = "upstream-unavailable"

// State is the lifecycle phase of a [Session].
type State int

const (
	// StateConnecting is the initial phase: resamplers are built and the
	// upstream session is opened. No audio flows yet.
	StateConnecting State = iota

	// StateActive is the live-call phase; the Turn sub-state tracks who is
	// speaking.
	StateActive

	// StateClosing is the teardown phase: the upstream handle is closed and
	// the call log flushed.
	StateClosing

	// StateClosed is terminal. Events delivered now get ErrSessionNotFound.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// Turn is the conversational sub-state while a session is Active.
type Turn int

const (
	TurnIdle Turn = iota
	TurnCallerSpeaking
	TurnBotSpeaking
)

func (t Turn) String() string {
	switch t {
	case TurnIdle:
		return "idle"
	case TurnCallerSpeaking:
		return "caller-speaking"
	case TurnBotSpeaking:
		return "bot-speaking"
	default:
		return fmt.Sprintf("turn-%d", int(t))
	}
}

// Session end sentinels. These are clean ends of a call, not faults; run
// maps them to a close reason and a nil return.
var (
	errCallEnded      = errors.New("call ended by stop event")
	errWireClosed     = errors.New("wire closed without stop")
	errUpstreamClosed = errors.New("upstream session closed cleanly")
	errIdleTimeout    = errors.New("session idle timeout")
	errSessionCap     = errors.New("session duration cap reached")
)

// errUpstreamUnavailable marks retry-budget exhaustion. Unlike the clean-end
// sentinels this is a fault: the call dies because the assistant is gone.
var errUpstreamUnavailable = errors.New("upstream unavailable")

// SessionConfig fixes a session's identity and tuning at admission time.
// Configuration reloads never touch a live session.
type SessionConfig struct {
	StreamSID    string
	CallSID      string
	AccountSID   string
	CustomParams map[string]string
	PersonaKind  string

	// WireRate is the telephony-side sample rate in Hz.
	WireRate int

	// ChunkDuration is the outbound media frame size.
	ChunkDuration time.Duration

	// SpeechThreshold is the RMS level above which an inbound frame counts
	// as caller speech.
	SpeechThreshold float64

	// SilenceTimeout returns the turn from CallerSpeaking to Idle when the
	// provider's VAD signal is missing or late.
	SilenceTimeout time.Duration

	// IdleTimeout closes a call with no activity in either direction.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds each upstream connect attempt.
	HandshakeTimeout time.Duration

	// Greeting, when set, is spoken by the assistant as soon as the call is
	// live.
	Greeting string

	// Upstream is passed to the provider on connect and on every reconnect.
	Upstream realtime.SessionConfig

	// Retry bounds mid-call upstream reconnection.
	Retry resilience.RetryConfig
}

// Session bridges one phone call to one upstream speech session.
//
// Two goroutines own disjoint halves of the hot path: the inbound loop owns
// the caller-side resampler and energy detector; the upstream loop owns the
// bot-side resampler, the outbound chunker, and the mark sequence. Shared
// turn/suppression state lives behind mu and is never held across I/O.
// The upstream handle is set before the loops start and is never nil while
// they run.
type Session struct {
	cfg      SessionConfig
	provider realtime.Provider
	link     Link
	store    calllog.Store
	metrics  *observe.Metrics
	log      *slog.Logger

	events   chan telco.Event
	closed   chan struct{}
	wireDown chan struct{}
	wireOnce sync.Once

	// Owned by the inbound loop.
	inRes    *audio.Resampler
	detector *audio.Detector

	// Owned by the upstream loop.
	outRes  *audio.Resampler
	chunker *audio.Chunker
	markSeq int

	upstreamRate int
	maxDuration  time.Duration
	startedAt    time.Time

	mu           sync.Mutex
	state        State
	turn         Turn
	suppress     bool
	upstream     realtime.SessionHandle
	pendingMarks map[string]time.Time
	lastActivity time.Time
	wireErr      error
}

func newSession(cfg SessionConfig, provider realtime.Provider, link Link, store calllog.Store, metrics *observe.Metrics, log *slog.Logger) *Session {
	if store == nil {
		store = calllog.Nop{}
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:          cfg,
		provider:     provider,
		link:         link,
		store:        store,
		metrics:      metrics,
		log:          log.With("stream_sid", cfg.StreamSID),
		events:       make(chan telco.Event, inboundQueueDepth),
		closed:       make(chan struct{}),
		wireDown:     make(chan struct{}),
		pendingMarks: make(map[string]time.Time),
		state:        StateConnecting,
	}
}

// StreamSID returns the stream identifier the session was admitted with.
func (s *Session) StreamSID() string { return s.cfg.StreamSID }

// State returns the session's lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Turn returns the conversational sub-state.
func (s *Session) Turn() Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

// Deliver enqueues one wire event for the session, blocking when the queue
// is full. It returns ErrSessionNotFound once the session has closed.
func (s *Session) Deliver(evt telco.Event) error {
	select {
	case <-s.closed:
		return fmt.Errorf("%w: %q", ErrSessionNotFound, s.cfg.StreamSID)
	default:
	}
	select {
	case s.events <- evt:
		return nil
	case <-s.closed:
		return fmt.Errorf("%w: %q", ErrSessionNotFound, s.cfg.StreamSID)
	}
}

// WireDown tells the session its telephony transport ended without a stop
// event. err is the transport's terminal error, nil for a clean close.
// Events already queued are still processed. Safe to call more than once.
func (s *Session) WireDown(err error) {
	s.wireOnce.Do(func() {
		s.mu.Lock()
		s.wireErr = err
		s.mu.Unlock()
		close(s.wireDown)
	})
}

// run drives the session from Connecting to Closed. It blocks for the life
// of the call and returns nil for every clean end.
func (s *Session) run(ctx context.Context) error {
	s.startedAt = time.Now()

	s.metrics.SessionsStarted.Add(ctx, 1)
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.SessionsClosed.Add(ctx, 1)
		s.metrics.SessionDuration.Record(ctx, time.Since(s.startedAt).Seconds())
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)
	}()

	if err := s.connectUpstream(ctx); err != nil {
		s.mu.Lock()
		s.state = StateClosing
		s.mu.Unlock()
		return &SetupError{StreamSID: s.cfg.StreamSID, Err: err}
	}

	s.mu.Lock()
	s.state = StateActive
	s.turn = TurnIdle
	s.mu.Unlock()
	s.touch()

	s.beginCall(ctx)
	s.log.Info("session active",
		"call_sid", s.cfg.CallSID,
		"wire_rate", s.cfg.WireRate,
		"upstream_rate", s.upstreamRate,
		"persona", s.cfg.PersonaKind,
	)

	s.sendGreeting()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.inboundLoop(gctx) })
	g.Go(func() error { return s.upstreamLoop(gctx) })
	g.Go(func() error { return s.watchdog(gctx) })
	err := g.Wait()

	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()

	s.teardown(ctx)

	reason, clean := classifyEnd(err)
	s.endCall(ctx, reason, err, clean)
	if clean {
		s.log.Info("session closed",
			"reason", reason,
			"duration", time.Since(s.startedAt).Round(time.Millisecond),
		)
		return nil
	}
	s.log.Error("session closed with error", "reason", reason, "error", err)
	return err
}

// connectUpstream builds the per-direction converters and opens the speech
// session, bounded by the handshake timeout.
func (s *Session) connectUpstream(ctx context.Context) error {
	caps := s.provider.Capabilities()
	s.upstreamRate = caps.SampleRate
	if s.upstreamRate == 0 {
		s.upstreamRate = s.cfg.WireRate
	}
	s.maxDuration = caps.MaxSessionDuration

	inRes, err := audio.NewResampler(s.cfg.WireRate, s.upstreamRate)
	if err != nil {
		return err
	}
	outRes, err := audio.NewResampler(s.upstreamRate, s.cfg.WireRate)
	if err != nil {
		return err
	}
	s.inRes, s.outRes = inRes, outRes

	chunkBytes := 2 * int(time.Duration(s.cfg.WireRate)*s.cfg.ChunkDuration/time.Second)
	if chunkBytes < 2 {
		chunkBytes = 2
	}
	s.chunker = audio.NewChunker(chunkBytes)
	s.detector = &audio.Detector{
		Threshold: s.cfg.SpeechThreshold,
		Hangover:  s.cfg.SilenceTimeout,
	}

	cctx := ctx
	if s.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()
	}
	h, err := s.provider.Connect(cctx, s.cfg.Upstream)
	if err != nil {
		s.metrics.RecordUpstreamRequest(ctx, "connect", "error")
		s.metrics.RecordUpstreamError(ctx, "connect", realtime.IsTransient(err))
		return fmt.Errorf("upstream connect: %w", err)
	}
	s.metrics.RecordUpstreamRequest(ctx, "connect", "ok")
	s.setHandle(h)
	return nil
}

// sendGreeting composes the greeting turn: a prompt item plus a response
// request. Best-effort; a failed greeting never kills the call.
func (s *Session) sendGreeting() {
	if s.cfg.Greeting == "" {
		return
	}
	h := s.handle()
	prompt := fmt.Sprintf("Open the call by greeting the caller with: %q", s.cfg.Greeting)
	if err := h.InjectText(prompt); err != nil {
		s.log.Warn("greeting inject failed", "error", err)
		return
	}
	if err := h.CreateResponse(); err != nil {
		s.log.Warn("greeting response request failed", "error", err)
	}
}

// inboundLoop consumes the session's event queue in wire order. It returns
// errCallEnded on a stop event and errWireClosed when the transport dies
// first; any queued events are drained before the latter.
func (s *Session) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-s.events:
			end, err := s.handleTelcoEvent(ctx, evt)
			if err != nil {
				return err
			}
			if end {
				return errCallEnded
			}
		case <-s.wireDown:
			// Drain what the feeder already queued; a stop event may be in
			// there, which still counts as a clean end.
			for {
				select {
				case evt := <-s.events:
					end, err := s.handleTelcoEvent(ctx, evt)
					if err != nil {
						return err
					}
					if end {
						return errCallEnded
					}
				default:
					s.mu.Lock()
					werr := s.wireErr
					s.mu.Unlock()
					if werr != nil {
						return fmt.Errorf("%w: %w", errWireClosed, werr)
					}
					return errWireClosed
				}
			}
		}
	}
}

// handleTelcoEvent processes one wire event. end reports a stop event; a
// non-nil error is fatal for the session.
func (s *Session) handleTelcoEvent(ctx context.Context, evt telco.Event) (end bool, err error) {
	switch evt.Kind {
	case telco.KindMedia:
		return false, s.handleMedia(ctx, evt.Media)
	case telco.KindDTMF:
		s.handleDTMF(ctx, evt.Digit)
	case telco.KindClear:
		s.handleClear(ctx)
	case telco.KindMark:
		s.resolveMark(ctx, evt.Mark)
	case telco.KindStop:
		return true, nil
	case telco.KindStart:
		s.log.Warn("duplicate start event ignored")
	default:
		s.log.Debug("ignoring wire event", "kind", evt.Kind.String())
	}
	return false, nil
}

// handleMedia decodes one caller frame, feeds the energy detector, resamples
// to the upstream rate and forwards it. Malformed frames are dropped, never
// fatal; a resampler that falls behind real time is.
func (s *Session) handleMedia(ctx context.Context, media *telco.MediaInfo) error {
	if media == nil {
		return nil
	}
	pcm, err := audio.DecodeFrame(media.Payload)
	if err != nil {
		s.metrics.RecordDroppedFrame(ctx, "decode")
		s.log.Warn("dropping malformed media frame", "error", err)
		return nil
	}
	s.metrics.RecordMediaFrame(ctx, "inbound")
	s.touch()

	frameDur := pcmDuration(len(pcm), s.cfg.WireRate)
	started, stopped := s.detector.Observe(pcm, frameDur)
	if started {
		s.mu.Lock()
		if s.turn == TurnIdle {
			s.turn = TurnCallerSpeaking
		}
		s.mu.Unlock()
	}
	if stopped {
		s.mu.Lock()
		if s.turn == TurnCallerSpeaking {
			s.turn = TurnIdle
		}
		s.mu.Unlock()
	}

	begin := time.Now()
	up := s.inRes.Resample(pcm)
	elapsed := time.Since(begin)
	s.metrics.ResampleDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("direction", "inbound")))
	if frameDur > 0 && elapsed > frameDur {
		return fmt.Errorf("inbound conversion of %v took %v: %w", frameDur, elapsed, ErrResampleOverrun)
	}
	if len(up) == 0 {
		// Filter latency at stream start.
		return nil
	}

	if err := s.handle().SendAudio(up); err != nil {
		// The upstream loop notices the dead session and reconnects; frames
		// in the meantime are lost, not fatal.
		s.metrics.RecordDroppedFrame(ctx, "upstream-write")
		s.log.Debug("dropping frame, upstream write failed", "error", err)
	}
	return nil
}

// handleDTMF logs and records the digit and surfaces it to the assistant as
// a conversation item.
func (s *Session) handleDTMF(ctx context.Context, digit string) {
	if digit == "" {
		return
	}
	s.metrics.DTMFDigits.Add(ctx, 1, metric.WithAttributes(observe.Attr("digit", digit)))
	s.recordEvent(ctx, "dtmf", digit)
	s.log.Info("dtmf digit received", "digit", digit)
	s.touch()

	if err := s.handle().InjectText(fmt.Sprintf("[caller pressed %s on the keypad]", digit)); err != nil {
		s.log.Warn("dtmf inject failed", "error", err)
	}
}

// handleClear is the telephony-initiated barge-in: suppress outbound audio
// until the next fresh turn, cancel the in-flight response, and discard
// uncommitted caller audio upstream.
func (s *Session) handleClear(ctx context.Context) {
	s.mu.Lock()
	s.suppress = true
	s.turn = TurnIdle
	h := s.upstream
	s.mu.Unlock()

	s.detector.Reset()
	s.metrics.BargeIns.Add(ctx, 1, metric.WithAttributes(observe.Attr("origin", "clear")))
	s.recordEvent(ctx, "barge-in", "clear")
	s.log.Info("clear received, discarding outbound audio")

	if err := h.Interrupt(); err != nil {
		s.log.Warn("interrupt after clear failed", "error", err)
	}
	if err := h.ClearInput(); err != nil {
		s.log.Warn("input clear failed", "error", err)
	}
}

// resolveMark matches an inbound mark echo against the pending set and
// records the playback roundtrip.
func (s *Session) resolveMark(ctx context.Context, name string) {
	s.mu.Lock()
	sentAt, ok := s.pendingMarks[name]
	if ok {
		delete(s.pendingMarks, name)
	}
	s.mu.Unlock()
	s.touch()

	if !ok {
		s.log.Debug("unsolicited mark echo", "mark", name)
		return
	}
	s.metrics.MarkRoundtrip.Record(ctx, time.Since(sentAt).Seconds())
}

// upstreamLoop consumes the speech session's ordered event stream and its
// transcripts. When the session dies with a transient error it reconnects
// in place; budget exhaustion emits the upstream-unavailable mark and ends
// the call.
func (s *Session) upstreamLoop(ctx context.Context) error {
	for {
		h := s.handle()
		events := h.Events()
		transcripts := h.Transcripts()

		for events != nil || transcripts != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case evt, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if err := s.handleUpstreamEvent(ctx, evt); err != nil {
					return err
				}
			case tr, ok := <-transcripts:
				if !ok {
					transcripts = nil
					continue
				}
				s.recordTranscript(ctx, tr)
			}
		}

		err := h.Err()
		switch {
		case err == nil:
			return errUpstreamClosed
		case realtime.IsTransient(err):
			s.log.Warn("upstream session dropped, reconnecting", "error", err)
			s.metrics.RecordUpstreamError(ctx, "session", true)
			if rerr := s.reconnectUpstream(ctx); rerr != nil {
				s.sendUnavailableMark(ctx)
				return fmt.Errorf("%w: %w", errUpstreamUnavailable, rerr)
			}
		default:
			s.metrics.RecordUpstreamError(ctx, "session", false)
			return fmt.Errorf("upstream session failed: %w", err)
		}
	}
}

func (s *Session) handleUpstreamEvent(ctx context.Context, evt realtime.Event) error {
	switch evt.Kind {
	case realtime.KindSpeechStarted:
		s.beginBotTurn()
	case realtime.KindAudioDelta:
		return s.relayAudio(ctx, evt.Audio)
	case realtime.KindSpeechStopped:
		return s.finishBotTurn(ctx)
	case realtime.KindInputSpeechStarted:
		s.onCallerSpeechStarted(ctx)
	case realtime.KindInputSpeechStopped:
		s.onCallerSpeechStopped()
	default:
		s.log.Debug("ignoring upstream event", "kind", evt.Kind.String())
	}
	return nil
}

// beginBotTurn opens a fresh utterance: suppression from an earlier barge-in
// ends here, and stale chunker remainder from an interrupted turn is
// dropped.
func (s *Session) beginBotTurn() {
	s.mu.Lock()
	s.suppress = false
	s.turn = TurnBotSpeaking
	s.mu.Unlock()
	s.chunker.Reset()
	s.touch()
}

// relayAudio converts one upstream delta to wire-rate mu-law and emits it as
// chunked media events. Suppressed deltas (after a barge-in) are discarded.
func (s *Session) relayAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	suppressed := s.suppress
	if !suppressed && s.turn == TurnIdle {
		s.turn = TurnBotSpeaking
	}
	s.mu.Unlock()

	if suppressed {
		s.chunker.Reset()
		s.metrics.RecordDroppedFrame(ctx, "barge-in")
		return nil
	}

	begin := time.Now()
	wire := s.outRes.Resample(pcm)
	elapsed := time.Since(begin)
	s.metrics.ResampleDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(observe.Attr("direction", "outbound")))
	dur := pcmDuration(len(pcm), s.upstreamRate)
	if dur > 0 && elapsed > dur {
		return fmt.Errorf("outbound conversion of %v took %v: %w", dur, elapsed, ErrResampleOverrun)
	}

	for _, chunk := range s.chunker.Push(wire) {
		payload, err := audio.EncodeFrame(chunk)
		if err != nil {
			s.metrics.RecordDroppedFrame(ctx, "encode")
			s.log.Warn("dropping outbound chunk", "error", err)
			continue
		}
		if err := s.link.SendMedia(payload); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
		s.metrics.RecordMediaFrame(ctx, "outbound")
	}
	s.touch()
	return nil
}

// finishBotTurn flushes the chunker remainder and emits the utterance
// boundary mark. A suppressed turn ends silently: its audio was discarded,
// so its boundary would lie.
func (s *Session) finishBotTurn(ctx context.Context) error {
	s.mu.Lock()
	suppressed := s.suppress
	if s.turn == TurnBotSpeaking {
		s.turn = TurnIdle
	}
	s.mu.Unlock()

	if suppressed {
		s.chunker.Reset()
		return nil
	}

	if rem := s.chunker.Flush(); len(rem) > 0 {
		payload, err := audio.EncodeFrame(rem)
		if err != nil {
			s.metrics.RecordDroppedFrame(ctx, "encode")
		} else {
			if serr := s.link.SendMedia(payload); serr != nil {
				return fmt.Errorf("send media: %w", serr)
			}
			s.metrics.RecordMediaFrame(ctx, "outbound")
		}
	}

	s.markSeq++
	name := fmt.Sprintf("utterance-%d", s.markSeq)
	s.mu.Lock()
	s.pendingMarks[name] = time.Now()
	s.mu.Unlock()
	if err := s.link.SendMark(name); err != nil {
		return fmt.Errorf("send mark: %w", err)
	}
	return nil
}

// onCallerSpeechStarted reacts to the provider's VAD. Caller speech during a
// bot turn is a barge-in: the in-flight response is cancelled and its
// remaining audio suppressed. Uncommitted caller audio is kept; it is the
// caller's new turn.
func (s *Session) onCallerSpeechStarted(ctx context.Context) {
	s.mu.Lock()
	bargeIn := s.turn == TurnBotSpeaking
	if bargeIn {
		s.suppress = true
	}
	s.turn = TurnCallerSpeaking
	h := s.upstream
	s.mu.Unlock()
	s.touch()

	if !bargeIn {
		return
	}
	s.chunker.Reset()
	s.metrics.BargeIns.Add(ctx, 1, metric.WithAttributes(observe.Attr("origin", "vad")))
	s.recordEvent(ctx, "barge-in", "vad")
	s.log.Info("caller barged in over the assistant")
	if err := h.Interrupt(); err != nil {
		s.log.Warn("interrupt after barge-in failed", "error", err)
	}
}

// onCallerSpeechStopped commits the caller's buffered audio and asks for the
// assistant's response.
func (s *Session) onCallerSpeechStopped() {
	s.mu.Lock()
	if s.turn == TurnCallerSpeaking {
		s.turn = TurnIdle
	}
	h := s.upstream
	s.mu.Unlock()

	if err := h.Commit(); err != nil {
		s.log.Warn("input commit failed", "error", err)
	}
	if err := h.CreateResponse(); err != nil {
		s.log.Warn("response request failed", "error", err)
	}
}

// reconnectUpstream replaces a dead speech session within the retry budget.
// The caller-visible turn state is untouched; frames arriving during the
// outage are dropped by handleMedia.
func (s *Session) reconnectUpstream(ctx context.Context) error {
	_ = s.handle().Close()

	h, err := resilience.RetryWithResult(ctx, s.cfg.Retry, func(ctx context.Context) (realtime.SessionHandle, error) {
		cctx := ctx
		if s.cfg.HandshakeTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
			defer cancel()
		}
		h, cerr := s.provider.Connect(cctx, s.cfg.Upstream)
		if cerr != nil {
			s.metrics.RecordUpstreamRequest(ctx, "connect", "error")
			return nil, cerr
		}
		s.metrics.RecordUpstreamRequest(ctx, "connect", "ok")
		return h, nil
	}, retryableUpstream)
	if err != nil {
		return err
	}

	s.setHandle(h)
	s.recordEvent(ctx, "upstream-reconnect", "")
	s.log.Info("upstream session re-established")
	return nil
}

// retryableUpstream decides whether a connect failure is worth another
// attempt: transient transport faults and availability conditions are,
// auth and policy failures are not.
func retryableUpstream(err error) bool {
	return realtime.IsTransient(err) ||
		errors.Is(err, resilience.ErrAllFailed) ||
		errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded)
}

// sendUnavailableMark tells the telephony side the assistant is gone. Best
// effort: the session is dying either way.
func (s *Session) sendUnavailableMark(ctx context.Context) {
	s.recordEvent(ctx, "upstream-unavailable", "")
	if err := s.link.SendMark(markUpstreamUnavailable); err != nil {
		s.log.Warn("unavailable mark failed", "error", err)
	}
}

// watchdog ends calls that have gone quiet past the idle timeout and calls
// that outlive the provider's session duration cap.
func (s *Session) watchdog(ctx context.Context) error {
	tick := s.cfg.IdleTimeout / 4
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.cfg.IdleTimeout > 0 && s.idleFor() > s.cfg.IdleTimeout {
				return errIdleTimeout
			}
			if s.maxDuration > 0 && time.Since(s.startedAt) > s.maxDuration {
				return errSessionCap
			}
		}
	}
}

// teardown closes the upstream handle and flushes whatever transcripts it
// still holds into the call log. Store writes survive an outer cancel so a
// shutdown still flushes.
func (s *Session) teardown(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	h := s.handle()
	if h != nil {
		_ = h.Close()
		done := make(chan struct{})
		go func() {
			audio.Drain(h.Events())
			close(done)
		}()
		for tr := range h.Transcripts() {
			s.recordTranscript(flushCtx, tr)
		}
		<-done
	}

	s.inRes.Reset()
	s.outRes.Reset()
	s.chunker.Reset()
	s.detector.Reset()
}

// Call-log writes are best-effort: a dead store must never kill a call.

func (s *Session) beginCall(ctx context.Context) {
	err := s.store.BeginCall(ctx, calllog.Call{
		StreamSID:  s.cfg.StreamSID,
		CallSID:    s.cfg.CallSID,
		AccountSID: s.cfg.AccountSID,
		SampleRate: s.cfg.WireRate,
		Persona:    s.cfg.PersonaKind,
		Params:     s.cfg.CustomParams,
		StartedAt:  time.Now(),
	})
	if err != nil {
		s.log.Warn("call log begin failed", "error", err)
	}
}

func (s *Session) endCall(ctx context.Context, reason string, err error, clean bool) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	end := calllog.End{EndedAt: time.Now(), Reason: reason}
	if !clean && err != nil {
		end.Error = err.Error()
	}
	if serr := s.store.EndCall(flushCtx, s.cfg.StreamSID, end); serr != nil {
		s.log.Warn("call log end failed", "error", serr)
	}
}

func (s *Session) recordEvent(ctx context.Context, kind, detail string) {
	err := s.store.RecordEvent(ctx, s.cfg.StreamSID, calllog.Event{
		At:     time.Now(),
		Kind:   kind,
		Detail: detail,
	})
	if err != nil {
		s.log.Warn("call log event failed", "kind", kind, "error", err)
	}
}

func (s *Session) recordTranscript(ctx context.Context, tr realtime.Transcript) {
	err := s.store.RecordTranscript(ctx, s.cfg.StreamSID, calllog.Transcript{
		At:      tr.At,
		Speaker: tr.Speaker,
		Text:    tr.Text,
	})
	if err != nil {
		s.log.Warn("call log transcript failed", "error", err)
	}
}

func (s *Session) handle() realtime.SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

func (s *Session) setHandle(h realtime.SessionHandle) {
	s.mu.Lock()
	s.upstream = h
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastActivity.IsZero() {
		return 0
	}
	return time.Since(s.lastActivity)
}

// classifyEnd maps a session's terminal error to a close reason and whether
// the end was clean.
func classifyEnd(err error) (reason string, clean bool) {
	switch {
	case err == nil:
		return "closed", true
	case errors.Is(err, errCallEnded):
		return "stop", true
	case errors.Is(err, errWireClosed):
		return "carrier-drop", true
	case errors.Is(err, errUpstreamClosed):
		return "upstream-closed", true
	case errors.Is(err, errIdleTimeout):
		return "idle-timeout", true
	case errors.Is(err, errSessionCap):
		return "max-duration", true
	case errors.Is(err, context.Canceled):
		return "shutdown", true
	case errors.Is(err, errUpstreamUnavailable):
		return "upstream-unavailable", false
	case errors.Is(err, ErrResampleOverrun):
		return "resample-overrun", false
	default:
		return "error", false
	}
}

// pcmDuration is the real-time length of n bytes of 16-bit mono PCM.
func pcmDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
