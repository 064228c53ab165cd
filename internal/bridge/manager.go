package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/weltlinger/trunkline/internal/observe"
	"github.com/weltlinger/trunkline/internal/resilience"
	"github.com/weltlinger/trunkline/internal/telco"
	"github.com/weltlinger/trunkline/pkg/audio"
	"github.com/weltlinger/trunkline/pkg/calllog"
	"github.com/weltlinger/trunkline/pkg/provider/realtime"
)

const (
	defaultMaxSessions     = 100
	defaultChunkDuration   = 20 * time.Millisecond
	defaultSpeechThreshold = 500
	defaultSilenceTimeout  = 1500 * time.Millisecond
	defaultIdleTimeout     = 5 * time.Minute
	defaultHandshake       = 10 * time.Second
)

// Settings tunes the manager and every session it admits. Changing settings
// on a live manager affects future sessions only.
type Settings struct {
	// MaxSessions caps concurrent calls. Zero means the default.
	MaxSessions int

	ChunkDuration    time.Duration
	SpeechThreshold  float64
	SilenceTimeout   time.Duration
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	Retry            resilience.RetryConfig

	PersonaKind string
	Greeting    string
	Upstream    realtime.SessionConfig
}

func (s Settings) withDefaults() Settings {
	if s.MaxSessions <= 0 {
		s.MaxSessions = defaultMaxSessions
	}
	if s.ChunkDuration <= 0 {
		s.ChunkDuration = defaultChunkDuration
	}
	if s.SpeechThreshold <= 0 {
		s.SpeechThreshold = defaultSpeechThreshold
	}
	if s.SilenceTimeout <= 0 {
		s.SilenceTimeout = defaultSilenceTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = defaultIdleTimeout
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = defaultHandshake
	}
	return s
}

// Manager admits calls, owns the session registry and fans each admitted
// connection into its own [Session]. It implements [telco.Runner].
type Manager struct {
	provider realtime.Provider
	store    calllog.Store
	metrics  *observe.Metrics
	log      *slog.Logger

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	settings Settings
	sessions map[string]*Session
	active   int
	closed   bool
}

var _ telco.Runner = (*Manager)(nil)

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithCallLog sets the store call records are written to. Defaults to the
// no-op store.
func WithCallLog(store calllog.Store) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithMetrics sets the instrument set. Defaults to no-op instruments.
func WithMetrics(metrics *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithLogger sets the base logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = log }
}

// NewManager builds a manager bridging admitted calls to provider.
func NewManager(provider realtime.Provider, settings Settings, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		provider:   provider,
		store:      calllog.Nop{},
		rootCtx:    ctx,
		rootCancel: cancel,
		settings:   settings.withDefaults(),
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Admit reports whether a new call would currently be accepted. It is
// advisory: the authoritative slot claim happens in Run, so a burst between
// Admit and Run can still be turned away there.
func (m *Manager) Admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("bridge: manager is shut down")
	}
	if m.active >= m.settings.MaxSessions {
		m.metrics.RejectedSessions.Add(m.rootCtx, 1)
		return fmt.Errorf("%w (%d active)", ErrAtCapacity, m.active)
	}
	return nil
}

func (m *Manager) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("bridge: manager is shut down")
	}
	if m.active >= m.settings.MaxSessions {
		m.metrics.RejectedSessions.Add(m.rootCtx, 1)
		return fmt.Errorf("%w (%d active)", ErrAtCapacity, m.active)
	}
	m.active++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

// Run drives one admitted connection for its whole life: it waits for the
// start handshake, builds the session, feeds it wire events and blocks until
// the call ends. The connection is closed on return.
func (m *Manager) Run(conn *telco.Conn, sampleRate int) error {
	defer conn.Close()

	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()
	m.wg.Add(1)
	defer m.wg.Done()

	m.mu.Lock()
	settings := m.settings
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(m.rootCtx)
	defer cancel()

	start, err := awaitStart(ctx, conn, settings.HandshakeTimeout)
	if err != nil {
		return &SetupError{StreamSID: conn.StreamSID(), Err: err}
	}
	if start == nil {
		// Stopped or hung up before the stream began. Not an error.
		return nil
	}

	wireRate := sampleRate
	if start.SampleRate != 0 {
		wireRate = start.SampleRate
	}
	if !audio.RateSupported(wireRate) {
		return &SetupError{
			StreamSID: conn.StreamSID(),
			Err:       &audio.UnsupportedRateError{Rate: wireRate},
		}
	}

	sess := newSession(SessionConfig{
		StreamSID:        start.StreamSID,
		CallSID:          start.CallSID,
		AccountSID:       start.AccountSID,
		CustomParams:     start.CustomParams,
		PersonaKind:      settings.PersonaKind,
		WireRate:         wireRate,
		ChunkDuration:    settings.ChunkDuration,
		SpeechThreshold:  settings.SpeechThreshold,
		SilenceTimeout:   settings.SilenceTimeout,
		IdleTimeout:      settings.IdleTimeout,
		HandshakeTimeout: settings.HandshakeTimeout,
		Greeting:         settings.Greeting,
		Upstream:         settings.Upstream,
		Retry:            settings.Retry,
	}, m.provider, conn, m.store, m.metrics, m.log)

	if err := m.register(sess); err != nil {
		return err
	}
	defer m.unregister(sess.StreamSID())

	// Feed the session from the wire. Deliver blocks when the session is
	// busy, backpressuring the read loop; once the events channel closes the
	// transport is done and the session learns why.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for evt := range conn.Events() {
			if derr := sess.Deliver(evt); derr != nil {
				m.log.Debug("dropping wire event, session gone",
					"stream_sid", sess.StreamSID(), "kind", evt.Kind.String())
				break
			}
		}
		sess.WireDown(conn.Err())
	}()

	return sess.run(ctx)
}

// awaitStart reads wire events until the start handshake arrives. A nil
// StartInfo with nil error means the caller hung up before starting.
func awaitStart(ctx context.Context, conn *telco.Conn, timeout time.Duration) (*telco.StartInfo, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("no start event within %v", timeout)
		case evt, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					return nil, fmt.Errorf("wire closed before start: %w", err)
				}
				return nil, nil
			}
			switch evt.Kind {
			case telco.KindConnected:
				// Preamble, keep waiting.
			case telco.KindStart:
				if evt.Start == nil {
					return nil, fmt.Errorf("start event missing stream info")
				}
				return evt.Start, nil
			case telco.KindStop:
				return nil, nil
			default:
				// Media before start has nowhere to go yet.
			}
		}
	}
}

func (m *Manager) register(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid := sess.StreamSID()
	if _, ok := m.sessions[sid]; ok {
		return &SetupError{StreamSID: sid, Err: fmt.Errorf("stream id already active")}
	}
	m.sessions[sid] = sess
	return nil
}

func (m *Manager) unregister(streamSID string) {
	m.mu.Lock()
	delete(m.sessions, streamSID)
	m.mu.Unlock()
}

// Lookup returns the live session for a stream id.
func (m *Manager) Lookup(streamSID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[streamSID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, streamSID)
	}
	return sess, nil
}

// ActiveCalls returns the number of admitted calls, including ones still in
// their start handshake.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// MaxSessions returns the current admission cap.
func (m *Manager) MaxSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.MaxSessions
}

// SetSettings swaps the settings used for future sessions. Live sessions
// keep the tuning they were admitted with.
func (m *Manager) SetSettings(settings Settings) {
	m.mu.Lock()
	m.settings = settings.withDefaults()
	m.mu.Unlock()
}

// Settings returns a copy of the current settings.
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Close stops admitting, cancels every live session and waits for them to
// finish. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.rootCancel()
	m.wg.Wait()
	return nil
}
