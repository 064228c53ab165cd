package telco

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/weltlinger/trunkline/pkg/audio"
)

// defaultSampleRate applies when the telephony system does not negotiate a
// rate on the connection URL. Classic telephony is 8 kHz.
const defaultSampleRate = 8000

// Runner drives admitted calls. The bridge manager implements it.
type Runner interface {
	// Admit reports whether a new call may start right now. It is called
	// before the WebSocket upgrade so a refused caller gets a plain HTTP
	// error instead of a half-open stream.
	Admit() error

	// Run owns conn until the call ends. It must close conn before
	// returning.
	Run(conn *Conn, sampleRate int) error
}

// Server upgrades inbound media-stream connections and hands them to a
// Runner. Register it on the route the telephony system dials, e.g.
// "GET /stream".
type Server struct {
	runner      Runner
	log         *slog.Logger
	defaultRate int
	upgrader    websocket.Upgrader
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithDefaultRate overrides the sample rate assumed for connections that do
// not negotiate one on the URL.
func WithDefaultRate(rate int) ServerOption {
	return func(s *Server) {
		if rate > 0 {
			s.defaultRate = rate
		}
	}
}

// NewServer creates a media-stream endpoint driving calls through runner.
func NewServer(runner Runner, log *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		runner:      runner,
		log:         log,
		defaultRate: defaultSampleRate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony systems dial from backend infrastructure, not
			// browsers; Origin carries no signal here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP negotiates the wire sample rate, applies admission control, and
// upgrades. Everything that can be refused is refused before the upgrade:
// an unsupported rate is a 400, a full bridge is a 503, both stable and
// immediate.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rate := s.defaultRate
	if raw := r.URL.Query().Get("sample-rate"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "telco: sample-rate is not a number", http.StatusBadRequest)
			return
		}
		rate = parsed
	}
	if !audio.RateSupported(rate) {
		err := &audio.UnsupportedRateError{Rate: rate}
		s.log.Warn("refusing stream with unsupported rate", "rate", rate, "remote", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.runner.Admit(); err != nil {
		s.log.Warn("refusing stream at capacity", "error", err, "remote", r.RemoteAddr)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := NewConn(ws, s.log)
	if err := s.runner.Run(conn, rate); err != nil {
		s.log.Error("call ended with error", "error", err, "stream_sid", conn.StreamSID())
	}
}
