package telco

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// maxEventBytes bounds one inbound frame. Media frames are small (tens of
// milliseconds of base64 mu-law); anything near this limit is garbage.
const maxEventBytes = 1 << 20

// Conn is one telephony media-stream connection carrying one call.
//
// A read loop owns the inbound side: it parses frames into Events and
// delivers them, in wire order, on the Events channel. Malformed frames are
// counted, logged and skipped. The channel closes when the stream ends or
// the transport fails; check Err afterwards.
//
// Outbound writes are serialised internally, so SendMedia and SendMark may
// be called from multiple goroutines.
type Conn struct {
	ws  *websocket.Conn
	log *slog.Logger

	events chan Event
	done   chan struct{}

	writeMu sync.Mutex

	mu        sync.Mutex
	streamSID string
	errVal    error
	closed    bool
	malformed uint64

	closeOnce sync.Once
}

// NewConn wraps an upgraded WebSocket connection and starts its read loop.
func NewConn(ws *websocket.Conn, log *slog.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		log:    log,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	ws.SetReadLimit(maxEventBytes)
	go c.readLoop()
	return c
}

// Events returns the inbound event stream in wire order. Closed when the
// connection ends.
func (c *Conn) Events() <-chan Event { return c.events }

// StreamSID returns the stream identifier, or "" before the start event has
// been read.
func (c *Conn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// Err returns the error that ended the connection, or nil after a clean
// shutdown (a stop event or local Close).
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// MalformedCount returns how many inbound frames were dropped as malformed.
func (c *Conn) MalformedCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.malformed
}

// readLoop owns the events channel: it closes it when it exits.
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if !closed && c.errVal == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.errVal = fmt.Errorf("telco: read: %w", err)
			}
			c.mu.Unlock()
			return
		}

		evt, err := Parse(data)
		if err != nil {
			c.mu.Lock()
			c.malformed++
			n := c.malformed
			c.mu.Unlock()
			c.log.Warn("dropping malformed stream event", "error", err, "dropped_total", n)
			continue
		}

		if evt.Kind == KindStart {
			c.mu.Lock()
			c.streamSID = evt.StreamSID
			c.mu.Unlock()
		}

		select {
		case c.events <- evt:
		case <-c.done:
			return
		}

		// The wire guarantees nothing follows stop.
		if evt.Kind == KindStop {
			return
		}
	}
}

// SendMedia sends one outbound media frame. payload must be base64 mu-law
// at the negotiated wire rate.
func (c *Conn) SendMedia(payload string) error {
	c.mu.Lock()
	sid := c.streamSID
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("telco: connection closed")
	}

	data, err := EncodeMedia(sid, payload)
	if err != nil {
		return fmt.Errorf("telco: encode media: %w", err)
	}
	return c.write(data)
}

// SendMark sends an outbound mark event. The telephony system echoes the
// mark back once all audio queued before it has been played out.
func (c *Conn) SendMark(name string) error {
	c.mu.Lock()
	sid := c.streamSID
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("telco: connection closed")
	}

	data, err := EncodeMark(sid, name)
	if err != nil {
		return fmt.Errorf("telco: encode mark: %w", err)
	}
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("telco: write: %w", err)
	}
	return nil
}

// Close tears the connection down. Idempotent; the read loop exits and the
// Events channel closes shortly after.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
		c.writeMu.Unlock()

		_ = c.ws.Close()
	})
	return nil
}
