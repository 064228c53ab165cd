package telco_test

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weltlinger/trunkline/internal/telco"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureRunner hands the server-side Conn to the test and keeps the call
// open until the test is done with it.
type captureRunner struct {
	admitErr error
	rates    chan int
	conns    chan *telco.Conn
	release  chan struct{}
}

func newCaptureRunner() *captureRunner {
	return &captureRunner{
		rates:   make(chan int, 1),
		conns:   make(chan *telco.Conn, 1),
		release: make(chan struct{}),
	}
}

func (r *captureRunner) Admit() error { return r.admitErr }

func (r *captureRunner) Run(conn *telco.Conn, rate int) error {
	r.rates <- rate
	r.conns <- conn
	<-r.release
	return conn.Close()
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + query
}

// startStream spins up a Server, dials it, and returns the client socket and
// the server-side Conn.
func startStream(t *testing.T, query string) (*captureRunner, *websocket.Conn, *telco.Conn) {
	t.Helper()

	runner := newCaptureRunner()
	srv := httptest.NewServer(telco.NewServer(runner, testLogger()))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(runner.release) })

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, query), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-runner.conns:
		return runner, client, conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for runner to receive the connection")
	}
	return nil, nil, nil
}

func waitEvent(t *testing.T, events <-chan telco.Event) telco.Event {
	t.Helper()
	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("events channel closed early")
		}
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return telco.Event{}
}

func waitClosed(t *testing.T, events <-chan telco.Event) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for events channel to close")
		}
	}
}

func writeEvent(t *testing.T, client *websocket.Conn, raw string) {
	t.Helper()
	client.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := client.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func TestServer_DefaultSampleRate(t *testing.T) {
	t.Parallel()

	runner, _, _ := startStream(t, "")
	if rate := <-runner.rates; rate != 8000 {
		t.Errorf("rate = %d; want default 8000", rate)
	}
}

func TestServer_NegotiatedSampleRate(t *testing.T) {
	t.Parallel()

	runner, _, _ := startStream(t, "?sample-rate=16000")
	if rate := <-runner.rates; rate != 16000 {
		t.Errorf("rate = %d; want 16000", rate)
	}
}

func TestServer_ConfiguredDefaultRate(t *testing.T) {
	t.Parallel()

	runner := newCaptureRunner()
	srv := httptest.NewServer(telco.NewServer(runner, testLogger(), telco.WithDefaultRate(16000)))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(runner.release) })

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	if rate := <-runner.rates; rate != 16000 {
		t.Errorf("rate = %d; want configured default 16000", rate)
	}
	<-runner.conns
}

func TestServer_RejectsUnsupportedRate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		query string
	}{
		{"unsupported rate", "?sample-rate=11025"},
		{"not a number", "?sample-rate=wideband"},
	}
	for _, c := range cases {
		srv := httptest.NewServer(telco.NewServer(newCaptureRunner(), testLogger()))
		client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, c.query), nil)
		if err == nil {
			client.Close()
			t.Errorf("%s: dial succeeded; want handshake rejection", c.name)
			srv.Close()
			continue
		}
		if resp == nil {
			t.Fatalf("%s: no HTTP response", c.name)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d; want 400", c.name, resp.StatusCode)
		}
		resp.Body.Close()
		srv.Close()
	}
}

func TestServer_RefusesAtCapacity(t *testing.T) {
	t.Parallel()

	runner := newCaptureRunner()
	runner.admitErr = errors.New("no session slots available")
	srv := httptest.NewServer(telco.NewServer(runner, testLogger()))
	defer srv.Close()

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		client.Close()
		t.Fatal("dial succeeded; want handshake rejection")
	}
	if resp == nil {
		t.Fatal("no HTTP response")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d; want 503", resp.StatusCode)
	}
}

func TestConn_DeliversEventsInOrder(t *testing.T) {
	t.Parallel()

	_, client, conn := startStream(t, "")

	writeEvent(t, client, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	writeEvent(t, client, `{"event":"start","streamSid":"MZ77","start":{"streamSid":"MZ77","callSid":"CA1","mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`)
	writeEvent(t, client, `{"event":"media","streamSid":"MZ77","media":{"payload":"//8A"}}`)
	writeEvent(t, client, `{"event":"dtmf","streamSid":"MZ77","dtmf":{"digit":"9"}}`)
	writeEvent(t, client, `{"event":"clear","streamSid":"MZ77"}`)
	writeEvent(t, client, `{"event":"mark","streamSid":"MZ77","mark":{"name":"turn-1"}}`)

	want := []telco.Kind{
		telco.KindConnected,
		telco.KindStart,
		telco.KindMedia,
		telco.KindDTMF,
		telco.KindClear,
		telco.KindMark,
	}
	for i, kind := range want {
		evt := waitEvent(t, conn.Events())
		if evt.Kind != kind {
			t.Fatalf("event %d: kind = %v; want %v", i, evt.Kind, kind)
		}
	}
	if sid := conn.StreamSID(); sid != "MZ77" {
		t.Errorf("streamSID = %q; want MZ77", sid)
	}
}

func TestConn_StopEndsStream(t *testing.T) {
	t.Parallel()

	_, client, conn := startStream(t, "")

	writeEvent(t, client, `{"event":"start","streamSid":"MZ1","start":{"streamSid":"MZ1"}}`)
	writeEvent(t, client, `{"event":"stop","streamSid":"MZ1"}`)

	if evt := waitEvent(t, conn.Events()); evt.Kind != telco.KindStart {
		t.Fatalf("first event = %v; want start", evt.Kind)
	}
	if evt := waitEvent(t, conn.Events()); evt.Kind != telco.KindStop {
		t.Fatalf("second event = %v; want stop", evt.Kind)
	}
	waitClosed(t, conn.Events())
	if err := conn.Err(); err != nil {
		t.Errorf("Err after stop = %v; want nil", err)
	}
}

func TestConn_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	_, client, conn := startStream(t, "")

	writeEvent(t, client, `{"event":"media",`)
	writeEvent(t, client, `{"event":"media","streamSid":"MZ1","media":{"payload":"AAAA"}}`)

	evt := waitEvent(t, conn.Events())
	if evt.Kind != telco.KindMedia {
		t.Fatalf("kind = %v; want media (malformed frame should be dropped)", evt.Kind)
	}
	if evt.Media.Payload != "AAAA" {
		t.Errorf("payload = %q; want AAAA", evt.Media.Payload)
	}
	if n := conn.MalformedCount(); n != 1 {
		t.Errorf("malformed count = %d; want 1", n)
	}
}

func TestConn_SendMediaAndMark(t *testing.T) {
	t.Parallel()

	_, client, conn := startStream(t, "")

	writeEvent(t, client, `{"event":"start","streamSid":"MZ5","start":{"streamSid":"MZ5"}}`)
	waitEvent(t, conn.Events())

	if err := conn.SendMedia("UExBWQ=="); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if err := conn.SendMark("turn-1"); err != nil {
		t.Fatalf("SendMark: %v", err)
	}

	var media struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := client.ReadJSON(&media); err != nil {
		t.Fatalf("read media: %v", err)
	}
	if media.Event != "media" || media.StreamSID != "MZ5" || media.Media.Payload != "UExBWQ==" {
		t.Errorf("unexpected media frame: %+v", media)
	}

	var mark struct {
		Event string `json:"event"`
		Mark  struct {
			Name string `json:"name"`
		} `json:"mark"`
	}
	if err := client.ReadJSON(&mark); err != nil {
		t.Fatalf("read mark: %v", err)
	}
	if mark.Event != "mark" || mark.Mark.Name != "turn-1" {
		t.Errorf("unexpected mark frame: %+v", mark)
	}
}

func TestConn_CloseIsIdempotentAndStopsSends(t *testing.T) {
	t.Parallel()

	_, client, conn := startStream(t, "")

	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := conn.SendMedia("AAAA"); err == nil {
		t.Error("SendMedia after Close should fail")
	}

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("client read = %v; want normal close", err)
	}
}

func TestConn_TransportFailureSetsErr(t *testing.T) {
	t.Parallel()

	_, client, conn := startStream(t, "")

	// Drop the TCP side without a close handshake.
	client.UnderlyingConn().Close()

	waitClosed(t, conn.Events())
	if err := conn.Err(); err == nil {
		t.Error("Err after abrupt disconnect = nil; want transport error")
	}
}
