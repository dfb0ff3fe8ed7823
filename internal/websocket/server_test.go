package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/vrupdate/internal/health"
	"github.com/breeze-rmm/vrupdate/internal/logging"
	"github.com/breeze-rmm/vrupdate/internal/update"
	"github.com/breeze-rmm/vrupdate/internal/updater"
)

type fakeSource struct {
	mu        sync.Mutex
	current   updater.Event
	events    chan updater.Event
	cancelled bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		current: updater.Event{Seq: 1, At: time.Unix(1700000000, 0), Status: update.NoUpdates{}},
		events:  make(chan updater.Event, 8),
	}
}

func (f *fakeSource) Subscribe() (<-chan updater.Event, func()) {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	out := make(chan updater.Event, 16)
	out <- cur
	go func() {
		for ev := range f.events {
			out <- ev
		}
		close(out)
	}()
	return out, func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}
}

func (f *fakeSource) StatusEvent() updater.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSource) History() []update.InstalledInfo {
	return []update.InstalledInfo{{ID: "a", Version: "1.2.0", Source: update.SourceFull}}
}

func (f *fakeSource) AvailableUpdates() []update.PackageInfo {
	return []update.PackageInfo{{Name: "vr-system", Version: "1.3.0"}}
}

func (f *fakeSource) CurrentVersion() string { return "1.2.0" }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) (StatusMessage, map[string]any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg StatusMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(msg.Status, &fields); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return msg, fields
}

func TestStreamSendsCurrentThenTransitions(t *testing.T) {
	src := newFakeSource()
	s := NewServer(src, nil, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	msg, fields := readStatus(t, conn)
	if msg.Type != "status" || msg.Seq != 1 || fields["state"] != "NoUpdates" {
		t.Fatalf("first frame = %+v %v", msg, fields)
	}

	src.events <- updater.Event{Seq: 2, At: time.Now(), Status: update.Downloading{Version: "1.3.0", Percent: 40}}
	msg, fields = readStatus(t, conn)
	if msg.Seq != 2 || fields["state"] != "Downloading" || fields["percent"] != 40.0 {
		t.Fatalf("second frame = %+v %v", msg, fields)
	}
	close(src.events)

	// The stream ends with a close frame once the subscription ends.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	s := NewServer(newFakeSource(), nil, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	hdr := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := NewServer(newFakeSource(), nil, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}
	var body StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.CurrentVersion != "1.2.0" || len(body.Available) != 1 {
		t.Fatalf("body = %+v", body)
	}
	st, _, err := update.UnmarshalStatus(body.Status)
	if err != nil {
		t.Fatal(err)
	}
	if st.State() != update.StateNoUpdates {
		t.Fatalf("state = %s", st.State())
	}
}

func TestHistoryEndpoint(t *testing.T) {
	s := NewServer(newFakeSource(), nil, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/history")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var hist []update.InstalledInfo
	if err := json.NewDecoder(resp.Body).Decode(&hist); err != nil {
		t.Fatal(err)
	}
	if len(hist) != 1 || hist[0].Version != "1.2.0" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestHealthEndpoint(t *testing.T) {
	mon := health.NewMonitor(1)
	s := NewServer(newFakeSource(), mon, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func() (int, map[string]any) {
		resp, err := http.Get(srv.URL + "/healthz")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, body
	}

	mon.RecordSuccess("checker")
	code, body := get()
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("healthy: %d %v", code, body)
	}

	mon.RecordFailure("installer", errors.New("disk full"))
	code, body = get()
	if code != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("unhealthy: %d %v", code, body)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewServer(newFakeSource(), nil, Config{MaxClients: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	var conn *websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, _, err = websocket.DefaultDialer.Dial(url, nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readStatus(t, conn)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFailedUpgradeLogsError(t *testing.T) {
	var out syncBuffer
	logging.Init("json", "debug", &out)
	t.Cleanup(func() { logging.Init("text", "info", nil) })

	s := NewServer(newFakeSource(), nil, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	// A plain GET is not a WebSocket handshake.
	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		line := out.String()
		if strings.Contains(line, `"msg":"websocket upgrade failed"`) {
			if !strings.Contains(line, `"`+logging.KeyError+`":`) || !strings.Contains(line, `"component":"websocket"`) {
				t.Fatalf("upgrade failure missing fields: %s", line)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no upgrade failure logged: %s", line)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
