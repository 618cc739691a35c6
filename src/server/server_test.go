package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"screenshotd/src/broadcast"
	"screenshotd/src/capture"
	"screenshotd/src/delivery"
	"screenshotd/src/messages"
)

type mockHandler struct {
	accept     bool
	reconnects atomic.Int32
}

func (m *mockHandler) RequestCapture() bool    { return m.accept }
func (m *mockHandler) TriggerScreenshot() bool { return m.accept }
func (m *mockHandler) Reconnect()              { m.reconnects.Add(1) }

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/api/capture", http.NoBody)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "http://localhost:5173" {
		t.Errorf("CORS origin = %q, want the local origin", v)
	}

	req = httptest.NewRequest("POST", "/api/capture", http.NoBody)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest("GET", "/healthz", http.NoBody)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("no-origin status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestTriggerEndpoints(t *testing.T) {
	s := New(nil, nil)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/capture", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unbound status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	mh := &mockHandler{accept: true}
	s.Bind(mh)
	for _, path := range []string{"/api/capture", "/api/trigger"} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", path, http.NoBody))
		var resp messages.Accepted
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || !resp.Accepted {
			t.Errorf("%s: expected accepted, got %+v err=%v", path, resp, err)
		}
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/reconnect", http.NoBody))
	if rec.Code != http.StatusOK || mh.reconnects.Load() != 1 {
		t.Errorf("reconnect status = %d calls = %d", rec.Code, mh.reconnects.Load())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/capture", http.NoBody))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET capture status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestWebSocketSinkReceivesPendingAndLive(t *testing.T) {
	results := delivery.NewChannel(delivery.Options{})
	defer results.Close()
	results.Deliver(capture.Failure(capture.Newf(capture.EngineUnavailable, "no engine")))

	srv := httptest.NewServer(New(results, nil).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first messages.Outcome
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != messages.TypeError || first.Code != "ENGINE_UNAVAILABLE" {
		t.Fatalf("Expected pending failure, got %+v", first)
	}

	results.Deliver(capture.Success("/p/screenshot_1000.png"))
	var second messages.Outcome
	if err := wsjson.Read(ctx, conn, &second); err != nil {
		t.Fatalf("read: %v", err)
	}
	if second.Type != messages.TypeSuccess || second.Path != "/p/screenshot_1000.png" {
		t.Fatalf("Expected success, got %+v", second)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	bus := broadcast.NewBus()
	defer bus.Shutdown()
	srv := httptest.NewServer(New(nil, bus).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/ws/broadcast"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for len(bus.Subscribers()) == 0 {
		if ctx.Err() != nil {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Publish(capture.Success("/p/a.png"))

	var m messages.Outcome
	if err := wsjson.Read(ctx, conn, &m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Path != "/p/a.png" {
		t.Errorf("Expected broadcast outcome, got %+v", m)
	}
}
