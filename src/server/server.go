// Package server exposes the trigger API and outcome delivery over HTTP and
// WebSocket for front ends that prefer it to the line protocol.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"screenshotd/src/broadcast"
	"screenshotd/src/capture"
	"screenshotd/src/coordinator"
	"screenshotd/src/delivery"
	"screenshotd/src/messages"
)

const broadcastBuffer = 8

var localOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}

// SinkRegistry is where WebSocket sinks attach themselves.
type SinkRegistry interface {
	AttachSink(s delivery.Sink)
	Release(s delivery.Sink) bool
}

type handlerRef struct{ h coordinator.Handler }

// Server handles HTTP and WebSocket connections.
type Server struct {
	results SinkRegistry
	bus     *broadcast.Bus
	handler atomic.Pointer[handlerRef]
}

func New(results SinkRegistry, bus *broadcast.Bus) *Server {
	return &Server{results: results, bus: bus}
}

// Bind sets the handler trigger endpoints forward to.
func (s *Server) Bind(h coordinator.Handler) {
	s.handler.Store(&handlerRef{h: h})
}

func (s *Server) current() coordinator.Handler {
	if ref := s.handler.Load(); ref != nil {
		return ref.h
	}
	return nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleSink)
	mux.HandleFunc("GET /ws/broadcast", s.handleBroadcast)

	mux.HandleFunc("POST /api/capture", s.handleCapture)
	mux.HandleFunc("POST /api/trigger", s.handleTrigger)
	mux.HandleFunc("POST /api/reconnect", s.handleReconnect)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			if !isLocalOrigin(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) withHandler(w http.ResponseWriter, fn func(coordinator.Handler)) {
	h := s.current()
	if h == nil {
		writeJSON(w, http.StatusServiceUnavailable, messages.Status{Status: "not ready"})
		return
	}
	fn(h)
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	s.withHandler(w, func(h coordinator.Handler) {
		writeJSON(w, http.StatusOK, messages.Accepted{Accepted: h.RequestCapture()})
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.withHandler(w, func(h coordinator.Handler) {
		writeJSON(w, http.StatusOK, messages.Accepted{Accepted: h.TriggerScreenshot()})
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	s.withHandler(w, func(h coordinator.Handler) {
		h.Reconnect()
		writeJSON(w, http.StatusOK, messages.Status{Status: "ok"})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.current() == nil {
		status = "starting"
	}
	writeJSON(w, http.StatusOK, messages.Status{Status: status})
}

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: localOrigins})
}

// handleSink attaches the WebSocket as the result sink until it closes.
func (s *Server) handleSink(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		http.Error(w, "listening not supported", http.StatusNotImplemented)
		return
	}
	conn, err := accept(w, r)
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	sink := &wsSink{id: "ws-" + uuid.NewString(), conn: conn}
	log := slog.With("sink", sink.id, "remote", r.RemoteAddr)
	log.Info("websocket sink connected")

	ctx := conn.CloseRead(r.Context())
	s.results.AttachSink(sink)
	<-ctx.Done()
	s.results.Release(sink)
	log.Info("websocket sink disconnected")
}

// handleBroadcast streams every outcome from the broadcast bus.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "broadcast not supported", http.StatusNotImplemented)
		return
	}
	conn, err := accept(w, r)
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	name := "ws-broadcast-" + uuid.NewString()
	ch, err := s.bus.Subscribe(name, broadcastBuffer)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer s.bus.Unsubscribe(name)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case o, ok := <-ch:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, messages.FromOutcome(o)); err != nil {
				slog.Debug("websocket broadcast write failed", "subscriber", name, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wsSink delivers outcomes over a WebSocket.
type wsSink struct {
	id   string
	conn *websocket.Conn
}

func (s *wsSink) ID() string { return s.id }

func (s *wsSink) Send(ctx context.Context, o capture.Outcome) error {
	return wsjson.Write(ctx, s.conn, messages.FromOutcome(o))
}
