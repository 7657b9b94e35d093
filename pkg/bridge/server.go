// Package bridge is the loopback HTTP surface workers call back into: it
// accepts messages, job reports, and stream chunks, authenticates them with
// a per-instance bearer token, and forwards them onto the message bus.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"warden/pkg/bus"
	"warden/pkg/logx"
	"warden/pkg/metrics"
	"warden/pkg/proto"
)

// DefaultCoordinator is the mailbox name messages to the coordinating
// process are addressed to.
const DefaultCoordinator = "orchestrator"

// Config tunes a bridge server.
type Config struct {
	// Host to bind; defaults to loopback only.
	Host string
	// Coordinator is the recipient name that triggers needs_attention
	// wakeups. Defaults to DefaultCoordinator.
	Coordinator string
}

// Server is one bridge instance. Each instance gets its own ephemeral port
// and bearer token, so concurrent supervisors never collide.
type Server struct {
	bus         *bus.Bus
	metrics     *metrics.Recorder
	coordinator string
	host        string
	token       string
	logger      *logx.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// New creates a bridge server with a fresh random token. The metrics
// recorder may be nil.
func New(b *bus.Bus, rec *metrics.Recorder, cfg Config) (*Server, error) {
	if b == nil {
		return nil, fmt.Errorf("bridge requires a bus")
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	coordinator := cfg.Coordinator
	if coordinator == "" {
		coordinator = DefaultCoordinator
	}

	return &Server{
		bus:         b,
		metrics:     rec,
		coordinator: coordinator,
		host:        host,
		token:       token,
		logger:      logx.NewLogger("bridge"),
	}, nil
}

// newToken returns 32 bytes of crypto/rand entropy, hex encoded.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate bridge token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Token returns the bearer token workers must present.
func (s *Server) Token() string { return s.token }

// URL returns the base URL of a started server, empty otherwise.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// Start binds an ephemeral port and begins serving. Calling Start on a
// running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, "0"))
	if err != nil {
		return fmt.Errorf("failed to bind bridge listener: %w", err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = ln
	s.httpSrv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("Bridge server stopped: %v", err)
		}
	}()

	s.logger.Info("Bridge listening on %s", ln.Addr())
	return nil
}

// Close shuts the server down and releases the port before returning.
// Safe to call on a never-started or already-closed server.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.listener = nil
	s.httpSrv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return srv.Close()
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/message", s.instrument("message", s.handleMessage)).Methods(http.MethodPost)
	r.HandleFunc("/v1/report", s.instrument("report", s.handleReport)).Methods(http.MethodPost)
	r.HandleFunc("/v1/stream/chunk", s.instrument("stream_chunk", s.handleStreamChunk)).Methods(http.MethodPost)
	// Auth wraps the whole router, not per-route middleware: unknown paths
	// and wrong methods must 401 before revealing whether they exist.
	return s.requireAuth(r)
}

// requireAuth rejects any request without the exact bearer token. The 401
// body is identical for missing, malformed, and wrong tokens.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token != s.token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request metrics per endpoint and converts handler
// panics into a 500 instead of tearing the connection down.
func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Warn("Handler %s panicked: %v", endpoint, rec)
				writeJSON(sw, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			}
			s.metrics.ObserveBridgeRequest(endpoint, sw.status)
		}()
		h(sw, r)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.written {
		return
	}
	w.status = code
	w.written = true
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req proto.MessageRequest
	if !decode(w, r, &req) {
		return
	}

	msg := proto.NewBusMessage(req.From, req.To, req.Text)
	msg.Topic = req.Topic
	msg.JobID = req.JobID
	if err := s.bus.Send(msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp := map[string]string{"messageId": msg.ID}
	if req.To == s.coordinator {
		event := s.bus.Wakeup(bus.WakeupPayload{
			WorkerID: req.From,
			JobID:    req.JobID,
			Reason:   proto.WakeupNeedsAttention,
			Summary:  summarize(req.Text),
		})
		resp["eventId"] = event.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	var req proto.ReportRequest
	if !decode(w, r, &req) {
		return
	}

	msg := proto.NewBusMessage(req.WorkerID, s.coordinator, req.Report)
	msg.Topic = "report"
	msg.JobID = req.JobID
	if err := s.bus.Send(msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	event := s.bus.Wakeup(bus.WakeupPayload{
		WorkerID: req.WorkerID,
		JobID:    req.JobID,
		Reason:   proto.WakeupResultReady,
		Summary:  summarize(req.Report),
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"messageId": msg.ID,
		"eventId":   event.ID,
	})
}

func (s *Server) handleStreamChunk(w http.ResponseWriter, r *http.Request) {
	var req proto.StreamChunkRequest
	if !decode(w, r, &req) {
		return
	}

	// Stream chunks are high-frequency progress traffic: forward to the
	// coordinator mailbox but never wake anyone up.
	if req.Chunk != "" {
		msg := proto.NewBusMessage(req.WorkerID, s.coordinator, req.Chunk)
		msg.Topic = "stream"
		msg.JobID = req.JobID
		if err := s.bus.Send(msg); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// validator is implemented by all bridge request bodies.
type validator interface{ Validate() error }

// decode parses and validates a request body, writing the 400 itself on
// failure.
func decode(w http.ResponseWriter, r *http.Request, into validator) bool {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return false
	}
	if err := into.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// summarize clips text for a wakeup summary line, on rune boundaries so
// multi-byte text never becomes invalid UTF-8.
func summarize(text string) string {
	const max = 160
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
