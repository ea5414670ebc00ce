package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aura-voice/aura/internal/config"
	"github.com/aura-voice/aura/internal/observability"
	"github.com/aura-voice/aura/internal/protocol"
	"github.com/aura-voice/aura/internal/session"
	"github.com/aura-voice/aura/internal/stream"
)

// Websocket close codes used by the streaming endpoint.
const (
	closeAuthFailure   = 4401
	closeInternalError = websocket.CloseInternalServerErr
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any, probe stream.ReadinessProbe) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only same-origin browser connections, so other
				// sites cannot drive a user's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voices", s.handleListVoices)
	r.Get("/v1/stream", s.handleStreamWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

// handleStreamWS upgrades the connection and hands it to the
// orchestrator. The socket is pumped here: a writer goroutine drains the
// outbound channel, the read loop feeds parsed messages inbound.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		userID = "anonymous"
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// Token check happens post-upgrade so the client sees the dedicated
	// close code instead of an opaque handshake failure.
	if s.cfg.AuthToken != "" && token != s.cfg.AuthToken {
		s.metrics.SessionEvents.WithLabelValues("auth_failed").Inc()
		msg := websocket.FormatCloseMessage(closeAuthFailure, "invalid token")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	sess := s.sessions.Create(userID, s.cfg.DefaultVoice)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)

	var writerStarted atomic.Bool
	var runErr error
	runExited := make(chan struct{})
	go func() {
		runErr = s.orchestrator.RunConnection(ctx, sess, inbound, outbound, writerStarted.Load)
		close(runExited)
	}()

	// runErr is read only after runExited closes.
	var closeOnce sync.Once
	sendClose := func() {
		closeOnce.Do(func() {
			code := websocket.CloseNormalClosure
			if runErr != nil {
				code = closeInternalError
			}
			msg := websocket.FormatCloseMessage(code, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		})
	}

	// The orchestrator can finish first: session.end, fatal startup, a
	// dead upstream link. The watcher delivers the close frame right away
	// and unblocks the read loop instead of leaving the client to wait
	// out its read deadline.
	handlerDone := make(chan struct{})
	defer close(handlerDone)
	go func() {
		select {
		case <-runExited:
			sendClose()
			cancel()
			_ = conn.Close()
		case <-handlerDone:
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writerStarted.Store(true)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := protocol.TypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			select {
			case outbound <- protocol.ErrorMessage{Type: protocol.TypeError, Message: "invalid message: " + err.Error()}:
			default:
				// Writes stay single-threaded; drop when saturated.
			}
			continue
		}
		if t, ok := protocol.TypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case <-runExited:
			break readLoop
		case inbound <- parsed:
		}
	}

	close(inbound)
	<-runExited
	sendClose()

	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
