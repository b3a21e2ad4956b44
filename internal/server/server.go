// Package server exposes voice sessions over websockets, one session per
// connection, alongside health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/pkg/agent"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// ReadyMessage is sent to every client once its session is running.
const ReadyMessage = "Ready to receive audio (16kHz LINEAR16)."

const minReadLimit = 1 << 20

type Config struct {
	HTTP      config.HTTPConfig
	Providers agent.Providers
	Options   agent.Options
	Sinks     []agent.EventSink
	Metrics   *agent.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	// MetricsHandler is served at /metrics when set.
	MetricsHandler http.Handler
	// Checks contribute to /healthz; a false result marks the service degraded.
	Checks map[string]func() bool
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	started  time.Time

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*agent.Session
	conns    sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := agent.DefaultOptions()
	if cfg.Options.SampleRate == 0 {
		cfg.Options.SampleRate = d.SampleRate
	}
	if cfg.Options.NumChannels == 0 {
		cfg.Options.NumChannels = d.NumChannels
	}
	if cfg.Options.MaxFrameBytes == 0 {
		cfg.Options.MaxFrameBytes = d.MaxFrameBytes
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		started:  time.Now(),
		ctx:      context.Background(),
		sessions: make(map[string]*agent.Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler routes /ws, /healthz and, when configured, /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", s.cfg.MetricsHandler)
	}
	return mux
}

// Run serves on addr until ctx is done, then closes every session.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server", slog.Int("active_sessions", s.ActiveSessions()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.CloseAll()
	return err
}

// CloseAll ends every active session and waits for their connections.
func (s *Server) CloseAll() {
	s.mu.Lock()
	sessions := make([]*agent.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sess.CloseWithReason(agent.EndShutdown)
		}()
	}
	wg.Wait()
	s.conns.Wait()
}

// ActiveSessions reports how many sessions are running.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.HTTP.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.HTTP.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.conns.Add(1)
	defer s.conns.Done()

	// Oversized audio is refused by the session with an info message; only
	// messages far past any sane frame tear the socket down.
	ws.SetReadLimit(max(4*int64(s.cfg.Options.MaxFrameBytes), minReadLimit))
	c := newConn(ws,
		time.Duration(s.cfg.HTTP.PingIntervalMS)*time.Millisecond,
		time.Duration(s.cfg.HTTP.WriteTimeoutMS)*time.Millisecond,
		s.logger.With(slog.String("remote", r.RemoteAddr)))
	go func() { _ = c.writeLoop() }()

	sess, err := agent.NewSession(agent.Config{
		Providers: s.cfg.Providers,
		Transport: c,
		Sinks:     s.cfg.Sinks,
		Options:   s.cfg.Options,
		Logger:    s.logger,
		Metrics:   s.cfg.Metrics,
		Tracer:    s.cfg.Tracer,
	})
	if err != nil {
		s.logger.Error("Could not create session", slog.String("error", err.Error()))
		c.info("Session could not be created.")
		c.Close()
		return
	}

	s.mu.Lock()
	ctx := s.ctx
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
	}()

	logger := s.logger.With(slog.String("session_id", sess.ID()), slog.String("remote", r.RemoteAddr))
	logger.Info("WebSocket connected")

	if err := sess.Start(ctx); err != nil {
		logger.Error("Could not start session", slog.String("error", err.Error()))
		c.Close()
		return
	}
	c.info(ReadyMessage)

	// A session that ends on its own closes the socket, which ends readLoop.
	go func() {
		<-sess.Done()
		c.Close()
	}()

	reason := s.readLoop(ws, sess, c, logger)
	_ = sess.CloseWithReason(reason)
	c.Close()
	logger.Info("WebSocket closed", slog.String("reason", sess.EndReason()))
}

// readLoop feeds client messages into the session until the client leaves
// or asks to stop. It returns the reason the session should end with.
func (s *Server) readLoop(ws *websocket.Conn, sess *agent.Session, c *conn, logger *slog.Logger) string {
	opts := s.cfg.Options
	bytesPerSecond := opts.SampleRate * opts.NumChannels * 2
	var received int64
	warnedDegraded := false

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return agent.EndClientClosed
			}
			logger.Debug("WebSocket read ended", slog.String("error", err.Error()))
			return agent.EndTransportClosed
		}

		switch messageType {
		case websocket.BinaryMessage:
			ts := time.Duration(received) * time.Second / time.Duration(bytesPerSecond)
			frame, err := rtc.NewAudioFrame(data, opts.SampleRate, opts.NumChannels, ts)
			if err != nil {
				logger.Warn("Rejected audio frame", slog.String("error", err.Error()))
				c.info("Audio must be 16-bit PCM.")
				continue
			}
			received += int64(len(data))

			switch err := sess.SubmitAudio(*frame); {
			case err == nil:
			case errors.Is(err, agent.ErrSessionClosed):
				return agent.EndClientClosed
			case errors.Is(err, agent.ErrAudioUnavailable):
				if !warnedDegraded {
					warnedDegraded = true
					c.info(err.Error())
				}
			case errors.Is(err, agent.ErrFrameTooLarge):
				logger.Warn("Rejected audio frame", slog.String("error", err.Error()))
				c.info(fmt.Sprintf("Audio frames must be at most %d bytes.", opts.MaxFrameBytes))
			default:
				logger.Warn("Audio frame not accepted", slog.String("error", err.Error()))
			}

		case websocket.TextMessage:
			text := strings.TrimSpace(string(data))
			switch strings.ToLower(text) {
			case "stop", "close", "eos":
				logger.Info("Client requested close", slog.String("command", text))
				return agent.EndClientClosed
			}
			c.info("Server received text: " + text)
			if err := sess.SubmitText(text); errors.Is(err, agent.ErrSessionClosed) {
				return agent.EndClientClosed
			}
		}
	}
}

type healthResponse struct {
	Status         string          `json:"status"`
	ActiveSessions int             `json:"active_sessions"`
	UptimeSeconds  int64           `json:"uptime_seconds"`
	Checks         map[string]bool `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		ActiveSessions: s.ActiveSessions(),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
	}
	if len(s.cfg.Checks) > 0 {
		resp.Checks = make(map[string]bool, len(s.cfg.Checks))
		for name, check := range s.cfg.Checks {
			ok := check()
			resp.Checks[name] = ok
			if !ok {
				resp.Status = "degraded"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
