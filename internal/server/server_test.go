package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"

	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/pkg/agent"
	llmfake "github.com/chriscow/voice-session-go/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/voice-session-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/voice-session-go/pkg/ai/tts/fake"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const readTimeout = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeProviders() agent.Providers {
	return agent.Providers{
		STT: sttfake.NewFakeSTT([]string{"hello there"}, sttfake.WithFramesPerWord(1)),
		LLM: llmfake.NewFakeLLM("Hi, how can I help?"),
		TTS: ttsfake.NewFakeTTS(ttsfake.WithChunks(3)),
	}
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	if cfg.Providers.STT == nil {
		cfg.Providers = fakeProviders()
	}
	cfg.Logger = quietLogger()
	s := New(cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.CloseAll()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// client reads server messages in the background.
type client struct {
	ws     *websocket.Conn
	events chan agent.Event
	audio  chan []byte
	closed chan struct{}
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })

	c := &client{
		ws:     ws,
		events: make(chan agent.Event, 64),
		audio:  make(chan []byte, 64),
		closed: make(chan struct{}),
	}
	go func() {
		defer close(c.closed)
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				c.audio <- data
				continue
			}
			var ev agent.Event
			if err := json.Unmarshal(data, &ev); err == nil {
				c.events <- ev
			}
		}
	}()
	return c
}

// waitEvent returns the first event matching match, skipping others.
func (c *client) waitEvent(t *testing.T, match func(agent.Event) bool) agent.Event {
	t.Helper()
	timeout := time.After(readTimeout)
	for {
		select {
		case ev := <-c.events:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return agent.Event{}
		}
	}
}

func ofType(typ agent.EventType) func(agent.Event) bool {
	return func(ev agent.Event) bool { return ev.Type == typ }
}

func infoMessage(msg string) func(agent.Event) bool {
	return func(ev agent.Event) bool { return ev.Type == agent.EventInfo && ev.Message == msg }
}

func (c *client) send(t *testing.T, mt int, data []byte) {
	t.Helper()
	if err := c.ws.WriteMessage(mt, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWebSocket_VoiceTurn(t *testing.T) {
	is := is.New(t)
	_, url := startServer(t, Config{})
	c := dial(t, url)

	started := c.waitEvent(t, ofType(agent.EventSessionStarted))
	is.True(started.SessionID != "")
	c.waitEvent(t, infoMessage(ReadyMessage))

	for range 2 {
		c.send(t, websocket.BinaryMessage, make([]byte, 320))
	}

	final := c.waitEvent(t, ofType(agent.EventTranscriptFinal))
	is.Equal(final.Text, "hello there")
	reply := c.waitEvent(t, ofType(agent.EventReply))
	is.Equal(reply.Text, "Hi, how can I help?")
	is.Equal(reply.SessionID, started.SessionID)

	for i := range 3 {
		select {
		case chunk := <-c.audio:
			is.True(len(chunk) > 0)
		case <-time.After(readTimeout):
			t.Fatalf("timed out waiting for audio chunk %d", i)
		}
	}

	c.send(t, websocket.TextMessage, []byte("STOP"))
	ended := c.waitEvent(t, ofType(agent.EventSessionEnded))
	is.Equal(ended.Reason, agent.EndClientClosed)

	select {
	case <-c.closed:
	case <-time.After(readTimeout):
		t.Fatal("server did not close the connection")
	}
}

func TestWebSocket_TypedText(t *testing.T) {
	is := is.New(t)
	_, url := startServer(t, Config{})
	c := dial(t, url)
	c.waitEvent(t, infoMessage(ReadyMessage))

	c.send(t, websocket.TextMessage, []byte("what can you do"))
	c.waitEvent(t, infoMessage("Server received text: what can you do"))
	reply := c.waitEvent(t, ofType(agent.EventReply))
	is.Equal(reply.Text, "Hi, how can I help?")
}

func TestWebSocket_RejectsPartialSamples(t *testing.T) {
	_, url := startServer(t, Config{})
	c := dial(t, url)
	c.waitEvent(t, infoMessage(ReadyMessage))

	c.send(t, websocket.BinaryMessage, []byte{1, 2, 3})
	c.waitEvent(t, infoMessage("Audio must be 16-bit PCM."))
}

func TestWebSocket_OversizedFrameKeepsSession(t *testing.T) {
	is := is.New(t)
	_, url := startServer(t, Config{})
	c := dial(t, url)
	c.waitEvent(t, infoMessage(ReadyMessage))

	c.send(t, websocket.BinaryMessage, make([]byte, rtc.DefaultMaxFrameBytes+2))
	c.waitEvent(t, infoMessage(fmt.Sprintf("Audio frames must be at most %d bytes.", rtc.DefaultMaxFrameBytes)))

	c.send(t, websocket.TextMessage, []byte("still there?"))
	reply := c.waitEvent(t, ofType(agent.EventReply))
	is.Equal(reply.Text, "Hi, how can I help?")
}

func TestWebSocket_ClientDisconnectEndsSession(t *testing.T) {
	is := is.New(t)
	var ended = make(chan agent.Event, 1)
	sink := agent.EventSinkFunc(func(_ context.Context, ev agent.Event) error {
		if ev.Type == agent.EventSessionEnded {
			ended <- ev
		}
		return nil
	})
	s, url := startServer(t, Config{Sinks: []agent.EventSink{sink}})
	c := dial(t, url)
	c.waitEvent(t, infoMessage(ReadyMessage))
	is.Equal(s.ActiveSessions(), 1)

	c.ws.Close()

	select {
	case ev := <-ended:
		is.Equal(ev.Reason, agent.EndTransportClosed)
	case <-time.After(readTimeout):
		t.Fatal("session did not end after the client left")
	}

	deadline := time.Now().Add(readTimeout)
	for s.ActiveSessions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	is.Equal(s.ActiveSessions(), 0)
}

func TestWebSocket_CloseAllEndsSessions(t *testing.T) {
	is := is.New(t)
	s, url := startServer(t, Config{})
	c := dial(t, url)
	c.waitEvent(t, infoMessage(ReadyMessage))

	s.CloseAll()

	ended := c.waitEvent(t, ofType(agent.EventSessionEnded))
	is.Equal(ended.Reason, agent.EndShutdown)
	is.Equal(s.ActiveSessions(), 0)
}

func TestHealthz(t *testing.T) {
	is := is.New(t)
	healthy := true
	s := New(Config{
		Providers: fakeProviders(),
		Logger:    quietLogger(),
		Checks:    map[string]func() bool{"bus": func() bool { return healthy }},
	})

	get := func() (*httptest.ResponseRecorder, healthResponse) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		var resp healthResponse
		is.NoErr(json.Unmarshal(rec.Body.Bytes(), &resp))
		return rec, resp
	}

	rec, resp := get()
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(resp.Status, "ok")
	is.Equal(resp.ActiveSessions, 0)
	is.True(resp.Checks["bus"])

	healthy = false
	rec, resp = get()
	is.Equal(rec.Code, http.StatusServiceUnavailable)
	is.Equal(resp.Status, "degraded")
}

func TestMetricsRoute(t *testing.T) {
	is := is.New(t)

	s := New(Config{Logger: quietLogger()})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	is.Equal(rec.Code, http.StatusNotFound) // not mounted without a handler

	s = New(Config{
		Logger: quietLogger(),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, "voiced_sessions 0\n")
		}),
	})
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), "voiced_sessions"))
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allow list", nil, "https://evil.example", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"case insensitive", []string{"https://app.example"}, "https://APP.example", true},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{HTTP: config.HTTPConfig{AllowedOrigins: tt.allowed}, Logger: quietLogger()})
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
