package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// EventType names a session lifecycle event.
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventTranscriptInterim EventType = "transcript_interim"
	EventTranscriptFinal   EventType = "transcript_final"
	EventReply             EventType = "reply"
	EventTurnFailed        EventType = "turn_failed"
	EventSessionEnded      EventType = "session_ended"
	EventInfo              EventType = "info"
)

// Event is delivered to the transport and every configured sink.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	Text       string    `json:"text,omitempty"`
	IsFinal    bool      `json:"is_final,omitempty"`
	Confidence float32   `json:"confidence,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	Time       time.Time `json:"time"`
}

// EventSink consumes lifecycle events. Implementations must be safe for
// concurrent use; a returned error is logged and otherwise ignored.
type EventSink interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event) error

func (f EventSinkFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogSink writes every event to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (l LogSink) HandleEvent(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("type", string(ev.Type)),
		slog.String("session_id", ev.SessionID),
	}
	if ev.TurnID != "" {
		attrs = append(attrs, slog.String("turn_id", ev.TurnID))
	}
	if ev.Text != "" {
		attrs = append(attrs, slog.String("text", ev.Text))
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	level := slog.LevelInfo
	if ev.Type == EventTranscriptInterim {
		level = slog.LevelDebug
	}
	l.Logger.LogAttrs(ctx, level, "Session event", attrs...)
	return nil
}

// Transport is the client-facing side of a session.
type Transport interface {
	EventSink
	// SendAudio writes one synthesized chunk. An error means the client is
	// gone; the session ends.
	SendAudio(ctx context.Context, frame rtc.AudioFrame) error
}

// inboxMsg is the closed set of messages the controller goroutine handles.
type inboxMsg interface{ isInboxMsg() }

type transcriptInterim struct {
	text       string
	confidence float32
}

type transcriptFinal struct {
	text       string
	confidence float32
	typed      bool // arrived as text from the client, not from the recognizer
}

type recognitionFailed struct{ err error }

type turnProgress struct {
	turnID string
	status TurnStatus
	reply  string
}

type turnFinished struct {
	turnID string
	err    error
}

func (transcriptInterim) isInboxMsg() {}
func (transcriptFinal) isInboxMsg()   {}
func (recognitionFailed) isInboxMsg() {}
func (turnProgress) isInboxMsg()      {}
func (turnFinished) isInboxMsg()      {}
