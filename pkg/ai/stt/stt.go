// Package stt provides interfaces and types for speech-to-text providers.
// It defines streaming STT interfaces that convert audio frames to text transcripts
// with support for interim results, stream expiry, and error classification.
package stt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary STT failure that may succeed if retried.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent STT failure that will not succeed if retried.
	// Examples: invalid audio format, unsupported language, authentication failure.
	ErrFatal = ai.ErrFatal

	// ErrStreamExpired is reported when the recognizer ends a stream because it
	// reached its maximum duration. It is recoverable: open a new stream.
	ErrStreamExpired = fmt.Errorf("recognition stream expired: %w", ai.ErrRecoverable)

	// ErrStreamClosed is returned by Push after CloseSend.
	ErrStreamClosed = errors.New("recognition stream closed")
)

// StreamConfig contains configuration for STT streams.
type StreamConfig struct {
	SampleRate  int
	NumChannels int
	Encoding    string // "pcm_s16le" unless a provider says otherwise
	Lang        string
	MaxRetry    int
}

// SpeechEvent represents a speech recognition event containing transcription results or errors.
type SpeechEvent struct {
	Type       SpeechEventType // Type of event (interim, final, or error)
	Text       string          // Transcribed text (empty for error events)
	IsFinal    bool            // True if this is a final result that won't change
	Confidence float32         // 0 when the provider does not report one
	Language   string          // Detected or configured language code
	Timestamp  int64           // Event timestamp in milliseconds since epoch
	Error      error           // Error details (only set for error events)

	// AudioEnd is how far into the stream's audio the result reaches, measured
	// from the first frame pushed into the stream. Zero when unknown.
	AudioEnd time.Duration
}

// SpeechEventType represents the type of speech recognition event.
type SpeechEventType int

const (
	// SpeechEventInterim represents partial transcription results that may change
	SpeechEventInterim SpeechEventType = iota
	// SpeechEventFinal represents final transcription results that won't change
	SpeechEventFinal
	// SpeechEventError represents transcription errors
	SpeechEventError
)

func (t SpeechEventType) String() string {
	switch t {
	case SpeechEventInterim:
		return "interim"
	case SpeechEventFinal:
		return "final"
	case SpeechEventError:
		return "error"
	default:
		return fmt.Sprintf("SpeechEventType(%d)", int(t))
	}
}

// STTCapabilities describes the capabilities of an STT provider.
type STTCapabilities struct {
	Streaming          bool
	InterimResults     bool
	SupportedLanguages []string
	SampleRates        []int
}

// STT is the main interface for speech-to-text providers.
type STT interface {
	// NewStream creates a new streaming STT session.
	NewStream(ctx context.Context, cfg StreamConfig) (STTStream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() STTCapabilities
}

// STTStream represents an active STT streaming session.
//
// Events is closed by the provider when the stream ends for any reason. A
// stream that ends because of an error sends a SpeechEventError first.
type STTStream interface {
	// Push sends an audio frame for processing. It must not block on the
	// consumer of Events.
	Push(frame rtc.AudioFrame) error

	// Events returns a channel of speech recognition events.
	Events() <-chan SpeechEvent

	// CloseSend signals that no more audio will be sent and flushes any pending data.
	CloseSend() error
}
