package agent

import (
	"context"
	"errors"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Ingress errors.
var (
	ErrSessionClosed    = errors.New("session closed")
	ErrBackpressure     = errors.New("ingress queue full")
	ErrFrameTooLarge    = rtc.ErrFrameTooLarge
	ErrAudioUnavailable = errors.New("speech recognition unavailable, send text instead")
)

// Recognition errors. Transient recognizer failures are retried inside the
// bridge and never surface.
var ErrRecognitionFatal = errors.New("speech recognition failed")

// Generation errors.
var (
	ErrGenerationTimeout = errors.New("reply generation timed out")
	ErrGenerationService = errors.New("reply generation failed")
	ErrEmptyReply        = errors.New("reply generation returned no text")
)

// Synthesis errors.
var (
	ErrSynthesisService   = errors.New("speech synthesis failed")
	ErrSynthesisCancelled = errors.New("speech synthesis cancelled")
)

// Egress errors.
var ErrTransportClosed = errors.New("transport closed")

// Turn scheduling errors.
var (
	ErrQueueFull   = errors.New("too many turns waiting")
	ErrInterrupted = errors.New("turn interrupted by new speech")
)

// Reasons carried by turn_failed events.
const (
	ReasonGenerationTimeout  = "generation_timeout"
	ReasonGenerationError    = "generation_error"
	ReasonEmptyReply         = "empty_reply"
	ReasonSynthesisError     = "synthesis_error"
	ReasonSynthesisCancelled = "synthesis_cancelled"
	ReasonTransportClosed    = "transport_closed"
	ReasonQueueFull          = "queue_full"
	ReasonInterrupted        = "interrupted"
	ReasonSessionClosed      = "session_closed"
	ReasonInternal           = "internal_error"
)

// FailureReason maps a turn error to the reason reported to clients.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrGenerationTimeout):
		return ReasonGenerationTimeout
	case errors.Is(err, ErrEmptyReply):
		return ReasonEmptyReply
	case errors.Is(err, ErrGenerationService):
		return ReasonGenerationError
	case errors.Is(err, ErrTransportClosed):
		return ReasonTransportClosed
	case errors.Is(err, ErrSynthesisCancelled):
		return ReasonSynthesisCancelled
	case errors.Is(err, ErrSynthesisService):
		return ReasonSynthesisError
	case errors.Is(err, ErrQueueFull):
		return ReasonQueueFull
	case errors.Is(err, ErrInterrupted):
		return ReasonInterrupted
	case errors.Is(err, ErrSessionClosed), errors.Is(err, context.Canceled):
		return ReasonSessionClosed
	default:
		return ReasonInternal
	}
}
