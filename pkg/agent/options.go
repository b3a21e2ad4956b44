package agent

import (
	"fmt"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/llm"
	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/ai/tts"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// TurnPolicy decides what a final transcript does while a turn is in flight.
type TurnPolicy string

const (
	// PolicySerialize queues the utterance until the current turn ends.
	PolicySerialize TurnPolicy = "serialize"
	// PolicyBargeIn cancels the current turn and answers the new utterance.
	PolicyBargeIn TurnPolicy = "barge_in"
)

// BackpressurePolicy decides what ingress does when its queue is full.
type BackpressurePolicy string

const (
	// DropOldest discards the oldest queued frame, counting and logging it.
	DropOldest BackpressurePolicy = "drop_oldest"
	// Block waits up to IngressTimeout for room, then fails with ErrBackpressure.
	Block BackpressurePolicy = "block"
)

// DefaultApology is spoken or shown when a turn fails.
const DefaultApology = "Sorry, I didn't catch that. Could you please repeat?"

// Providers are built once per process and shared by every session.
type Providers struct {
	STT stt.STT
	LLM llm.LLM
	TTS tts.TTS
}

// Options tunes a session. Zero values take the defaults from DefaultOptions.
type Options struct {
	// Audio format of inbound frames.
	SampleRate  int
	NumChannels int
	Encoding    string
	Language    string

	MaxFrameBytes    int
	IngressQueueSize int
	Backpressure     BackpressurePolicy
	IngressTimeout   time.Duration

	RecognitionRetry ai.RetryConfig
	MaxReplayFrames  int

	SystemPrompt      string
	MaxTokens         int
	Temperature       float32
	GenerationTimeout time.Duration
	GenerationRetry   ai.RetryConfig

	Voice                 string
	SynthesisChunkTimeout time.Duration
	SynthesisRetry        ai.RetryConfig

	EgressTimeout time.Duration

	HistoryTurns   int
	MaxQueuedTurns int
	TurnPolicy     TurnPolicy
	SpeakApology   bool
	ApologyText    string

	GracePeriod time.Duration
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		SampleRate:       16000,
		NumChannels:      1,
		Encoding:         "pcm_s16le",
		Language:         "en-US",
		MaxFrameBytes:    rtc.DefaultMaxFrameBytes,
		IngressQueueSize: 100,
		Backpressure:     DropOldest,
		IngressTimeout:   250 * time.Millisecond,
		RecognitionRetry: ai.RetryConfig{
			MaxRetries:    3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			JitterPercent: 0.1,
		},
		MaxReplayFrames:   512,
		SystemPrompt:      "You are a friendly voice assistant. Keep replies short and conversational; they will be spoken aloud.",
		MaxTokens:         256,
		Temperature:       0.7,
		GenerationTimeout: 30 * time.Second,
		GenerationRetry: ai.RetryConfig{
			MaxRetries:    1,
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
			JitterPercent: 0.1,
		},
		SynthesisChunkTimeout: 10 * time.Second,
		SynthesisRetry: ai.RetryConfig{
			MaxRetries:    1,
			InitialDelay:  250 * time.Millisecond,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
		},
		EgressTimeout:  5 * time.Second,
		HistoryTurns:   20,
		MaxQueuedTurns: 4,
		TurnPolicy:     PolicySerialize,
		ApologyText:    DefaultApology,
		GracePeriod:    2 * time.Second,
	}
}

// withDefaults fills every zero field from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SampleRate == 0 {
		o.SampleRate = d.SampleRate
	}
	if o.NumChannels == 0 {
		o.NumChannels = d.NumChannels
	}
	if o.Encoding == "" {
		o.Encoding = d.Encoding
	}
	if o.Language == "" {
		o.Language = d.Language
	}
	if o.MaxFrameBytes == 0 {
		o.MaxFrameBytes = d.MaxFrameBytes
	}
	if o.IngressQueueSize == 0 {
		o.IngressQueueSize = d.IngressQueueSize
	}
	if o.Backpressure == "" {
		o.Backpressure = d.Backpressure
	}
	if o.IngressTimeout == 0 {
		o.IngressTimeout = d.IngressTimeout
	}
	if o.RecognitionRetry == (ai.RetryConfig{}) {
		o.RecognitionRetry = d.RecognitionRetry
	}
	if o.MaxReplayFrames == 0 {
		o.MaxReplayFrames = d.MaxReplayFrames
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = d.SystemPrompt
	}
	if o.MaxTokens == 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.GenerationTimeout == 0 {
		o.GenerationTimeout = d.GenerationTimeout
	}
	if o.GenerationRetry == (ai.RetryConfig{}) {
		o.GenerationRetry = d.GenerationRetry
	}
	if o.SynthesisChunkTimeout == 0 {
		o.SynthesisChunkTimeout = d.SynthesisChunkTimeout
	}
	if o.SynthesisRetry == (ai.RetryConfig{}) {
		o.SynthesisRetry = d.SynthesisRetry
	}
	if o.EgressTimeout == 0 {
		o.EgressTimeout = d.EgressTimeout
	}
	if o.HistoryTurns == 0 {
		o.HistoryTurns = d.HistoryTurns
	}
	if o.MaxQueuedTurns == 0 {
		o.MaxQueuedTurns = d.MaxQueuedTurns
	}
	if o.TurnPolicy == "" {
		o.TurnPolicy = d.TurnPolicy
	}
	if o.ApologyText == "" {
		o.ApologyText = d.ApologyText
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = d.GracePeriod
	}
	return o
}

// Validate reports the first invalid setting.
func (o Options) Validate() error {
	switch o.TurnPolicy {
	case PolicySerialize, PolicyBargeIn:
	default:
		return fmt.Errorf("unknown turn policy %q", o.TurnPolicy)
	}
	switch o.Backpressure {
	case DropOldest, Block:
	default:
		return fmt.Errorf("unknown backpressure policy %q", o.Backpressure)
	}
	if o.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive")
	}
	if o.IngressQueueSize < 1 {
		return fmt.Errorf("ingress queue size must be at least 1")
	}
	if o.MaxFrameBytes < 0 {
		return fmt.Errorf("max frame bytes must not be negative")
	}
	if o.HistoryTurns < 1 {
		return fmt.Errorf("history must keep at least one turn")
	}
	if o.MaxQueuedTurns < 0 {
		return fmt.Errorf("max queued turns must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"ingress timeout":         o.IngressTimeout,
		"generation timeout":      o.GenerationTimeout,
		"synthesis chunk timeout": o.SynthesisChunkTimeout,
		"egress timeout":          o.EgressTimeout,
		"grace period":            o.GracePeriod,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
