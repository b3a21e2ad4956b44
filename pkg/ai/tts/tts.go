// Package tts defines the streaming text-to-speech provider contract.
package tts

import (
	"context"
	"sync"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

var (
	// ErrRecoverable indicates a temporary TTS failure that may succeed if retried.
	// Examples: service overload, temporary quota exceeded, network issues.
	ErrRecoverable = ai.ErrRecoverable

	// ErrFatal indicates a permanent TTS failure that will not succeed if retried.
	// Examples: invalid voice ID, unsupported text format, permanent quota exceeded.
	ErrFatal = ai.ErrFatal
)

// SynthesizeRequest contains parameters for text-to-speech synthesis.
type SynthesizeRequest struct {
	Text     string
	Voice    string
	Language string
	Speed    float32
}

// TTSCapabilities describes the capabilities of a TTS provider.
type TTSCapabilities struct {
	Streaming            bool
	SupportedLanguages   []string
	SupportedVoices      []string
	SampleRates          []int
	SupportsSpeedControl bool
}

// Stream is one synthesis in progress. Frames is closed when synthesis ends;
// Err then reports why (nil on natural completion). Close cancels production
// and may be called at any time, more than once.
type Stream interface {
	Frames() <-chan rtc.AudioFrame
	Err() error
	Close() error
}

// TTS is the main interface for text-to-speech providers.
type TTS interface {
	// Synthesize starts synthesizing req.Text. Audio is produced lazily in
	// playback order on the returned stream.
	Synthesize(ctx context.Context, req SynthesizeRequest) (Stream, error)

	// Capabilities returns the provider's capabilities.
	Capabilities() TTSCapabilities
}

// ChunkStream is the Stream implementation providers build on. The producer
// goroutine calls Send for each chunk and Finish exactly once.
type ChunkStream struct {
	frames chan rtc.AudioFrame
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	finished sync.Once
}

// NewChunkStream returns a stream and the context its producer must watch;
// that context is cancelled by Close or by the parent.
func NewChunkStream(parent context.Context, buffer int) (*ChunkStream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &ChunkStream{
		frames: make(chan rtc.AudioFrame, buffer),
		ctx:    ctx,
		cancel: cancel,
	}, ctx
}

// Send delivers a frame, returning false once the stream was closed.
func (s *ChunkStream) Send(frame rtc.AudioFrame) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.frames <- frame:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish records the producer's terminal error and closes Frames.
func (s *ChunkStream) Finish(err error) {
	s.finished.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.frames)
		s.cancel()
	})
}

func (s *ChunkStream) Frames() <-chan rtc.AudioFrame { return s.frames }

func (s *ChunkStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ChunkStream) Close() error {
	s.cancel()
	return nil
}
