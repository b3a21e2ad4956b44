// Package fake provides a scripted speech-to-text provider for tests and the
// simulate command.
package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	// DefaultFramesPerWord is how many frames the fake "hears" per word.
	DefaultFramesPerWord = 10
	// DefaultTranscript is used when no utterances are provided
	DefaultTranscript = "This is a fake transcript from the fake STT provider."

	eventBuffer = 256
)

// Option configures a FakeSTT.
type Option func(*FakeSTT)

// WithFramesPerWord sets how many pushed frames reveal one more word.
func WithFramesPerWord(n int) Option {
	return func(f *FakeSTT) {
		if n > 0 {
			f.framesPerWord = n
		}
	}
}

// WithMaxFramesPerStream makes every stream expire with stt.ErrStreamExpired
// after n frames, like a recognizer with a duration cap.
func WithMaxFramesPerStream(n int) Option {
	return func(f *FakeSTT) { f.maxFrames = n }
}

// WithOpenErrors makes successive NewStream calls fail with errs, in order,
// before streams open normally.
func WithOpenErrors(errs ...error) Option {
	return func(f *FakeSTT) { f.openErrs = append(f.openErrs, errs...) }
}

// WithStreamError makes every opened stream fail with err on its first frame.
func WithStreamError(err error) Option {
	return func(f *FakeSTT) { f.streamErr = err }
}

// FakeSTT recognizes a script of utterances. Each utterance is revealed one
// word at a time as frames arrive and is finalized once every word has been
// heard. The script position is shared by all streams so a reconnecting
// caller that replays unacknowledged audio continues the same utterance.
type FakeSTT struct {
	mu            sync.Mutex
	utterances    [][]string
	cursor        int
	framesPerWord int
	maxFrames     int
	openErrs      []error
	streamErr     error
	opened        int
}

// NewFakeSTT creates a fake provider that recognizes utterances in order.
func NewFakeSTT(utterances []string, opts ...Option) *FakeSTT {
	if len(utterances) == 0 {
		utterances = []string{DefaultTranscript}
	}
	f := &FakeSTT{framesPerWord: DefaultFramesPerWord}
	for _, u := range utterances {
		f.utterances = append(f.utterances, strings.Fields(u))
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewStream creates a new fake STT stream.
func (f *FakeSTT) NewStream(ctx context.Context, cfg stt.StreamConfig) (stt.STTStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.opened++

	lang := cfg.Lang
	if lang == "" {
		lang = "en-US"
	}
	return &FakeSTTStream{
		provider: f,
		lang:     lang,
		events:   make(chan stt.SpeechEvent, eventBuffer),
		ctx:      ctx,
	}, nil
}

// Streams reports how many streams have been opened successfully.
func (f *FakeSTT) Streams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Capabilities returns the fake STT capabilities.
func (f *FakeSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{
		Streaming:          true,
		InterimResults:     true,
		SupportedLanguages: []string{"en-US", "en-GB", "es-ES"},
		SampleRates:        []int{16000, 24000, 48000},
	}
}

// FakeSTTStream is a fake STT stream implementation.
type FakeSTTStream struct {
	provider *FakeSTT
	lang     string
	events   chan stt.SpeechEvent
	ctx      context.Context

	mu        sync.Mutex
	frames    int // frames pushed into this stream
	heard     int // frames heard for the current utterance
	audio     time.Duration
	lastWords int
	closed    bool
}

// Push counts the frame and emits interim or final results as words become
// covered. Events are buffered so Push never waits for the consumer.
func (s *FakeSTTStream) Push(frame rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stt.ErrStreamClosed
	}
	if err := s.ctx.Err(); err != nil {
		return err
	}

	s.frames++
	s.audio += frame.Duration()
	if err := s.provider.streamErr; err != nil {
		s.fail(err)
		return nil
	}

	s.hear()

	if s.provider.maxFrames > 0 && s.frames >= s.provider.maxFrames {
		s.fail(stt.ErrStreamExpired)
	}
	return nil
}

func (s *FakeSTTStream) hear() {
	p := s.provider
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cursor >= len(p.utterances) {
		return
	}
	words := p.utterances[p.cursor]

	s.heard++
	covered := s.heard / p.framesPerWord
	if covered <= s.lastWords {
		return
	}
	s.lastWords = covered

	if covered >= len(words) {
		s.emit(stt.SpeechEvent{
			Type:       stt.SpeechEventFinal,
			Text:       strings.Join(words, " "),
			IsFinal:    true,
			Confidence: 0.9,
			AudioEnd:   s.audio,
		})
		p.cursor++
		s.heard = 0
		s.lastWords = 0
		return
	}

	s.emit(stt.SpeechEvent{
		Type:     stt.SpeechEventInterim,
		Text:     strings.Join(words[:covered], " "),
		AudioEnd: s.audio,
	})
}

// fail reports err and ends the stream. Caller holds s.mu.
func (s *FakeSTTStream) fail(err error) {
	s.emit(stt.SpeechEvent{Type: stt.SpeechEventError, Error: err})
	s.closed = true
	close(s.events)
}

func (s *FakeSTTStream) emit(ev stt.SpeechEvent) {
	ev.Language = s.lang
	ev.Timestamp = time.Now().UnixMilli()
	select {
	case s.events <- ev:
	default:
		// Consumer fell more than eventBuffer events behind; the fake drops
		// rather than block the pusher.
	}
}

// Events returns the events channel.
func (s *FakeSTTStream) Events() <-chan stt.SpeechEvent {
	return s.events
}

// CloseSend ends the stream. Words heard for an unfinished utterance are
// discarded; the next stream starts that utterance again.
func (s *FakeSTTStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
