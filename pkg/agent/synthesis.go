package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/tts"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// SynthesisBridge opens one synthesis stream per reply.
type SynthesisBridge struct {
	provider     tts.TTS
	voice        string
	language     string
	chunkTimeout time.Duration
	retry        ai.RetryConfig
	logger       *slog.Logger
	tracer       trace.Tracer
}

func newSynthesisBridge(provider tts.TTS, opts Options, logger *slog.Logger, tracer trace.Tracer) *SynthesisBridge {
	return &SynthesisBridge{
		provider:     provider,
		voice:        opts.Voice,
		language:     opts.Language,
		chunkTimeout: opts.SynthesisChunkTimeout,
		retry:        opts.SynthesisRetry,
		logger:       logger,
		tracer:       tracer,
	}
}

// Synthesis is one reply being synthesized. Frames yields chunks in playback
// order and closes when synthesis ends; Err then tells why.
type Synthesis struct {
	frames chan rtc.AudioFrame
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Synthesize starts synthesizing text. Opening the provider stream is retried
// once on a recoverable error, and each attempt gets the chunk timeout.
func (b *SynthesisBridge) Synthesize(ctx context.Context, text string) (*Synthesis, error) {
	req := tts.SynthesizeRequest{Text: text, Voice: b.voice, Language: b.language}

	var stream tts.Stream
	err := ai.Do(ctx, b.retry, b.logger, "synthesize", func(ctx context.Context) error {
		var err error
		stream, err = b.open(ctx, req)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrSynthesisCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w", ErrSynthesisService, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Synthesis{
		frames: make(chan rtc.AudioFrame),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump(ctx, stream, b.chunkTimeout, b.tracer, len(text))
	return s, nil
}

// open starts a provider stream, giving up after chunkTimeout. The stream
// keeps the context it was opened with, so that context lives until the
// stream is closed rather than ending when open returns.
func (b *SynthesisBridge) open(ctx context.Context, req tts.SynthesizeRequest) (tts.Stream, error) {
	if b.chunkTimeout <= 0 {
		return b.provider.Synthesize(ctx, req)
	}

	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(b.chunkTimeout, cancel)
	stream, err := b.provider.Synthesize(ctx, req)
	if !timer.Stop() {
		if err == nil {
			stream.Close()
		}
		cancel()
		return nil, ai.NewRecoverableError(err, fmt.Sprintf("synthesis stream not opened within %s", b.chunkTimeout))
	}
	if err != nil {
		cancel()
		return nil, err
	}
	return &openedStream{Stream: stream, cancel: cancel}, nil
}

type openedStream struct {
	tts.Stream
	cancel context.CancelFunc
}

func (s *openedStream) Close() error {
	err := s.Stream.Close()
	s.cancel()
	return err
}

// pump relays provider chunks. The relay channel is unbuffered, so once pump
// has exited no chunk is left waiting for a consumer.
func (s *Synthesis) pump(ctx context.Context, stream tts.Stream, idle time.Duration, tracer trace.Tracer, chars int) {
	_, span := tracer.Start(ctx, "agent.synthesize", trace.WithAttributes(attribute.Int("chars", chars)))
	chunks := 0
	defer func() {
		span.SetAttributes(attribute.Int("chunks", chunks))
		span.End()
	}()

	defer close(s.done)
	defer close(s.frames)
	defer stream.Close()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				if err := stream.Err(); err != nil {
					if ctx.Err() != nil {
						s.setErr(ErrSynthesisCancelled)
					} else {
						s.setErr(fmt.Errorf("%w: %w", ErrSynthesisService, err))
					}
				}
				return
			}
			select {
			case s.frames <- frame:
				chunks++
			case <-ctx.Done():
				s.setErr(ErrSynthesisCancelled)
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)

		case <-timer.C:
			s.setErr(fmt.Errorf("%w: no audio for %s", ErrSynthesisService, idle))
			return

		case <-ctx.Done():
			s.setErr(ErrSynthesisCancelled)
			return
		}
	}
}

func (s *Synthesis) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Frames yields synthesized chunks in order.
func (s *Synthesis) Frames() <-chan rtc.AudioFrame { return s.frames }

// Err reports why synthesis ended; nil after natural completion.
func (s *Synthesis) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops production and returns once it has been acknowledged: no
// chunk is delivered by Frames afterwards.
func (s *Synthesis) Cancel() {
	s.cancel()
	<-s.done
}
