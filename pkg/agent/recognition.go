package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// streamDrainTimeout bounds how long the bridge waits for a stream that
// refused audio to report why it ended.
const streamDrainTimeout = 2 * time.Second

var errStreamEnded = ai.NewRecoverableError(nil, "recognition stream ended unexpectedly")

// RecognitionBridge owns the session's streaming recognition call. It runs
// on its own goroutine, feeding queued audio into the recognizer and handing
// transcripts to the controller in the order the recognizer produced them.
//
// Audio the recognizer has not yet covered with a final transcript is kept so
// that when the recognizer ends a stream (duration cap, transient failure) a replacement
// stream can be opened and primed without losing speech.
type RecognitionBridge struct {
	provider  stt.STT
	cfg       stt.StreamConfig
	frames    <-chan rtc.AudioFrame
	out       chan<- inboxMsg
	retry     ai.RetryConfig
	maxReplay int
	grace     time.Duration
	logger    *slog.Logger
	metrics   *Metrics

	mu      sync.RWMutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

func newRecognitionBridge(provider stt.STT, frames <-chan rtc.AudioFrame, out chan<- inboxMsg, opts Options, logger *slog.Logger, metrics *Metrics) *RecognitionBridge {
	return &RecognitionBridge{
		provider: provider,
		cfg: stt.StreamConfig{
			SampleRate:  opts.SampleRate,
			NumChannels: opts.NumChannels,
			Encoding:    opts.Encoding,
			Lang:        opts.Language,
			MaxRetry:    opts.RecognitionRetry.MaxRetries,
		},
		frames:    frames,
		out:       out,
		retry:     opts.RecognitionRetry,
		maxReplay: opts.MaxReplayFrames,
		grace:     opts.GracePeriod,
		logger:    logger,
		metrics:   metrics,
		done:      make(chan struct{}),
	}
}

// Start begins consuming audio. Transcripts are delivered until Stop is
// called, ctx ends, or recognition fails for good, in which case a single
// recognitionFailed message is the last thing delivered.
func (b *RecognitionBridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.cancel != nil {
		return
	}

	ctx, b.cancel = context.WithCancel(ctx)
	go b.run(ctx)
}

// Stop ends recognition and closes the provider stream. Once Stop returns no
// further messages are delivered. Safe to call more than once.
func (b *RecognitionBridge) Stop() {
	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	// Blocks until any in-flight delivery, which watches ctx, has returned.
	b.mu.Lock()
	already := b.stopped
	b.stopped = true
	b.mu.Unlock()

	if cancel == nil || already {
		return
	}

	select {
	case <-b.done:
	case <-time.After(b.grace):
		b.logger.Warn("Recognition bridge did not stop within grace period",
			slog.Duration("grace", b.grace))
	}
}

func (b *RecognitionBridge) deliver(ctx context.Context, msg inboxMsg) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return false
	}
	select {
	case b.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// pendingFrame is audio the recognizer has not yet acknowledged with a final.
// end is where the frame finishes within the current stream's audio, or -1
// when the frame has not been pushed into it.
type pendingFrame struct {
	frame rtc.AudioFrame
	end   time.Duration
}

// recognizer is the state of one bridge run. Only the run goroutine touches it.
type recognizer struct {
	stream      stt.STTStream
	events      <-chan stt.SpeechEvent
	replay      []pendingFrame
	offset      time.Duration // audio pushed into the current stream
	failures    int
	streamErr   error
	pushErr     error
	broken      bool
	drain       <-chan time.Time
	lastInterim string
}

func (r *recognizer) closeStream() {
	if r.stream != nil {
		r.stream.CloseSend()
	}
	r.stream, r.events, r.drain = nil, nil, nil
	r.broken = false
	r.streamErr, r.pushErr = nil, nil
}

func (b *RecognitionBridge) run(ctx context.Context) {
	defer close(b.done)

	r := &recognizer{}
	defer r.closeStream()

	if !b.open(ctx, r) {
		return
	}

	for {
		if !b.drainEvents(ctx, r) {
			return
		}

		select {
		case <-ctx.Done():
			return

		case frame := <-b.frames:
			b.remember(r, frame)
			if !r.broken {
				r.push(len(r.replay) - 1)
			}

		case ev, ok := <-r.events:
			if !b.handle(ctx, r, ev, ok) {
				return
			}

		case <-r.drain:
			cause := r.streamErr
			if cause == nil {
				cause = ai.NewRecoverableError(r.pushErr, "recognition stream refused audio")
			}
			if !b.reopen(ctx, r, cause) {
				return
			}
		}
	}
}

func (b *RecognitionBridge) drainEvents(ctx context.Context, r *recognizer) bool {
	for {
		select {
		case ev, ok := <-r.events:
			if !b.handle(ctx, r, ev, ok) {
				return false
			}
		default:
			return true
		}
	}
}

func (b *RecognitionBridge) remember(r *recognizer, frame rtc.AudioFrame) {
	r.replay = append(r.replay, pendingFrame{frame: frame, end: -1})
	if b.maxReplay > 0 && len(r.replay) > b.maxReplay {
		evicted := r.replay[0]
		r.replay = r.replay[1:]
		b.logger.Warn("Replay buffer full, oldest unacknowledged audio discarded",
			slog.Uint64("seq", evicted.frame.Seq),
			slog.Int("max_replay_frames", b.maxReplay))
	}
}

// push sends replay[i] into the current stream and records where it ends.
// A refused frame marks the stream broken and starts the drain timer.
func (r *recognizer) push(i int) bool {
	p := &r.replay[i]
	if err := r.stream.Push(p.frame); err != nil {
		r.broken = true
		r.pushErr = err
		r.drain = time.After(streamDrainTimeout)
		return false
	}
	r.offset += p.frame.Duration()
	p.end = r.offset
	return true
}

// acknowledge drops the frames a final transcript covered. Frames that end
// past audioEnd, or were never pushed into this stream, stay for replay.
// When the recognizer does not report audioEnd everything sent so far counts
// as covered.
func (r *recognizer) acknowledge(audioEnd time.Duration) {
	n := 0
	for n < len(r.replay) && r.replay[n].end >= 0 && (audioEnd <= 0 || r.replay[n].end <= audioEnd) {
		n++
	}
	kept := copy(r.replay, r.replay[n:])
	clear(r.replay[kept:])
	r.replay = r.replay[:kept]
}

// handle processes one event; ok is false when the stream's events closed.
func (b *RecognitionBridge) handle(ctx context.Context, r *recognizer, ev stt.SpeechEvent, ok bool) bool {
	if !ok {
		if ctx.Err() != nil {
			return false
		}
		cause := r.streamErr
		if cause == nil {
			cause = errStreamEnded
		}
		return b.reopen(ctx, r, cause)
	}

	switch {
	case ev.Type == stt.SpeechEventError:
		r.streamErr = ev.Error
		if r.streamErr == nil {
			r.streamErr = errStreamEnded
		}
		return true

	case ev.Type == stt.SpeechEventFinal || ev.IsFinal:
		r.failures = 0
		r.lastInterim = ""
		r.acknowledge(ev.AudioEnd)

		text := strings.TrimSpace(ev.Text)
		if text == "" {
			return true
		}
		return b.deliver(ctx, transcriptFinal{text: text, confidence: ev.Confidence})

	default:
		r.failures = 0
		text := strings.TrimSpace(ev.Text)
		if !extendsCoverage(text, r.lastInterim) {
			return true
		}
		r.lastInterim = text
		return b.deliver(ctx, transcriptInterim{text: text, confidence: ev.Confidence})
	}
}

// extendsCoverage reports whether an interim should be forwarded: it must be
// new and cover at least as many words as the previous one.
func extendsCoverage(next, prev string) bool {
	if next == "" || next == prev {
		return false
	}
	return len(strings.Fields(next)) >= len(strings.Fields(prev))
}

// reopen replaces a stream that ended because of cause. Expiry is routine and
// does not consume the retry budget.
func (b *RecognitionBridge) reopen(ctx context.Context, r *recognizer, cause error) bool {
	r.closeStream()

	expired := errors.Is(cause, stt.ErrStreamExpired)
	if expired {
		b.logger.Info("Recognition stream expired, reconnecting",
			slog.Int("replay_frames", len(r.replay)))
	} else {
		if ai.IsFatal(cause) {
			b.fail(ctx, cause)
			return false
		}
		r.failures++
		if r.failures > b.retry.MaxRetries {
			b.fail(ctx, fmt.Errorf("gave up after %d attempts: %w", r.failures, cause))
			return false
		}
		delay := ai.Backoff(b.retry, r.failures)
		b.logger.Warn("Recognition stream failed, reconnecting",
			slog.String("error", cause.Error()),
			slog.Int("attempt", r.failures),
			slog.Duration("delay", delay))
		if !sleepCtx(ctx, delay) {
			return false
		}
	}

	b.metrics.reconnected(ctx, expired)
	return b.open(ctx, r)
}

// open starts a stream, retrying open failures within the budget, and
// primes it with unacknowledged audio.
func (b *RecognitionBridge) open(ctx context.Context, r *recognizer) bool {
	for {
		stream, err := b.provider.NewStream(ctx, b.cfg)
		if err == nil {
			r.stream = stream
			r.events = stream.Events()
			break
		}
		if ctx.Err() != nil {
			return false
		}
		if ai.IsFatal(err) {
			b.fail(ctx, err)
			return false
		}
		r.failures++
		if r.failures > b.retry.MaxRetries {
			b.fail(ctx, fmt.Errorf("gave up opening stream after %d attempts: %w", r.failures, err))
			return false
		}
		delay := ai.Backoff(b.retry, r.failures)
		b.logger.Warn("Could not open recognition stream, retrying",
			slog.String("error", err.Error()),
			slog.Int("attempt", r.failures),
			slog.Duration("delay", delay))
		if !sleepCtx(ctx, delay) {
			return false
		}
	}

	r.offset = 0
	for i := range r.replay {
		r.replay[i].end = -1
	}
	for i := range r.replay {
		if !r.push(i) {
			break
		}
	}
	if len(r.replay) > 0 {
		b.logger.Debug("Replayed unacknowledged audio into new stream",
			slog.Int("frames", len(r.replay)))
	}
	return true
}

func (b *RecognitionBridge) fail(ctx context.Context, cause error) {
	err := fmt.Errorf("%w: %w", ErrRecognitionFatal, cause)
	b.logger.Error("Speech recognition failed", slog.String("error", err.Error()))
	b.deliver(ctx, recognitionFailed{err: err})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
