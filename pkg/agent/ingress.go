package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Ingress admits inbound audio into a bounded queue read by the
// recognition bridge. Submit never waits on the recognizer.
type Ingress struct {
	queue    chan rtc.AudioFrame
	policy   BackpressurePolicy
	timeout  time.Duration
	maxBytes int
	logger   *slog.Logger
	metrics  *Metrics

	seq     atomic.Uint64
	dropped atomic.Uint64

	closing   chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	closed   bool
	disabled error
}

// NewIngress creates an ingress with the queue size and policy from opts.
func NewIngress(opts Options, logger *slog.Logger, metrics *Metrics) *Ingress {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Ingress{
		queue:    make(chan rtc.AudioFrame, opts.IngressQueueSize),
		policy:   opts.Backpressure,
		timeout:  opts.IngressTimeout,
		maxBytes: opts.MaxFrameBytes,
		logger:   logger,
		metrics:  metrics,
		closing:  make(chan struct{}),
	}
}

// Submit stamps the frame with the next inbound sequence number and queues
// it. Under DropOldest it never blocks; under Block it waits at most the
// ingress timeout.
func (in *Ingress) Submit(frame rtc.AudioFrame) error {
	in.mu.RLock()
	defer in.mu.RUnlock()

	if in.closed {
		return ErrSessionClosed
	}
	if in.disabled != nil {
		return in.disabled
	}
	if err := frame.CheckSize(in.maxBytes); err != nil {
		return err
	}
	frame.Seq = in.seq.Add(1)

	if in.policy == Block {
		return in.submitBlocking(frame)
	}

	for {
		select {
		case in.queue <- frame:
			return nil
		default:
		}

		select {
		case old := <-in.queue:
			n := in.dropped.Add(1)
			in.metrics.frameDropped(context.Background())
			in.logger.Warn("Ingress queue full, dropped oldest audio frame",
				slog.Uint64("seq", old.Seq),
				slog.Uint64("dropped_total", n))
		default:
		}
	}
}

func (in *Ingress) submitBlocking(frame rtc.AudioFrame) error {
	select {
	case in.queue <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(in.timeout)
	defer timer.Stop()

	select {
	case in.queue <- frame:
		return nil
	case <-in.closing:
		return ErrSessionClosed
	case <-timer.C:
		in.logger.Warn("Ingress queue full, rejecting audio frame",
			slog.Uint64("seq", frame.Seq),
			slog.Duration("waited", in.timeout))
		return ErrBackpressure
	}
}

// Frames is the queue the recognition bridge consumes.
func (in *Ingress) Frames() <-chan rtc.AudioFrame { return in.queue }

// Dropped reports how many frames the DropOldest policy discarded.
func (in *Ingress) Dropped() uint64 { return in.dropped.Load() }

// Disable rejects further audio with err. Queued frames are kept.
func (in *Ingress) Disable(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.disabled = err
}

// Close rejects further audio with ErrSessionClosed. Blocked submitters
// return immediately.
func (in *Ingress) Close() {
	in.closeOnce.Do(func() { close(in.closing) })

	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
}
