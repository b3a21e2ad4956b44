package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

// Egress writes synthesized audio to the transport one chunk at a time, in
// the order Send is called, stamping the outbound sequence number.
type Egress struct {
	transport Transport
	timeout   time.Duration

	mu   sync.Mutex
	seq  uint64
	sent uint64
	err  error
}

func newEgress(transport Transport, timeout time.Duration) *Egress {
	return &Egress{transport: transport, timeout: timeout}
}

// Send writes frame unless ctx is already cancelled. A transport failure is
// reported as ErrTransportClosed and every later Send fails the same way.
func (e *Egress) Send(ctx context.Context, frame rtc.AudioFrame) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSynthesisCancelled, err)
	}

	e.seq++
	frame.Seq = e.seq

	sendCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.transport.SendAudio(sendCtx, frame); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrSynthesisCancelled, ctx.Err())
		}
		e.err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
		return e.err
	}
	e.sent++
	return nil
}

// Sent reports how many chunks reached the transport.
func (e *Egress) Sent() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}
