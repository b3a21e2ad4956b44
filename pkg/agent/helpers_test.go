package agent

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const waitFor = 3 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingTransport captures everything a session sends to its client.
type recordingTransport struct {
	mu       sync.Mutex
	events   []Event
	frames   []rtc.AudioFrame
	audioErr error
}

func (r *recordingTransport) HandleEvent(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingTransport) SendAudio(_ context.Context, frame rtc.AudioFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.audioErr != nil {
		return r.audioErr
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recordingTransport) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recordingTransport) Frames() []rtc.AudioFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rtc.AudioFrame(nil), r.frames...)
}

func (r *recordingTransport) FrameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// ofType returns the recorded events of type typ, in order.
func (r *recordingTransport) ofType(typ EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// eventually polls cond until it holds or the test deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptedSTT emits a fixed list of events on the first frame of each stream.
type scriptedSTT struct {
	events []stt.SpeechEvent
}

func (p *scriptedSTT) NewStream(context.Context, stt.StreamConfig) (stt.STTStream, error) {
	return &scriptedStream{
		script: p.events,
		events: make(chan stt.SpeechEvent, len(p.events)+1),
	}, nil
}

func (p *scriptedSTT) Capabilities() stt.STTCapabilities {
	return stt.STTCapabilities{Streaming: true, InterimResults: true}
}

type scriptedStream struct {
	mu     sync.Mutex
	script []stt.SpeechEvent
	events chan stt.SpeechEvent
	pushed bool
	closed bool
}

func (s *scriptedStream) Push(rtc.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrStreamClosed
	}
	if !s.pushed {
		s.pushed = true
		for _, ev := range s.script {
			s.events <- ev
		}
	}
	return nil
}

func (s *scriptedStream) Events() <-chan stt.SpeechEvent { return s.events }

func (s *scriptedStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func pcmFrame() rtc.AudioFrame {
	return rtc.AudioFrame{Data: make([]byte, 320), SampleRate: 16000, NumChannels: 1}
}
