package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/llm"
	llmfake "github.com/chriscow/voice-session-go/pkg/ai/llm/fake"
	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	sttfake "github.com/chriscow/voice-session-go/pkg/ai/stt/fake"
	"github.com/chriscow/voice-session-go/pkg/ai/tts"
	ttsfake "github.com/chriscow/voice-session-go/pkg/ai/tts/fake"
)

type sessionSetup struct {
	stt  stt.STT
	llm  llm.LLM
	tts  tts.TTS
	opts Options
}

func startSession(t *testing.T, setup sessionSetup) (*Session, *recordingTransport) {
	t.Helper()

	if setup.stt == nil {
		setup.stt = sttfake.NewFakeSTT(nil)
	}
	if setup.llm == nil {
		setup.llm = llmfake.NewFakeLLM("ok")
	}
	if setup.tts == nil {
		setup.tts = ttsfake.NewFakeTTS(ttsfake.WithChunks(1))
	}
	if setup.opts.GracePeriod == 0 {
		setup.opts.GracePeriod = time.Second
	}

	tr := &recordingTransport{}
	s, err := NewSession(Config{
		Providers: Providers{STT: setup.stt, LLM: setup.llm, TTS: setup.tts},
		Transport: tr,
		Options:   setup.opts,
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tr
}

func waitTurns(t *testing.T, s *Session, n int) []Turn {
	t.Helper()
	eventually(t, fmt.Sprintf("%d archived turns", n), func() bool { return len(s.History()) >= n })
	return s.History()
}

func waitIdle(t *testing.T, s *Session) {
	t.Helper()
	eventually(t, "Idle state", func() bool { return s.State() == StateIdle })
}

func TestNewSession_Validation(t *testing.T) {
	providers := Providers{
		STT: sttfake.NewFakeSTT(nil),
		LLM: llmfake.NewFakeLLM(),
		TTS: ttsfake.NewFakeTTS(),
	}

	tests := []struct {
		name        string
		config      Config
		expectError bool
	}{
		{
			name:   "valid config",
			config: Config{Providers: providers, Transport: &recordingTransport{}},
		},
		{
			name:        "missing STT",
			config:      Config{Providers: Providers{LLM: providers.LLM, TTS: providers.TTS}, Transport: &recordingTransport{}},
			expectError: true,
		},
		{
			name:        "missing LLM",
			config:      Config{Providers: Providers{STT: providers.STT, TTS: providers.TTS}, Transport: &recordingTransport{}},
			expectError: true,
		},
		{
			name:        "missing TTS",
			config:      Config{Providers: Providers{STT: providers.STT, LLM: providers.LLM}, Transport: &recordingTransport{}},
			expectError: true,
		},
		{
			name:        "missing transport",
			config:      Config{Providers: providers},
			expectError: true,
		},
		{
			name:        "unknown turn policy",
			config:      Config{Providers: providers, Transport: &recordingTransport{}, Options: Options{TurnPolicy: "shout"}},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSession(tt.config)
			if tt.expectError {
				if err == nil {
					t.Error("NewSession() should have returned an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewSession() unexpected error: %v", err)
			}
			if s.State() != StateIdle {
				t.Errorf("initial state = %v, want Idle", s.State())
			}
			if s.ID() == "" {
				t.Error("session id should be generated")
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "Idle"},
		{StateAwaitingFinal, "AwaitingFinal"},
		{StateGenerating, "Generating"},
		{StateSynthesizing, "Synthesizing"},
		{StateStreamingAudio, "StreamingAudio"},
		{StateClosing, "Closing"},
		{StateClosed, "Closed"},
		{State(42), "Unknown(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestSession_HappyPath(t *testing.T) {
	is := is.New(t)

	recognizer := &scriptedSTT{events: []stt.SpeechEvent{
		{Type: stt.SpeechEventInterim, Text: "hel"},
		{Type: stt.SpeechEventInterim, Text: "hello there"},
		{Type: stt.SpeechEventFinal, Text: "hello there", IsFinal: true},
	}}
	s, tr := startSession(t, sessionSetup{
		stt: recognizer,
		llm: llmfake.NewFakeLLM("Hi, how can I help?"),
		tts: ttsfake.NewFakeTTS(ttsfake.WithChunks(3)),
	})

	is.NoErr(s.SubmitAudio(pcmFrame()))

	turns := waitTurns(t, s, 1)
	is.Equal(len(turns), 1)
	is.Equal(turns[0].Input, "hello there")
	is.Equal(turns[0].Reply, "Hi, how can I help?")
	is.Equal(turns[0].Status, TurnComplete)
	waitIdle(t, s)

	frames := tr.Frames()
	is.Equal(len(frames), 3) // exactly the synthesized chunks
	for i, f := range frames {
		is.Equal(f.Seq, uint64(i+1))
		is.Equal(f.Timestamp, time.Duration(i)*100*time.Millisecond) // synthesis order
	}

	var got []string
	for _, ev := range tr.Events() {
		is.Equal(ev.SessionID, s.ID())
		got = append(got, fmt.Sprintf("%s:%s", ev.Type, ev.Text))
	}
	is.Equal(got, []string{
		"session_started:",
		"transcript_interim:hel",
		"transcript_interim:hello there",
		"transcript_final:hello there",
		"reply:Hi, how can I help?",
	})
}

func TestSession_GenerationTimeout(t *testing.T) {
	is := is.New(t)

	provider := llmfake.NewScriptedLLM(
		llmfake.Step{Reply: "too late", Delay: time.Hour},
		llmfake.Step{Reply: "Here now."},
	)
	s, tr := startSession(t, sessionSetup{
		llm:  provider,
		opts: Options{GenerationTimeout: 30 * time.Millisecond},
	})

	is.NoErr(s.SubmitText("are you there"))

	turns := waitTurns(t, s, 1)
	is.Equal(turns[0].Status, TurnFailed)
	is.Equal(turns[0].Reason, ReasonGenerationTimeout)
	waitIdle(t, s)

	failed := tr.ofType(EventTurnFailed)
	is.Equal(len(failed), 1)
	is.Equal(failed[0].Reason, ReasonGenerationTimeout)
	is.Equal(failed[0].Message, DefaultApology) // user is told, not left in silence

	is.NoErr(s.SubmitText("hello again"))
	turns = waitTurns(t, s, 2)
	is.Equal(turns[1].Status, TurnComplete)
	is.Equal(turns[1].Reply, "Here now.")
}

func TestSession_SerializesConcurrentFinals(t *testing.T) {
	is := is.New(t)

	provider := llmfake.NewScriptedLLM(llmfake.Step{Reply: "ok", Delay: 10 * time.Millisecond})
	s, _ := startSession(t, sessionSetup{llm: provider})

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			is.NoErr(s.SubmitText(fmt.Sprintf("utterance %d", i)))
		}(i)
	}
	wg.Wait()

	turns := waitTurns(t, s, n)
	is.Equal(provider.MaxInFlight(), 1) // never two turns generating at once

	// Turns complete in the order their finals were dispatched.
	reqs := provider.Requests()
	is.Equal(len(reqs), n)
	for i, turn := range turns {
		is.Equal(turn.Status, TurnComplete)
		msgs := reqs[i].Messages
		is.Equal(msgs[len(msgs)-1].Content, turn.Input)
	}
}

func TestSession_QueueFull(t *testing.T) {
	is := is.New(t)

	provider := llmfake.NewScriptedLLM(llmfake.Step{Reply: "ok", Delay: 50 * time.Millisecond})
	s, tr := startSession(t, sessionSetup{llm: provider, opts: Options{MaxQueuedTurns: 1}})

	is.NoErr(s.SubmitText("first"))
	is.NoErr(s.SubmitText("second"))
	is.NoErr(s.SubmitText("third"))

	waitTurns(t, s, 2)
	waitIdle(t, s)
	turns := s.History()
	is.Equal(len(turns), 2) // the dropped utterance was never a turn
	is.Equal(turns[0].Input, "first")
	is.Equal(turns[1].Input, "second")

	failed := tr.ofType(EventTurnFailed)
	is.Equal(len(failed), 1)
	is.Equal(failed[0].Reason, ReasonQueueFull)

	// The dropped utterance never reaches the model as conversation context.
	for _, req := range provider.Requests() {
		for _, msg := range req.Messages {
			is.True(msg.Content != "third")
		}
	}
}

func TestSession_CloseMidSynthesis(t *testing.T) {
	is := is.New(t)

	provider := ttsfake.NewFakeTTS(ttsfake.WithChunks(1000), ttsfake.WithChunkDelay(2*time.Millisecond))
	s, tr := startSession(t, sessionSetup{tts: provider})

	is.NoErr(s.SubmitText("tell me a long story"))
	eventually(t, "audio streaming", func() bool {
		return tr.FrameCount() >= 3 && s.State() == StateStreamingAudio
	})

	start := time.Now()
	is.NoErr(s.Close())
	is.True(time.Since(start) < time.Second) // within the grace period

	sent := tr.FrameCount()
	time.Sleep(30 * time.Millisecond)
	is.Equal(tr.FrameCount(), sent) // no egress after close
	is.True(sent < 1000)

	is.Equal(s.State(), StateClosed)
	is.Equal(s.EndReason(), EndClientClosed)

	ended := tr.ofType(EventSessionEnded)
	is.Equal(len(ended), 1)
	is.Equal(ended[0].Reason, EndClientClosed)

	turns := s.History()
	is.Equal(turns[len(turns)-1].Reason, ReasonSessionClosed)

	is.True(errors.Is(s.SubmitAudio(pcmFrame()), ErrSessionClosed))
	is.True(errors.Is(s.SubmitText("hello?"), ErrSessionClosed))
}

func TestSession_BargeIn(t *testing.T) {
	is := is.New(t)

	provider := ttsfake.NewFakeTTS(ttsfake.WithChunks(20), ttsfake.WithChunkDelay(5*time.Millisecond))
	s, tr := startSession(t, sessionSetup{
		llm:  llmfake.NewFakeLLM("first reply", "second reply"),
		tts:  provider,
		opts: Options{TurnPolicy: PolicyBargeIn},
	})

	is.NoErr(s.SubmitText("first"))
	eventually(t, "first reply audio", func() bool { return tr.FrameCount() >= 1 })
	is.NoErr(s.SubmitText("actually, wait"))

	turns := waitTurns(t, s, 2)
	is.Equal(turns[0].Input, "first")
	is.Equal(turns[0].Status, TurnFailed)
	is.Equal(turns[0].Reason, ReasonInterrupted)
	is.Equal(turns[1].Input, "actually, wait")
	is.Equal(turns[1].Status, TurnComplete)
	is.Equal(turns[1].Reply, "second reply")

	failed := tr.ofType(EventTurnFailed)
	is.Equal(len(failed), 1)
	is.Equal(failed[0].Message, "") // interruptions are not apologised for
	is.True(tr.FrameCount() < 40)  // the first reply was cut short
}

func TestSession_TransportClosedEndsSession(t *testing.T) {
	is := is.New(t)

	s, tr := startSession(t, sessionSetup{})
	tr.mu.Lock()
	tr.audioErr = errors.New("connection reset by peer")
	tr.mu.Unlock()

	is.NoErr(s.SubmitText("hello"))

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end after transport failure")
	}
	is.Equal(s.EndReason(), EndTransportClosed)

	turns := s.History()
	is.Equal(len(turns), 1)
	is.Equal(turns[0].Reason, ReasonTransportClosed)
}

func TestSession_FailedTurnSpeaksApology(t *testing.T) {
	is := is.New(t)

	provider := ttsfake.NewFakeTTS(ttsfake.WithChunks(1))
	s, tr := startSession(t, sessionSetup{
		llm:  llmfake.NewScriptedLLM(llmfake.Step{Err: ai.NewFatalError(errors.New("quota"), "billing")}),
		tts:  provider,
		opts: Options{SpeakApology: true},
	})

	is.NoErr(s.SubmitText("hello"))

	turns := waitTurns(t, s, 1)
	is.Equal(turns[0].Reason, ReasonGenerationError)
	is.Equal(provider.Texts(), []string{DefaultApology}) // apology went through synthesis
	is.Equal(tr.FrameCount(), 1)
}

func TestSession_RecognizerDurationCap(t *testing.T) {
	is := is.New(t)

	recognizer := sttfake.NewFakeSTT(
		[]string{"hello there", "how are you"},
		sttfake.WithFramesPerWord(2),
		sttfake.WithMaxFramesPerStream(8),
	)
	s, tr := startSession(t, sessionSetup{stt: recognizer})

	for i := 0; i < 10; i++ {
		is.NoErr(s.SubmitAudio(pcmFrame()))
	}

	eventually(t, "two final transcripts", func() bool { return len(tr.ofType(EventTranscriptFinal)) == 2 })
	finals := tr.ofType(EventTranscriptFinal)
	is.Equal(finals[0].Text, "hello there")
	is.Equal(finals[1].Text, "how are you") // nothing lost across the reconnect
	is.Equal(recognizer.Streams(), 2)
}

func TestSession_DegradedTextOnlyMode(t *testing.T) {
	is := is.New(t)

	recognizer := sttfake.NewFakeSTT(nil, sttfake.WithOpenErrors(ai.NewFatalError(errors.New("401"), "auth")))
	s, tr := startSession(t, sessionSetup{stt: recognizer, llm: llmfake.NewFakeLLM("typed reply")})

	eventually(t, "recognition unavailable notice", func() bool {
		for _, ev := range tr.ofType(EventInfo) {
			if ev.Reason == "recognition_unavailable" {
				return true
			}
		}
		return false
	})
	is.True(errors.Is(s.SubmitAudio(pcmFrame()), ErrAudioUnavailable))

	is.NoErr(s.SubmitText("can you hear me"))
	turns := waitTurns(t, s, 1)
	is.Equal(turns[0].Reply, "typed reply") // session keeps working on text
}

func TestSession_ContextCancelEndsSession(t *testing.T) {
	is := is.New(t)

	tr := &recordingTransport{}
	s, err := NewSession(Config{
		Providers: Providers{STT: sttfake.NewFakeSTT(nil), LLM: llmfake.NewFakeLLM(), TTS: ttsfake.NewFakeTTS()},
		Transport: tr,
		Logger:    quietLogger(),
	})
	is.NoErr(err)

	ctx, cancel := context.WithCancel(context.Background())
	is.NoErr(s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session did not end when its context was cancelled")
	}
	is.Equal(s.EndReason(), EndContextDone)
	is.NoErr(s.Close()) // closing an ended session is a no-op
}

func TestSession_CloseBeforeStart(t *testing.T) {
	is := is.New(t)

	tr := &recordingTransport{}
	s, err := NewSession(Config{
		Providers: Providers{STT: sttfake.NewFakeSTT(nil), LLM: llmfake.NewFakeLLM(), TTS: ttsfake.NewFakeTTS()},
		Transport: tr,
		Logger:    quietLogger(),
	})
	is.NoErr(err)

	is.NoErr(s.Close())
	is.Equal(s.State(), StateClosed)
	is.True(errors.Is(s.Start(context.Background()), ErrSessionClosed))
}
