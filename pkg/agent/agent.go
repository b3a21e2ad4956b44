// Package agent implements the voice session orchestrator. A Session bridges
// a continuous inbound audio stream, a streaming speech recognizer, a
// request/response reply generator and a streaming speech synthesizer for one
// client connection, driving each conversational turn through
// Idle → AwaitingFinal → Generating → Synthesizing → StreamingAudio → Idle.
//
// Each direction runs on its own goroutine. The controller goroutine owns the
// state machine, the conversation history and the queue of waiting
// utterances; everything else reports to it over a single inbox channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const (
	tracerName = "github.com/chriscow/voice-session-go/pkg/agent"
	inboxSize  = 64
)

// State is the controller's position in the turn cycle.
type State int32

const (
	StateIdle State = iota
	StateAwaitingFinal
	StateGenerating
	StateSynthesizing
	StateStreamingAudio
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitingFinal:
		return "AwaitingFinal"
	case StateGenerating:
		return "Generating"
	case StateSynthesizing:
		return "Synthesizing"
	case StateStreamingAudio:
		return "StreamingAudio"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Reasons a session ends, reported in session_ended.
const (
	EndClientClosed    = "client_closed"
	EndTransportClosed = "transport_closed"
	EndContextDone     = "context_done"
	EndShutdown        = "shutdown"
)

// Config holds everything a Session needs.
type Config struct {
	ID        string // generated when empty
	Providers Providers
	Transport Transport
	Sinks     []EventSink
	Options   Options
	Logger    *slog.Logger
	Metrics   *Metrics
	Tracer    trace.Tracer
}

// Session is one conversation bound to one transport connection.
type Session struct {
	id        string
	opts      Options
	transport Transport
	sinks     []EventSink
	logger    *slog.Logger
	metrics   *Metrics

	ingress   *Ingress
	bridge    *RecognitionBridge
	generator *ReplyGenerator
	synth     *SynthesisBridge
	egress    *Egress
	history   *History

	inbox chan inboxMsg
	state atomic.Int32

	ctx       context.Context
	cancel    context.CancelFunc
	stopAfter func() bool

	// Owned by the controller goroutine.
	current  *activeTurn
	pending  []string
	degraded bool

	workers sync.WaitGroup
	emitMu  sync.Mutex

	lifecycleMu  sync.Mutex
	started      bool
	closing      atomic.Bool
	endOnce      sync.Once
	reasonMu     sync.Mutex
	endReason    string
	teardownOnce sync.Once
	done         chan struct{}
}

type activeTurn struct {
	turn        Turn
	cancel      context.CancelFunc
	interrupted bool
}

// NewSession wires a session from shared providers. Call Start to run it.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Providers.STT == nil {
		return nil, fmt.Errorf("STT provider is required")
	}
	if cfg.Providers.LLM == nil {
		return nil, fmt.Errorf("LLM provider is required")
	}
	if cfg.Providers.TTS == nil {
		return nil, fmt.Errorf("TTS provider is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	opts := cfg.Options.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("session_id", id))
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	s := &Session{
		id:        id,
		opts:      opts,
		transport: cfg.Transport,
		sinks:     cfg.Sinks,
		logger:    logger,
		metrics:   metrics,
		inbox:     make(chan inboxMsg, inboxSize),
		history:   NewHistory(opts.HistoryTurns),
		done:      make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.ingress = NewIngress(opts, logger, metrics)
	s.bridge = newRecognitionBridge(cfg.Providers.STT, s.ingress.Frames(), s.inbox, opts,
		logger.With(slog.String("component", "recognition")), metrics)
	s.generator = newReplyGenerator(cfg.Providers.LLM, opts, logger, metrics, tracer)
	s.synth = newSynthesisBridge(cfg.Providers.TTS, opts, logger, tracer)
	s.egress = newEgress(cfg.Transport, opts.EgressTimeout)

	s.state.Store(int32(StateIdle))
	return s, nil
}

// Start launches the session's goroutines. The session ends when ctx is
// done, Close is called, or the transport fails.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.closing.Load() {
		s.lifecycleMu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.lifecycleMu.Unlock()
		return fmt.Errorf("session %s already started", s.id)
	}
	s.started = true
	s.lifecycleMu.Unlock()

	s.stopAfter = context.AfterFunc(ctx, func() { s.terminate(EndContextDone) })
	s.metrics.sessionOpened(ctx)
	s.logger.Info("Session started",
		slog.Int("sample_rate", s.opts.SampleRate),
		slog.String("turn_policy", string(s.opts.TurnPolicy)),
		slog.String("backpressure", string(s.opts.Backpressure)))
	s.emit(Event{Type: EventSessionStarted})

	s.bridge.Start(s.ctx)
	go s.run()
	return nil
}

// SubmitAudio hands an inbound frame to the recognizer queue.
func (s *Session) SubmitAudio(frame rtc.AudioFrame) error {
	if s.closing.Load() {
		return ErrSessionClosed
	}
	return s.ingress.Submit(frame)
}

// SubmitText treats text as a final transcript typed by the user. It keeps a
// session usable when speech recognition is unavailable.
func (s *Session) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}
	select {
	case s.inbox <- transcriptFinal{text: text, typed: true}:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// Close ends the session and waits for teardown, which is bounded by the
// grace period.
func (s *Session) Close() error {
	return s.CloseWithReason(EndClientClosed)
}

// CloseWithReason is Close with the reason reported in session_ended.
func (s *Session) CloseWithReason(reason string) error {
	s.lifecycleMu.Lock()
	s.terminate(reason)
	started := s.started
	s.lifecycleMu.Unlock()

	if !started {
		s.teardown()
	}
	<-s.done
	return nil
}

// Done is closed once the session has fully ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the controller's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// History returns a copy of the archived turns, oldest first.
func (s *Session) History() []Turn { return s.history.Turns() }

// DroppedFrames reports inbound frames discarded by backpressure.
func (s *Session) DroppedFrames() uint64 { return s.ingress.Dropped() }

// EndReason reports why the session ended; empty while it is running.
func (s *Session) EndReason() string {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.endReason
}

func (s *Session) terminate(reason string) {
	s.endOnce.Do(func() {
		s.reasonMu.Lock()
		s.endReason = reason
		s.reasonMu.Unlock()
		s.closing.Store(true)
		s.cancel()
	})
}

func (s *Session) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.metrics.transition(context.Background(), prev, next)
		s.logger.Debug("State changed",
			slog.String("from", prev.String()),
			slog.String("to", next.String()))
	}
}

// run is the controller loop.
func (s *Session) run() {
	defer s.teardown()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.inbox:
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg inboxMsg) {
	switch m := msg.(type) {
	case transcriptInterim:
		s.emit(Event{Type: EventTranscriptInterim, Text: m.text, Confidence: m.confidence})

	case transcriptFinal:
		s.emit(Event{Type: EventTranscriptFinal, Text: m.text, IsFinal: true, Confidence: m.confidence})
		s.accept(m.text)

	case recognitionFailed:
		if s.degraded {
			return
		}
		s.degraded = true
		s.ingress.Disable(ErrAudioUnavailable)
		s.logger.Warn("Continuing in text-only mode", slog.String("error", m.err.Error()))
		s.emit(Event{Type: EventInfo, Reason: "recognition_unavailable",
			Message: "Speech recognition is unavailable. Send text messages to continue."})

	case turnProgress:
		s.progress(m)

	case turnFinished:
		s.finishTurn(m)

	default:
		s.logger.Error("Unhandled inbox message", slog.String("type", fmt.Sprintf("%T", msg)))
	}
}

// accept routes a final utterance according to the turn policy.
func (s *Session) accept(text string) {
	if s.current == nil {
		s.startTurn(text)
		return
	}

	if s.opts.TurnPolicy == PolicyBargeIn {
		if !s.current.interrupted {
			s.current.interrupted = true
			s.current.cancel()
			s.logger.Info("Barge-in, cancelling current turn",
				slog.String("turn_id", s.current.turn.ID))
		}
		for _, superseded := range s.pending {
			s.reject(superseded, ErrInterrupted)
		}
		s.pending = append(s.pending[:0], text)
		return
	}

	if len(s.pending) >= s.opts.MaxQueuedTurns {
		s.reject(text, ErrQueueFull)
		return
	}
	s.pending = append(s.pending, text)
	s.logger.Debug("Utterance queued behind current turn", slog.Int("pending", len(s.pending)))
}

func (s *Session) startTurn(input string) {
	turn := Turn{
		ID:        uuid.NewString(),
		Input:     input,
		Status:    TurnPendingGeneration,
		StartedAt: time.Now(),
	}
	s.setState(StateAwaitingFinal)

	ctx, cancel := context.WithCancel(s.ctx)
	s.current = &activeTurn{turn: turn, cancel: cancel}
	history := s.history.Turns()

	s.setState(StateGenerating)
	s.workers.Add(1)
	go s.runTurn(ctx, turn.ID, input, history)
}

// runTurn is the turn worker: generate, synthesize, stream. It never touches
// controller state; it reports over the inbox.
func (s *Session) runTurn(ctx context.Context, id, input string, history []Turn) {
	defer s.workers.Done()
	logger := s.logger.With(slog.String("turn_id", id))

	reply, err := s.generator.Generate(ctx, input, history)
	if err == nil {
		s.post(turnProgress{turnID: id, status: TurnPendingSynthesis, reply: reply})
		s.emit(Event{Type: EventReply, TurnID: id, Text: reply})
		err = s.speak(ctx, id, reply, true)
	}

	if err != nil && ctx.Err() == nil && s.opts.SpeakApology && !errors.Is(err, ErrTransportClosed) {
		if aerr := s.speak(ctx, id, s.opts.ApologyText, false); aerr != nil {
			logger.Warn("Could not speak apology", slog.String("error", aerr.Error()))
		}
	}

	s.post(turnFinished{turnID: id, err: err})
}

// speak streams text through synthesis to egress, chunk by chunk.
func (s *Session) speak(ctx context.Context, id, text string, report bool) error {
	syn, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	defer syn.Cancel()

	first := true
	for frame := range syn.Frames() {
		if first && report {
			s.post(turnProgress{turnID: id, status: TurnStreamingAudio})
		}
		first = false
		if err := s.egress.Send(ctx, frame); err != nil {
			return err
		}
	}
	return syn.Err()
}

func (s *Session) post(msg inboxMsg) {
	select {
	case s.inbox <- msg:
	case <-s.ctx.Done():
	}
}

func (s *Session) progress(m turnProgress) {
	if s.current == nil || s.current.turn.ID != m.turnID {
		return
	}
	t := &s.current.turn
	t.Status = m.status

	switch m.status {
	case TurnPendingSynthesis:
		t.Reply = m.reply
		s.setState(StateSynthesizing)
	case TurnStreamingAudio:
		s.setState(StateStreamingAudio)
		s.metrics.firstAudio(context.Background(), time.Since(t.StartedAt))
	}
}

func (s *Session) finishTurn(m turnFinished) {
	if s.current == nil || s.current.turn.ID != m.turnID {
		return
	}
	at := s.current
	s.current = nil
	at.cancel()

	err := m.err
	if err != nil && at.interrupted {
		err = ErrInterrupted
	}

	t := at.turn
	t.EndedAt = time.Now()
	if err == nil {
		t.Status = TurnComplete
	} else {
		t.Status = TurnFailed
		t.Reason = FailureReason(err)
	}
	s.archive(t)

	if err != nil {
		s.logger.Warn("Turn failed",
			slog.String("turn_id", t.ID),
			slog.String("reason", t.Reason),
			slog.String("error", err.Error()))
		ev := Event{Type: EventTurnFailed, TurnID: t.ID, Reason: t.Reason}
		if !errors.Is(err, ErrInterrupted) {
			ev.Message = s.opts.ApologyText
		}
		s.emit(ev)
	} else {
		s.logger.Info("Turn complete",
			slog.String("turn_id", t.ID),
			slog.Duration("elapsed", t.EndedAt.Sub(t.StartedAt)))
	}

	if errors.Is(err, ErrTransportClosed) {
		s.terminate(EndTransportClosed)
		return
	}

	s.setState(StateIdle)
	if len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.startTurn(next)
	}
}

// reject fails an utterance that never became the current turn. It was never
// answered, so it stays out of the history the turns are generated from.
func (s *Session) reject(input string, err error) {
	reason := FailureReason(err)
	s.metrics.turnFinished(context.Background(), TurnFailed, reason)
	s.logger.Warn("Utterance rejected",
		slog.String("reason", reason),
		slog.Int("input_chars", len(input)))

	ev := Event{Type: EventTurnFailed, TurnID: uuid.NewString(), Reason: reason}
	if !errors.Is(err, ErrInterrupted) {
		ev.Message = s.opts.ApologyText
	}
	s.emit(ev)
}

func (s *Session) archive(t Turn) {
	s.metrics.turnFinished(context.Background(), t.Status, t.Reason)
	if s.history.Append(t) {
		s.metrics.evicted(context.Background())
	}
}

// teardown releases everything once the controller has stopped. Waiting on
// in-flight work is bounded by the grace period.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.setState(StateClosing)
		s.ingress.Close()
		s.bridge.Stop()

		if s.current != nil {
			s.current.cancel()
		}
		if !waitTimeout(&s.workers, s.opts.GracePeriod) {
			s.logger.Warn("Turn worker still running after grace period",
				slog.Duration("grace", s.opts.GracePeriod))
		}
		if s.current != nil {
			t := s.current.turn
			t.Status = TurnFailed
			t.Reason = ReasonSessionClosed
			t.EndedAt = time.Now()
			s.archive(t)
			s.current = nil
		}
		if len(s.pending) > 0 {
			s.logger.Info("Discarding waiting utterances", slog.Int("count", len(s.pending)))
			s.pending = nil
		}
		if s.stopAfter != nil {
			s.stopAfter()
		}

		s.setState(StateClosed)
		reason := s.EndReason()
		s.emit(Event{Type: EventSessionEnded, Reason: reason})

		s.lifecycleMu.Lock()
		started := s.started
		s.lifecycleMu.Unlock()
		if started {
			s.metrics.sessionClosed(context.Background())
		}
		s.logger.Info("Session ended",
			slog.String("reason", reason),
			slog.Int("turns", s.history.Len()),
			slog.Uint64("dropped_frames", s.ingress.Dropped()))
		close(s.done)
	})
}

// emit delivers ev to the transport and every sink, in order.
func (s *Session) emit(ev Event) {
	if s.State() == StateClosed && ev.Type != EventSessionEnded {
		return
	}
	ev.SessionID = s.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.EgressTimeout)
	defer cancel()

	if err := s.transport.HandleEvent(ctx, ev); err != nil {
		s.logger.Debug("Could not deliver event to client",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()))
	}
	for _, sink := range s.sinks {
		if err := sink.HandleEvent(ctx, ev); err != nil {
			s.logger.Warn("Event sink failed",
				slog.String("type", string(ev.Type)),
				slog.String("error", err.Error()))
		}
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
