package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chriscow/voice-session-go/internal/config"
	"github.com/chriscow/voice-session-go/pkg/agent"
	"github.com/chriscow/voice-session-go/pkg/audio/wav"
	"github.com/chriscow/voice-session-go/pkg/plugin"
	"github.com/chriscow/voice-session-go/pkg/rtc"
)

const simFrameDuration = 20 * time.Millisecond

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one session in-process and print its events",
	Long: `simulate feeds a WAV file (or generated silence, for the fake recognizer)
into a session built from the configured providers and prints every event.
Synthesized replies can be saved with --out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		var sim simulation
		sim.In, _ = cmd.Flags().GetString("in")
		sim.Out, _ = cmd.Flags().GetString("out")
		sim.Utterances, _ = cmd.Flags().GetStringArray("utterance")
		sim.Texts, _ = cmd.Flags().GetStringArray("text")
		sim.Frames, _ = cmd.Flags().GetInt("frames")
		sim.Pace, _ = cmd.Flags().GetDuration("pace")
		sim.Settle, _ = cmd.Flags().GetDuration("settle")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		if realtime, _ := cmd.Flags().GetBool("realtime"); realtime {
			sim.Pace = simFrameDuration
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		res, err := runSimulate(ctx, cfg, sim, cmd.OutOrStdout(), logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "turns: %d (complete %d, failed %d), audio chunks: %d, dropped frames: %d\n",
			len(res.Turns), res.count(agent.TurnComplete), res.count(agent.TurnFailed), res.Chunks, res.Dropped)
		return nil
	},
}

type simulation struct {
	In         string
	Out        string
	Utterances []string // script for the fake recognizer
	Texts      []string // typed after the audio
	Frames     int      // silence frames when In is empty
	Pace       time.Duration
	Settle     time.Duration
}

type simResult struct {
	Turns   []agent.Turn
	Chunks  int
	Dropped uint64
}

func (r simResult) count(status agent.TurnStatus) int {
	n := 0
	for _, t := range r.Turns {
		if t.Status == status {
			n++
		}
	}
	return n
}

func runSimulate(ctx context.Context, cfg config.Config, sim simulation, w io.Writer, logger *slog.Logger) (simResult, error) {
	if len(sim.Utterances) > 0 && cfg.STT.Provider == "fake" {
		opts := maps.Clone(cfg.STT.Options)
		if opts == nil {
			opts = map[string]any{}
		}
		opts["utterances"] = sim.Utterances
		cfg.STT.Options = opts
	}

	providers, err := plugin.Default().Build(cfg.STT.Selection(), cfg.LLM.Selection(), cfg.TTS.Selection())
	if err != nil {
		return simResult{}, fmt.Errorf("providers: %w", err)
	}

	opts := cfg.SessionOptions()
	frames, err := simInput(sim, &opts)
	if err != nil {
		return simResult{}, err
	}

	transport := &simTransport{w: w, out: sim.Out}
	transport.touch()
	defer transport.Close()

	session, err := agent.NewSession(agent.Config{
		Providers: providers,
		Transport: transport,
		Options:   opts,
		Logger:    logger,
	})
	if err != nil {
		return simResult{}, err
	}
	if err := session.Start(ctx); err != nil {
		return simResult{}, err
	}

	feed(ctx, session, frames, sim, logger)
	waitSettled(ctx, session, transport, sim.Settle)
	_ = session.Close()

	if err := transport.Close(); err != nil {
		return simResult{}, fmt.Errorf("write %s: %w", sim.Out, err)
	}
	return simResult{
		Turns:   session.History(),
		Chunks:  transport.Chunks(),
		Dropped: session.DroppedFrames(),
	}, nil
}

// simInput loads the WAV input, adopting its format, or generates silence.
func simInput(sim simulation, opts *agent.Options) ([]rtc.AudioFrame, error) {
	if sim.In != "" {
		r, err := wav.Open(sim.In)
		if err != nil {
			return nil, err
		}
		defer r.Close()

		hdr := r.Header()
		opts.SampleRate = int(hdr.SampleRate)
		opts.NumChannels = int(hdr.NumChannels)
		return r.ReadChunks(simFrameDuration)
	}

	size := opts.SampleRate * opts.NumChannels * 2 * int(simFrameDuration/time.Millisecond) / 1000
	frames := make([]rtc.AudioFrame, sim.Frames)
	for i := range frames {
		frames[i] = rtc.AudioFrame{
			Data:        make([]byte, size),
			SampleRate:  opts.SampleRate,
			NumChannels: opts.NumChannels,
			Timestamp:   time.Duration(i) * simFrameDuration,
		}
	}
	return frames, nil
}

func feed(ctx context.Context, session *agent.Session, frames []rtc.AudioFrame, sim simulation, logger *slog.Logger) {
	for _, frame := range frames {
		err := session.SubmitAudio(frame)
		if errors.Is(err, agent.ErrAudioUnavailable) || errors.Is(err, agent.ErrSessionClosed) {
			logger.Warn("Audio input stopped", slog.String("error", err.Error()))
			break
		}
		if err != nil {
			logger.Debug("Frame not accepted", slog.String("error", err.Error()))
		}
		if sim.Pace > 0 {
			select {
			case <-time.After(sim.Pace):
			case <-ctx.Done():
				return
			}
		}
	}
	for _, text := range sim.Texts {
		if err := session.SubmitText(text); err != nil {
			logger.Warn("Text not accepted", slog.String("error", err.Error()))
			return
		}
	}
}

// waitSettled returns once the session is idle and quiet for settle, or ctx
// is done.
func waitSettled(ctx context.Context, session *agent.Session, t *simTransport, settle time.Duration) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case <-ticker.C:
			if session.State() == agent.StateIdle && t.idleFor() >= settle {
				return
			}
		}
	}
}

// simTransport prints events and optionally records synthesized audio.
type simTransport struct {
	w   io.Writer
	out string

	mu       sync.Mutex
	writer   *wav.Writer
	chunks   int
	lastSeen time.Time
	err      error
	closed   bool
}

func (t *simTransport) touch() {
	t.mu.Lock()
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

func (t *simTransport) idleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastSeen)
}

func (t *simTransport) HandleEvent(_ context.Context, ev agent.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = time.Now()

	line := fmt.Sprintf("%-18s", ev.Type)
	if ev.TurnID != "" {
		line += " turn=" + ev.TurnID
	}
	if ev.Text != "" {
		line += fmt.Sprintf(" text=%q", ev.Text)
	}
	if ev.Reason != "" {
		line += " reason=" + ev.Reason
	}
	if ev.Message != "" {
		line += fmt.Sprintf(" message=%q", ev.Message)
	}
	_, err := fmt.Fprintln(t.w, line)
	return err
}

func (t *simTransport) SendAudio(_ context.Context, frame rtc.AudioFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSeen = time.Now()
	t.chunks++

	if t.out == "" || t.err != nil || t.closed {
		return nil
	}
	if t.writer == nil {
		t.writer, t.err = wav.Create(t.out, frame.SampleRate, frame.NumChannels)
		if t.err != nil {
			return nil
		}
	}
	t.err = t.writer.WriteFrame(frame)
	return nil
}

func (t *simTransport) Chunks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chunks
}

// Close finishes the output file and reports the first write error.
func (t *simTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.err
	}
	t.closed = true
	if t.writer != nil {
		if err := t.writer.Close(); t.err == nil {
			t.err = err
		}
	}
	return t.err
}

func init() {
	simulateCmd.Flags().String("in", "", "WAV file to stream as microphone input")
	simulateCmd.Flags().String("out", "", "Write synthesized audio to this WAV file")
	simulateCmd.Flags().StringArray("utterance", nil, "Script for the fake recognizer (repeatable)")
	simulateCmd.Flags().StringArray("text", nil, "Typed utterance sent after the audio (repeatable)")
	simulateCmd.Flags().Int("frames", 100, "Silence frames of 20ms to send when --in is not set")
	simulateCmd.Flags().Duration("pace", 5*time.Millisecond, "Delay between frames")
	simulateCmd.Flags().Bool("realtime", false, "Send frames at real-time pace")
	simulateCmd.Flags().Duration("settle", 750*time.Millisecond, "Quiet time after which the session is considered done")
	simulateCmd.Flags().Duration("timeout", time.Minute, "Give up after this long")
}
