// Package fake registers the deterministic providers under the name "fake",
// so a service can run end to end without credentials.
package fake

import (
	llmfake "github.com/chriscow/voice-session-go/pkg/ai/llm/fake"
	sttfake "github.com/chriscow/voice-session-go/pkg/ai/stt/fake"
	ttsfake "github.com/chriscow/voice-session-go/pkg/ai/tts/fake"
	"github.com/chriscow/voice-session-go/pkg/plugin"
)

var defaultUtterances = []string{"hello there", "how are you"}

func newFakeSTT(cfg map[string]any) (any, error) {
	utterances := plugin.Strings(cfg, "utterances")
	if len(utterances) == 0 {
		utterances = defaultUtterances
	}

	var opts []sttfake.Option
	if n := plugin.Int(cfg, "frames_per_word", 0); n > 0 {
		opts = append(opts, sttfake.WithFramesPerWord(n))
	}
	if n := plugin.Int(cfg, "max_frames_per_stream", 0); n > 0 {
		opts = append(opts, sttfake.WithMaxFramesPerStream(n))
	}
	return sttfake.NewFakeSTT(utterances, opts...), nil
}

func newFakeLLM(cfg map[string]any) (any, error) {
	responses := plugin.Strings(cfg, "responses")
	if len(responses) == 0 {
		responses = []string{"Hi, how can I help?"}
	}

	delay := plugin.Duration(cfg, "delay", 0)
	steps := make([]llmfake.Step, len(responses))
	for i, r := range responses {
		steps[i] = llmfake.Step{Reply: r, Delay: delay}
	}
	return llmfake.NewScriptedLLM(steps...), nil
}

func newFakeTTS(cfg map[string]any) (any, error) {
	opts := []ttsfake.Option{
		ttsfake.WithSampleRate(plugin.Int(cfg, "sample_rate", ttsfake.DefaultSampleRate)),
	}
	if n := plugin.Int(cfg, "chunks", 0); n > 0 {
		opts = append(opts, ttsfake.WithChunks(n))
	}
	if d := plugin.Duration(cfg, "chunk_delay", 0); d > 0 {
		opts = append(opts, ttsfake.WithChunkDelay(d))
	}
	return ttsfake.NewFakeTTS(opts...), nil
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindSTT,
		Name:        "fake",
		Factory:     newFakeSTT,
		Description: "Scripted speech recognizer for testing and development",
		Version:     "1.0.0",
		Config: map[string]any{
			"utterances":            defaultUtterances,
			"frames_per_word":       sttfake.DefaultFramesPerWord,
			"max_frames_per_stream": 0,
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "fake",
		Factory:     newFakeLLM,
		Description: "Scripted reply generator for testing and development",
		Version:     "1.0.0",
		Config: map[string]any{
			"responses": []string{"Hi, how can I help?"},
			"delay":     "0s",
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "fake",
		Factory:     newFakeTTS,
		Description: "Tone generator for testing and development",
		Version:     "1.0.0",
		Config: map[string]any{
			"sample_rate": ttsfake.DefaultSampleRate,
			"chunks":      0,
			"chunk_delay": "0s",
		},
	})
}
