package plugin

import (
	"fmt"

	"github.com/chriscow/voice-session-go/pkg/agent"
	"github.com/chriscow/voice-session-go/pkg/ai/llm"
	"github.com/chriscow/voice-session-go/pkg/ai/stt"
	"github.com/chriscow/voice-session-go/pkg/ai/tts"
)

// Selection names the plugin to use for one provider role and its options.
type Selection struct {
	Name    string
	Options map[string]any
}

// Build instantiates the selected recognizer, generator and synthesizer.
// The result is shared by every session the process serves.
func (r *Registry) Build(sttSel, llmSel, ttsSel Selection) (agent.Providers, error) {
	var providers agent.Providers
	var err error

	if providers.STT, err = build[stt.STT](r, KindSTT, sttSel); err != nil {
		return agent.Providers{}, err
	}
	if providers.LLM, err = build[llm.LLM](r, KindLLM, llmSel); err != nil {
		return agent.Providers{}, err
	}
	if providers.TTS, err = build[tts.TTS](r, KindTTS, ttsSel); err != nil {
		return agent.Providers{}, err
	}
	return providers, nil
}

func build[T any](r *Registry, kind Kind, sel Selection) (T, error) {
	var zero T

	factory, ok := r.Get(kind, sel.Name)
	if !ok {
		return zero, fmt.Errorf("no %s plugin named %q", kind, sel.Name)
	}
	opts := sel.Options
	if opts == nil {
		opts = map[string]any{}
	}

	instance, err := factory(opts)
	if err != nil {
		return zero, fmt.Errorf("create %s/%s: %w", kind, sel.Name, err)
	}
	provider, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("plugin %s/%s returned %T, which is not a %s provider", kind, sel.Name, instance, kind)
	}
	return provider, nil
}
