// Package openai registers OpenAI chat completion and speech synthesis
// providers.
package openai

import (
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/plugin"
)

const apiKeyEnv = "OPENAI_API_KEY"

func newClient(cfg map[string]any) (*openai.Client, error) {
	apiKey, err := plugin.APIKey(cfg, apiKeyEnv)
	if err != nil {
		return nil, err
	}
	config := openai.DefaultConfig(apiKey)
	if base := plugin.String(cfg, "base_url", ""); base != "" {
		config.BaseURL = base
	}
	return openai.NewClientWithConfig(config), nil
}

// classify marks rate limits, server errors and network failures as
// recoverable and every other API error as fatal.
func classify(err error, msg string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return byStatus(apiErr.HTTPStatusCode, err, msg)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return byStatus(reqErr.HTTPStatusCode, err, msg)
	}
	return ai.NewRecoverableError(err, msg)
}

func byStatus(status int, err error, msg string) error {
	if status == http.StatusTooManyRequests || status >= 500 || status == 0 {
		return ai.NewRecoverableError(err, msg)
	}
	return ai.NewFatalError(err, msg)
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "openai",
		Factory:     newOpenAILLM,
		Description: "OpenAI chat completion",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY)",
			"base_url": "optional API base URL",
			"model":    defaultChatModel,
		},
	})

	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindTTS,
		Name:        "openai",
		Factory:     newOpenAITTS,
		Description: "OpenAI text-to-speech, streamed as 24 kHz PCM",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "OpenAI API key (or set OPENAI_API_KEY)",
			"base_url": "optional API base URL",
			"model":    defaultSpeechModel,
			"voice":    defaultVoice,
		},
	})
}
