// Package gemini registers a Google Gemini reply generator.
package gemini

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/llm"
	"github.com/chriscow/voice-session-go/pkg/plugin"
)

const (
	apiKeyEnv    = "GEMINI_API_KEY"
	defaultModel = "gemini-2.5-flash"
)

// GeminiLLM implements llm.LLM with the GenerateContent API.
type GeminiLLM struct {
	client *genai.Client
	model  string
}

func newGeminiLLM(cfg map[string]any) (any, error) {
	apiKey, err := plugin.APIKey(cfg, apiKeyEnv)
	if err != nil {
		return nil, err
	}

	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if base := plugin.String(cfg, "base_url", ""); base != "" {
		cc.HTTPOptions.BaseURL = base
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, err
	}
	return &GeminiLLM{client: client, model: plugin.String(cfg, "model", defaultModel)}, nil
}

// Chat sends the conversation as one GenerateContent call. A system message
// becomes the system instruction; assistant turns use the model role.
func (g *GeminiLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	system, rest := llm.SplitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, msg := range rest {
		var role genai.Role = genai.RoleUser
		if msg.Role == llm.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}
	if req.TopP > 0 {
		config.TopP = genai.Ptr(req.TopP)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		if ctx.Err() != nil {
			return llm.ChatResponse{}, ctx.Err()
		}
		return llm.ChatResponse{}, classify(err)
	}

	out := llm.ChatResponse{
		Message: llm.Message{Role: llm.RoleAssistant, Content: strings.TrimSpace(resp.Text())},
	}
	if len(resp.Candidates) > 0 {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

func classify(err error) error {
	const msg = "gemini generate content failed"

	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return ai.NewRecoverableError(err, msg)
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return ai.NewRecoverableError(err, msg)
	}
	return ai.NewFatalError(err, msg)
}

// Capabilities returns the Gemini provider's capabilities.
func (g *GeminiLLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		MaxTokens:          1048576,
		SupportedModels:    []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.0-flash"},
		SupportsSystemRole: true,
	}
}

func init() {
	plugin.RegisterWithMetadata(&plugin.Plugin{
		Kind:        plugin.KindLLM,
		Name:        "gemini",
		Factory:     newGeminiLLM,
		Description: "Google Gemini content generation",
		Version:     "1.0.0",
		Config: map[string]any{
			"api_key":  "Gemini API key (or set GEMINI_API_KEY)",
			"base_url": "optional API base URL",
			"model":    defaultModel,
		},
	})
}
