package openai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/llm"
	"github.com/chriscow/voice-session-go/pkg/plugin"
)

const defaultChatModel = "gpt-4o-mini"

// OpenAILLM implements llm.LLM with the chat completions API.
type OpenAILLM struct {
	client *openai.Client
	model  string
}

func newOpenAILLM(cfg map[string]any) (any, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &OpenAILLM{
		client: client,
		model:  plugin.String(cfg, "model", defaultChatModel),
	}, nil
}

// Chat performs one chat completion.
func (o *OpenAILLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	start := time.Now()

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: string(msg.Role), Content: msg.Content}
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})
	if err != nil {
		if ctx.Err() != nil {
			return llm.ChatResponse{}, ctx.Err()
		}
		return llm.ChatResponse{}, classify(err, "chat completion failed")
	}
	if len(resp.Choices) == 0 {
		return llm.ChatResponse{}, ai.NewRecoverableError(errors.New("no choices returned"), "chat completion failed")
	}

	choice := resp.Choices[0]
	slog.Debug("OpenAI chat completion",
		slog.String("model", o.model),
		slog.Int("tokens", resp.Usage.TotalTokens),
		slog.Duration("elapsed", time.Since(start)))

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: choice.Message.Content,
		},
		TokensUsed:   resp.Usage.TotalTokens,
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Capabilities returns the OpenAI provider's capabilities.
func (o *OpenAILLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		MaxTokens:          128000,
		SupportedModels:    []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1", "gpt-4.1-mini"},
		SupportsSystemRole: true,
	}
}
