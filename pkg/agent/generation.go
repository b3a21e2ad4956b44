package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chriscow/voice-session-go/pkg/ai"
	"github.com/chriscow/voice-session-go/pkg/ai/llm"
)

// ReplyGenerator turns a user utterance plus conversation history into the
// assistant's reply with one request/response call.
type ReplyGenerator struct {
	llm          llm.LLM
	systemPrompt string
	maxTokens    int
	temperature  float32
	timeout      time.Duration
	retry        ai.RetryConfig
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
}

func newReplyGenerator(provider llm.LLM, opts Options, logger *slog.Logger, metrics *Metrics, tracer trace.Tracer) *ReplyGenerator {
	return &ReplyGenerator{
		llm:          provider,
		systemPrompt: opts.SystemPrompt,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		timeout:      opts.GenerationTimeout,
		retry:        opts.GenerationRetry,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
	}
}

// Generate returns the reply to input. The whole call, retries included,
// is bounded by the generation timeout.
func (g *ReplyGenerator) Generate(ctx context.Context, input string, history []Turn) (string, error) {
	ctx, span := g.tracer.Start(ctx, "agent.generate",
		trace.WithAttributes(attribute.Int("history_turns", len(history))))
	defer span.End()

	start := time.Now()
	reply, err := g.generate(ctx, input, history)
	g.metrics.generated(ctx, time.Since(start), err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (g *ReplyGenerator) generate(ctx context.Context, input string, history []Turn) (string, error) {
	req := llm.ChatRequest{
		Messages:    g.messages(input, history),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reply string
	err := ai.Do(callCtx, g.retry, g.logger, "generate", func(ctx context.Context) error {
		resp, err := g.llm.Chat(ctx, req)
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(resp.Message.Content)
		return nil
	})

	switch {
	case err == nil && reply == "":
		return "", ErrEmptyReply
	case err == nil:
		return reply, nil
	case ctx.Err() != nil:
		return "", ctx.Err()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("%w after %s", ErrGenerationTimeout, g.timeout)
	default:
		return "", fmt.Errorf("%w: %w", ErrGenerationService, err)
	}
}

// messages renders the request: system prompt, completed turns oldest first,
// then the new utterance. Failed turns are not replayed to the model.
func (g *ReplyGenerator) messages(input string, history []Turn) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(history)+2)
	if g.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: g.systemPrompt})
	}
	for _, t := range history {
		if t.Status != TurnComplete {
			continue
		}
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: t.Input},
			llm.Message{Role: llm.RoleAssistant, Content: t.Reply})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: input})
}
