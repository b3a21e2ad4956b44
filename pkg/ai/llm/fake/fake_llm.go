package fake

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chriscow/voice-session-go/pkg/ai/llm"
)

// Step scripts one Chat call.
type Step struct {
	Reply string
	Err   error
	Delay time.Duration // waits this long (or until ctx is done) before answering
}

// FakeLLM is a fake LLM implementation for testing.
type FakeLLM struct {
	mu          sync.Mutex
	steps       []Step
	calls       int
	requests    []llm.ChatRequest
	inFlight    int
	maxInFlight int
}

// NewFakeLLM creates a new fake LLM provider that cycles through replies.
func NewFakeLLM(replies ...string) *FakeLLM {
	if len(replies) == 0 {
		replies = []string{
			"This is a fake response from the fake LLM provider.",
			"I'm a fake AI assistant. How can I help you?",
		}
	}
	steps := make([]Step, len(replies))
	for i, r := range replies {
		steps[i] = Step{Reply: r}
	}
	return &FakeLLM{steps: steps}
}

// NewScriptedLLM creates a fake whose calls follow steps in order, cycling
// when the script runs out.
func NewScriptedLLM(steps ...Step) *FakeLLM {
	if len(steps) == 0 {
		return NewFakeLLM()
	}
	return &FakeLLM{steps: steps}
}

// Chat answers with the next scripted step.
func (f *FakeLLM) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	step := f.steps[f.calls%len(f.steps)]
	f.calls++
	f.requests = append(f.requests, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return llm.ChatResponse{}, ctx.Err()
		}
	}
	if step.Err != nil {
		return llm.ChatResponse{}, step.Err
	}

	return llm.ChatResponse{
		Message: llm.Message{
			Role:    llm.RoleAssistant,
			Content: step.Reply,
		},
		TokensUsed:   len(strings.Fields(step.Reply)) + 10,
		FinishReason: "stop",
	}, nil
}

// Calls reports how many Chat calls were made.
func (f *FakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Requests returns a copy of every request received.
func (f *FakeLLM) Requests() []llm.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.ChatRequest(nil), f.requests...)
}

// MaxInFlight reports the highest number of concurrent Chat calls observed.
func (f *FakeLLM) MaxInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight
}

// Capabilities returns the fake LLM capabilities.
func (f *FakeLLM) Capabilities() llm.LLMCapabilities {
	return llm.LLMCapabilities{
		MaxTokens:          4096,
		SupportedModels:    []string{"fake-model-1"},
		SupportsSystemRole: true,
	}
}
