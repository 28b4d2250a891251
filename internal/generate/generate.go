// Package generate turns a routed utterance into a reply with an LLM.
//
// It is the only place tool output reaches the model. Messages are woven in
// a fixed order: the persona as system prompt, then the recent history as
// alternating user and assistant messages, then one user message holding
// the tool block followed by the utterance.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/novaflow/internal/intent"
	"github.com/MrWong99/novaflow/internal/observe"
	"github.com/MrWong99/novaflow/internal/resilience"
	"github.com/MrWong99/novaflow/internal/tools"
	"github.com/MrWong99/novaflow/pkg/provider/llm"
)

var (
	// ErrGenerationTimeout is returned when the model does not answer within
	// the generator's timeout or its breaker is open.
	ErrGenerationTimeout = errors.New("generate: generation timed out")

	// ErrEmptyReply is returned when the model answers with no text.
	ErrEmptyReply = errors.New("generate: empty reply")
)

// FallbackReply is substituted by the caller when generation fails.
const FallbackReply = "I'm sorry, I couldn't come up with a response just now. Please try again in a moment."

// Exchange is one past user utterance and the reply it received.
type Exchange struct {
	User      string
	Assistant string
}

// Request is everything one reply depends on.
type Request struct {
	Utterance        string
	Intent           intent.Intent
	Tool             tools.Result
	History          []Exchange
	ConversationType string
}

// Config tunes a Generator.
type Config struct {
	// Timeout bounds one completion. Default: 20s.
	Timeout time.Duration

	// HistoryWindow caps the exchanges sent to the model. Zero sends none.
	HistoryWindow int

	Temperature float64
	MaxTokens   int

	// ProviderName labels metrics.
	ProviderName string

	Metrics *observe.Metrics
}

// Generator is safe for concurrent use.
type Generator struct {
	llm   llm.Provider
	cfg   Config
	guard *resilience.Guard
}

// New returns a Generator backed by p.
func New(p llm.Provider, cfg Config) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Generator{
		llm: p,
		cfg: cfg,
		guard: resilience.NewGuard(resilience.GuardConfig{
			Name:    "llm",
			Timeout: cfg.Timeout,
		}),
	}
}

// Generate returns the model's reply to req. It never waits longer than
// the configured timeout, whether or not the provider honours ctx.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	creq := g.BuildRequest(req)

	start := time.Now()
	resp, err := resilience.Call(ctx, g.guard, func(ctx context.Context) (*llm.CompletionResponse, error) {
		return g.llm.Complete(ctx, creq)
	})
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RecordProviderCall(ctx, "llm", g.cfg.ProviderName, time.Since(start), err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, resilience.ErrTimeout) || errors.Is(err, resilience.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %w", ErrGenerationTimeout, err)
		}
		return "", fmt.Errorf("generate: complete: %w", err)
	}

	reply := ""
	if resp != nil {
		reply = strings.TrimSpace(resp.Content)
	}
	if reply == "" {
		return "", ErrEmptyReply
	}
	observe.Logger(ctx).Debug("reply generated",
		"intent", req.Intent.Kind.String(),
		"chars", len(reply),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return reply, nil
}

// BuildRequest weaves req into a completion request. It is pure.
func (g *Generator) BuildRequest(req Request) llm.CompletionRequest {
	history := req.History
	if n := g.cfg.HistoryWindow; len(history) > n {
		history = history[len(history)-n:]
	}

	msgs := make([]llm.Message, 0, 2*len(history)+1)
	for _, ex := range history {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: ex.User},
			llm.Message{Role: llm.RoleAssistant, Content: ex.Assistant},
		)
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userContent(req)})

	return llm.CompletionRequest{
		SystemPrompt: Persona(req.ConversationType),
		Messages:     msgs,
		Temperature:  g.cfg.Temperature,
		MaxTokens:    g.cfg.MaxTokens,
	}
}

// userContent places the tool block before the utterance.
func userContent(req Request) string {
	block := ""
	if req.Tool.Tool != "" {
		block = req.Tool.PromptBlock()
	}
	if block == "" {
		return req.Utterance
	}
	return block + "\n\nUser: " + req.Utterance
}
