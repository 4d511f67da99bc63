// Package toolchain implements the concrete pipeline adapters: the
// LLM-backed generator, reviewer, and reviser, the SDCC compiler wrapper,
// and the Proteus-style simulator wrapper.
package toolchain

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/config"
)

// Client wraps an OpenAI-compatible completion endpoint for the three
// language-model adapters.
type Client struct {
	model  llms.Model
	logger *zap.Logger
}

// NewClient builds the completion client from configuration. The base URL
// may point at any OpenAI-compatible server.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		// langchaingo requires a token even for local endpoints.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating completion client: %w", err)
	}

	return &Client{model: llm, logger: logger}, nil
}

// newClientWithModel wires a preconstructed model, for tests.
func newClientWithModel(model llms.Model, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{model: model, logger: logger}
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, c.model, prompt,
		llms.WithTemperature(0.2))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", fmt.Errorf("empty completion")
	}
	return out, nil
}

// knowledgeBlock renders retrieved corpus entries into a prompt section.
func knowledgeBlock(entries []string) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant reference notes and past findings:\n")
	for _, e := range entries {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(e))
		b.WriteString("\n")
	}
	return b.String()
}

// stripCodeFence unwraps a markdown-fenced code block if the completion
// came wrapped in one.
func stripCodeFence(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence (with optional language tag) and a closing
	// fence if present.
	lines = lines[1:]
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
			lines = lines[:i]
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
