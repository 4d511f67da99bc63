package toolchain

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
)

const generatorPrompt = `You are an embedded firmware engineer targeting 8051-class
microcontrollers compiled with SDCC. Write a complete, self-contained C
program for the request below.

Rules:
- Use SDCC idioms: #include <8051.h>, __sfr/__sbit declarations where needed.
- No standard-library calls that SDCC for 8051 does not provide.
- Configure timers, interrupts, and serial registers explicitly.
- Output ONLY the C source, no explanation.

%s
Request:
%s
`

// Generator produces firmware source from a natural-language request.
type Generator struct {
	client *Client
}

// NewGenerator wires a generator adapter over the completion client.
func NewGenerator(client *Client) *Generator {
	return &Generator{client: client}
}

// Generate implements pipeline.Generator. All failures are fatal service
// errors.
func (g *Generator) Generate(ctx context.Context, specText string, knowledgeContext []string) (string, error) {
	prompt := fmt.Sprintf(generatorPrompt, knowledgeBlock(knowledgeContext), specText)

	out, err := g.client.complete(ctx, prompt)
	if err != nil {
		return "", pipeline.NewServiceError("generator", err)
	}

	source := stripCodeFence(out)
	if strings.TrimSpace(source) == "" {
		return "", pipeline.NewServiceError("generator", fmt.Errorf("completion contained no source"))
	}

	g.client.logger.Debug("generator produced source",
		zap.Int("bytes", len(source)))
	return source, nil
}
