package toolchain

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
	"github.com/fyrsmithlabs/circuitd/internal/task"
)

const reviserPrompt = `You are fixing 8051 firmware C source (SDCC toolchain). Apply the
review findings below and return the corrected program. Change only what
the findings require; keep the rest of the program intact.

Output ONLY the full corrected C source, no explanation.

Findings:
%s
Current source:
` + "```c\n%s\n```\n"

// Reviser rewrites source to address review findings.
type Reviser struct {
	client *Client
}

// NewReviser wires a reviser adapter over the completion client.
func NewReviser(client *Client) *Reviser {
	return &Reviser{client: client}
}

// Revise implements pipeline.Reviser. All failures are fatal service
// errors.
func (r *Reviser) Revise(ctx context.Context, source string, review task.ReviewResult) (string, error) {
	prompt := fmt.Sprintf(reviserPrompt, renderFindings(review), source)

	out, err := r.client.complete(ctx, prompt)
	if err != nil {
		return "", pipeline.NewServiceError("reviser", err)
	}

	revised := stripCodeFence(out)
	if strings.TrimSpace(revised) == "" {
		return "", pipeline.NewServiceError("reviser", fmt.Errorf("completion contained no source"))
	}

	r.client.logger.Debug("revision produced",
		zap.Int("target_version", review.TargetVersion),
		zap.Int("bytes", len(revised)))
	return revised, nil
}

func renderFindings(review task.ReviewResult) string {
	var b strings.Builder
	for _, f := range review.Findings {
		fmt.Fprintf(&b, "- [%s] %s", f.Severity, f.Message)
		if f.Location != "" {
			fmt.Fprintf(&b, " (%s)", f.Location)
		}
		if f.SuggestedFix != "" {
			fmt.Fprintf(&b, "; suggested fix: %s", f.SuggestedFix)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		b.WriteString("- (no findings listed; improve correctness against the request)\n")
	}
	return b.String()
}
