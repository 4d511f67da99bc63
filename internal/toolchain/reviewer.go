package toolchain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
	"github.com/fyrsmithlabs/circuitd/internal/task"
)

const reviewerPrompt = `You are reviewing 8051 firmware C source that will be compiled
with SDCC. Report every problem you find as JSON.

Severity levels:
- "critical": will not work or will not compile (wrong registers, missing
  interrupt setup, unsupported headers, timing that cannot meet the request).
- "warning": likely problem or fragile construct.
- "suggestion": style or clarity.

Respond with ONLY a JSON array (possibly empty), one object per finding:
[{"severity":"critical","location":"main.c:12","message":"...","suggested_fix":"..."}]

%s
Source under review:
` + "```c\n%s\n```\n"

// reviewFinding is the wire shape the model is asked to produce.
type reviewFinding struct {
	Severity     string `json:"severity"`
	Location     string `json:"location"`
	Message      string `json:"message"`
	SuggestedFix string `json:"suggested_fix"`
}

// Reviewer inspects source with the completion service and parses its
// findings. Malformed model output is a fatal service error.
type Reviewer struct {
	client *Client
}

// NewReviewer wires a reviewer adapter over the completion client.
func NewReviewer(client *Client) *Reviewer {
	return &Reviewer{client: client}
}

// Review implements pipeline.Reviewer.
func (r *Reviewer) Review(ctx context.Context, source string, knowledgeContext []string) (task.ReviewResult, error) {
	prompt := fmt.Sprintf(reviewerPrompt, knowledgeBlock(knowledgeContext), source)

	out, err := r.client.complete(ctx, prompt)
	if err != nil {
		return task.ReviewResult{}, pipeline.NewServiceError("reviewer", err)
	}

	findings, err := parseFindings(out)
	if err != nil {
		return task.ReviewResult{}, pipeline.NewServiceError("reviewer", err)
	}

	r.client.logger.Debug("review parsed", zap.Int("findings", len(findings)))
	return task.ReviewResult{Findings: findings}, nil
}

// parseFindings extracts the JSON findings array from a completion,
// tolerating surrounding prose and code fences.
func parseFindings(out string) ([]task.Finding, error) {
	payload := stripCodeFence(out)
	start := strings.Index(payload, "[")
	end := strings.LastIndex(payload, "]")
	if start == -1 || end < start {
		return nil, fmt.Errorf("completion contained no findings array")
	}

	var raw []reviewFinding
	if err := json.Unmarshal([]byte(payload[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("parsing findings: %w", err)
	}

	findings := make([]task.Finding, 0, len(raw))
	for _, f := range raw {
		if strings.TrimSpace(f.Message) == "" {
			continue
		}
		severity := task.Severity(strings.ToLower(strings.TrimSpace(f.Severity)))
		switch severity {
		case task.SeverityCritical, task.SeverityWarning, task.SeveritySuggestion:
		default:
			// Unknown severities are kept, downgraded to warning.
			severity = task.SeverityWarning
		}
		findings = append(findings, task.Finding{
			Severity:     severity,
			Location:     strings.TrimSpace(f.Location),
			Message:      strings.TrimSpace(f.Message),
			SuggestedFix: strings.TrimSpace(f.SuggestedFix),
		})
	}
	return findings, nil
}
