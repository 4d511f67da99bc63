package toolchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/artifacts"
	"github.com/fyrsmithlabs/circuitd/internal/config"
	"github.com/fyrsmithlabs/circuitd/internal/logging"
	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
)

// Proteus drives a headless circuit simulator process. The simulator
// receives the firmware image, the schematic, and the expectation list,
// and reports observed behavior as JSON on stdout.
type Proteus struct {
	binary string
	store  *artifacts.Store
	logger *zap.Logger
}

// simRequest is what the simulator reads on stdin.
type simRequest struct {
	Expectations []string `json:"expectations"`
}

// simOutput is the simulator's stdout payload.
type simOutput struct {
	Status       string            `json:"status"`
	Message      string            `json:"message,omitempty"`
	Observations map[string]string `json:"observations,omitempty"`
	Checks       []simCheck        `json:"checks,omitempty"`
}

type simCheck struct {
	Expectation string `json:"expectation"`
	Passed      bool   `json:"passed"`
	Detail      string `json:"detail,omitempty"`
}

// NewProteus wires the simulator adapter.
func NewProteus(cfg config.ToolchainConfig, store *artifacts.Store, logger *zap.Logger) (*Proteus, error) {
	if cfg.SimulatorPath == "" {
		return nil, fmt.Errorf("simulator path is required")
	}
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proteus{binary: cfg.SimulatorPath, store: store, logger: logger}, nil
}

// Simulate implements pipeline.Simulator. Process crashes, timeouts, and
// unparseable output are transient ToolErrors; a missing binary or bad
// artifact reference is fatal.
func (p *Proteus) Simulate(ctx context.Context, artifactRef, schematicRef string, expectations []string) (pipeline.SimulationResult, error) {
	hexPath, err := p.store.Path(artifactRef)
	if err != nil {
		return pipeline.SimulationResult{}, pipeline.NewServiceError("simulator", err)
	}

	args := []string{"--firmware", hexPath, "--json"}
	if schematicRef != "" {
		schematicPath, err := p.store.Path(schematicRef)
		if err != nil {
			return pipeline.SimulationResult{}, pipeline.NewServiceError("simulator", err)
		}
		args = append(args, "--schematic", schematicPath)
	}

	input, err := json.Marshal(simRequest{Expectations: expectations})
	if err != nil {
		return pipeline.SimulationResult{}, pipeline.NewServiceError("simulator", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if classified := classifyExecError(ctx, "simulator", err); classified != nil {
			return pipeline.SimulationResult{}, classified
		}
		// Simulator crashes are transient: the next attempt may succeed.
		return pipeline.SimulationResult{}, pipeline.NewToolError("simulator",
			fmt.Errorf("simulator exited: %v: %s", err, firstLine(stderr.String())))
	}

	var out simOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return pipeline.SimulationResult{}, pipeline.NewToolError("simulator",
			fmt.Errorf("unparseable simulator output: %w", err))
	}
	if out.Status != "ok" {
		return pipeline.SimulationResult{}, pipeline.NewToolError("simulator",
			fmt.Errorf("simulator reported %q: %s", out.Status, out.Message))
	}

	result := evaluate(out, expectations)
	p.logger.Info("simulation evaluated",
		append(logging.ContextFields(ctx),
			zap.Bool("passed", result.Passed),
			zap.Int("unmet", len(result.UnmetExpectations)))...)
	return result, nil
}

// evaluate folds the simulator's checks into a pass/fail verdict. An
// expectation the simulator never checked counts as unmet.
func evaluate(out simOutput, expectations []string) pipeline.SimulationResult {
	checked := make(map[string]simCheck, len(out.Checks))
	for _, c := range out.Checks {
		checked[normalizeExpectation(c.Expectation)] = c
	}

	var unmet []string
	for _, want := range expectations {
		c, ok := checked[normalizeExpectation(want)]
		switch {
		case !ok:
			unmet = append(unmet, want+" (not observed)")
		case !c.Passed:
			if c.Detail != "" {
				unmet = append(unmet, want+": "+c.Detail)
			} else {
				unmet = append(unmet, want)
			}
		}
	}
	// With no explicit expectations, trust the simulator's own checks.
	if len(expectations) == 0 {
		for _, c := range out.Checks {
			if !c.Passed {
				unmet = append(unmet, c.Expectation)
			}
		}
	}

	return pipeline.SimulationResult{
		Passed:            len(unmet) == 0,
		UnmetExpectations: unmet,
		Observations:      out.Observations,
	}
}

func normalizeExpectation(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
