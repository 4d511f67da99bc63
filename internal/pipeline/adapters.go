package pipeline

import (
	"context"

	"github.com/fyrsmithlabs/circuitd/internal/knowledge"
	"github.com/fyrsmithlabs/circuitd/internal/task"
	"github.com/fyrsmithlabs/circuitd/internal/vectorstore"
)

// Generator produces firmware source for a natural-language request.
// Any returned error is fatal for the task.
type Generator interface {
	Generate(ctx context.Context, specText string, knowledgeContext []string) (string, error)
}

// Reviewer inspects source and reports findings. The controller fills in
// the review's target version. Any returned error is fatal for the task.
type Reviewer interface {
	Review(ctx context.Context, source string, knowledgeContext []string) (task.ReviewResult, error)
}

// Reviser rewrites source to address a review. Any returned error is
// fatal for the task.
type Reviser interface {
	Revise(ctx context.Context, source string, review task.ReviewResult) (string, error)
}

// CompileResult is the outcome of one compiler invocation. A failed
// compile is domain feedback, reported through OK and Errors rather than
// an adapter error.
type CompileResult struct {
	OK bool

	// ArtifactRef and SchematicRef point at the compiled firmware image
	// and the derived schematic/netlist in the artifact store. Set only
	// when OK.
	ArtifactRef  string
	SchematicRef string

	// Errors is the compiler's diagnostic text. Set only when not OK.
	Errors string
}

// Compiler builds the latest source. Returned errors are ToolError
// (transient, retried) or ServiceError (fatal); compile failures are not
// errors.
type Compiler interface {
	Compile(ctx context.Context, taskID, source string) (CompileResult, error)
}

// SimulationResult is the outcome of one simulator run that completed at
// the tool level; whether the design behaved as requested is in Passed.
type SimulationResult struct {
	Passed            bool
	UnmetExpectations []string

	// Observations are the signals the simulator reported, for the
	// status surface and logs.
	Observations map[string]string
}

// Simulator runs the compiled artifact against the schematic and checks
// the request's observable expectations. Returned errors are ToolError
// (transient) or ServiceError (fatal).
type Simulator interface {
	Simulate(ctx context.Context, artifactRef, schematicRef string, expectations []string) (SimulationResult, error)
}

// Adapters bundles the five external collaborators the controller drives.
type Adapters struct {
	Generator Generator
	Reviewer  Reviewer
	Reviser   Reviser
	Compiler  Compiler
	Simulator Simulator
}

// Knowledge is the slice of the knowledge store the controller needs:
// retrieval context for LLM calls and promotion of critical findings.
type Knowledge interface {
	Search(ctx context.Context, query string) ([]vectorstore.SearchResult, error)
	Append(ctx context.Context, text, source string, tags []string) (knowledge.Entry, bool, error)
}

// ArtifactWriter stores task artifacts and returns their references.
type ArtifactWriter interface {
	Put(taskID, kind string, data []byte) (string, error)
}
