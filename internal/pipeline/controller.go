// Package pipeline drives one design task through the
// generate→review→revise→compile→simulate state machine.
//
// One controller goroutine runs per task. Adapter calls are blocking
// suspension points; cancellation is observed at every suspension-point
// boundary and terminates the task as FAILED with error "cancelled".
// Domain feedback (compile errors, unmet simulation expectations, critical
// review findings) is ordinary state-machine input that consumes retry
// budget; only ServiceError fails a task outright.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/config"
	"github.com/fyrsmithlabs/circuitd/internal/logging"
	"github.com/fyrsmithlabs/circuitd/internal/task"
)

// Failure messages surfaced on the task record. Tests and API consumers
// match on these.
const (
	reasonReviewBudget  = "review budget exhausted"
	reasonCompileBudget = "compilation budget exhausted"
	reasonSimBudget     = "simulation budget exhausted"
	reasonVerification  = "verification failed after exhausting iteration budget"
	reasonCancelled     = "cancelled"
)

// Controller owns the per-task pipeline loops. It is the single writer
// for every task record it drives; all other access goes through registry
// snapshots.
type Controller struct {
	registry  *task.Registry
	adapters  Adapters
	knowledge Knowledge
	artifacts ArtifactWriter
	cfg       config.PipelineConfig
	metrics   *Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

// New creates a controller. All five adapters, the registry, the knowledge
// store, and the artifact writer are required.
func New(registry *task.Registry, adapters Adapters, kn Knowledge, artifacts ArtifactWriter, cfg config.PipelineConfig, metrics *Metrics, logger *zap.Logger) (*Controller, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if adapters.Generator == nil || adapters.Reviewer == nil || adapters.Reviser == nil ||
		adapters.Compiler == nil || adapters.Simulator == nil {
		return nil, fmt.Errorf("all five adapters are required")
	}
	if kn == nil {
		return nil, fmt.Errorf("knowledge store cannot be nil")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact writer cannot be nil")
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		registry:  registry,
		adapters:  adapters,
		knowledge: kn,
		artifacts: artifacts,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}, nil
}

// Submit creates a task record for specText and starts its pipeline loop.
// It returns the initial snapshot immediately; progress is observable
// through the registry.
func (c *Controller) Submit(specText string, expectations []string) (*task.Record, error) {
	if strings.TrimSpace(specText) == "" {
		return nil, fmt.Errorf("spec text cannot be empty")
	}

	rec := task.NewRecord(specText, expectations)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logging.ContextWithTaskID(ctx, rec.ID)

	// The record is created under the same lock as the closed check, so a
	// Submit racing Shutdown cannot leave an orphan record behind.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("controller is shut down")
	}
	if err := c.registry.Create(rec); err != nil {
		c.mu.Unlock()
		cancel()
		return nil, err
	}
	c.cancels[rec.ID] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	c.metrics.TasksStarted.Inc()
	c.logger.Info("task submitted",
		zap.String("task.id", rec.ID),
		zap.Int("expectations", len(expectations)))

	go c.run(ctx, rec.ID)
	return rec, nil
}

// Cancel requests cancellation of a running task. Cancelling a task that
// already reached a terminal state is a no-op.
func (c *Controller) Cancel(id string) error {
	if _, err := c.registry.Get(id); err != nil {
		return err
	}

	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Shutdown cancels all running tasks and waits for their loops to finish
// recording the cancellation, bounded by ctx.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, cancel := range c.cancels {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for pipeline loops: %w", ctx.Err())
	}
}

func (c *Controller) run(ctx context.Context, id string) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if cancel, ok := c.cancels[id]; ok {
			cancel()
			delete(c.cancels, id)
		}
		c.mu.Unlock()
	}()

	logger := c.logger.With(zap.String("task.id", id))

	// compiled survives across loop iterations so SIMULATING retries
	// reuse the artifact from the last successful compile.
	var compiled CompileResult

	for {
		rec, err := c.registry.Get(id)
		if err != nil {
			logger.Error("reading task record", zap.Error(err))
			return
		}
		if rec.State.Terminal() {
			c.metrics.TasksFinished.WithLabelValues(string(rec.State)).Inc()
			logger.Info("task finished",
				zap.String("state", string(rec.State)),
				zap.String("error", rec.Error),
				zap.Int("code_versions", len(rec.CodeVersions)),
				zap.Int("revise_attempts", rec.ReviseAttempts),
				zap.Int("compile_attempts", rec.CompileAttempts),
				zap.Int("simulate_attempts", rec.SimulateAttempts))
			return
		}
		if ctx.Err() != nil {
			c.fail(id, reasonCancelled)
			continue
		}

		var stepErr error
		switch rec.State {
		case task.StateGenerating:
			stepErr = c.stepGenerate(ctx, logger, rec)
		case task.StateReviewing:
			stepErr = c.stepReview(ctx, logger, rec)
		case task.StateRevising:
			stepErr = c.stepRevise(ctx, logger, rec)
		case task.StateCompiling:
			var result CompileResult
			result, stepErr = c.stepCompile(ctx, logger, rec)
			if stepErr == nil && result.OK {
				compiled = result
			}
		case task.StateSimulating:
			stepErr = c.stepSimulate(ctx, logger, rec, compiled)
		default:
			stepErr = fmt.Errorf("unknown state %s", rec.State)
		}
		if stepErr != nil {
			logger.Error("pipeline step failed", zap.Error(stepErr))
			c.fail(id, fmt.Sprintf("internal error: %v", stepErr))
		}
	}
}

// stepGenerate invokes the Generator and appends the first code version.
// Any generator error is fatal.
func (c *Controller) stepGenerate(ctx context.Context, logger *zap.Logger, rec *task.Record) error {
	kctx := c.retrieveContext(ctx, logger, rec.SpecText)

	source, err := c.callGenerator(ctx, rec.SpecText, kctx)
	if err != nil {
		c.failOnAdapter(rec.ID, "generator", err)
		return nil
	}

	logger.Info("code generated", zap.Int("bytes", len(source)))
	return c.transition(rec.ID, task.StateReviewing, func(r *task.Record) error {
		r.AppendVersion(source, task.OriginGenerated)
		return nil
	})
}

// stepReview invokes the Reviewer on the latest version. Clean review
// proceeds to COMPILING; critical findings consume the revise budget and
// are promoted into the knowledge corpus.
func (c *Controller) stepReview(ctx context.Context, logger *zap.Logger, rec *task.Record) error {
	version, ok := rec.LatestVersion()
	if !ok {
		return fmt.Errorf("reviewing with no code versions")
	}

	kctx := c.retrieveContext(ctx, logger, rec.SpecText)

	review, err := c.callReviewer(ctx, version.Source, kctx)
	if err != nil {
		c.failOnAdapter(rec.ID, "reviewer", err)
		return nil
	}
	review.TargetVersion = version.Version
	review.CreatedAt = time.Now()

	criticals := review.CriticalFindings()
	logger.Info("review complete",
		zap.Int("version", version.Version),
		zap.Int("findings", len(review.Findings)),
		zap.Int("critical", len(criticals)))

	if review.Clean() {
		return c.transition(rec.ID, task.StateCompiling, func(r *task.Record) error {
			r.AppendReview(review)
			return nil
		})
	}

	// Learn from the findings whether or not revision budget remains.
	for _, f := range criticals {
		c.promote(ctx, logger, findingText(f), "code-review", []string{"review"})
	}

	if rec.ReviseAttempts < c.cfg.MaxReviseAttempts {
		return c.transition(rec.ID, task.StateRevising, func(r *task.Record) error {
			r.AppendReview(review)
			return nil
		})
	}
	return c.failWith(rec.ID, reasonReviewBudget, func(r *task.Record) {
		r.AppendReview(review)
	})
}

// stepRevise invokes the Reviser against the latest review. Exactly one
// revision per pass; the revised version goes back through REVIEWING.
func (c *Controller) stepRevise(ctx context.Context, logger *zap.Logger, rec *task.Record) error {
	version, ok := rec.LatestVersion()
	if !ok {
		return fmt.Errorf("revising with no code versions")
	}
	review, ok := rec.LatestReview()
	if !ok {
		return fmt.Errorf("revising with no review history")
	}

	source, err := c.callReviser(ctx, version.Source, review)
	if err != nil {
		c.failOnAdapter(rec.ID, "reviser", err)
		return nil
	}

	logger.Info("code revised", zap.Int("from_version", version.Version))
	return c.transition(rec.ID, task.StateReviewing, func(r *task.Record) error {
		r.AppendVersion(source, task.OriginRevised)
		r.ReviseAttempts++
		return nil
	})
}

// stepCompile invokes the Compiler on the latest version. Compile failure
// is domain feedback: it becomes a synthetic critical finding and routes
// back through revision. Transient tool failures retry COMPILING in place.
// Both consume the compile budget.
func (c *Controller) stepCompile(ctx context.Context, logger *zap.Logger, rec *task.Record) (CompileResult, error) {
	version, ok := rec.LatestVersion()
	if !ok {
		return CompileResult{}, fmt.Errorf("compiling with no code versions")
	}

	result, err := c.callCompiler(ctx, rec.ID, version.Source)
	if err != nil {
		if IsCancelled(err) || ctx.Err() != nil {
			c.fail(rec.ID, reasonCancelled)
			return CompileResult{}, nil
		}
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			c.failOnAdapter(rec.ID, "compiler", err)
			return CompileResult{}, nil
		}

		// Transient tool failure: consume budget, retry unchanged.
		exhausted := false
		updErr := c.registry.Update(rec.ID, func(r *task.Record) error {
			r.CompileAttempts++
			exhausted = r.CompileAttempts >= c.cfg.MaxCompileAttempts
			return nil
		})
		if updErr != nil {
			return CompileResult{}, updErr
		}
		if exhausted {
			c.fail(rec.ID, reasonCompileBudget)
		} else {
			logger.Warn("compiler tool failure, retrying", zap.Error(err))
		}
		return CompileResult{}, nil
	}

	if result.OK {
		logger.Info("compile succeeded",
			zap.Int("version", version.Version),
			zap.String("artifact", result.ArtifactRef))
		return result, c.transition(rec.ID, task.StateSimulating, nil)
	}

	logger.Info("compile failed",
		zap.Int("version", version.Version),
		zap.Int("compile_attempts", rec.CompileAttempts+1))
	c.promote(ctx, logger, result.Errors, "compiler", []string{"compile-error"})

	finding := task.Finding{
		Severity: task.SeverityCritical,
		Location: "compiler",
		Message:  result.Errors,
	}
	synthetic := task.ReviewResult{
		TargetVersion: version.Version,
		Findings:      []task.Finding{finding},
		CreatedAt:     time.Now(),
	}

	var from, to task.State
	updErr := c.registry.Update(rec.ID, func(r *task.Record) error {
		from = r.State
		r.CompileAttempts++
		switch {
		case r.CompileAttempts >= c.cfg.MaxCompileAttempts:
			to = task.StateFailed
			return r.Fail(reasonCompileBudget)
		case r.ReviseAttempts >= c.cfg.MaxReviseAttempts:
			// A compile fix needs a revision; without budget the
			// compile loop cannot make progress.
			to = task.StateFailed
			return r.Fail(reasonCompileBudget)
		default:
			r.AppendReview(synthetic)
			to = task.StateRevising
			return r.Transition(task.StateRevising)
		}
	})
	if updErr != nil {
		return CompileResult{}, updErr
	}
	c.metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
	return CompileResult{}, nil
}

// stepSimulate runs the Simulator on the compiled artifact. Tool failures
// retry in place against the simulate budget; unmet expectations route
// back through revision; a passing run publishes artifacts and finishes
// the task.
func (c *Controller) stepSimulate(ctx context.Context, logger *zap.Logger, rec *task.Record, compiled CompileResult) error {
	if compiled.ArtifactRef == "" {
		return fmt.Errorf("simulating with no compiled artifact")
	}

	result, err := c.callSimulator(ctx, compiled, rec.Expectations)
	if err != nil {
		if IsCancelled(err) || ctx.Err() != nil {
			c.fail(rec.ID, reasonCancelled)
			return nil
		}
		if !IsTransient(err) && !errors.Is(err, context.DeadlineExceeded) {
			c.failOnAdapter(rec.ID, "simulator", err)
			return nil
		}

		exhausted := false
		updErr := c.registry.Update(rec.ID, func(r *task.Record) error {
			r.SimulateAttempts++
			exhausted = r.SimulateAttempts >= c.cfg.MaxSimulateAttempts
			return nil
		})
		if updErr != nil {
			return updErr
		}
		if exhausted {
			c.fail(rec.ID, reasonSimBudget)
		} else {
			logger.Warn("simulator tool failure, retrying", zap.Error(err))
		}
		return nil
	}

	if result.Passed {
		return c.finish(logger, rec, compiled)
	}

	logger.Info("simulation expectations unmet",
		zap.Strings("unmet", result.UnmetExpectations))

	if rec.ReviseAttempts >= c.cfg.MaxReviseAttempts {
		c.fail(rec.ID, reasonVerification)
		return nil
	}

	version, _ := rec.LatestVersion()
	findings := make([]task.Finding, 0, len(result.UnmetExpectations))
	for _, unmet := range result.UnmetExpectations {
		findings = append(findings, task.Finding{
			Severity: task.SeverityCritical,
			Location: "simulation",
			Message:  "unmet expectation: " + unmet,
		})
		c.promote(ctx, logger, "unmet expectation: "+unmet, "simulation", []string{"verification"})
	}
	if len(findings) == 0 {
		findings = append(findings, task.Finding{
			Severity: task.SeverityCritical,
			Location: "simulation",
			Message:  "simulated behavior did not match the request",
		})
	}
	synthetic := task.ReviewResult{
		TargetVersion: version.Version,
		Findings:      findings,
		CreatedAt:     time.Now(),
	}
	return c.transition(rec.ID, task.StateRevising, func(r *task.Record) error {
		r.AppendReview(synthetic)
		return nil
	})
}

// finish publishes the artifacts and moves the task to DONE in one atomic
// registry update, so readers never see artifacts on a non-terminal task.
func (c *Controller) finish(logger *zap.Logger, rec *task.Record, compiled CompileResult) error {
	version, ok := rec.LatestVersion()
	if !ok {
		return fmt.Errorf("finishing with no code versions")
	}
	sourceRef, err := c.artifacts.Put(rec.ID, "source", []byte(version.Source))
	if err != nil {
		return fmt.Errorf("storing source artifact: %w", err)
	}

	transitionErr := c.transition(rec.ID, task.StateDone, func(r *task.Record) error {
		if err := r.SetArtifact("hex", compiled.ArtifactRef); err != nil {
			return err
		}
		if compiled.SchematicRef != "" {
			if err := r.SetArtifact("schematic", compiled.SchematicRef); err != nil {
				return err
			}
		}
		return r.SetArtifact("source", sourceRef)
	})
	if transitionErr != nil {
		return transitionErr
	}

	logger.Info("design verified",
		zap.String("hex", compiled.ArtifactRef),
		zap.String("schematic", compiled.SchematicRef))
	return nil
}

// Adapter calls, each bounded by the configured per-call timeout and
// observed in the latency histogram.

func (c *Controller) callGenerator(ctx context.Context, specText string, kctx []string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout.Duration())
	defer cancel()
	start := time.Now()
	source, err := c.adapters.Generator.Generate(callCtx, specText, kctx)
	c.observe("generator", start, err)
	return source, err
}

func (c *Controller) callReviewer(ctx context.Context, source string, kctx []string) (task.ReviewResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout.Duration())
	defer cancel()
	start := time.Now()
	review, err := c.adapters.Reviewer.Review(callCtx, source, kctx)
	c.observe("reviewer", start, err)
	return review, err
}

func (c *Controller) callReviser(ctx context.Context, source string, review task.ReviewResult) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout.Duration())
	defer cancel()
	start := time.Now()
	revised, err := c.adapters.Reviser.Revise(callCtx, source, review)
	c.observe("reviser", start, err)
	return revised, err
}

func (c *Controller) callCompiler(ctx context.Context, taskID, source string) (CompileResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout.Duration())
	defer cancel()
	start := time.Now()
	result, err := c.adapters.Compiler.Compile(callCtx, taskID, source)
	c.observe("compiler", start, err)
	return result, err
}

func (c *Controller) callSimulator(ctx context.Context, compiled CompileResult, expectations []string) (SimulationResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout.Duration())
	defer cancel()
	start := time.Now()
	result, err := c.adapters.Simulator.Simulate(callCtx, compiled.ArtifactRef, compiled.SchematicRef, expectations)
	c.observe("simulator", start, err)
	return result, err
}

func (c *Controller) observe(adapter string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsTransient(err):
		outcome = "transient"
	default:
		outcome = "error"
	}
	c.metrics.AdapterDuration.WithLabelValues(adapter, outcome).Observe(time.Since(start).Seconds())
}

// retrieveContext queries the knowledge index for material relevant to
// the request. Retrieval failure degrades to an empty context rather than
// failing the task.
func (c *Controller) retrieveContext(ctx context.Context, logger *zap.Logger, query string) []string {
	results, err := c.knowledge.Search(ctx, query)
	if err != nil {
		logger.Warn("knowledge retrieval failed", zap.Error(err))
		return nil
	}
	texts := make([]string, 0, len(results))
	for _, r := range results {
		texts = append(texts, r.Content)
	}
	return texts
}

// promote appends one finding to the knowledge corpus. Duplicates are
// silently skipped by the store's dedup check.
func (c *Controller) promote(ctx context.Context, logger *zap.Logger, text, source string, tags []string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	_, inserted, err := c.knowledge.Append(ctx, text, source, tags)
	if err != nil {
		logger.Warn("knowledge promotion failed", zap.Error(err))
		return
	}
	if inserted {
		c.metrics.KnowledgePromotions.Inc()
	}
}

// transition applies mutate and the state change in one registry update.
func (c *Controller) transition(id string, next task.State, mutate func(*task.Record) error) error {
	var from task.State
	err := c.registry.Update(id, func(r *task.Record) error {
		from = r.State
		if mutate != nil {
			if err := mutate(r); err != nil {
				return err
			}
		}
		return r.Transition(next)
	})
	if err != nil {
		return err
	}
	c.metrics.Transitions.WithLabelValues(string(from), string(next)).Inc()
	return nil
}

func (c *Controller) fail(id, reason string) {
	if err := c.failWith(id, reason, nil); err != nil {
		c.logger.Error("failing task",
			zap.String("task.id", id),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (c *Controller) failWith(id, reason string, mutate func(*task.Record)) error {
	var from task.State
	err := c.registry.Update(id, func(r *task.Record) error {
		from = r.State
		if mutate != nil {
			mutate(r)
		}
		return r.Fail(reason)
	})
	if err != nil {
		return err
	}
	c.metrics.Transitions.WithLabelValues(string(from), string(task.StateFailed)).Inc()
	return nil
}

// failOnAdapter fails the task with a message naming the unreachable
// service, or "cancelled" when the error stems from task cancellation.
func (c *Controller) failOnAdapter(id, service string, err error) {
	if IsCancelled(err) {
		c.fail(id, reasonCancelled)
		return
	}
	var se *ServiceError
	if errors.As(err, &se) {
		c.fail(id, se.Error())
		return
	}
	c.fail(id, NewServiceError(service, err).Error())
}

func findingText(f task.Finding) string {
	if f.Location != "" {
		return f.Location + ": " + f.Message
	}
	return f.Message
}
