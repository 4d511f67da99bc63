package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/circuitd/internal/artifacts"
	"github.com/fyrsmithlabs/circuitd/internal/config"
	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
)

// maxDiagnostics caps compiler error text carried into findings.
const maxDiagnostics = 8 * 1024

// SDCC compiles 8051 firmware with the SDCC cross compiler. Compile
// diagnostics are domain feedback; only process-level problems surface as
// adapter errors.
type SDCC struct {
	binary  string
	workDir string
	store   *artifacts.Store
	logger  *zap.Logger
}

// NewSDCC wires the compiler adapter.
func NewSDCC(cfg config.ToolchainConfig, store *artifacts.Store, logger *zap.Logger) (*SDCC, error) {
	if cfg.CompilerPath == "" {
		return nil, fmt.Errorf("compiler path is required")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("toolchain work dir is required")
	}
	if store == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0700); err != nil {
		return nil, fmt.Errorf("creating toolchain work dir: %w", err)
	}
	return &SDCC{
		binary:  cfg.CompilerPath,
		workDir: cfg.WorkDir,
		store:   store,
		logger:  logger,
	}, nil
}

// Compile implements pipeline.Compiler. Each source version builds in its
// own directory keyed by a content hash, so recompiling identical source
// after a transient failure reuses the stored artifact.
func (c *SDCC) Compile(ctx context.Context, taskID, source string) (pipeline.CompileResult, error) {
	suffix := sourceKey(source)
	buildDir := filepath.Join(c.workDir, taskID, suffix)
	if err := os.MkdirAll(buildDir, 0700); err != nil {
		return pipeline.CompileResult{}, pipeline.NewToolError("compiler", err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "main.c"), []byte(source), 0600); err != nil {
		return pipeline.CompileResult{}, pipeline.NewToolError("compiler", err)
	}

	cmd := exec.CommandContext(ctx, c.binary, "--model-small", "main.c")
	cmd.Dir = buildDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		if classified := classifyExecError(ctx, "compiler", err); classified != nil {
			return pipeline.CompileResult{}, classified
		}
		// Nonzero exit with diagnostics: expected domain feedback.
		diagnostics := strings.TrimSpace(string(out))
		if diagnostics == "" {
			diagnostics = err.Error()
		}
		if len(diagnostics) > maxDiagnostics {
			diagnostics = diagnostics[:maxDiagnostics]
		}
		c.logger.Info("compile diagnostics",
			zap.String("task.id", taskID),
			zap.Int("bytes", len(diagnostics)))
		return pipeline.CompileResult{Errors: diagnostics}, nil
	}

	hexData, err := os.ReadFile(filepath.Join(buildDir, "main.ihx"))
	if err != nil {
		return pipeline.CompileResult{}, pipeline.NewToolError("compiler",
			fmt.Errorf("compiler exited cleanly but produced no image: %w", err))
	}

	hexRef, err := c.storeOnce(taskID, "hex-"+suffix, hexData)
	if err != nil {
		return pipeline.CompileResult{}, pipeline.NewToolError("compiler", err)
	}

	schematicRef, err := c.storeOnce(taskID, "schematic-"+suffix, RenderSchematic(source))
	if err != nil {
		return pipeline.CompileResult{}, pipeline.NewToolError("compiler", err)
	}

	return pipeline.CompileResult{
		OK:           true,
		ArtifactRef:  hexRef,
		SchematicRef: schematicRef,
	}, nil
}

// storeOnce puts data, treating an already stored identical version as
// success.
func (c *SDCC) storeOnce(taskID, kind string, data []byte) (string, error) {
	ref, err := c.store.Put(taskID, kind, data)
	if err == nil {
		return ref, nil
	}
	if errors.Is(err, artifacts.ErrExists) {
		return c.store.Ref(taskID, kind)
	}
	return "", err
}

// classifyExecError maps process launch problems to the adapter error
// taxonomy. It returns nil for a plain nonzero exit, which callers treat
// as domain output.
func classifyExecError(ctx context.Context, tool string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return pipeline.NewToolError(tool, context.DeadlineExceeded)
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return pipeline.NewServiceError(tool, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return pipeline.NewToolError(tool, err)
}

func sourceKey(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:4])
}
