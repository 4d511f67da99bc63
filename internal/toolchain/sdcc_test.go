package toolchain

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/circuitd/internal/artifacts"
	"github.com/fyrsmithlabs/circuitd/internal/config"
	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
)

// writeScript installs an executable shell script standing in for an
// external tool binary.
func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0700))
	return path
}

func newSDCC(t *testing.T, scriptBody string) (*SDCC, *artifacts.Store) {
	t.Helper()
	store, err := artifacts.NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	compiler, err := NewSDCC(config.ToolchainConfig{
		CompilerPath: writeScript(t, "sdcc", scriptBody),
		WorkDir:      t.TempDir(),
	}, store, zaptest.NewLogger(t))
	require.NoError(t, err)
	return compiler, store
}

func TestSDCCSuccess(t *testing.T) {
	compiler, store := newSDCC(t, `printf ':03000000020000FB\n:00000001FF\n' > main.ihx`)

	result, err := compiler.Compile(context.Background(), "task-1", "void main(void) { P1_0 = 1; }")
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.NotEmpty(t, result.ArtifactRef)
	assert.NotEmpty(t, result.SchematicRef)

	hexData, err := store.Open(result.ArtifactRef)
	require.NoError(t, err)
	assert.Contains(t, string(hexData), ":00000001FF")

	var doc map[string]any
	schematic, err := store.Open(result.SchematicRef)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(schematic, &doc))
	assert.Equal(t, "AT89C51", doc["mcu"])
}

func TestSDCCRecompileIdenticalSourceReusesArtifact(t *testing.T) {
	compiler, _ := newSDCC(t, `printf ':00000001FF\n' > main.ihx`)

	first, err := compiler.Compile(context.Background(), "task-1", "void main(void) {}")
	require.NoError(t, err)
	second, err := compiler.Compile(context.Background(), "task-1", "void main(void) {}")
	require.NoError(t, err)
	assert.Equal(t, first.ArtifactRef, second.ArtifactRef)
}

func TestSDCCDiagnosticsAreDomainFeedback(t *testing.T) {
	compiler, _ := newSDCC(t, `echo "main.c:3: syntax error near 'whle'" >&2; exit 1`)

	result, err := compiler.Compile(context.Background(), "task-1", "void main(void) { whle(1); }")
	require.NoError(t, err, "compile failure is not an adapter error")
	assert.False(t, result.OK)
	assert.Contains(t, result.Errors, "syntax error")
	assert.Empty(t, result.ArtifactRef)
}

func TestSDCCMissingBinaryIsFatal(t *testing.T) {
	store, err := artifacts.NewStore(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	compiler, err := NewSDCC(config.ToolchainConfig{
		CompilerPath: filepath.Join(t.TempDir(), "no-such-sdcc"),
		WorkDir:      t.TempDir(),
	}, store, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = compiler.Compile(context.Background(), "task-1", "void main(void) {}")
	var se *pipeline.ServiceError
	require.ErrorAs(t, err, &se)
}

func TestSDCCTimeoutIsTransient(t *testing.T) {
	compiler, _ := newSDCC(t, `sleep 5`)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := compiler.Compile(ctx, "task-1", "void main(void) {}")
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))
}

func TestSDCCCleanExitWithoutImageIsTransient(t *testing.T) {
	compiler, _ := newSDCC(t, `true`)

	_, err := compiler.Compile(context.Background(), "task-1", "void main(void) {}")
	require.Error(t, err)
	assert.True(t, pipeline.IsTransient(err))
}

func TestRenderSchematic(t *testing.T) {
	source := `#include <8051.h>
void main(void) {
    SCON = 0x50;
    while (1) { P1_0 = !P1_0; SBUF = 'x'; }
}`

	var doc schematicDoc
	require.NoError(t, json.Unmarshal(RenderSchematic(source), &doc))
	assert.Equal(t, "AT89C51", doc.MCU)

	var hasLED, hasTerminal bool
	for _, c := range doc.Components {
		if c.Type == "LED" {
			hasLED = true
		}
		if c.Type == "SERIAL-TERMINAL" {
			hasTerminal = true
		}
	}
	assert.True(t, hasLED, "P1_0 usage adds an LED")
	assert.True(t, hasTerminal, "SBUF usage adds a serial terminal")
}
