package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/circuitd/internal/artifacts"
	"github.com/fyrsmithlabs/circuitd/internal/config"
	"github.com/fyrsmithlabs/circuitd/internal/knowledge"
	"github.com/fyrsmithlabs/circuitd/internal/logging"
	"github.com/fyrsmithlabs/circuitd/internal/pipeline"
	"github.com/fyrsmithlabs/circuitd/internal/task"
	"github.com/fyrsmithlabs/circuitd/internal/vectorstore"
)

// Instantly succeeding adapters so submissions run the whole pipeline.

type okGenerator struct{ block bool }

func (g okGenerator) Generate(ctx context.Context, specText string, kctx []string) (string, error) {
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "void main(void) { while (1) P1_0 = !P1_0; }", nil
}

type okReviewer struct{}

func (okReviewer) Review(ctx context.Context, source string, kctx []string) (task.ReviewResult, error) {
	return task.ReviewResult{}, nil
}

type okReviser struct{}

func (okReviser) Revise(ctx context.Context, source string, review task.ReviewResult) (string, error) {
	return source, nil
}

type okCompiler struct{ store *artifacts.Store }

func (c okCompiler) Compile(ctx context.Context, taskID, source string) (pipeline.CompileResult, error) {
	ref, err := c.store.Put(taskID, "hex", []byte(":00000001FF\n"))
	if err != nil {
		return pipeline.CompileResult{}, pipeline.NewToolError("compiler", err)
	}
	return pipeline.CompileResult{OK: true, ArtifactRef: ref}, nil
}

type okSimulator struct{}

func (okSimulator) Simulate(ctx context.Context, artifactRef, schematicRef string, expectations []string) (pipeline.SimulationResult, error) {
	return pipeline.SimulationResult{Passed: true}, nil
}

type noopKnowledge struct{}

func (noopKnowledge) Search(ctx context.Context, query string) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (noopKnowledge) Append(ctx context.Context, text, source string, tags []string) (knowledge.Entry, bool, error) {
	return knowledge.Entry{}, false, nil
}

func newTestServer(t *testing.T, blockGenerator bool) (*Server, *task.Registry) {
	server, registry, _ := newObservedServer(t, blockGenerator)
	return server, registry
}

// newObservedServer also returns the server's log sink so tests can assert
// on request logging.
func newObservedServer(t *testing.T, blockGenerator bool) (*Server, *task.Registry, *logging.TestLogger) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	registry := task.NewRegistry()
	store, err := artifacts.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	ctrl, err := pipeline.New(
		registry,
		pipeline.Adapters{
			Generator: okGenerator{block: blockGenerator},
			Reviewer:  okReviewer{},
			Reviser:   okReviser{},
			Compiler:  okCompiler{store: store},
			Simulator: okSimulator{},
		},
		noopKnowledge{},
		store,
		config.PipelineConfig{
			MaxReviseAttempts:   3,
			MaxCompileAttempts:  3,
			MaxSimulateAttempts: 2,
			AdapterTimeout:      config.Duration(5 * time.Second),
		},
		pipeline.NewMetrics(reg),
		logger,
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, ctrl.Shutdown(ctx))
	})

	logs := logging.NewTestLogger()
	server, err := NewServer(ctrl, registry, store, reg, logs.Logger, nil)
	require.NoError(t, err)
	return server, registry, logs
}

func perform(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, s *Server, body string) SubmitResponse {
	t.Helper()
	rec := perform(s, http.MethodPost, "/api/v1/designs", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func waitDone(t *testing.T, registry *task.Registry, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := registry.Get(id)
		return err == nil && rec.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t, false)

	rec := perform(server, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	server, _, logs := newObservedServer(t, false)

	rec := perform(server, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	entries := logs.FilterMessage("http request").All()
	require.NotEmpty(t, entries)
	fields := entries[0].ContextMap()
	require.NotEmpty(t, fields["request.id"])
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), fields["request.id"])
}

func TestSubmitAndStatus(t *testing.T) {
	server, registry := newTestServer(t, false)

	resp := submit(t, server, `{"spec_text":"blink an LED on P1.0"}`)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "GENERATING", resp.State)

	waitDone(t, registry, resp.TaskID)

	rec := perform(server, http.MethodGet, "/api/v1/designs/"+resp.TaskID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "DONE", status.State)
	assert.Contains(t, status.LatestResponseText, "P1_0")
	assert.NotEmpty(t, status.Artifacts["hex"])
	assert.Empty(t, status.Error)
}

func TestSubmitValidation(t *testing.T) {
	server, _ := newTestServer(t, false)

	rec := perform(server, http.MethodPost, "/api/v1/designs", `{"spec_text":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = perform(server, http.MethodPost, "/api/v1/designs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownTask(t *testing.T) {
	server, _ := newTestServer(t, false)

	rec := perform(server, http.MethodGet, "/api/v1/designs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactRetrieval(t *testing.T) {
	server, registry := newTestServer(t, false)

	resp := submit(t, server, `{"spec_text":"blink an LED"}`)
	waitDone(t, registry, resp.TaskID)

	rec := perform(server, http.MethodGet, "/api/v1/designs/"+resp.TaskID+"/artifacts/hex", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), ":00000001FF")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")

	rec = perform(server, http.MethodGet, "/api/v1/designs/"+resp.TaskID+"/artifacts/netlist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "absent kind is a 404")
}

func TestArtifactBeforeDoneIs404(t *testing.T) {
	server, _ := newTestServer(t, true)

	resp := submit(t, server, `{"spec_text":"blink an LED"}`)

	rec := perform(server, http.MethodGet, "/api/v1/designs/"+resp.TaskID+"/artifacts/hex", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	server, registry := newTestServer(t, true)

	resp := submit(t, server, `{"spec_text":"blink an LED"}`)

	rec := perform(server, http.MethodDelete, "/api/v1/designs/"+resp.TaskID, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	waitDone(t, registry, resp.TaskID)
	final, err := registry.Get(resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StateFailed, final.State)
	assert.Equal(t, "cancelled", final.Error)

	rec = perform(server, http.MethodDelete, "/api/v1/designs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	server, registry := newTestServer(t, false)

	resp := submit(t, server, `{"spec_text":"blink an LED"}`)
	waitDone(t, registry, resp.TaskID)

	rec := perform(server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "circuitd_pipeline_tasks_started_total")
}
