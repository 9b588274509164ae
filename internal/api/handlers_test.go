package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/bus"
	"github.com/flowforge/flowforge/internal/compensator"
	"github.com/flowforge/flowforge/internal/engine"
	"github.com/flowforge/flowforge/internal/health"
	"github.com/flowforge/flowforge/internal/persistence"
	"github.com/flowforge/flowforge/internal/registry"
	"github.com/flowforge/flowforge/internal/steps"
	"github.com/flowforge/flowforge/internal/store"
	"github.com/flowforge/flowforge/pkg/metrics"
)

// newTestServer wires the full stack behind an httptest server: memory
// store and bus, engine, compensator, order workflow handlers, health,
// and metrics.
func newTestServer(t *testing.T) (*httptest.Server, *persistence.Repository) {
	t.Helper()

	reg := registry.New()
	require.NoError(t, steps.RegisterDefinition(reg))

	st := store.NewMemoryStore()
	repo := persistence.New(st, nil)
	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { b.Close() })

	eng := engine.New(reg, repo, b, nil)
	eng.Register(b)
	comp := compensator.New(repo, b, nil)
	comp.Register(b)

	handlers := steps.NewHandlers(b, st, nil)
	handlers.Register(b)

	metricsReg := metrics.NewRegistry()
	sub := metrics.NewSubscriber(metricsReg)
	sub.Register(b)

	healthReg := health.NewRegistry("test")
	healthReg.Register(health.NewStoreChecker(st))

	router := NewRouter(NewHandler(eng, repo, sub, nil), RouterConfig{
		Health:  health.NewHandler(healthReg),
		Metrics: metricsReg,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, repo
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func startOrder(t *testing.T, srv *httptest.Server, amount float64, quantity int, weight float64) StartWorkflowResponse {
	t.Helper()
	resp := postJSON(t, srv.URL+"/workflows/start", StartWorkflowRequest{
		Type: steps.OrderWorkflowType,
		Input: map[string]any{
			"orderId":  "o_1",
			"amount":   amount,
			"quantity": quantity,
			"weight":   weight,
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[StartWorkflowResponse](t, resp)
}

func TestStartWorkflowEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	started := startOrder(t, srv, 100, 2, 5)
	assert.Contains(t, started.WorkflowID, "wf_")
	assert.Equal(t, steps.OrderWorkflowType, started.Type)
	// The synchronous bus ran the whole saga inside the request.
	assert.Equal(t, "completed", string(started.Status))
}

func TestStartWorkflowValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/workflows/start", map[string]any{"input": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "validation failed", body.Error)
	assert.Contains(t, body.Details, "Type")
}

func TestStartWorkflowUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/workflows/start", StartWorkflowRequest{Type: "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Error, "unknown workflow type")
}

func TestListWorkflowsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	startOrder(t, srv, 100, 2, 5)
	startOrder(t, srv, 600, 2, 5)

	resp, err := http.Get(srv.URL + "/workflows")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[ListWorkflowsResponse](t, resp)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Workflows, 2)
}

func TestGetWorkflowEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	// Inventory shortage: charge is compensated on rollback.
	started := startOrder(t, srv, 100, 10, 5)

	resp, err := http.Get(srv.URL + "/workflows/" + started.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[WorkflowDetailResponse](t, resp)
	assert.Equal(t, "compensated", string(body.Workflow.Status))
	assert.NotEmpty(t, body.Steps)
	require.Len(t, body.Compensations, 1)
	assert.True(t, body.Compensations[0].Executed)
}

func TestGetWorkflowNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/workflows/wf_missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSignalValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	started := startOrder(t, srv, 100, 2, 5)

	resp := postJSON(t, srv.URL+"/workflows/"+started.WorkflowID+"/signal", map[string]any{"signal": "explode"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Details["Signal"], "pause resume")
}

func TestSignalResumeCompletedWorkflowIsNoOp(t *testing.T) {
	srv, _ := newTestServer(t)
	started := startOrder(t, srv, 100, 2, 5)

	// The workflow already completed; the resume is ignored.
	resp := postJSON(t, srv.URL+"/workflows/"+started.WorkflowID+"/signal", SignalRequest{Signal: "resume"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[SignalResponse](t, resp)
	assert.Equal(t, "completed", string(body.Workflow.Status))
}

func TestSignalNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/workflows/wf_missing/signal", SignalRequest{Signal: "resume"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	startOrder(t, srv, 100, 2, 5)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "flowforge_workflow_started_total")
	assert.Contains(t, buf.String(), "flowforge_http_requests_total")
}
