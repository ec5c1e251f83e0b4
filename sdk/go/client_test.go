package synclinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionWorkflowUnwrapsEnvelope(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/workflows/wf-1001/transitions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"data":{"workflow":{"id":"wf-1001","status":"blocked"},"transition":{"id":"wt-9","toStatus":"blocked","actorId":"alice"}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.TransitionWorkflow(context.Background(), "wf-1001", "blocked", "waiting")
	require.NoError(t, err)
	assert.Equal(t, "blocked", res.Workflow.Status)
	assert.Equal(t, "wt-9", res.Transition.ID)
	assert.Equal(t, map[string]any{"toStatus": "blocked", "reason": "waiting"}, gotBody)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"INVALID_TRANSITION","message":"done -> queued","recoverable":false,"requestId":"r-1"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).TransitionWorkflow(context.Background(), "wf-1004", "queued", "")
	require.Error(t, err)
	assert.True(t, IsCode(err, "INVALID_TRANSITION"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "r-1", apiErr.RequestID)
}

func TestListWorkflowsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "blocked,failed", r.URL.Query().Get("status"))
		assert.Equal(t, "project-core", r.URL.Query().Get("projectId"))
		w.Write([]byte(`{"data":{"items":[{"id":"wf-1002","status":"blocked"}],"total":1,"page":1,"pageSize":50}}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).ListWorkflows(context.Background(), WorkflowFilter{
		Statuses:  []string{"blocked", "failed"},
		ProjectID: "project-core",
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "wf-1002", page.Items[0].ID)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://127.0.0.1:8080/ws", New("http://127.0.0.1:8080/").WebSocketURL())
	assert.Equal(t, "wss://sync.example.com/ws", New("https://sync.example.com").WebSocketURL())
}
