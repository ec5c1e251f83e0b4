package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncline/internal/config"
)

func TestOpenWorkspaceSeedsOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	ws, err := OpenWorkspace(ctx, dir, nil, nil)
	require.NoError(t, err)
	assert.True(t, ws.Seeded)
	projects, err := ws.Engine.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 3)
	require.NoError(t, ws.Close())

	ws, err = OpenWorkspace(ctx, dir, nil, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.False(t, ws.Seeded)
}

func TestOpenWorkspaceReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path, err := InitWorkspace(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("kanban:\n  editable: true\n"), 0o644))

	ws, err := OpenWorkspace(context.Background(), dir, nil, nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.True(t, ws.Config.Kanban.Editable)
	assert.Equal(t, config.Default().Realtime.ReplayCapacity, ws.Config.Realtime.ReplayCapacity)

	_, err = InitWorkspace(dir, false)
	assert.Error(t, err)
	_, err = InitWorkspace(dir, true)
	assert.NoError(t, err)
}

func TestRuntimeServesAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Simulator.Enabled = true
	cfg.Simulator.Interval = time.Hour
	ws, err := OpenWorkspace(context.Background(), t.TempDir(), cfg, nil)
	require.NoError(t, err)
	defer ws.Close()

	rt, err := NewRuntime(ws, nil)
	require.NoError(t, err)
	require.NotNil(t, rt.Simulator)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	res, err := http.Get(base + "/api/v1/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Post(base+"/api/v1/workflows/wf-1001/transitions", "application/json",
		strings.NewReader(`{"toStatus":"blocked"}`))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 1, rt.Hub.Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
