package liveclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncline/internal/domain"
	"syncline/internal/gateway"
	"syncline/internal/hub"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memStore struct {
	mu     sync.Mutex
	status domain.Status
	n      int
}

func (m *memStore) ApplyWorkflowTransition(_ context.Context, in domain.TransitionInput) (domain.WorkflowTransitionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.WorkflowID != "wf-1" {
		return domain.WorkflowTransitionResult{}, errors.New("not found")
	}
	m.n++
	from := m.status
	m.status = in.ToStatus
	at := fmt.Sprintf("2026-02-20T10:00:%02d.000Z", m.n)
	return domain.WorkflowTransitionResult{
		Workflow:   domain.WorkflowSummary{ID: "wf-1", Status: in.ToStatus, LastTransitionAt: at},
		Transition: domain.Transition{ID: fmt.Sprintf("wt-%d", m.n), WorkflowID: "wf-1", FromStatus: &from, ToStatus: in.ToStatus, OccurredAtUTC: at},
	}, nil
}

func (m *memStore) ListWorkflows(context.Context, domain.WorkflowQuery) (domain.WorkflowPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.WorkflowPage{Items: []domain.WorkflowSummary{{ID: "wf-1", Status: m.status, LastTransitionAt: "2026-02-20T09:00:00.000Z"}}, Total: 1}, nil
}

func (m *memStore) ListStories(context.Context, string) ([]domain.StorySummary, error) {
	return []domain.StorySummary{}, nil
}

func (m *memStore) ListProjects(context.Context) ([]domain.ProjectSummary, error) {
	return []domain.ProjectSummary{}, nil
}

type server struct {
	hub   *hub.Hub
	gw    *gateway.Gateway
	clock *clock
	url   string
}

func startServer(t *testing.T) *server {
	t.Helper()
	clk := &clock{t: time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)}
	h := hub.New(&memStore{status: domain.StatusInProgress}, nil, hub.Options{Now: clk.Now})
	gw := gateway.New(h, gateway.Options{HeartbeatInterval: 15 * time.Second, SweepInterval: time.Hour, Now: clk.Now})
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return &server{hub: h, gw: gw, clock: clk, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (s *server) publish(t *testing.T, to domain.Status) string {
	t.Helper()
	_, err := s.hub.PublishTransition(context.Background(), domain.TransitionInput{WorkflowID: "wf-1", ToStatus: to, ActorID: "tester"})
	require.NoError(t, err)
	log := s.hub.MessagesAfter(nil)
	return log[len(log)-1].EventID
}

func fastBackoff() Backoff {
	return Backoff{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxExponent: 10}
}

func waitFor(t *testing.T, c *Client, cond func(State) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(c.Store().State()) }, 3*time.Second, 5*time.Millisecond)
}

func TestClientSyncsAndReceivesEvents(t *testing.T) {
	srv := startServer(t)
	c := New(Options{URL: srv.url, Topics: []domain.Module{domain.ModuleWorkflow, domain.ModuleSync}, HeartbeatInterval: time.Hour, Backoff: fastBackoff()}, nil)
	c.Start(context.Background())
	t.Cleanup(c.Close)

	waitFor(t, c, func(s State) bool {
		return s.Connected && s.Module(domain.ModuleWorkflow).HasSuccessfulSync && !s.Module(domain.ModuleSync).Stale
	})
	st := c.Store().State()
	assert.True(t, st.Module(domain.ModuleWorkflow).Stale)
	require.Len(t, st.Workflows, 1)

	id := srv.publish(t, domain.StatusBlocked)
	waitFor(t, c, func(s State) bool {
		return s.LastAckEventID != nil && *s.LastAckEventID == id
	})
	st = c.Store().State()
	assert.False(t, st.Module(domain.ModuleWorkflow).Stale)
	assert.Equal(t, domain.StatusBlocked, st.Workflows[0].Status)
	assert.Len(t, st.Transitions["wf-1"], 1)
}

func TestClientReconnectsAndResyncsAfterEviction(t *testing.T) {
	srv := startServer(t)

	var mu sync.Mutex
	var scheduled []int
	store := NewStore(NewState([]domain.Module{domain.ModuleWorkflow}))
	store.OnChange(func(s State) {
		if s.ReconnectAttempt > 0 {
			mu.Lock()
			scheduled = append(scheduled, s.ReconnectAttempt)
			mu.Unlock()
		}
	})
	c := New(Options{URL: srv.url, Topics: []domain.Module{domain.ModuleWorkflow}, HeartbeatInterval: time.Hour, Backoff: fastBackoff()}, store)
	c.Start(context.Background())
	t.Cleanup(c.Close)

	waitFor(t, c, func(s State) bool { return s.Module(domain.ModuleWorkflow).HasSuccessfulSync })
	first := srv.publish(t, domain.StatusBlocked)
	waitFor(t, c, func(s State) bool { return s.LastAckEventID != nil && *s.LastAckEventID == first })

	srv.clock.Advance(31 * time.Second)
	require.Equal(t, 1, srv.gw.Sweep())
	second := srv.publish(t, domain.StatusInProgress)

	waitFor(t, c, func(s State) bool {
		return s.Connected && s.LastAckEventID != nil && *s.LastAckEventID == second
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, scheduled, 1)
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	var attempts []int
	store := NewStore(NewState(nil))
	store.OnChange(func(s State) {
		if s.ReconnectAttempt > 0 && (len(attempts) == 0 || attempts[len(attempts)-1] != s.ReconnectAttempt) {
			attempts = append(attempts, s.ReconnectAttempt)
		}
	})
	c := New(Options{URL: "ws://" + addr + "/ws", MaxReconnectAttempts: 3, Backoff: fastBackoff()}, store)
	c.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(3 * time.Second):
		t.Fatal("client never gave up")
	}
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.False(t, c.Store().State().Connected)
	c.Close()
}

func TestClientConvergesOverLogLargerThanSendBuffer(t *testing.T) {
	srv := startServer(t)
	var last string
	for i := 0; i < 3*gateway.DefaultSendBuffer; i++ {
		to := domain.StatusBlocked
		if i%2 == 1 {
			to = domain.StatusInProgress
		}
		last = srv.publish(t, to)
	}

	c := New(Options{URL: srv.url, Topics: []domain.Module{domain.ModuleWorkflow}, HeartbeatInterval: time.Hour, Backoff: fastBackoff()}, nil)
	c.Start(context.Background())
	t.Cleanup(c.Close)

	waitFor(t, c, func(s State) bool {
		return s.Connected && s.LastAckEventID != nil && *s.LastAckEventID == last
	})
	assert.Equal(t, 0, c.Store().State().ReconnectAttempt)
	assert.Equal(t, 1, srv.gw.Stats().Sessions)
}

func TestSocketsThatNeverSyncSpendTheBudget(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	t.Cleanup(srv.Close)

	c := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), MaxReconnectAttempts: 3, HeartbeatInterval: time.Hour, Backoff: fastBackoff()}, nil)
	c.Start(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(3 * time.Second):
		t.Fatal("client kept reconnecting to a server that never syncs")
	}
	c.Close()
}

func TestCloseStopsLoop(t *testing.T) {
	srv := startServer(t)
	c := New(Options{URL: srv.url, HeartbeatInterval: 10 * time.Millisecond, Backoff: fastBackoff()}, nil)
	c.Start(context.Background())
	waitFor(t, c, func(s State) bool { return s.Connected })

	c.Close()
	assert.False(t, c.Store().State().Connected)
	assert.NoError(t, c.Wait())
	require.Eventually(t, func() bool { return srv.gw.Stats().Sessions == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseBeforeStart(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1/ws"}, nil)
	c.Close()
	c.Start(context.Background())
	assert.NoError(t, c.Wait())
}
