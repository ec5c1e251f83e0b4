package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncline/internal/domain"
	"syncline/internal/protocol"
	"syncline/internal/repo"
)

type fakeStore struct {
	mu        sync.Mutex
	workflows map[string]domain.WorkflowReference
	n         int
	listCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{workflows: map[string]domain.WorkflowReference{
		"wf-1": {ID: "wf-1", Name: "Build", OwnerID: "ana", Status: domain.StatusInProgress, LastTransitionAt: "2026-02-19T10:00:00.000Z"},
		"wf-2": {ID: "wf-2", Name: "Ship", OwnerID: "bo", Status: domain.StatusQueued, LastTransitionAt: "2026-02-19T09:00:00.000Z"},
	}}
}

func (f *fakeStore) ApplyWorkflowTransition(_ context.Context, in domain.TransitionInput) (domain.WorkflowTransitionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workflows[in.WorkflowID]
	if !ok {
		return domain.WorkflowTransitionResult{}, fmt.Errorf("workflow %s: %w", in.WorkflowID, repo.ErrNotFound)
	}
	f.n++
	from := w.Status
	w.Status = in.ToStatus
	w.LastTransitionAt = fmt.Sprintf("2026-02-20T10:00:%02d.000Z", f.n%60)
	f.workflows[w.ID] = w
	return domain.WorkflowTransitionResult{
		Workflow: w.Summary(),
		Transition: domain.Transition{
			ID:            fmt.Sprintf("wt-%d", f.n),
			WorkflowID:    w.ID,
			FromStatus:    &from,
			ToStatus:      in.ToStatus,
			OccurredAtUTC: w.LastTransitionAt,
			ActorID:       in.ActorID,
		},
	}, nil
}

func (f *fakeStore) ListWorkflows(_ context.Context, q domain.WorkflowQuery) (domain.WorkflowPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	items := []domain.WorkflowSummary{}
	for _, id := range []string{"wf-1", "wf-2"} {
		items = append(items, f.workflows[id].Summary())
	}
	return domain.WorkflowPage{Items: items, Total: len(items), Page: q.Page, PageSize: q.PageSize}, nil
}

func (f *fakeStore) ListStories(context.Context, string) ([]domain.StorySummary, error) {
	return []domain.StorySummary{{ID: "story-1", Status: domain.StatusBlocked}}, nil
}

func (f *fakeStore) ListProjects(context.Context) ([]domain.ProjectSummary, error) {
	return []domain.ProjectSummary{{ID: "p-1"}}, nil
}

type fakeChecker struct{ warnings int }

func (c fakeChecker) Check(context.Context) (domain.SyncStatusPayload, error) {
	out := domain.SyncStatusPayload{Modules: []domain.SyncModuleStatus{}, CheckedAtUTC: "2026-02-20T10:00:00.000Z"}
	for i := 0; i < c.warnings; i++ {
		out.Warnings = append(out.Warnings, domain.ConsistencyWarning{Module: domain.ModuleWorkflow, Message: "drift"})
	}
	return out, nil
}

type counter map[string]int

func (c counter) IncEventsPublished(module string) { c[module]++ }

func fixedNow() time.Time { return time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC) }

func newHub(t *testing.T, capacity int) (*Hub, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	return New(store, fakeChecker{warnings: 1}, Options{Capacity: capacity, Now: fixedNow}), store
}

func transition(t *testing.T, h *Hub, id string, to domain.Status) {
	t.Helper()
	_, err := h.PublishTransition(context.Background(), domain.TransitionInput{WorkflowID: id, ToStatus: to, ActorID: "tester"})
	require.NoError(t, err)
}

func ids(msgs []protocol.EventMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.EventID
	}
	return out
}

func TestPublishTransitionAppendsEvent(t *testing.T) {
	h, _ := newHub(t, 0)
	rec := counter{}
	h.opts.Metrics = rec

	var got []protocol.EventMessage
	h.OnMessage(func(ev protocol.EventMessage) { got = append(got, ev) })

	transition(t, h, "wf-1", domain.StatusBlocked)

	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, protocol.TypeEvent, ev.Type)
	assert.Equal(t, domain.ModuleWorkflow, ev.Module)
	assert.Equal(t, "workflow", ev.EntityType)
	assert.Equal(t, "wf-1", ev.EntityID)
	assert.Equal(t, protocol.EventWorkflowTransition, ev.EventType)
	assert.Equal(t, "workflow-transition:wt-1", ev.LineageRef)
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "evt-"+h.epoch+"-1", ev.EventID)

	var payload domain.WorkflowTransitionResult
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, domain.StatusBlocked, payload.Workflow.Status)

	assert.Equal(t, int64(2), h.Version())
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, rec["workflow"])
}

func TestPublishTransitionFailureLeavesLogUntouched(t *testing.T) {
	h, _ := newHub(t, 0)
	called := false
	h.OnMessage(func(protocol.EventMessage) { called = true })

	_, err := h.PublishTransition(context.Background(), domain.TransitionInput{WorkflowID: "missing", ToStatus: domain.StatusDone})
	require.ErrorIs(t, err, repo.ErrNotFound)
	assert.False(t, called)
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, int64(1), h.Version())
}

func TestPublishStoryStatusChange(t *testing.T) {
	h, _ := newHub(t, 0)
	change := domain.StoryStatusChange{
		Story:   domain.StorySummary{ID: "story-1", Status: domain.StatusDone, UpdatedAt: "2026-02-20T09:00:00.000Z"},
		Project: domain.ProjectSummary{ID: "p-1"},
	}
	require.NoError(t, h.PublishStoryStatusChange(context.Background(), change))

	log := h.MessagesAfter(nil)
	require.Len(t, log, 1)
	assert.Equal(t, domain.ModuleStory, log[0].Module)
	assert.Equal(t, protocol.EventStoryStatusChanged, log[0].EventType)
	assert.Equal(t, "story-status:story-1:2026-02-20T09:00:00.000Z", log[0].LineageRef)
	assert.Equal(t, "2026-02-20T09:00:00.000Z", log[0].OccurredAt)
}

func TestMessagesAfterIsStrictSuffix(t *testing.T) {
	h, _ := newHub(t, 0)
	assert.Empty(t, h.MessagesAfter(nil))

	for i := 0; i < 4; i++ {
		to := domain.StatusBlocked
		if i%2 == 1 {
			to = domain.StatusInProgress
		}
		transition(t, h, "wf-1", to)
	}
	all := h.MessagesAfter(nil)
	require.Len(t, all, 4)

	assert.Equal(t, ids(all[2:]), ids(h.MessagesAfter(&all[1].EventID)))
	assert.Empty(t, h.MessagesAfter(&all[3].EventID))

	unknown := "evt-ffffffff-2"
	assert.Empty(t, h.MessagesAfter(&unknown))
	future := h.eventID(99)
	assert.Empty(t, h.MessagesAfter(&future))
	garbage := "not-an-id"
	assert.Empty(t, h.MessagesAfter(&garbage))
}

func TestRingEvictsOldestAndNeverReusesIDs(t *testing.T) {
	h, _ := newHub(t, 3)
	for i := 0; i < 5; i++ {
		to := domain.StatusBlocked
		if i%2 == 1 {
			to = domain.StatusInProgress
		}
		transition(t, h, "wf-1", to)
	}
	assert.Equal(t, 3, h.Len())
	all := h.MessagesAfter(nil)
	assert.Equal(t, []string{h.eventID(3), h.eventID(4), h.eventID(5)}, ids(all))

	evicted := h.eventID(2)
	assert.Empty(t, h.MessagesAfter(&evicted))
	oldest := h.eventID(3)
	assert.Equal(t, []string{h.eventID(4), h.eventID(5)}, ids(h.MessagesAfter(&oldest)))
}

func TestEpochsDiffer(t *testing.T) {
	a, _ := newHub(t, 0)
	b, _ := newHub(t, 0)
	assert.NotEqual(t, a.epoch, b.epoch)
	idFromA := a.eventID(1)
	transition(t, b, "wf-1", domain.StatusBlocked)
	assert.Empty(t, b.MessagesAfter(&idFromA))
}

func TestListenersRunInRegistrationOrderAndUnsubscribe(t *testing.T) {
	h, _ := newHub(t, 0)
	var order []string
	h.OnMessage(func(protocol.EventMessage) { order = append(order, "a") })
	stopB := h.OnMessage(func(protocol.EventMessage) { order = append(order, "b") })
	h.OnMessage(func(protocol.EventMessage) { order = append(order, "c") })

	transition(t, h, "wf-1", domain.StatusBlocked)
	stopB()
	stopB()
	transition(t, h, "wf-1", domain.StatusInProgress)

	assert.Equal(t, []string{"a", "b", "c", "a", "c"}, order)
}

func TestConcurrentPublishesReachListenersInLogOrder(t *testing.T) {
	h, _ := newHub(t, 0)
	var seen []uint64
	h.OnMessage(func(ev protocol.EventMessage) { seen = append(seen, ev.Seq) })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.PublishStoryStatusChange(context.Background(), domain.StoryStatusChange{Story: domain.StorySummary{ID: "story-1"}})
		}()
	}
	wg.Wait()

	require.Len(t, seen, 20)
	for i, s := range seen {
		assert.Equal(t, uint64(i+1), s)
	}
}

func TestSnapshots(t *testing.T) {
	h, store := newHub(t, 0)
	transition(t, h, "wf-1", domain.StatusBlocked)

	snap, err := h.Snapshot(context.Background(), domain.ModuleWorkflow)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeSnapshot, snap.Type)
	assert.Equal(t, int64(2), snap.Version)
	assert.Equal(t, "2026-02-20T10:00:00.000Z", snap.GeneratedAt)
	var wf struct {
		Workflows []domain.WorkflowSummary `json:"workflows"`
	}
	require.NoError(t, json.Unmarshal(snap.Data, &wf))
	require.Len(t, wf.Workflows, 2)
	assert.Equal(t, domain.StatusBlocked, wf.Workflows[0].Status)
	assert.Equal(t, 1, store.listCalls)

	snap, err = h.Snapshot(context.Background(), domain.ModuleSync)
	require.NoError(t, err)
	var payload domain.SyncStatusPayload
	require.NoError(t, json.Unmarshal(snap.Data, &payload))
	assert.Len(t, payload.Warnings, 1)

	snap, err = h.Snapshot(context.Background(), domain.ModuleStory)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stories":[{"id":"story-1","projectId":"","title":"","ownerId":"","status":"blocked","kanbanColumn":"","updatedAt":""}]}`, string(snap.Data))

	snap, err = h.Snapshot(context.Background(), domain.ModuleProject)
	require.NoError(t, err)
	assert.Contains(t, string(snap.Data), `"projects"`)

	_, err = h.Snapshot(context.Background(), domain.ModuleCost)
	require.Error(t, err)
}

func TestSnapshotVersionCoversPriorPublishes(t *testing.T) {
	h, _ := newHub(t, 0)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.PublishStoryStatusChange(context.Background(), domain.StoryStatusChange{}))
	}
	snap, err := h.Snapshot(context.Background(), domain.ModuleWorkflow)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Version, int64(4))
}
