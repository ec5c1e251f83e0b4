package consistency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncline/internal/domain"
	"syncline/internal/repo"
)

type fakeSource struct {
	statuses  []domain.SyncModuleStatus
	projects  []domain.ProjectSummary
	contexts  map[string]domain.ProjectContext
	listErr   error
	loadCalls int
}

func (f *fakeSource) GetSyncStatus(context.Context) ([]domain.SyncModuleStatus, error) {
	return f.statuses, nil
}

func (f *fakeSource) ListProjects(context.Context) ([]domain.ProjectSummary, error) {
	return f.projects, f.listErr
}

func (f *fakeSource) GetProjectContext(_ context.Context, id string) (domain.ProjectContext, error) {
	f.loadCalls++
	pc, ok := f.contexts[id]
	if !ok {
		return pc, fmt.Errorf("project %s: %w", id, repo.ErrNotFound)
	}
	return pc, nil
}

type countingRecorder map[string]int

func (c countingRecorder) IncConsistencyFailure(module string) { c[module]++ }

func ptr(s string) *string { return &s }

func fixture() *fakeSource {
	return &fakeSource{
		statuses: []domain.SyncModuleStatus{
			{Module: domain.ModuleStory, Status: domain.SyncOK, LastSuccessfulSyncAtUTC: ptr("2026-02-19T21:00:00.000Z")},
			{Module: domain.ModuleWorkflow, Status: domain.SyncOK, LastSuccessfulSyncAtUTC: ptr("2026-02-19T21:05:00.000Z")},
		},
		projects: []domain.ProjectSummary{{ID: "p1"}, {ID: "p2"}, {ID: "gone"}},
		contexts: map[string]domain.ProjectContext{
			"p1": {
				Stories: []domain.StorySummary{{ID: "s1", Status: domain.StatusDone}},
				Workflows: []domain.WorkflowReference{
					{ID: "w1", StoryID: ptr("s1"), Status: domain.StatusInProgress},
					{ID: "w2", StoryID: ptr("s404"), Status: domain.StatusQueued},
					{ID: "w3", Status: domain.StatusBlocked},
				},
			},
			"p2": {
				Stories:   []domain.StorySummary{{ID: "s2", Status: domain.StatusBlocked}},
				Workflows: []domain.WorkflowReference{{ID: "w4", StoryID: ptr("s2"), Status: domain.StatusBlocked}},
			},
		},
	}
}

func TestCheckReportsDivergence(t *testing.T) {
	src := fixture()
	rec := countingRecorder{}
	m := New(src, rec)
	m.Now = func() time.Time { return time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC) }

	out, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-02-20T00:00:00.000Z", out.CheckedAtUTC)
	assert.Len(t, out.Modules, 2)
	require.Len(t, out.Warnings, 2)

	assert.Equal(t, domain.ModuleWorkflow, out.Warnings[0].Module)
	assert.Equal(t, "Story s1 is done while workflow w1 is in_progress", out.Warnings[0].Message)
	assert.Equal(t, "2026-02-19T21:05:00.000Z", *out.Warnings[0].LastSuccessfulSyncAtUTC)

	assert.Equal(t, domain.ModuleStory, out.Warnings[1].Module)
	assert.Equal(t, "Workflow w2 references missing story s404", out.Warnings[1].Message)
	assert.Equal(t, "2026-02-19T21:00:00.000Z", *out.Warnings[1].LastSuccessfulSyncAtUTC)

	assert.Equal(t, countingRecorder{"workflow": 1, "story": 1}, rec)
}

func TestCheckIsNeverCached(t *testing.T) {
	src := fixture()
	rec := countingRecorder{}
	m := New(src, rec)

	_, err := m.Check(context.Background())
	require.NoError(t, err)
	pc := src.contexts["p1"]
	pc.Workflows[0].Status = domain.StatusDone
	src.contexts["p1"] = pc

	out, err := m.Check(context.Background())
	require.NoError(t, err)
	assert.Len(t, out.Warnings, 1)
	assert.Equal(t, 6, src.loadCalls)
	assert.Equal(t, 2, rec["story"])
}

func TestCheckWithoutLinksHasNoWarnings(t *testing.T) {
	src := &fakeSource{projects: []domain.ProjectSummary{{ID: "p"}}, contexts: map[string]domain.ProjectContext{"p": {}}}
	out, err := New(src, nil).Check(context.Background())
	require.NoError(t, err)
	assert.Empty(t, out.Warnings)
	assert.NotNil(t, out.Modules)
}

func TestCheckPropagatesSourceErrors(t *testing.T) {
	src := fixture()
	src.listErr = errors.New("boom")
	_, err := New(src, nil).Check(context.Background())
	require.ErrorContains(t, err, "boom")
}
