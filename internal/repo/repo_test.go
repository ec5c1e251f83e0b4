package repo_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncline/internal/db"
	"syncline/internal/domain"
	"syncline/internal/migrate"
	"syncline/internal/repo"
	"syncline/internal/seed"
)

func newSeededRepo(t *testing.T) repo.Repo {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn, Now: func() time.Time { return time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC) }}
	seeded, err := seed.Apply(ctx, r)
	require.NoError(t, err)
	require.True(t, seeded)
	return r
}

func TestSeedIsAppliedOnce(t *testing.T) {
	r := newSeededRepo(t)
	seeded, err := seed.Apply(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, seeded)
}

func TestListWorkflowsOrdersAndFilters(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	page, err := r.ListWorkflows(ctx, domain.WorkflowQuery{})
	require.NoError(t, err)
	require.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 5)
	assert.Equal(t, "wf-1001", page.Items[0].ID)
	assert.Equal(t, "wf-empty", page.Items[4].ID)

	page, err = r.ListWorkflows(ctx, domain.WorkflowQuery{Statuses: []domain.Status{domain.StatusBlocked, domain.StatusFailed}})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = r.ListWorkflows(ctx, domain.WorkflowQuery{ProjectID: "project-ui", Page: 2, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "wf-empty", page.Items[0].ID)
}

func TestListWorkflowTransitions(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	items, err := r.ListWorkflowTransitions(ctx, "wf-1002", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "wt-2", items[0].ID)
	assert.Equal(t, "wt-3", items[1].ID)
	require.NotNil(t, items[1].FromStatus)
	assert.Equal(t, domain.StatusInProgress, *items[1].FromStatus)

	items, err = r.ListWorkflowTransitions(ctx, "wf-1002", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "wt-3", items[0].ID)

	items, err = r.ListWorkflowTransitions(ctx, "wf-empty", 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = r.ListWorkflowTransitions(ctx, "wf-missing", 10)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestProjectContext(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	pc, err := r.GetProjectContext(ctx, "project-core")
	require.NoError(t, err)
	assert.Equal(t, "Core Delivery Controls", pc.Project.Name)
	assert.False(t, pc.Project.IsOverdue)
	assert.Len(t, pc.Stories, 2)
	assert.Len(t, pc.Workflows, 2)
	assert.Len(t, pc.Documents, 2)

	ui, err := r.GetProjectContext(ctx, "project-ui")
	require.NoError(t, err)
	assert.False(t, ui.Project.IsOverdue)
	var sandbox domain.WorkflowReference
	for _, w := range ui.Workflows {
		if w.ID == "wf-empty" {
			sandbox = w
		}
	}
	assert.Nil(t, sandbox.StoryID)

	billing, err := r.GetProject(ctx, "project-billing")
	require.NoError(t, err)
	assert.True(t, billing.IsOverdue)

	_, err = r.GetProjectContext(ctx, "project-missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestProjectContextDoesNotWaitForWriter(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `UPDATE projects SET name='Renamed' WHERE id='project-core'`)
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	pc, err := r.GetProjectContext(readCtx, "project-core")
	require.NoError(t, err)
	assert.Equal(t, "Core Delivery Controls", pc.Project.Name)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestDocumentsFilterAndLookup(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	all, err := r.ListDocuments(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	billing, err := r.ListDocuments(ctx, "project-billing", "")
	require.NoError(t, err)
	require.Len(t, billing, 1)
	assert.Equal(t, "doc-200", billing[0].ID)

	none, err := r.ListDocuments(ctx, "project-core", "story-401")
	require.NoError(t, err)
	assert.Empty(t, none)

	doc, err := r.GetDocument(ctx, "doc-100")
	require.NoError(t, err)
	require.NotNil(t, doc.StoryID)
	assert.Equal(t, "story-301", *doc.StoryID)

	_, err = r.GetDocument(ctx, "doc-missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestResolveLineage(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	story, err := r.ResolveLineage(ctx, "story-status:story-301:2026-02-19T20:40:00.000Z")
	require.NoError(t, err)
	assert.Equal(t, repo.LineageStoryStatus, story.Source)
	assert.Equal(t, "project-core", story.ProjectID)
	assert.Equal(t, domain.StatusBlocked, story.Status)
	assert.NotNil(t, story.Events)

	seeded, err := r.ResolveLineage(ctx, "workflow-transition:wt-1")
	require.NoError(t, err)
	require.NotNil(t, seeded.Transition)
	assert.Equal(t, "wf-1001", seeded.EntityID)
	assert.Equal(t, domain.StatusInProgress, seeded.Transition.ToStatus)

	_, err = r.RefreshReadModels(ctx)
	require.NoError(t, err)
	project, err := r.ResolveLineage(ctx, "project:project-core:"+mustProject(t, r, "project-core").UpdatedAt)
	require.NoError(t, err)
	assert.Equal(t, repo.LineageReadModel, project.Source)
	assert.Equal(t, "project-core", project.EntityID)
	require.NotNil(t, project.RefreshedAt)

	for _, ref := range []string{"", "story-status:", "story-status:story-301:not-a-time", "project:project-core:1999", "unknown:x"} {
		_, err := r.ResolveLineage(ctx, ref)
		assert.ErrorIs(t, err, repo.ErrNotFound, ref)
	}
}

func mustProject(t *testing.T, r repo.Repo, id string) domain.ProjectDetail {
	t.Helper()
	p, err := r.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestSyncStatusUpsertKeepsLastSuccess(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	statuses, err := r.GetSyncStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(domain.Modules))
	assert.Equal(t, domain.ModuleProject, statuses[0].Module)
	assert.Equal(t, domain.ModuleSync, statuses[len(statuses)-1].Module)

	msg := "projection failed"
	attempt := "2026-02-20T00:00:00.000Z"
	require.NoError(t, r.SetSyncStatus(ctx, domain.SyncModuleStatus{
		Module: domain.ModuleSync, Status: domain.SyncError, LastAttemptAtUTC: &attempt, ErrorMessage: &msg,
	}))
	statuses, err = r.GetSyncStatus(ctx)
	require.NoError(t, err)
	last := statuses[len(statuses)-1]
	assert.Equal(t, domain.SyncError, last.Status)
	require.NotNil(t, last.LastSuccessfulSyncAtUTC)
	assert.Equal(t, "2026-02-19T21:00:00.000Z", *last.LastSuccessfulSyncAtUTC)
	require.NotNil(t, last.ErrorMessage)
	assert.Equal(t, msg, *last.ErrorMessage)
}

func TestRefreshReadModels(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	counts, err := r.RefreshReadModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, repo.ProjectionCounts{Workflows: 5, Stories: 5, Projects: 3}, counts)

	ref, err := r.ReadModelLineage(ctx, "wf-1001")
	require.NoError(t, err)
	assert.Equal(t, "workflow:wf-1001:2026-02-19T19:45:00.000Z", ref)

	counts, err = r.RefreshReadModels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Workflows)
}

func TestInTxRollsBackOnError(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	err := r.InTx(ctx, "test", func(tx *sql.Tx) error {
		if err := r.UpdateStoryStatusTx(ctx, tx, "story-502", domain.StatusDone, "2026-02-20T00:00:00.000Z"); err != nil {
			return err
		}
		return r.UpdateStoryStatusTx(ctx, tx, "story-missing", domain.StatusDone, "2026-02-20T00:00:00.000Z")
	})
	require.ErrorIs(t, err, repo.ErrNotFound)

	s, err := r.GetStory(ctx, "story-502")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, s.Status)
}

func TestEventsCursor(t *testing.T) {
	r := newSeededRepo(t)
	ctx := context.Background()

	id, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Zero(t, id)

	events, err := r.EventsAfter(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
