package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"syncline/internal/config"
	"syncline/internal/db"
	"syncline/internal/domain"
	"syncline/internal/engine"
	"syncline/internal/events"
	"syncline/internal/migrate"
	"syncline/internal/repo"
	"syncline/internal/seed"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC) }
	if _, err := seed.Apply(ctx, eng.Repo); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func TestApplyWorkflowTransition(t *testing.T) {
	env := newTestEnv(t)
	reason := "  Waiting on QA approval "
	res, err := env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{
		WorkflowID: "wf-1001", ToStatus: domain.StatusBlocked, ActorID: "alice", Reason: &reason,
	})
	if err != nil {
		t.Fatalf("apply transition: %v", err)
	}
	if res.Workflow.Status != domain.StatusBlocked || res.Workflow.LastTransitionAt != "2026-02-20T09:00:00.000Z" {
		t.Fatalf("unexpected workflow: %+v", res.Workflow)
	}
	if res.Transition.FromStatus == nil || *res.Transition.FromStatus != domain.StatusInProgress {
		t.Fatalf("unexpected from status: %+v", res.Transition)
	}
	if len(res.Transition.ID) < 4 || res.Transition.ID[:3] != "wt-" {
		t.Fatalf("unexpected transition id %q", res.Transition.ID)
	}
	if res.Transition.Reason == nil || *res.Transition.Reason != "Waiting on QA approval" {
		t.Fatalf("reason not normalized: %v", res.Transition.Reason)
	}

	items, err := env.Engine.Repo.ListWorkflowTransitions(env.Ctx, "wf-1001", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[1].ID != res.Transition.ID {
		t.Fatalf("expected appended transition, got %+v", items)
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: events.TypeWorkflowTransitioned})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].EntityID != "wf-1001" || evts[0].ProjectID != "project-core" {
		t.Fatalf("expected audit event, got %+v", evts)
	}
}

func TestApplyWorkflowTransitionRejects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{WorkflowID: "wf-1004", ToStatus: domain.StatusInProgress})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from terminal status, got %v", err)
	}
	_, err = env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{WorkflowID: "wf-1001", ToStatus: "paused"})
	if !errors.Is(err, engine.ErrInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	_, err = env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{WorkflowID: "wf-404", ToStatus: domain.StatusDone})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	w, err := env.Engine.Repo.GetWorkflow(env.Ctx, "wf-1004")
	if err != nil || w.Status != domain.StatusDone {
		t.Fatalf("workflow must be unchanged: %+v %v", w, err)
	}
}

func TestUpdateStoryStatusCascades(t *testing.T) {
	env := newTestEnv(t)
	change, err := env.Engine.UpdateStoryStatus(env.Ctx, domain.StoryStatusInput{
		StoryID: "story-301", ToStatus: domain.StatusInProgress, ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("update story: %v", err)
	}
	if change.Story.Status != domain.StatusInProgress || change.Story.KanbanColumn != domain.ColumnInProgress {
		t.Fatalf("unexpected story: %+v", change.Story)
	}
	if change.Project.Status != domain.StatusInProgress || change.Project.ProgressPct != 50 || change.Project.RiskFlag {
		t.Fatalf("unexpected rollup: %+v", change.Project)
	}
	if len(change.WorkflowUpdates) != 1 || change.WorkflowUpdates[0].Workflow.ID != "wf-1002" {
		t.Fatalf("expected wf-1002 cascade, got %+v", change.WorkflowUpdates)
	}
	if r := change.WorkflowUpdates[0].Transition.Reason; r == nil || *r != "Story story-301 moved to in_progress" {
		t.Fatalf("unexpected cascade reason %v", r)
	}
	w, err := env.Engine.Repo.GetWorkflow(env.Ctx, "wf-1002")
	if err != nil || w.Status != domain.StatusInProgress {
		t.Fatalf("workflow not moved: %+v %v", w, err)
	}
}

func TestUpdateStoryStatusSkipsDisallowedCascade(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{WorkflowID: "wf-1002", ToStatus: domain.StatusCanceled}); err != nil {
		t.Fatal(err)
	}
	change, err := env.Engine.UpdateStoryStatus(env.Ctx, domain.StoryStatusInput{StoryID: "story-301", ToStatus: domain.StatusInProgress})
	if err != nil {
		t.Fatalf("update story: %v", err)
	}
	if len(change.WorkflowUpdates) != 0 {
		t.Fatalf("terminal workflow must not follow, got %+v", change.WorkflowUpdates)
	}
	w, _ := env.Engine.Repo.GetWorkflow(env.Ctx, "wf-1002")
	if w.Status != domain.StatusCanceled {
		t.Fatalf("expected canceled, got %s", w.Status)
	}
}

func TestUpdateStoryStatusRejects(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.UpdateStoryStatus(env.Ctx, domain.StoryStatusInput{StoryID: "story-302", ToStatus: domain.StatusInProgress})
	if !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	_, err = env.Engine.UpdateStoryStatus(env.Ctx, domain.StoryStatusInput{StoryID: "story-999", ToStatus: domain.StatusDone})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReasonIsNFCNormalized(t *testing.T) {
	env := newTestEnv(t)
	decomposed := "Cafe\u0301 check"
	res, err := env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{WorkflowID: "wf-empty", ToStatus: domain.StatusInProgress, Reason: &decomposed})
	if err != nil {
		t.Fatal(err)
	}
	if *res.Transition.Reason != "Caf\u00e9 check" {
		t.Fatalf("expected composed form, got %q", *res.Transition.Reason)
	}
	blank := "   "
	res, err = env.Engine.ApplyWorkflowTransition(env.Ctx, domain.TransitionInput{WorkflowID: "wf-empty", ToStatus: domain.StatusBlocked, Reason: &blank})
	if err != nil {
		t.Fatal(err)
	}
	if res.Transition.Reason != nil {
		t.Fatalf("blank reason should be dropped")
	}
}

func TestKanbanBoard(t *testing.T) {
	env := newTestEnv(t)
	board, err := env.Engine.KanbanBoard(env.Ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if !board.ReadOnly || board.Editable {
		t.Fatalf("board should default to read-only")
	}
	if len(board.Columns) != 5 {
		t.Fatalf("expected 5 columns, got %d", len(board.Columns))
	}
	done := board.Columns[4]
	if done.ID != domain.ColumnDone || len(done.Cards) != 2 {
		t.Fatalf("unexpected done column: %+v", done)
	}

	board, err = env.Engine.KanbanBoard(env.Ctx, "project-ui")
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, c := range board.Columns {
		total += len(c.Cards)
	}
	if total != 2 || board.ProjectID == nil {
		t.Fatalf("expected project-scoped board, got %d cards", total)
	}
	if _, err := env.Engine.KanbanBoard(env.Ctx, "project-404"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetSyncStatusAudits(t *testing.T) {
	env := newTestEnv(t)
	msg := "projection failed"
	if err := env.Engine.SetSyncStatus(env.Ctx, domain.SyncModuleStatus{Module: domain.ModuleCost, Status: domain.SyncError, ErrorMessage: &msg}); err != nil {
		t.Fatal(err)
	}
	statuses, err := env.Engine.GetSyncStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range statuses {
		if s.Module == domain.ModuleCost {
			if s.Status != domain.SyncError || s.LastAttemptAtUTC == nil || *s.LastAttemptAtUTC != "2026-02-20T09:00:00.000Z" {
				t.Fatalf("unexpected cost status %+v", s)
			}
		}
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: events.TypeSyncStatusChanged})
	if len(evts) != 1 {
		t.Fatalf("expected one sync audit event, got %d", len(evts))
	}
}
