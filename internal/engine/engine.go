package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"syncline/internal/config"
	"syncline/internal/domain"
	"syncline/internal/events"
	"syncline/internal/repo"
)

var (
	ErrInvalidStatus     = errors.New("invalid status")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Engine owns every mutation of workflows, stories and projects. Reads are
// passed through to the repository so callers depend on one collaborator.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB: db,
		Repo: repo.Repo{DB: db, Retry: repo.RetryConfig{
			MaxRetries: cfg.Store.MaxRetries,
			BaseDelay:  cfg.Store.RetryBaseDelay,
			MaxDelay:   cfg.Store.RetryMaxDelay,
		}},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func ensureTransition(from, to domain.Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w %q", ErrInvalidStatus, to)
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// normalizeReason trims and NFC-normalizes free text; blank becomes nil.
func normalizeReason(reason *string) *string {
	if reason == nil {
		return nil
	}
	s := norm.NFC.String(strings.TrimSpace(*reason))
	if s == "" {
		return nil
	}
	return &s
}

func newTransitionID() string {
	return "wt-" + uuid.NewString()
}

// ApplyWorkflowTransition moves a workflow to a new status and records the
// transition and its audit event in one transaction.
func (e Engine) ApplyWorkflowTransition(ctx context.Context, in domain.TransitionInput) (domain.WorkflowTransitionResult, error) {
	if in.ActorID == "" {
		in.ActorID = "system"
	}
	at := in.OccurredAtUTC
	if at == "" {
		at = domain.FormatTime(e.now())
	}
	reason := normalizeReason(in.Reason)

	var res domain.WorkflowTransitionResult
	err := e.Repo.InTx(ctx, "apply_workflow_transition", func(tx *sql.Tx) error {
		w, err := e.Repo.GetWorkflowTx(ctx, tx, in.WorkflowID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("workflow %s: %w", in.WorkflowID, repo.ErrNotFound)
			}
			return err
		}
		if err := ensureTransition(w.Status, in.ToStatus); err != nil {
			return err
		}
		res, err = e.transitionTx(ctx, tx, w, in.ToStatus, in.ActorID, reason, at)
		return err
	})
	if err != nil {
		return domain.WorkflowTransitionResult{}, err
	}
	return res, nil
}

func (e Engine) transitionTx(ctx context.Context, tx *sql.Tx, w domain.WorkflowReference, to domain.Status, actorID string, reason *string, at string) (domain.WorkflowTransitionResult, error) {
	from := w.Status
	t := domain.Transition{
		ID:            newTransitionID(),
		WorkflowID:    w.ID,
		FromStatus:    &from,
		ToStatus:      to,
		OccurredAtUTC: at,
		ActorID:       actorID,
		Reason:        reason,
	}
	if err := e.Repo.InsertTransitionTx(ctx, tx, t); err != nil {
		return domain.WorkflowTransitionResult{}, fmt.Errorf("insert transition: %w", err)
	}
	if err := e.Repo.UpdateWorkflowStatusTx(ctx, tx, w.ID, to, at); err != nil {
		return domain.WorkflowTransitionResult{}, err
	}
	w.Status = to
	w.LastTransitionAt = at
	res := domain.WorkflowTransitionResult{Workflow: w.Summary(), Transition: t}
	if err := e.events().Append(ctx, tx, events.Record{
		Type:       events.TypeWorkflowTransitioned,
		ProjectID:  w.ProjectID,
		EntityKind: "workflow",
		EntityID:   w.ID,
		ActorID:    actorID,
		Payload:    res,
	}); err != nil {
		return domain.WorkflowTransitionResult{}, err
	}
	return res, nil
}

// UpdateStoryStatus moves a story, recomputes its project rollup and carries
// the new status to every linked workflow that can legally follow. Linked
// workflows that cannot follow are left as they are and logged; the
// consistency monitor reports the resulting divergence.
func (e Engine) UpdateStoryStatus(ctx context.Context, in domain.StoryStatusInput) (domain.StoryStatusChange, error) {
	if in.ActorID == "" {
		in.ActorID = "system"
	}
	at := in.OccurredAtUTC
	if at == "" {
		at = domain.FormatTime(e.now())
	}
	reason := normalizeReason(in.Reason)

	var (
		change  domain.StoryStatusChange
		skipped []string
	)
	err := e.Repo.InTx(ctx, "update_story_status", func(tx *sql.Tx) error {
		change = domain.StoryStatusChange{WorkflowUpdates: []domain.WorkflowTransitionResult{}}
		skipped = skipped[:0]

		story, err := e.Repo.GetStoryTx(ctx, tx, in.StoryID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("story %s: %w", in.StoryID, repo.ErrNotFound)
			}
			return err
		}
		if err := ensureTransition(story.Status, in.ToStatus); err != nil {
			return err
		}
		if err := e.Repo.UpdateStoryStatusTx(ctx, tx, story.ID, in.ToStatus, at); err != nil {
			return err
		}
		story.Status = in.ToStatus
		story.KanbanColumn = domain.KanbanColumnFor(in.ToStatus)
		story.UpdatedAt = at

		statuses, err := e.Repo.ListStoryStatusesTx(ctx, tx, story.ProjectID)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateProjectRollupTx(ctx, tx, story.ProjectID,
			domain.DeriveProjectStatus(statuses), domain.ProgressPct(statuses), domain.RiskFlag(statuses), at); err != nil {
			return err
		}
		project, err := e.Repo.GetProjectTx(ctx, tx, story.ProjectID)
		if err != nil {
			return err
		}

		linked, err := e.Repo.ListWorkflowsByStoryTx(ctx, tx, story.ID)
		if err != nil {
			return err
		}
		cascadeReason := reason
		if cascadeReason == nil {
			cascadeReason = domain.StringPtr(fmt.Sprintf("Story %s moved to %s", story.ID, in.ToStatus))
		}
		for _, w := range linked {
			if w.Status == in.ToStatus {
				continue
			}
			if !domain.CanTransition(w.Status, in.ToStatus) {
				skipped = append(skipped, fmt.Sprintf("%s(%s)", w.ID, w.Status))
				continue
			}
			res, err := e.transitionTx(ctx, tx, w, in.ToStatus, in.ActorID, cascadeReason, at)
			if err != nil {
				return err
			}
			change.WorkflowUpdates = append(change.WorkflowUpdates, res)
		}

		for _, m := range []domain.Module{domain.ModuleStory, domain.ModuleProject, domain.ModuleWorkflow} {
			if err := e.Repo.SetSyncStatusTx(ctx, tx, domain.SyncModuleStatus{
				Module: m, Status: domain.SyncOK, LastSuccessfulSyncAtUTC: &at, LastAttemptAtUTC: &at,
			}); err != nil {
				return err
			}
		}

		change.Story = story
		change.Project = project.ProjectSummary
		return e.events().Append(ctx, tx, events.Record{
			Type:       events.TypeStoryStatusChanged,
			ProjectID:  story.ProjectID,
			EntityKind: "story",
			EntityID:   story.ID,
			ActorID:    in.ActorID,
			Payload: events.EventPayload{
				"status":          story.Status,
				"reason":          reason,
				"workflowUpdates": len(change.WorkflowUpdates),
			},
		})
	})
	if err != nil {
		return domain.StoryStatusChange{}, err
	}
	if len(skipped) > 0 {
		e.logger().Warn("linked workflows not moved with story",
			"story_id", in.StoryID, "to_status", in.ToStatus, "workflows", strings.Join(skipped, ","))
	}
	return change, nil
}

func (e Engine) ListWorkflows(ctx context.Context, q domain.WorkflowQuery) (domain.WorkflowPage, error) {
	return e.Repo.ListWorkflows(ctx, q)
}

func (e Engine) ListProjects(ctx context.Context) ([]domain.ProjectSummary, error) {
	return e.Repo.ListProjects(ctx)
}

func (e Engine) ListStories(ctx context.Context, projectID string) ([]domain.StorySummary, error) {
	return e.Repo.ListStories(ctx, projectID)
}

func (e Engine) GetProjectContext(ctx context.Context, projectID string) (domain.ProjectContext, error) {
	return e.Repo.GetProjectContext(ctx, projectID)
}

func (e Engine) GetSyncStatus(ctx context.Context) ([]domain.SyncModuleStatus, error) {
	return e.Repo.GetSyncStatus(ctx)
}

// SetSyncStatus records a module's sync state and audits the change.
func (e Engine) SetSyncStatus(ctx context.Context, s domain.SyncModuleStatus) error {
	if s.LastAttemptAtUTC == nil {
		s.LastAttemptAtUTC = domain.StringPtr(domain.FormatTime(e.now()))
	}
	return e.Repo.InTx(ctx, "set_sync_status", func(tx *sql.Tx) error {
		if err := e.Repo.SetSyncStatusTx(ctx, tx, s); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, events.Record{
			Type:       events.TypeSyncStatusChanged,
			EntityKind: "sync",
			EntityID:   string(s.Module),
			ActorID:    "system",
			Payload:    s,
		})
	})
}

// KanbanBoard groups stories into the fixed board columns. An empty
// projectID spans every project.
func (e Engine) KanbanBoard(ctx context.Context, projectID string) (domain.KanbanBoard, error) {
	if projectID != "" {
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			return domain.KanbanBoard{}, err
		}
	}
	stories, err := e.Repo.ListStories(ctx, projectID)
	if err != nil {
		return domain.KanbanBoard{}, err
	}
	projects, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return domain.KanbanBoard{}, err
	}
	names := make(map[string]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}

	editable := e.Config != nil && e.Config.Kanban.Editable
	board := domain.KanbanBoard{
		ReadOnly:           !editable,
		Editable:           editable,
		EditableModeReason: "Kanban editing is disabled by workspace configuration.",
		GeneratedAt:        domain.FormatTime(e.now()),
	}
	if editable {
		board.EditableModeReason = "Kanban editing is enabled by workspace configuration."
	}
	if projectID != "" {
		board.ProjectID = &projectID
	}
	for _, spec := range domain.KanbanColumns {
		col := domain.KanbanColumn{ID: spec.ID, Title: spec.Title, Statuses: spec.Statuses, Cards: []domain.KanbanCard{}}
		for _, s := range stories {
			if s.KanbanColumn != spec.ID {
				continue
			}
			col.Cards = append(col.Cards, domain.KanbanCard{
				StoryID:     s.ID,
				ProjectID:   s.ProjectID,
				ProjectName: names[s.ProjectID],
				Title:       s.Title,
				OwnerID:     s.OwnerID,
				Status:      s.Status,
				UpdatedAt:   s.UpdatedAt,
			})
		}
		board.Columns = append(board.Columns, col)
	}
	return board, nil
}
