// Package seed loads the demo dataset into an empty workspace.
package seed

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"syncline/internal/domain"
	"syncline/internal/repo"
)

//go:embed fixtures.yaml
var fixturesYAML []byte

type Fixtures struct {
	SeededAt string `yaml:"seeded_at"`
	Projects []struct {
		ID          string  `yaml:"id"`
		Name        string  `yaml:"name"`
		OwnerID     string  `yaml:"owner_id"`
		Status      string  `yaml:"status"`
		ProgressPct int     `yaml:"progress_pct"`
		DueAt       *string `yaml:"due_at"`
		RiskFlag    bool    `yaml:"risk_flag"`
		Description string  `yaml:"description"`
	} `yaml:"projects"`
	Stories []struct {
		ID        string `yaml:"id"`
		ProjectID string `yaml:"project_id"`
		Title     string `yaml:"title"`
		OwnerID   string `yaml:"owner_id"`
		Status    string `yaml:"status"`
		UpdatedAt string `yaml:"updated_at"`
	} `yaml:"stories"`
	Workflows []struct {
		ID               string  `yaml:"id"`
		ProjectID        string  `yaml:"project_id"`
		StoryID          *string `yaml:"story_id"`
		Name             string  `yaml:"name"`
		OwnerID          string  `yaml:"owner_id"`
		Status           string  `yaml:"status"`
		LastTransitionAt string  `yaml:"last_transition_at"`
	} `yaml:"workflows"`
	Transitions []struct {
		ID         string  `yaml:"id"`
		WorkflowID string  `yaml:"workflow_id"`
		From       *string `yaml:"from"`
		To         string  `yaml:"to"`
		At         string  `yaml:"at"`
		ActorID    string  `yaml:"actor_id"`
		Reason     *string `yaml:"reason"`
	} `yaml:"transitions"`
	Documents []struct {
		ID        string  `yaml:"id"`
		ProjectID string  `yaml:"project_id"`
		StoryID   *string `yaml:"story_id"`
		Title     string  `yaml:"title"`
		MimeType  string  `yaml:"mime_type"`
	} `yaml:"documents"`
	Sync []struct {
		Module      string  `yaml:"module"`
		Status      string  `yaml:"status"`
		StaleReason *string `yaml:"stale_reason"`
	} `yaml:"sync"`
}

// Load parses the embedded fixtures.
func Load() (Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(fixturesYAML, &f); err != nil {
		return f, fmt.Errorf("parse seed fixtures: %w", err)
	}
	return f, nil
}

// Apply inserts the demo dataset unless the workspace already has projects.
// It reports whether anything was written.
func Apply(ctx context.Context, r repo.Repo) (bool, error) {
	n, err := r.CountProjects(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	f, err := Load()
	if err != nil {
		return false, err
	}
	err = r.InTx(ctx, "seed", func(tx *sql.Tx) error {
		for _, p := range f.Projects {
			if err := r.InsertProjectTx(ctx, tx, domain.ProjectDetail{
				ProjectSummary: domain.ProjectSummary{
					ID: p.ID, Name: p.Name, OwnerID: p.OwnerID, Status: domain.Status(p.Status),
					ProgressPct: p.ProgressPct, DueAt: p.DueAt, RiskFlag: p.RiskFlag, UpdatedAt: f.SeededAt,
				},
				Description: p.Description,
			}); err != nil {
				return fmt.Errorf("seed project %s: %w", p.ID, err)
			}
		}
		for _, s := range f.Stories {
			status := domain.Status(s.Status)
			if err := r.InsertStoryTx(ctx, tx, domain.StorySummary{
				ID: s.ID, ProjectID: s.ProjectID, Title: s.Title, OwnerID: s.OwnerID,
				Status: status, KanbanColumn: domain.KanbanColumnFor(status), UpdatedAt: s.UpdatedAt,
			}); err != nil {
				return fmt.Errorf("seed story %s: %w", s.ID, err)
			}
		}
		for _, w := range f.Workflows {
			if err := r.InsertWorkflowTx(ctx, tx, domain.WorkflowReference{
				ID: w.ID, ProjectID: w.ProjectID, StoryID: w.StoryID, Name: w.Name, OwnerID: w.OwnerID,
				Status: domain.Status(w.Status), LastTransitionAt: w.LastTransitionAt,
			}); err != nil {
				return fmt.Errorf("seed workflow %s: %w", w.ID, err)
			}
		}
		for _, t := range f.Transitions {
			var from *domain.Status
			if t.From != nil {
				s := domain.Status(*t.From)
				from = &s
			}
			if err := r.InsertTransitionTx(ctx, tx, domain.Transition{
				ID: t.ID, WorkflowID: t.WorkflowID, FromStatus: from, ToStatus: domain.Status(t.To),
				OccurredAtUTC: t.At, ActorID: t.ActorID, Reason: t.Reason,
			}); err != nil {
				return fmt.Errorf("seed transition %s: %w", t.ID, err)
			}
		}
		for _, d := range f.Documents {
			if err := r.InsertDocumentTx(ctx, tx, domain.DocumentReference{
				ID: d.ID, ProjectID: d.ProjectID, StoryID: d.StoryID, Title: d.Title, MimeType: d.MimeType,
			}); err != nil {
				return fmt.Errorf("seed document %s: %w", d.ID, err)
			}
		}
		for _, s := range f.Sync {
			at := f.SeededAt
			if err := r.SetSyncStatusTx(ctx, tx, domain.SyncModuleStatus{
				Module: domain.Module(s.Module), Status: domain.SyncState(s.Status),
				LastSuccessfulSyncAtUTC: &at, LastAttemptAtUTC: &at, StaleReason: s.StaleReason,
			}); err != nil {
				return fmt.Errorf("seed sync state %s: %w", s.Module, err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
