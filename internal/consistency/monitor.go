// Package consistency compares each story's status with the status of the
// workflows linked to it and reports divergence as warnings.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"syncline/internal/domain"
	"syncline/internal/repo"
)

type Source interface {
	GetSyncStatus(ctx context.Context) ([]domain.SyncModuleStatus, error)
	ListProjects(ctx context.Context) ([]domain.ProjectSummary, error)
	GetProjectContext(ctx context.Context, projectID string) (domain.ProjectContext, error)
}

type Recorder interface {
	IncConsistencyFailure(module string)
}

type Monitor struct {
	Source  Source
	Metrics Recorder
	Now     func() time.Time
	Logger  *slog.Logger
}

func New(src Source, rec Recorder) *Monitor {
	return &Monitor{Source: src, Metrics: rec, Now: time.Now, Logger: slog.Default()}
}

// Check builds a fresh sync status payload. Nothing is cached between calls.
func (m *Monitor) Check(ctx context.Context) (domain.SyncStatusPayload, error) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	modules, err := m.Source.GetSyncStatus(ctx)
	if err != nil {
		return domain.SyncStatusPayload{}, fmt.Errorf("load sync status: %w", err)
	}
	lastSync := make(map[domain.Module]*string, len(modules))
	for _, s := range modules {
		lastSync[s.Module] = s.LastSuccessfulSyncAtUTC
	}

	projects, err := m.Source.ListProjects(ctx)
	if err != nil {
		return domain.SyncStatusPayload{}, fmt.Errorf("list projects: %w", err)
	}

	warnings := []domain.ConsistencyWarning{}
	for _, p := range projects {
		pc, err := m.Source.GetProjectContext(ctx, p.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return domain.SyncStatusPayload{}, fmt.Errorf("load project %s: %w", p.ID, err)
		}
		warnings = append(warnings, compare(pc, lastSync)...)
	}

	for _, w := range warnings {
		if m.Metrics != nil {
			m.Metrics.IncConsistencyFailure(string(w.Module))
		}
	}
	if len(warnings) > 0 && m.Logger != nil {
		m.Logger.Debug("consistency warnings", "count", len(warnings))
	}
	if modules == nil {
		modules = []domain.SyncModuleStatus{}
	}
	return domain.SyncStatusPayload{
		Modules:      modules,
		Warnings:     warnings,
		CheckedAtUTC: domain.FormatTime(now()),
	}, nil
}

func compare(pc domain.ProjectContext, lastSync map[domain.Module]*string) []domain.ConsistencyWarning {
	stories := make(map[string]domain.StorySummary, len(pc.Stories))
	for _, s := range pc.Stories {
		stories[s.ID] = s
	}
	var out []domain.ConsistencyWarning
	for _, w := range pc.Workflows {
		if w.StoryID == nil {
			continue
		}
		story, ok := stories[*w.StoryID]
		if !ok {
			out = append(out, domain.ConsistencyWarning{
				Module:                  domain.ModuleStory,
				Message:                 fmt.Sprintf("Workflow %s references missing story %s", w.ID, *w.StoryID),
				LastSuccessfulSyncAtUTC: lastSync[domain.ModuleStory],
			})
			continue
		}
		if story.Status != w.Status {
			out = append(out, domain.ConsistencyWarning{
				Module:                  domain.ModuleWorkflow,
				Message:                 fmt.Sprintf("Story %s is %s while workflow %s is %s", story.ID, story.Status, w.ID, w.Status),
				LastSuccessfulSyncAtUTC: lastSync[domain.ModuleWorkflow],
			})
		}
	}
	return out
}
