package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"syncline/internal/domain"
	"syncline/internal/events"
)

const lineageEventLimit = 20

// Lineage sources.
const (
	LineageWorkflowTransition = "workflow_transition"
	LineageStoryStatus        = "story_status"
	LineageReadModel          = "read_model"
)

// ResolveLineage resolves a lineage reference carried by a realtime event
// (workflow-transition:<id>, story-status:<story>:<at>) or by a read model
// row (workflow:, story:, project:). Unknown or malformed references are
// ErrNotFound.
func (r Repo) ResolveLineage(ctx context.Context, ref string) (domain.Lineage, error) {
	kind, rest, ok := strings.Cut(ref, ":")
	if !ok || rest == "" {
		return domain.Lineage{}, ErrNotFound
	}
	switch kind {
	case "workflow-transition":
		return r.transitionLineage(ctx, ref, rest)
	case "story-status":
		storyID, at, ok := strings.Cut(rest, ":")
		if !ok || storyID == "" {
			return domain.Lineage{}, ErrNotFound
		}
		if _, err := domain.ParseTime(at); err != nil {
			return domain.Lineage{}, ErrNotFound
		}
		return r.storyLineage(ctx, ref, storyID)
	case "workflow", "story", "project":
		return r.readModelLineage(ctx, ref, kind)
	}
	return domain.Lineage{}, ErrNotFound
}

func (r Repo) transitionLineage(ctx context.Context, ref, transitionID string) (domain.Lineage, error) {
	out := domain.Lineage{LineageRef: ref, Source: LineageWorkflowTransition, EntityKind: "workflow"}
	err := r.retry(ctx, "lineage_transition", func() error {
		var t domain.Transition
		var from, reason sql.NullString
		err := r.DB.QueryRowContext(ctx, `SELECT t.id,t.workflow_id,t.from_status,t.to_status,t.occurred_at_utc,t.actor_id,t.reason,w.project_id,w.status
FROM workflow_transitions t JOIN workflows w ON w.id=t.workflow_id WHERE t.id=?`, transitionID).
			Scan(&t.ID, &t.WorkflowID, &from, &t.ToStatus, &t.OccurredAtUTC, &t.ActorID, &reason, &out.ProjectID, &out.Status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		t.FromStatus = statusPtr(from)
		t.Reason = stringPtr(reason)
		out.Transition = &t
		out.EntityID = t.WorkflowID
		return nil
	})
	if err != nil {
		return domain.Lineage{}, err
	}
	out.Events, err = r.queryEvents(ctx, "lineage_events", `SELECT `+eventColumns+` FROM events
WHERE type=? AND entity_kind='workflow' AND entity_id=? AND json_extract(payload_json,'$.transition.id')=?
ORDER BY id DESC LIMIT ?`, events.TypeWorkflowTransitioned, out.EntityID, transitionID, lineageEventLimit)
	return out, err
}

func (r Repo) storyLineage(ctx context.Context, ref, storyID string) (domain.Lineage, error) {
	story, err := r.GetStory(ctx, storyID)
	if err != nil {
		return domain.Lineage{}, err
	}
	out := domain.Lineage{
		LineageRef: ref,
		Source:     LineageStoryStatus,
		EntityKind: "story",
		EntityID:   story.ID,
		ProjectID:  story.ProjectID,
		Status:     story.Status,
	}
	out.Events, err = r.queryEvents(ctx, "lineage_events", `SELECT `+eventColumns+` FROM events
WHERE type=? AND entity_kind='story' AND entity_id=? ORDER BY id DESC LIMIT ?`,
		events.TypeStoryStatusChanged, story.ID, lineageEventLimit)
	return out, err
}

var readModelTables = map[string]struct{ table, idColumn, projectColumn string }{
	"workflow": {"workflow_read_model", "workflow_id", "project_id"},
	"story":    {"story_read_model", "story_id", "project_id"},
	"project":  {"project_read_model", "project_id", "project_id"},
}

func (r Repo) readModelLineage(ctx context.Context, ref, kind string) (domain.Lineage, error) {
	rm := readModelTables[kind]
	out := domain.Lineage{LineageRef: ref, Source: LineageReadModel, EntityKind: kind}
	err := r.retry(ctx, "lineage_read_model", func() error {
		var refreshed string
		query := fmt.Sprintf(`SELECT %s,%s,status,refreshed_at FROM %s WHERE lineage_ref=?`, rm.idColumn, rm.projectColumn, rm.table)
		err := r.DB.QueryRowContext(ctx, query, ref).Scan(&out.EntityID, &out.ProjectID, &out.Status, &refreshed)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		out.RefreshedAt = &refreshed
		return err
	})
	if err != nil {
		return domain.Lineage{}, err
	}
	if kind == "project" {
		out.Events, err = r.queryEvents(ctx, "lineage_events", `SELECT `+eventColumns+` FROM events
WHERE project_id=? ORDER BY id DESC LIMIT ?`, out.ProjectID, lineageEventLimit)
	} else {
		out.Events, err = r.queryEvents(ctx, "lineage_events", `SELECT `+eventColumns+` FROM events
WHERE entity_kind=? AND entity_id=? ORDER BY id DESC LIMIT ?`, kind, out.EntityID, lineageEventLimit)
	}
	return out, err
}
