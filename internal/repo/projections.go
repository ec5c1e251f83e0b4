package repo

import (
	"context"
	"database/sql"

	"syncline/internal/domain"
)

type ProjectionCounts struct {
	Workflows int `json:"workflows"`
	Stories   int `json:"stories"`
	Projects  int `json:"projects"`
}

// RefreshReadModels rebuilds the workflow, story and project read models from
// the source tables in one transaction. Each row carries a lineage reference
// naming the source row version it was built from.
func (r Repo) RefreshReadModels(ctx context.Context) (ProjectionCounts, error) {
	var counts ProjectionCounts
	at := domain.FormatTime(r.now())
	err := r.InTx(ctx, "refresh_read_models", func(tx *sql.Tx) error {
		var err error
		if counts.Workflows, err = refresh(ctx, tx, `DELETE FROM workflow_read_model`, `INSERT INTO workflow_read_model(workflow_id,project_id,story_id,status,last_transition_at,transition_count,lineage_ref,refreshed_at)
SELECT w.id, w.project_id, w.story_id, w.status, w.last_transition_at,
  (SELECT COUNT(*) FROM workflow_transitions t WHERE t.workflow_id=w.id),
  'workflow:' || w.id || ':' || w.last_transition_at, ?
FROM workflows w`, at); err != nil {
			return err
		}
		if counts.Stories, err = refresh(ctx, tx, `DELETE FROM story_read_model`, `INSERT INTO story_read_model(story_id,project_id,status,kanban_column,linked_workflows,lineage_ref,refreshed_at)
SELECT s.id, s.project_id, s.status, s.kanban_column,
  (SELECT COUNT(*) FROM workflows w WHERE w.story_id=s.id),
  'story:' || s.id || ':' || s.updated_at, ?
FROM stories s`, at); err != nil {
			return err
		}
		counts.Projects, err = refresh(ctx, tx, `DELETE FROM project_read_model`, `INSERT INTO project_read_model(project_id,status,progress_pct,risk_flag,story_count,workflow_count,lineage_ref,refreshed_at)
SELECT p.id, p.status, p.progress_pct, p.risk_flag,
  (SELECT COUNT(*) FROM stories s WHERE s.project_id=p.id),
  (SELECT COUNT(*) FROM workflows w WHERE w.project_id=p.id),
  'project:' || p.id || ':' || p.updated_at, ?
FROM projects p`, at)
		return err
	})
	return counts, err
}

func refresh(ctx context.Context, tx *sql.Tx, clear, fill string, at string) (int, error) {
	if _, err := tx.ExecContext(ctx, clear); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, fill, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReadModelLineage returns the lineage reference stored for a workflow's
// read model row.
func (r Repo) ReadModelLineage(ctx context.Context, workflowID string) (string, error) {
	var ref string
	err := r.retry(ctx, "read_model_lineage", func() error {
		err := r.DB.QueryRowContext(ctx, `SELECT lineage_ref FROM workflow_read_model WHERE workflow_id=?`, workflowID).Scan(&ref)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	})
	return ref, err
}
