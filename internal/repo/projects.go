package repo

import (
	"context"
	"database/sql"
	"errors"

	"syncline/internal/domain"
)

const projectColumns = `id,name,owner_id,status,progress_pct,due_at,risk_flag,updated_at,description`

func (r Repo) scanProject(row rowScanner) (domain.ProjectDetail, error) {
	var p domain.ProjectDetail
	var due sql.NullString
	var risk int
	err := row.Scan(&p.ID, &p.Name, &p.OwnerID, &p.Status, &p.ProgressPct, &due, &risk, &p.UpdatedAt, &p.Description)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.DueAt = stringPtr(due)
	p.RiskFlag = risk != 0
	p.IsOverdue = domain.IsOverdue(p.DueAt, p.Status, r.now())
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.ProjectDetail) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.OwnerID, string(p.Status), p.ProgressPct, nullableStringPtr(p.DueAt), boolInt(p.RiskFlag), p.UpdatedAt, p.Description)
	return err
}

func (r Repo) CountProjects(ctx context.Context) (int, error) {
	var n int
	err := r.retry(ctx, "count_projects", func() error {
		return r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n)
	})
	return n, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.ProjectSummary, error) {
	var res []domain.ProjectSummary
	err := r.retry(ctx, "list_projects", func() error {
		res = []domain.ProjectSummary{}
		rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := r.scanProject(rows)
			if err != nil {
				return err
			}
			res = append(res, p.ProjectSummary)
		}
		return rows.Err()
	})
	return res, err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.ProjectDetail, error) {
	var p domain.ProjectDetail
	err := r.retry(ctx, "get_project", func() error {
		var err error
		p, err = r.scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
		return err
	})
	return p, err
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProjectDetail, error) {
	return r.scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

// UpdateProjectRollupTx stores the derived status, progress and risk of a
// project.
func (r Repo) UpdateProjectRollupTx(ctx context.Context, tx *sql.Tx, id string, status domain.Status, progress int, risk bool, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, progress_pct=?, risk_flag=?, updated_at=? WHERE id=?`,
		string(status), progress, boolInt(risk), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProjectContext loads a project with its stories, workflows and documents
// in one consistent read.
func (r Repo) GetProjectContext(ctx context.Context, projectID string) (domain.ProjectContext, error) {
	var out domain.ProjectContext
	err := r.readTx(ctx, "get_project_context", func(q querier) error {
		project, err := r.scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, projectID))
		if err != nil {
			return err
		}
		stories, err := queryStories(ctx, q, `SELECT `+storyColumns+` FROM stories WHERE project_id=? ORDER BY id`, projectID)
		if err != nil {
			return err
		}
		workflows, err := queryWorkflows(ctx, q, `SELECT `+workflowColumns+` FROM workflows WHERE project_id=? ORDER BY id`, projectID)
		if err != nil {
			return err
		}
		docs, err := queryDocuments(ctx, q, `SELECT `+documentColumns+` FROM documents WHERE project_id=? ORDER BY id`, projectID)
		if err != nil {
			return err
		}
		out = domain.ProjectContext{
			Project:   project,
			Stories:   orEmpty(stories),
			Workflows: orEmpty(workflows),
			Documents: orEmpty(docs),
		}
		return nil
	})
	return out, err
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

const storyColumns = `id,project_id,title,owner_id,status,kanban_column,updated_at`

func scanStory(row rowScanner) (domain.StorySummary, error) {
	var s domain.StorySummary
	err := row.Scan(&s.ID, &s.ProjectID, &s.Title, &s.OwnerID, &s.Status, &s.KanbanColumn, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

func queryStories(ctx context.Context, q querier, query string, args ...any) ([]domain.StorySummary, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StorySummary
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertStoryTx(ctx context.Context, tx *sql.Tx, s domain.StorySummary) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stories(`+storyColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Title, s.OwnerID, string(s.Status), s.KanbanColumn, s.UpdatedAt)
	return err
}

// ListStories returns stories most recently updated first. An empty
// projectID lists every project.
func (r Repo) ListStories(ctx context.Context, projectID string) ([]domain.StorySummary, error) {
	var res []domain.StorySummary
	err := r.retry(ctx, "list_stories", func() error {
		var err error
		if projectID == "" {
			res, err = queryStories(ctx, r.DB, `SELECT `+storyColumns+` FROM stories ORDER BY updated_at DESC, id`)
		} else {
			res, err = queryStories(ctx, r.DB, `SELECT `+storyColumns+` FROM stories WHERE project_id=? ORDER BY updated_at DESC, id`, projectID)
		}
		return err
	})
	return orEmpty(res), err
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.StorySummary, error) {
	var s domain.StorySummary
	err := r.retry(ctx, "get_story", func() error {
		var err error
		s, err = scanStory(r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id))
		return err
	})
	return s, err
}

func (r Repo) GetStoryTx(ctx context.Context, tx *sql.Tx, id string) (domain.StorySummary, error) {
	return scanStory(tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id))
}

func (r Repo) UpdateStoryStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.Status, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status=?, kanban_column=?, updated_at=? WHERE id=?`,
		string(status), domain.KanbanColumnFor(status), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStoryStatusesTx returns the status of every story in a project.
func (r Repo) ListStoryStatusesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Status, error) {
	rows, err := tx.QueryContext(ctx, `SELECT status FROM stories WHERE project_id=? ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Status
	for rows.Next() {
		var s domain.Status
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) InsertDocumentTx(ctx context.Context, tx *sql.Tx, d domain.DocumentReference) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,project_id,story_id,title,mime_type) VALUES (?,?,?,?,?)`,
		d.ID, d.ProjectID, nullableStringPtr(d.StoryID), d.Title, d.MimeType)
	return err
}

const documentColumns = `id,project_id,story_id,title,mime_type`

func queryDocuments(ctx context.Context, q querier, query string, args ...any) ([]domain.DocumentReference, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentReference
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func scanDocument(row rowScanner) (domain.DocumentReference, error) {
	var d domain.DocumentReference
	var story sql.NullString
	err := row.Scan(&d.ID, &d.ProjectID, &story, &d.Title, &d.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	d.StoryID = stringPtr(story)
	return d, err
}

// ListDocuments returns documents ordered by id. Empty filters match
// everything.
func (r Repo) ListDocuments(ctx context.Context, projectID, storyID string) ([]domain.DocumentReference, error) {
	var res []domain.DocumentReference
	err := r.retry(ctx, "list_documents", func() error {
		var err error
		res, err = queryDocuments(ctx, r.DB, `SELECT `+documentColumns+` FROM documents
WHERE (?='' OR project_id=?) AND (?='' OR story_id=?) ORDER BY id`, projectID, projectID, storyID, storyID)
		return err
	})
	return orEmpty(res), err
}

func (r Repo) GetDocument(ctx context.Context, id string) (domain.DocumentReference, error) {
	var d domain.DocumentReference
	err := r.retry(ctx, "get_document", func() error {
		var err error
		d, err = scanDocument(r.DB.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id))
		return err
	})
	return d, err
}
