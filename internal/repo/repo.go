package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncline/internal/domain"
)

// Repo is the SQLite-backed store. Every exported read and every InTx call
// runs under the busy retry policy.
type Repo struct {
	DB    *sql.DB
	Retry RetryConfig
	Now   func() time.Time
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// InTx runs fn in a write transaction, retrying the whole transaction when
// SQLite reports a transient lock error. fn may run more than once.
func (r Repo) InTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return r.retry(ctx, op, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// readTx runs fn inside a deferred transaction on one pooled connection.
// The reads share a snapshot and never take the write lock, which the
// immediate transactions of InTx always do.
func (r Repo) readTx(ctx context.Context, op string, fn func(q querier) error) error {
	return r.retry(ctx, op, func() error {
		conn, err := r.DB.Conn(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		if _, err := conn.ExecContext(ctx, `BEGIN DEFERRED`); err != nil {
			return err
		}
		if err := fn(conn); err != nil {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
			return err
		}
		if _, err := conn.ExecContext(context.Background(), `COMMIT`); err != nil {
			_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
			return err
		}
		return nil
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func statusPtr(v sql.NullString) *domain.Status {
	if !v.Valid {
		return nil
	}
	s := domain.Status(v.String)
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const workflowColumns = `id,project_id,story_id,name,owner_id,status,last_transition_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.WorkflowReference, error) {
	var w domain.WorkflowReference
	var storyID sql.NullString
	err := row.Scan(&w.ID, &w.ProjectID, &storyID, &w.Name, &w.OwnerID, &w.Status, &w.LastTransitionAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	w.StoryID = stringPtr(storyID)
	return w, err
}

func queryWorkflows(ctx context.Context, q querier, query string, args ...any) ([]domain.WorkflowReference, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowReference
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ListWorkflows returns one page of workflows, most recently transitioned
// first, together with the total count for the filter.
func (r Repo) ListWorkflows(ctx context.Context, f domain.WorkflowQuery) (domain.WorkflowPage, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")

	out := domain.WorkflowPage{Page: page, PageSize: size, Items: []domain.WorkflowSummary{}}
	err := r.retry(ctx, "list_workflows", func() error {
		if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflows `+where, args...).Scan(&out.Total); err != nil {
			return err
		}
		query := fmt.Sprintf(`SELECT %s FROM workflows %s ORDER BY last_transition_at DESC, id ASC LIMIT ? OFFSET ?`, workflowColumns, where)
		refs, err := queryWorkflows(ctx, r.DB, query, append(append([]any{}, args...), size, (page-1)*size)...)
		if err != nil {
			return err
		}
		out.Items = out.Items[:0]
		for _, w := range refs {
			out.Items = append(out.Items, w.Summary())
		}
		return nil
	})
	return out, err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.WorkflowReference, error) {
	var w domain.WorkflowReference
	err := r.retry(ctx, "get_workflow", func() error {
		var err error
		w, err = getWorkflow(ctx, r.DB, id)
		return err
	})
	return w, err
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowReference, error) {
	return getWorkflow(ctx, tx, id)
}

func getWorkflow(ctx context.Context, q querier, id string) (domain.WorkflowReference, error) {
	return scanWorkflow(q.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

// ListWorkflowsByStoryTx returns the workflows linked to a story.
func (r Repo) ListWorkflowsByStoryTx(ctx context.Context, tx *sql.Tx, storyID string) ([]domain.WorkflowReference, error) {
	return queryWorkflows(ctx, tx, `SELECT `+workflowColumns+` FROM workflows WHERE story_id=? ORDER BY id`, storyID)
}

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.WorkflowReference) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, nullableStringPtr(w.StoryID), w.Name, w.OwnerID, string(w.Status), w.LastTransitionAt)
	return err
}

func (r Repo) UpdateWorkflowStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.Status, at string) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET status=?, last_transition_at=? WHERE id=?`, string(status), at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	var from any
	if t.FromStatus != nil {
		from = string(*t.FromStatus)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_transitions(id,workflow_id,from_status,to_status,occurred_at_utc,actor_id,reason) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.WorkflowID, from, string(t.ToStatus), t.OccurredAtUTC, t.ActorID, nullableStringPtr(t.Reason))
	return err
}

// ListWorkflowTransitions returns the most recent limit transitions of a
// workflow in chronological order.
func (r Repo) ListWorkflowTransitions(ctx context.Context, workflowID string, limit int) ([]domain.Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Transition
	err := r.retry(ctx, "list_transitions", func() error {
		res = nil
		if _, err := getWorkflow(ctx, r.DB, workflowID); err != nil {
			return err
		}
		rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,from_status,to_status,occurred_at_utc,actor_id,reason FROM (
  SELECT * FROM workflow_transitions WHERE workflow_id=? ORDER BY occurred_at_utc DESC, id DESC LIMIT ?
) ORDER BY occurred_at_utc ASC, id ASC`, workflowID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var t domain.Transition
			var from, reason sql.NullString
			if err := rows.Scan(&t.ID, &t.WorkflowID, &from, &t.ToStatus, &t.OccurredAtUTC, &t.ActorID, &reason); err != nil {
				return err
			}
			t.FromStatus = statusPtr(from)
			t.Reason = stringPtr(reason)
			res = append(res, t)
		}
		return rows.Err()
	})
	if res == nil && err == nil {
		res = []domain.Transition{}
	}
	return res, err
}
