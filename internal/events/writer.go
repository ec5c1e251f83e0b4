package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"syncline/internal/domain"
)

// Audit event types.
const (
	TypeWorkflowTransitioned = "workflow.transitioned"
	TypeStoryStatusChanged   = "story.status_changed"
	TypeSyncStatusChanged    = "sync.status_changed"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one audit row waiting to be written.
type Record struct {
	Type       string
	ProjectID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    any
}

// Append writes rec inside tx so the audit trail commits or rolls back with
// the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(w.Now()), rec.Type, nullable(rec.ProjectID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
