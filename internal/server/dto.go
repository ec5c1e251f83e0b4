package server

import (
	"syncline/internal/domain"
)

// Request payloads

type TransitionRequest struct {
	ToStatus domain.Status `json:"toStatus" enum:"queued,in_progress,blocked,failed,done,canceled"`
	Reason   *string       `json:"reason,omitempty" maxLength:"500"`
}

type StoryStatusRequest struct {
	Status domain.Status `json:"status" enum:"queued,in_progress,blocked,failed,done,canceled"`
	Reason *string       `json:"reason,omitempty" maxLength:"500"`
}

// Response payloads

type HealthChecks struct {
	API       string `json:"api" enum:"up"`
	DB        string `json:"db" enum:"up,down"`
	WebSocket string `json:"websocket" enum:"up,down"`
}

type HealthResponse struct {
	Service   string       `json:"service"`
	Status    string       `json:"status" enum:"ok,degraded"`
	Checks    HealthChecks `json:"checks"`
	Timestamp string       `json:"timestamp" format:"date-time"`
}

type StatusModelResponse struct {
	Statuses           []domain.Status                   `json:"statuses"`
	AllowedTransitions map[domain.Status][]domain.Status `json:"allowedTransitions,omitempty"`
}

type TransitionListResponse struct {
	Items      []domain.Transition `json:"items"`
	WorkflowID string              `json:"workflowId"`
}

type ProjectListResponse struct {
	Items []domain.ProjectSummary `json:"items"`
	Total int                     `json:"total"`
}

type DocumentListResponse struct {
	Items []domain.DocumentReference `json:"items"`
	Total int                        `json:"total"`
}

type RealtimeStatusResponse struct {
	Version           int64   `json:"version"`
	LogSize           int     `json:"logSize"`
	LogCapacity       int     `json:"logCapacity"`
	Sessions          int     `json:"sessions"`
	StaleSessionRatio float64 `json:"staleSessionRatio"`
	HeartbeatTimeout  string  `json:"heartbeatTimeout"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"projectId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    any    `json:"payload"`
}

type EventPage struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// envelope wraps every successful body as {"data": ...}.
type envelope[T any] struct {
	Body struct {
		Data T `json:"data"`
	}
}

func wrap[T any](v T) *envelope[T] {
	out := &envelope[T]{}
	out.Body.Data = v
	return out
}
