// Package protocol defines the JSON messages exchanged on the realtime
// socket and the helpers both ends use to build and parse them.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"syncline/internal/domain"
)

// Client to server message types.
const (
	TypeAuth          = "auth"
	TypeSubscribe     = "subscribe"
	TypeHeartbeat     = "heartbeat"
	TypeResyncRequest = "resync_request"
)

// Server to client message types.
const (
	TypeSnapshot   = "snapshot"
	TypeEvent      = "event"
	TypeStaleState = "stale_state"
	TypeSyncStatus = "sync_status"
	TypeError      = "error"
)

// Stale state reasons.
const (
	ReasonAwaitingSubscription = "awaiting_subscription"
	ReasonHeartbeatTimeout     = "heartbeat_timeout"
	ReasonFreshEventReceived   = "fresh_event_received"
)

// Error codes.
const (
	CodeBadMessage             = "BAD_MESSAGE"
	CodeUnsupportedMessageType = "UNSUPPORTED_MESSAGE_TYPE"
	CodeAuthFailed             = "AUTH_FAILED"
)

// Realtime event types carried in EventMessage.EventType.
const (
	EventWorkflowTransition = "workflow_transition"
	EventStoryStatusChanged = "story_status_changed"
)

// CloseHeartbeatTimeout is the websocket close code sent to sessions that
// stopped heartbeating.
const CloseHeartbeatTimeout = 4000

// Topics are the modules a session may subscribe to, in announcement order.
var Topics = []domain.Module{
	domain.ModuleWorkflow,
	domain.ModuleStory,
	domain.ModuleProject,
	domain.ModuleSync,
}

func IsTopic(m domain.Module) bool {
	for _, t := range Topics {
		if t == m {
			return true
		}
	}
	return false
}

// CarriesEvents reports whether the hub publishes events for a topic. Other
// topics are refreshed by snapshot only.
func CarriesEvents(m domain.Module) bool {
	return m == domain.ModuleWorkflow || m == domain.ModuleStory
}

// Outbound is any server to client message.
type Outbound interface {
	MessageType() string
}

type SnapshotMessage struct {
	Type        string          `json:"type"`
	Module      domain.Module   `json:"module"`
	Version     int64           `json:"version"`
	GeneratedAt string          `json:"generatedAt"`
	Data        json.RawMessage `json:"data"`
}

func (SnapshotMessage) MessageType() string { return TypeSnapshot }

type EventMessage struct {
	Type       string          `json:"type"`
	EventID    string          `json:"eventId"`
	Module     domain.Module   `json:"module"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	EventType  string          `json:"eventType"`
	OccurredAt string          `json:"occurredAt"`
	Payload    json.RawMessage `json:"payload"`
	LineageRef string          `json:"lineageRef"`

	// Seq orders events within one hub; it never leaves the process.
	Seq uint64 `json:"-"`
}

func (EventMessage) MessageType() string { return TypeEvent }

type StaleStateMessage struct {
	Type                   string        `json:"type"`
	Module                 domain.Module `json:"module"`
	IsStale                bool          `json:"isStale"`
	LastSuccessfulUpdateAt *string       `json:"lastSuccessfulUpdateAt"`
	Reason                 string        `json:"reason"`
}

func (StaleStateMessage) MessageType() string { return TypeStaleState }

type SyncStatusMessage struct {
	Type                 string           `json:"type"`
	Module               domain.Module    `json:"module"`
	Status               domain.SyncState `json:"status"`
	LastSuccessfulSyncAt *string          `json:"lastSuccessfulSyncAt"`
	Error                *string          `json:"error"`
}

func (SyncStatusMessage) MessageType() string { return TypeSyncStatus }

type ErrorMessage struct {
	Type         string            `json:"type"`
	Code         string            `json:"code"`
	Message      string            `json:"message"`
	Recoverable  bool              `json:"recoverable"`
	RequestID    *string           `json:"requestId"`
	TimestampUTC string            `json:"timestampUtc"`
	Context      map[string]string `json:"context,omitempty"`
}

func (ErrorMessage) MessageType() string { return TypeError }

func NewSnapshot(module domain.Module, version int64, data json.RawMessage, now time.Time) SnapshotMessage {
	return SnapshotMessage{
		Type:        TypeSnapshot,
		Module:      module,
		Version:     version,
		GeneratedAt: domain.FormatTime(now),
		Data:        data,
	}
}

// NewSyncStatus announces a module's sync phase. Only the ok phase stamps a
// last successful sync time.
func NewSyncStatus(module domain.Module, status domain.SyncState, now time.Time) SyncStatusMessage {
	msg := SyncStatusMessage{Type: TypeSyncStatus, Module: module, Status: status}
	if status == domain.SyncOK {
		msg.LastSuccessfulSyncAt = domain.StringPtr(domain.FormatTime(now))
	}
	return msg
}

// NewSyncStatusError reports a failed sync phase with its cause.
func NewSyncStatusError(module domain.Module, err error) SyncStatusMessage {
	return SyncStatusMessage{
		Type:   TypeSyncStatus,
		Module: module,
		Status: domain.SyncError,
		Error:  domain.StringPtr(err.Error()),
	}
}

func NewStaleState(module domain.Module, isStale bool, lastSuccessfulUpdateAt *string, reason string) StaleStateMessage {
	return StaleStateMessage{
		Type:                   TypeStaleState,
		Module:                 module,
		IsStale:                isStale,
		LastSuccessfulUpdateAt: lastSuccessfulUpdateAt,
		Reason:                 reason,
	}
}

func newError(code, message, action string, now time.Time) ErrorMessage {
	return ErrorMessage{
		Type:         TypeError,
		Code:         code,
		Message:      message,
		Recoverable:  true,
		TimestampUTC: domain.FormatTime(now),
		Context:      map[string]string{"action": action},
	}
}

func NewBadMessageError(now time.Time) ErrorMessage {
	return newError(CodeBadMessage, "Message payload is not valid JSON", "send_valid_json", now)
}

func NewUnsupportedMessageTypeError(msgType string, now time.Time) ErrorMessage {
	return newError(CodeUnsupportedMessageType, fmt.Sprintf("Unsupported message type %s", msgType), "send_supported_type", now)
}

func NewAuthFailedError(now time.Time) ErrorMessage {
	return newError(CodeAuthFailed, "Token was rejected; continuing unauthenticated", "refresh_token", now)
}

// ParseEventLatency returns how long ago an event occurred, in
// milliseconds, clamped at zero. ok is false for non-events and for events
// whose occurredAt does not parse.
func ParseEventLatency(msg Outbound, now time.Time) (ms int64, ok bool) {
	ev, isEvent := msg.(EventMessage)
	if !isEvent {
		if p, isPtr := msg.(*EventMessage); isPtr && p != nil {
			ev, isEvent = *p, true
		}
	}
	if !isEvent {
		return 0, false
	}
	occurred, err := domain.ParseTime(ev.OccurredAt)
	if err != nil {
		return 0, false
	}
	d := now.Sub(occurred).Milliseconds()
	if d < 0 {
		d = 0
	}
	return d, true
}
