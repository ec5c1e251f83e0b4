package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"syncline/internal/domain"
)

// ClientMessage is the decoded form of any client to server message. Fields
// not used by Type stay zero.
type ClientMessage struct {
	Type           string   `json:"type"`
	Token          string   `json:"token,omitempty"`
	Topics         []string `json:"topics,omitempty"`
	TS             string   `json:"ts,omitempty"`
	LastAckEventID *string  `json:"lastAckEventId,omitempty"`
}

// SafeParseMessage decodes raw client input. It never panics; anything that
// is not a JSON object with a string type field is rejected.
func SafeParseMessage(raw []byte) (ClientMessage, bool) {
	var msg ClientMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, false
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return ClientMessage{}, false
	}
	if msg.Type == "" {
		return ClientMessage{}, false
	}
	return msg, true
}

// ServerMessage is the decoded form of any server to client message.
type ServerMessage struct {
	Type   string        `json:"type"`
	Module domain.Module `json:"module,omitempty"`

	Version     int64           `json:"version,omitempty"`
	GeneratedAt string          `json:"generatedAt,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`

	EventID    string          `json:"eventId,omitempty"`
	EntityType string          `json:"entityType,omitempty"`
	EntityID   string          `json:"entityId,omitempty"`
	EventType  string          `json:"eventType,omitempty"`
	OccurredAt string          `json:"occurredAt,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	LineageRef string          `json:"lineageRef,omitempty"`

	IsStale                bool    `json:"isStale,omitempty"`
	LastSuccessfulUpdateAt *string `json:"lastSuccessfulUpdateAt,omitempty"`
	Reason                 string  `json:"reason,omitempty"`

	Status               domain.SyncState `json:"status,omitempty"`
	LastSuccessfulSyncAt *string          `json:"lastSuccessfulSyncAt,omitempty"`
	Error                *string          `json:"error,omitempty"`

	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`
}

// ParseServerMessage decodes a server frame; malformed frames return false.
func ParseServerMessage(raw []byte) (ServerMessage, bool) {
	var msg ServerMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, false
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil || msg.Type == "" {
		return ServerMessage{}, false
	}
	return msg, true
}

type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

type SubscribeMessage struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type HeartbeatMessage struct {
	Type string `json:"type"`
	TS   string `json:"ts"`
}

type ResyncRequestMessage struct {
	Type           string  `json:"type"`
	LastAckEventID *string `json:"lastAckEventId"`
}

func NewAuth(token string) AuthMessage {
	return AuthMessage{Type: TypeAuth, Token: token}
}

func NewSubscribe(topics []domain.Module) SubscribeMessage {
	names := make([]string, len(topics))
	for i, t := range topics {
		names[i] = string(t)
	}
	return SubscribeMessage{Type: TypeSubscribe, Topics: names}
}

func NewHeartbeat(now time.Time) HeartbeatMessage {
	return HeartbeatMessage{Type: TypeHeartbeat, TS: domain.FormatTime(now)}
}

func NewResyncRequest(lastAck *string) ResyncRequestMessage {
	return ResyncRequestMessage{Type: TypeResyncRequest, LastAckEventID: lastAck}
}
