package domain

type WorkflowSummary struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	OwnerID          string `json:"ownerId"`
	Status           Status `json:"status" enum:"queued,in_progress,blocked,failed,done,canceled"`
	LastTransitionAt string `json:"lastTransitionAt" format:"date-time"`
}

type WorkflowReference struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"projectId"`
	StoryID          *string `json:"storyId"`
	Name             string  `json:"name"`
	OwnerID          string  `json:"ownerId"`
	Status           Status  `json:"status"`
	LastTransitionAt string  `json:"lastTransitionAt" format:"date-time"`
}

// Summary drops the project and story linkage.
func (w WorkflowReference) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:               w.ID,
		Name:             w.Name,
		OwnerID:          w.OwnerID,
		Status:           w.Status,
		LastTransitionAt: w.LastTransitionAt,
	}
}

type Transition struct {
	ID            string  `json:"id"`
	WorkflowID    string  `json:"workflowId"`
	FromStatus    *Status `json:"fromStatus"`
	ToStatus      Status  `json:"toStatus"`
	OccurredAtUTC string  `json:"occurredAtUtc" format:"date-time"`
	ActorID       string  `json:"actorId"`
	Reason        *string `json:"reason"`
}

type WorkflowTransitionResult struct {
	Workflow   WorkflowSummary `json:"workflow"`
	Transition Transition      `json:"transition"`
}

type StorySummary struct {
	ID           string `json:"id"`
	ProjectID    string `json:"projectId"`
	Title        string `json:"title"`
	OwnerID      string `json:"ownerId"`
	Status       Status `json:"status"`
	KanbanColumn string `json:"kanbanColumn"`
	UpdatedAt    string `json:"updatedAt" format:"date-time"`
}

type ProjectSummary struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	OwnerID     string  `json:"ownerId"`
	Status      Status  `json:"status"`
	ProgressPct int     `json:"progressPct"`
	DueAt       *string `json:"dueAt"`
	RiskFlag    bool    `json:"riskFlag"`
	IsOverdue   bool    `json:"isOverdue"`
	UpdatedAt   string  `json:"updatedAt" format:"date-time"`
}

type ProjectDetail struct {
	ProjectSummary
	Description string `json:"description"`
}

type DocumentReference struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	StoryID   *string `json:"storyId"`
	Title     string  `json:"title"`
	MimeType  string  `json:"mimeType"`
}

// Lineage is the audit trail behind a lineage reference: the source row it
// names and the audit events recorded for that entity, newest first.
type Lineage struct {
	LineageRef  string      `json:"lineageRef"`
	Source      string      `json:"source" enum:"workflow_transition,story_status,read_model"`
	EntityKind  string      `json:"entityKind"`
	EntityID    string      `json:"entityId"`
	ProjectID   string      `json:"projectId"`
	Status      Status      `json:"status"`
	Transition  *Transition `json:"transition,omitempty"`
	RefreshedAt *string     `json:"refreshedAt,omitempty"`
	Events      []Event     `json:"events"`
}

type ProjectContext struct {
	Project   ProjectDetail       `json:"project"`
	Stories   []StorySummary      `json:"stories"`
	Workflows []WorkflowReference `json:"workflows"`
	Documents []DocumentReference `json:"documents"`
}

// StoryStatusChange is the result of a story status update, including every
// linked workflow that moved with it.
type StoryStatusChange struct {
	Story           StorySummary               `json:"story"`
	Project         ProjectSummary             `json:"project"`
	WorkflowUpdates []WorkflowTransitionResult `json:"workflowUpdates"`
}

type SyncModuleStatus struct {
	Module                  Module    `json:"module"`
	Status                  SyncState `json:"status" enum:"ok,syncing,error"`
	LastSuccessfulSyncAtUTC *string   `json:"lastSuccessfulSyncAtUtc"`
	LastAttemptAtUTC        *string   `json:"lastAttemptAtUtc"`
	ErrorMessage            *string   `json:"errorMessage"`
	StaleReason             *string   `json:"staleReason"`
}

type ConsistencyWarning struct {
	Module                  Module  `json:"module"`
	Message                 string  `json:"message"`
	LastSuccessfulSyncAtUTC *string `json:"lastSuccessfulSyncAtUtc"`
}

type SyncStatusPayload struct {
	Modules      []SyncModuleStatus   `json:"modules"`
	Warnings     []ConsistencyWarning `json:"warnings"`
	CheckedAtUTC string               `json:"checkedAtUtc" format:"date-time"`
}

type KanbanCard struct {
	StoryID     string `json:"storyId"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	Title       string `json:"title"`
	OwnerID     string `json:"ownerId"`
	Status      Status `json:"status"`
	UpdatedAt   string `json:"updatedAt" format:"date-time"`
}

type KanbanColumn struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Statuses []Status     `json:"statuses"`
	Cards    []KanbanCard `json:"cards"`
}

type KanbanBoard struct {
	ProjectID          *string        `json:"projectId"`
	ReadOnly           bool           `json:"readOnly"`
	Editable           bool           `json:"editable"`
	EditableModeReason string         `json:"editableModeReason"`
	Columns            []KanbanColumn `json:"columns"`
	GeneratedAt        string         `json:"generatedAt" format:"date-time"`
}

// Event is a persisted audit record. It is separate from the in-memory
// realtime event stream and is what webhooks and `sl log tail` read.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"projectId,omitempty"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	ActorID    string `json:"actorId"`
	Payload    string `json:"payloadJson"`
}

type TransitionInput struct {
	WorkflowID    string
	ToStatus      Status
	ActorID       string
	Reason        *string
	OccurredAtUTC string
}

type StoryStatusInput struct {
	StoryID       string
	ToStatus      Status
	ActorID       string
	Reason        *string
	OccurredAtUTC string
}

type WorkflowQuery struct {
	Statuses  []Status
	OwnerID   string
	ProjectID string
	Page      int
	PageSize  int
}

type WorkflowPage struct {
	Items    []WorkflowSummary `json:"items"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}
