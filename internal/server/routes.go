package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"syncline/internal/domain"
	"syncline/internal/repo"
)

func (a *api) registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, _ *struct{}) (*envelope[HealthResponse], error) {
		resp := HealthResponse{
			Service:   "syncline",
			Status:    "ok",
			Checks:    HealthChecks{API: "up", DB: "up", WebSocket: "down"},
			Timestamp: domain.FormatTime(a.now()),
		}
		if a.cfg.Engine.DB == nil || a.cfg.Engine.DB.PingContext(ctx) != nil {
			resp.Checks.DB = "down"
			resp.Status = "degraded"
		}
		if a.cfg.Gateway != nil {
			resp.Checks.WebSocket = "up"
		}
		return wrap(resp), nil
	})
}

func (a *api) registerMeta(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "status-model",
		Method:      http.MethodGet,
		Path:        "/meta/status-model",
		Summary:     "Canonical statuses and allowed transitions",
		Tags:        []string{"meta"},
	}, func(ctx context.Context, input *struct {
		IncludeTransitions string `query:"includeTransitions" enum:"true,false" default:"true"`
	}) (*envelope[StatusModelResponse], error) {
		resp := StatusModelResponse{Statuses: domain.Statuses}
		if input.IncludeTransitions != "false" {
			resp.AllowedTransitions = make(map[domain.Status][]domain.Status, len(domain.Statuses))
			for _, s := range domain.Statuses {
				resp.AllowedTransitions[s] = domain.AllowedFrom(s)
			}
		}
		return wrap(resp), nil
	})
}

// parseStatuses splits a comma separated status filter.
func parseStatuses(raw string) ([]domain.Status, error) {
	var out []domain.Status
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s := domain.Status(part)
		if !s.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		out = append(out, s)
	}
	return out, nil
}

func (a *api) registerWorkflows(api huma.API) {
	e := a.cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/workflows",
		Summary:     "List workflows, most recently transitioned first",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" doc:"Comma separated statuses"`
		OwnerID   string `query:"ownerId"`
		ProjectID string `query:"projectId"`
		Page      int    `query:"page" default:"1" minimum:"1"`
		PageSize  int    `query:"pageSize" default:"50" minimum:"1" maximum:"100"`
	}) (*envelope[domain.WorkflowPage], error) {
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, a.newError(ctx, http.StatusBadRequest, CodeValidation, err.Error(), map[string]any{"status": input.Status})
		}
		page, err := e.ListWorkflows(ctx, domain.WorkflowQuery{
			Statuses:  statuses,
			OwnerID:   strings.TrimSpace(input.OwnerID),
			ProjectID: strings.TrimSpace(input.ProjectID),
			Page:      input.Page,
			PageSize:  input.PageSize,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return wrap(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*envelope[domain.WorkflowReference], error) {
		w, err := e.Repo.GetWorkflow(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, notFound("workflow", input.ID, err))
		}
		return wrap(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workflow-transitions",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}/transitions",
		Summary:     "List a workflow's transitions, oldest first",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"100" minimum:"1" maximum:"250"`
	}) (*envelope[TransitionListResponse], error) {
		items, err := e.Repo.ListWorkflowTransitions(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, a.handleError(ctx, notFound("workflow", input.ID, err))
		}
		if items == nil {
			items = []domain.Transition{}
		}
		return wrap(TransitionListResponse{Items: items, WorkflowID: input.ID}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/transitions",
		Summary:     "Move a workflow to a new status and broadcast the transition",
		Tags:        []string{"workflows"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransitionRequest
	}) (*envelope[domain.WorkflowTransitionResult], error) {
		actor, err := a.requireActor(ctx)
		if err != nil {
			return nil, err
		}
		res, err := a.cfg.Hub.PublishTransition(ctx, domain.TransitionInput{
			WorkflowID: input.ID,
			ToStatus:   input.Body.ToStatus,
			ActorID:    actor,
			Reason:     input.Body.Reason,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return wrap(res), nil
	})
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
	}
	return err
}

func (a *api) registerProjects(api huma.API) {
	e := a.cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" doc:"Comma separated statuses"`
		OwnerID  string `query:"ownerId"`
		RiskFlag string `query:"riskFlag" enum:"true,false"`
		Overdue  string `query:"overdue" enum:"true,false"`
	}) (*envelope[ProjectListResponse], error) {
		statuses, err := parseStatuses(input.Status)
		if err != nil {
			return nil, a.newError(ctx, http.StatusBadRequest, CodeValidation, err.Error(), map[string]any{"status": input.Status})
		}
		all, err := e.ListProjects(ctx)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		items := []domain.ProjectSummary{}
		for _, p := range all {
			if len(statuses) > 0 && !containsStatus(statuses, p.Status) {
				continue
			}
			if input.OwnerID != "" && p.OwnerID != input.OwnerID {
				continue
			}
			if input.RiskFlag != "" && strconv.FormatBool(p.RiskFlag) != input.RiskFlag {
				continue
			}
			if input.Overdue != "" && strconv.FormatBool(p.IsOverdue) != input.Overdue {
				continue
			}
			items = append(items, p)
		}
		return wrap(ProjectListResponse{Items: items, Total: len(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get a project",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*envelope[domain.ProjectDetail], error) {
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, notFound("project", input.ID, err))
		}
		return wrap(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-context",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/context",
		Summary:     "Get a project with its stories, workflows and documents",
		Tags:        []string{"projects"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*envelope[domain.ProjectContext], error) {
		pc, err := e.GetProjectContext(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, notFound("project", input.ID, err))
		}
		return wrap(pc), nil
	})
}

func (a *api) registerDocuments(api huma.API) {
	r := a.cfg.Engine.Repo

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List document references",
		Tags:        []string{"documents"},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"projectId"`
		StoryID   string `query:"storyId"`
	}) (*envelope[DocumentListResponse], error) {
		docs, err := r.ListDocuments(ctx, strings.TrimSpace(input.ProjectID), strings.TrimSpace(input.StoryID))
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return wrap(DocumentListResponse{Items: docs, Total: len(docs)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{id}",
		Summary:     "Get a document reference",
		Tags:        []string{"documents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*envelope[domain.DocumentReference], error) {
		d, err := r.GetDocument(ctx, input.ID)
		if err != nil {
			return nil, a.handleError(ctx, notFound("document", input.ID, err))
		}
		return wrap(d), nil
	})
}

func containsStatus(list []domain.Status, s domain.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (a *api) registerKanban(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "kanban-board",
		Method:      http.MethodGet,
		Path:        "/kanban/board",
		Summary:     "Stories grouped into board columns",
		Tags:        []string{"kanban"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"projectId"`
	}) (*envelope[domain.KanbanBoard], error) {
		projectID := strings.TrimSpace(input.ProjectID)
		board, err := a.cfg.Engine.KanbanBoard(ctx, projectID)
		if err != nil {
			return nil, a.handleError(ctx, notFound("project", projectID, err))
		}
		return wrap(board), nil
	})
}

func (a *api) kanbanEditable() bool {
	return a.cfg.Engine.Config != nil && a.cfg.Engine.Config.Kanban.Editable
}

func (a *api) registerStories(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "update-story-status",
		Method:      http.MethodPatch,
		Path:        "/stories/{id}/status",
		Summary:     "Move a story, cascade to linked workflows and broadcast the change",
		Tags:        []string{"kanban"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body StoryStatusRequest
	}) (*envelope[domain.StoryStatusChange], error) {
		if !a.kanbanEditable() {
			return nil, a.handleError(ctx, ErrKanbanReadOnly)
		}
		actor, err := a.requireActor(ctx)
		if err != nil {
			return nil, err
		}
		change, err := a.cfg.Engine.UpdateStoryStatus(ctx, domain.StoryStatusInput{
			StoryID:  input.ID,
			ToStatus: input.Body.Status,
			ActorID:  actor,
			Reason:   input.Body.Reason,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		if err := a.cfg.Hub.PublishStoryStatusChange(ctx, change); err != nil {
			return nil, a.handleError(ctx, err)
		}
		return wrap(change), nil
	})
}

func (a *api) registerSync(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Module sync states and cross-view consistency warnings",
		Tags:        []string{"sync"},
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*envelope[domain.SyncStatusPayload], error) {
		payload, err := a.cfg.Monitor.Check(ctx)
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		return wrap(payload), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "realtime-status",
		Method:      http.MethodGet,
		Path:        "/realtime/status",
		Summary:     "Replay log and websocket session state",
		Tags:        []string{"sync"},
	}, func(ctx context.Context, _ *struct{}) (*envelope[RealtimeStatusResponse], error) {
		h := a.cfg.Hub
		resp := RealtimeStatusResponse{
			Version:     h.Version(),
			LogSize:     h.Len(),
			LogCapacity: h.Capacity(),
		}
		if g := a.cfg.Gateway; g != nil {
			stats := g.Stats()
			resp.Sessions = stats.Sessions
			resp.StaleSessionRatio = stats.StaleRatio
			resp.HeartbeatTimeout = g.HeartbeatTimeout().String()
		}
		return wrap(resp), nil
	})
}

const maxEventPage = 200

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events, newest first",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		ProjectID  string `query:"projectId"`
		EntityKind string `query:"entityKind" enum:"workflow,story,sync"`
		EntityID   string `query:"entityId"`
		Limit      int    `query:"limit" default:"50" minimum:"1" maximum:"200"`
		Cursor     string `query:"cursor"`
	}) (*envelope[EventPage], error) {
		limit := input.Limit
		if limit <= 0 || limit > maxEventPage {
			limit = 50
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, a.newError(ctx, http.StatusBadRequest, CodeValidation, "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		items, err := a.cfg.Engine.Repo.LatestEvents(ctx, repo.EventFilter{
			Limit:      limit + 1,
			Cursor:     cursor,
			Type:       input.Type,
			ProjectID:  input.ProjectID,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, a.handleError(ctx, err)
		}
		resp := EventPage{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return wrap(resp), nil
	})
}

func eventResponse(evt domain.Event) EventResponse {
	var payload any = evt.Payload
	if json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func (a *api) registerLineage(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-lineage",
		Method:      http.MethodGet,
		Path:        "/analytics/lineage/{lineageRef}",
		Summary:     "Resolve a lineage reference to its source row and audit events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		LineageRef string `path:"lineageRef"`
	}) (*envelope[domain.Lineage], error) {
		lineage, err := a.cfg.Engine.Repo.ResolveLineage(ctx, input.LineageRef)
		if err != nil {
			return nil, a.handleError(ctx, notFound("lineage", input.LineageRef, err))
		}
		return wrap(lineage), nil
	})
}
