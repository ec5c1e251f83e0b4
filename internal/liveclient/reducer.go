package liveclient

import (
	"encoding/json"
	"maps"
	"time"

	"syncline/internal/domain"
	"syncline/internal/protocol"
)

// Action is the closed set of inputs Reduce accepts.
type Action interface {
	isAction()
}

type SocketOpened struct{}

type SocketClosed struct{}

type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

type MessageReceived struct {
	Message protocol.ServerMessage
}

type InitialWorkflowsLoaded struct {
	Workflows []domain.WorkflowSummary
}

type FilterChanged struct {
	Filter Filter
}

type WorkflowSelected struct {
	WorkflowID *string
}

// TransitionsLoaded carries a workflow's history, or Err when loading it
// failed.
type TransitionsLoaded struct {
	WorkflowID  string
	Transitions []domain.Transition
	Err         string
}

func (SocketOpened) isAction()           {}
func (SocketClosed) isAction()           {}
func (ReconnectScheduled) isAction()     {}
func (MessageReceived) isAction()        {}
func (InitialWorkflowsLoaded) isAction() {}
func (FilterChanged) isAction()          {}
func (WorkflowSelected) isAction()       {}
func (TransitionsLoaded) isAction()      {}

// Reduce returns the state that follows s after a. It never mutates s.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SocketOpened:
		s.Connected = true
		s.ReconnectAttempt = 0
		s.NextReconnectIn = 0
		s.Modules = updateModules(s.Modules, func(m ModuleState) ModuleState {
			m.Stale = true
			m.RequiresFreshEvent = true
			return m
		})
	case SocketClosed:
		s.Connected = false
		s.Modules = updateModules(s.Modules, func(m ModuleState) ModuleState {
			m.Stale = true
			m.HasSuccessfulSync = false
			m.RequiresFreshEvent = true
			m.SnapshotSinceSync = false
			return m
		})
	case ReconnectScheduled:
		s.ReconnectAttempt = a.Attempt
		s.NextReconnectIn = a.Delay
		s.Modules = updateModules(s.Modules, func(m ModuleState) ModuleState {
			m.Stale = true
			return m
		})
	case InitialWorkflowsLoaded:
		ws := append([]domain.WorkflowSummary(nil), a.Workflows...)
		sortWorkflows(ws)
		s.Workflows = ws
	case FilterChanged:
		s.Filter = a.Filter
	case WorkflowSelected:
		s.SelectedWorkflowID = a.WorkflowID
	case TransitionsLoaded:
		s.TransitionErrors = maps.Clone(s.TransitionErrors)
		if s.TransitionErrors == nil {
			s.TransitionErrors = map[string]string{}
		}
		if a.Err != "" {
			s.TransitionErrors[a.WorkflowID] = a.Err
			break
		}
		delete(s.TransitionErrors, a.WorkflowID)
		ts := append([]domain.Transition(nil), a.Transitions...)
		sortTransitions(ts)
		s.Transitions = maps.Clone(s.Transitions)
		if s.Transitions == nil {
			s.Transitions = map[string][]domain.Transition{}
		}
		s.Transitions[a.WorkflowID] = ts
	case MessageReceived:
		return reduceMessage(s, a.Message)
	}
	return s
}

func updateModules(in map[domain.Module]ModuleState, fn func(ModuleState) ModuleState) map[domain.Module]ModuleState {
	out := make(map[domain.Module]ModuleState, len(in))
	for k, v := range in {
		out[k] = fn(v)
	}
	return out
}

func withModule(s State, m domain.Module, fn func(ModuleState) ModuleState) State {
	ms, ok := s.Modules[m]
	if !ok {
		ms = freshModule()
	}
	s.Modules = maps.Clone(s.Modules)
	if s.Modules == nil {
		s.Modules = map[domain.Module]ModuleState{}
	}
	s.Modules[m] = fn(ms)
	return s
}

func reduceMessage(s State, msg protocol.ServerMessage) State {
	switch msg.Type {
	case protocol.TypeSnapshot:
		s = applySnapshot(s, msg)
		return withModule(s, msg.Module, func(m ModuleState) ModuleState {
			m.SnapshotSinceSync = true
			return m
		})
	case protocol.TypeEvent:
		s = applyEvent(s, msg)
		id := msg.EventID
		s.LastAckEventID = &id
		at := msg.OccurredAt
		return withModule(s, msg.Module, func(m ModuleState) ModuleState {
			if m.HasSuccessfulSync && m.RequiresFreshEvent {
				m.Stale = false
				m.RequiresFreshEvent = false
			}
			m.LastSuccessfulUpdateAt = &at
			return m
		})
	case protocol.TypeSyncStatus:
		return withModule(s, msg.Module, func(m ModuleState) ModuleState {
			switch msg.Status {
			case domain.SyncOK:
				m.HasSuccessfulSync = true
				m.LastSuccessfulSyncAt = msg.LastSuccessfulSyncAt
				if !protocol.CarriesEvents(msg.Module) && m.SnapshotSinceSync && m.RequiresFreshEvent {
					m.Stale = false
					m.RequiresFreshEvent = false
				}
			case domain.SyncSyncing:
				m.HasSuccessfulSync = false
				m.SnapshotSinceSync = false
			default:
				m.HasSuccessfulSync = false
				m.Stale = true
			}
			return m
		})
	case protocol.TypeStaleState:
		return withModule(s, msg.Module, func(m ModuleState) ModuleState {
			if msg.IsStale {
				m.Stale = true
				m.RequiresFreshEvent = true
			} else if !m.RequiresFreshEvent {
				m.Stale = false
			}
			if msg.LastSuccessfulUpdateAt != nil {
				m.LastSuccessfulUpdateAt = msg.LastSuccessfulUpdateAt
			}
			return m
		})
	case protocol.TypeError:
		e := msg
		s.LastError = &e
	}
	return s
}

func applySnapshot(s State, msg protocol.ServerMessage) State {
	switch msg.Module {
	case domain.ModuleWorkflow:
		var data struct {
			Workflows []domain.WorkflowSummary `json:"workflows"`
		}
		if json.Unmarshal(msg.Data, &data) == nil {
			sortWorkflows(data.Workflows)
			s.Workflows = data.Workflows
		}
	case domain.ModuleStory:
		var data struct {
			Stories []domain.StorySummary `json:"stories"`
		}
		if json.Unmarshal(msg.Data, &data) == nil {
			sortStories(data.Stories)
			s.Stories = data.Stories
		}
	case domain.ModuleProject:
		var data struct {
			Projects []domain.ProjectSummary `json:"projects"`
		}
		if json.Unmarshal(msg.Data, &data) == nil {
			s.Projects = data.Projects
		}
	case domain.ModuleSync:
		var data domain.SyncStatusPayload
		if json.Unmarshal(msg.Data, &data) == nil {
			s.Sync = &data
		}
	}
	return s
}

func applyEvent(s State, msg protocol.ServerMessage) State {
	switch msg.EventType {
	case protocol.EventWorkflowTransition:
		var res domain.WorkflowTransitionResult
		if json.Unmarshal(msg.Payload, &res) != nil {
			return s
		}
		return applyTransition(s, res)
	case protocol.EventStoryStatusChanged:
		var change domain.StoryStatusChange
		if json.Unmarshal(msg.Payload, &change) != nil {
			return s
		}
		s.Stories = upsertStory(s.Stories, change.Story)
		s.Projects = upsertProject(s.Projects, change.Project)
		for _, res := range change.WorkflowUpdates {
			s = applyTransition(s, res)
		}
	}
	return s
}

func applyTransition(s State, res domain.WorkflowTransitionResult) State {
	ws := make([]domain.WorkflowSummary, 0, len(s.Workflows)+1)
	found := false
	for _, w := range s.Workflows {
		if w.ID == res.Workflow.ID {
			w = res.Workflow
			found = true
		}
		ws = append(ws, w)
	}
	if !found {
		ws = append(ws, res.Workflow)
	}
	sortWorkflows(ws)
	s.Workflows = ws

	history := s.Transitions[res.Workflow.ID]
	for _, t := range history {
		if t.ID == res.Transition.ID {
			return s
		}
	}
	next := append(append([]domain.Transition(nil), history...), res.Transition)
	sortTransitions(next)
	s.Transitions = maps.Clone(s.Transitions)
	if s.Transitions == nil {
		s.Transitions = map[string][]domain.Transition{}
	}
	s.Transitions[res.Workflow.ID] = next
	return s
}

func upsertStory(in []domain.StorySummary, story domain.StorySummary) []domain.StorySummary {
	if story.ID == "" {
		return in
	}
	out := make([]domain.StorySummary, 0, len(in)+1)
	found := false
	for _, st := range in {
		if st.ID == story.ID {
			st = story
			found = true
		}
		out = append(out, st)
	}
	if !found {
		out = append(out, story)
	}
	sortStories(out)
	return out
}

func upsertProject(in []domain.ProjectSummary, p domain.ProjectSummary) []domain.ProjectSummary {
	if p.ID == "" {
		return in
	}
	out := make([]domain.ProjectSummary, 0, len(in)+1)
	found := false
	for _, cur := range in {
		if cur.ID == p.ID {
			cur = p
			found = true
		}
		out = append(out, cur)
	}
	if !found {
		out = append(out, p)
	}
	return out
}
