// Package liveclient keeps a resilient realtime connection to the gateway
// and folds everything it receives into a local State through a single
// reducer.
package liveclient

import (
	"sort"
	"time"

	"syncline/internal/domain"
	"syncline/internal/protocol"
)

type Filter string

const (
	FilterAll           Filter = "all"
	FilterBlockedFailed Filter = "blocked_failed"
)

// ModuleState tracks whether one module's local data can be trusted.
type ModuleState struct {
	Stale              bool
	HasSuccessfulSync  bool
	RequiresFreshEvent bool
	// SnapshotSinceSync is set when a snapshot arrived during the current
	// sync cycle. It is what clears snapshot-only modules.
	SnapshotSinceSync      bool
	LastSuccessfulSyncAt   *string
	LastSuccessfulUpdateAt *string
}

func freshModule() ModuleState {
	return ModuleState{Stale: true, RequiresFreshEvent: true}
}

// State is the client's whole local view. Values returned from the store
// share their maps and slices with later states; treat them as read-only.
type State struct {
	Workflows          []domain.WorkflowSummary
	Transitions        map[string][]domain.Transition
	TransitionErrors   map[string]string
	Stories            []domain.StorySummary
	Projects           []domain.ProjectSummary
	Sync               *domain.SyncStatusPayload
	Filter             Filter
	SelectedWorkflowID *string
	Connected          bool
	ReconnectAttempt   int
	NextReconnectIn    time.Duration
	LastAckEventID     *string
	Modules            map[domain.Module]ModuleState
	LastError          *protocol.ServerMessage
}

func NewState(topics []domain.Module) State {
	modules := make(map[domain.Module]ModuleState, len(topics))
	for _, t := range topics {
		modules[t] = freshModule()
	}
	return State{
		Transitions:      map[string][]domain.Transition{},
		TransitionErrors: map[string]string{},
		Filter:           FilterAll,
		Modules:          modules,
	}
}

// Stale reports whether any tracked module is stale.
func (s State) Stale() bool {
	for _, m := range s.Modules {
		if m.Stale {
			return true
		}
	}
	return false
}

func (s State) Module(m domain.Module) ModuleState {
	if ms, ok := s.Modules[m]; ok {
		return ms
	}
	return freshModule()
}

// FilteredWorkflows applies the state's filter.
func (s State) FilteredWorkflows() []domain.WorkflowSummary {
	if s.Filter != FilterBlockedFailed {
		return s.Workflows
	}
	out := []domain.WorkflowSummary{}
	for _, w := range s.Workflows {
		if w.Status == domain.StatusBlocked || w.Status == domain.StatusFailed {
			out = append(out, w)
		}
	}
	return out
}

func sortWorkflows(ws []domain.WorkflowSummary) {
	sort.SliceStable(ws, func(i, j int) bool {
		return instant(ws[i].LastTransitionAt).After(instant(ws[j].LastTransitionAt))
	})
}

func sortTransitions(ts []domain.Transition) {
	sort.SliceStable(ts, func(i, j int) bool {
		return instant(ts[i].OccurredAtUTC).Before(instant(ts[j].OccurredAtUTC))
	})
}

func sortStories(ss []domain.StorySummary) {
	sort.SliceStable(ss, func(i, j int) bool {
		return instant(ss[i].UpdatedAt).After(instant(ss[j].UpdatedAt))
	})
}

func instant(s string) time.Time {
	t, err := domain.ParseTime(s)
	if err != nil {
		return time.Time{}
	}
	return t
}
