package domain

import (
	"math"
	"time"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusFailed     Status = "failed"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

var Statuses = []Status{
	StatusQueued,
	StatusInProgress,
	StatusBlocked,
	StatusFailed,
	StatusDone,
	StatusCanceled,
}

var allowedTransitions = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusBlocked, StatusCanceled},
	StatusInProgress: {StatusBlocked, StatusFailed, StatusDone, StatusCanceled},
	StatusBlocked:    {StatusInProgress, StatusCanceled, StatusFailed},
	StatusFailed:     {StatusQueued, StatusInProgress, StatusCanceled},
	StatusDone:       {},
	StatusCanceled:   {},
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCanceled
}

// AllowedFrom returns the statuses reachable from s in one move.
func AllowedFrom(s Status) []Status {
	next := allowedTransitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SyncState is the freshness of one module's projection.
type SyncState string

const (
	SyncOK      SyncState = "ok"
	SyncSyncing SyncState = "syncing"
	SyncError   SyncState = "error"
)

type Module string

const (
	ModuleWorkflow  Module = "workflow"
	ModuleStory     Module = "story"
	ModuleProject   Module = "project"
	ModuleCost      Module = "cost"
	ModuleAnalytics Module = "analytics"
	ModuleDocuments Module = "documents"
	ModuleKanban    Module = "kanban"
	ModuleSync      Module = "sync"
)

var Modules = []Module{
	ModuleProject,
	ModuleStory,
	ModuleWorkflow,
	ModuleCost,
	ModuleAnalytics,
	ModuleDocuments,
	ModuleKanban,
	ModuleSync,
}

const (
	ColumnQueued     = "queued"
	ColumnInProgress = "in_progress"
	ColumnBlocked    = "blocked"
	ColumnFailed     = "failed"
	ColumnDone       = "done"
)

type ColumnSpec struct {
	ID       string
	Title    string
	Statuses []Status
}

var KanbanColumns = []ColumnSpec{
	{ID: ColumnQueued, Title: "Queued", Statuses: []Status{StatusQueued}},
	{ID: ColumnInProgress, Title: "In Progress", Statuses: []Status{StatusInProgress}},
	{ID: ColumnBlocked, Title: "Blocked", Statuses: []Status{StatusBlocked}},
	{ID: ColumnFailed, Title: "Failed", Statuses: []Status{StatusFailed}},
	{ID: ColumnDone, Title: "Done", Statuses: []Status{StatusDone, StatusCanceled}},
}

func KanbanColumnFor(s Status) string {
	for _, col := range KanbanColumns {
		for _, st := range col.Statuses {
			if st == s {
				return col.ID
			}
		}
	}
	return ColumnQueued
}

// DeriveProjectStatus rolls story statuses up into a project status.
func DeriveProjectStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusQueued
	}
	allClosed := true
	var failed, blocked, active bool
	for _, s := range statuses {
		if !s.Terminal() {
			allClosed = false
		}
		switch s {
		case StatusFailed:
			failed = true
		case StatusBlocked:
			blocked = true
		case StatusInProgress:
			active = true
		}
	}
	switch {
	case allClosed:
		return StatusDone
	case failed:
		return StatusFailed
	case blocked:
		return StatusBlocked
	case active:
		return StatusInProgress
	default:
		return StatusQueued
	}
}

func ProgressPct(statuses []Status) int {
	if len(statuses) == 0 {
		return 0
	}
	closed := 0
	for _, s := range statuses {
		if s.Terminal() {
			closed++
		}
	}
	return int(math.Round(float64(closed) * 100 / float64(len(statuses))))
}

func RiskFlag(statuses []Status) bool {
	for _, s := range statuses {
		if s == StatusBlocked || s == StatusFailed {
			return true
		}
	}
	return false
}

// IsOverdue reports whether an open project is past its due date.
func IsOverdue(dueAt *string, status Status, now time.Time) bool {
	if dueAt == nil || status.Terminal() {
		return false
	}
	due, err := ParseTime(*dueAt)
	if err != nil {
		return false
	}
	return due.Before(now)
}
