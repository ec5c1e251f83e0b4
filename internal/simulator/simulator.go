// Package simulator drives demo traffic through the realtime hub: on every
// tick it publishes the next workflow transition and the next story status
// change from fixed cycles over the seed data.
package simulator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"syncline/internal/domain"
)

const (
	DefaultInterval = 12 * time.Second
	actorID         = "simulator"
)

type Publisher interface {
	PublishTransition(ctx context.Context, in domain.TransitionInput) (domain.WorkflowTransitionResult, error)
	PublishStoryStatusChange(ctx context.Context, change domain.StoryStatusChange) error
}

type StoryUpdater interface {
	UpdateStoryStatus(ctx context.Context, in domain.StoryStatusInput) (domain.StoryStatusChange, error)
}

type WorkflowStep struct {
	WorkflowID string
	ToStatus   domain.Status
	Reason     string
}

type StoryStep struct {
	StoryID  string
	ToStatus domain.Status
	Reason   string
}

// Each entity's steps bring it back to its seeded status, so the cycles can
// repeat forever without hitting a disallowed move.
var (
	WorkflowCycle = []WorkflowStep{
		{"wf-1001", domain.StatusBlocked, "Waiting on QA approval"},
		{"wf-1001", domain.StatusInProgress, "Approval received"},
		{"wf-1003", domain.StatusInProgress, "Retrying ingestion"},
		{"wf-1003", domain.StatusFailed, "Retry failed again"},
		{"wf-empty", domain.StatusInProgress, "Sandbox run started"},
		{"wf-empty", domain.StatusFailed, "Sandbox run crashed"},
		{"wf-empty", domain.StatusQueued, "Sandbox requeued"},
	}
	StoryCycle = []StoryStep{
		{"story-301", domain.StatusInProgress, "Dependency returned"},
		{"story-301", domain.StatusBlocked, "Dependency unstable again"},
		{"story-502", domain.StatusBlocked, "Waiting on design review"},
		{"story-502", domain.StatusInProgress, "Design review passed"},
	}
)

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type Simulator struct {
	pub     Publisher
	stories StoryUpdater
	opts    Options

	mu         sync.Mutex
	wfIndex    int
	storyIndex int
}

func New(pub Publisher, stories StoryUpdater, opts Options) *Simulator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "simulator")
	return &Simulator{pub: pub, stories: stories, opts: opts}
}

// Step publishes one workflow transition and one story change. Failures are
// logged and do not stop the cycle from advancing.
func (s *Simulator) Step(ctx context.Context) {
	s.mu.Lock()
	wf := WorkflowCycle[s.wfIndex%len(WorkflowCycle)]
	st := StoryCycle[s.storyIndex%len(StoryCycle)]
	s.wfIndex++
	s.storyIndex++
	s.mu.Unlock()

	if _, err := s.pub.PublishTransition(ctx, domain.TransitionInput{
		WorkflowID: wf.WorkflowID,
		ToStatus:   wf.ToStatus,
		ActorID:    actorID,
		Reason:     domain.StringPtr(wf.Reason),
	}); err != nil {
		s.opts.Logger.Warn("simulated transition failed", "workflow_id", wf.WorkflowID, "to_status", wf.ToStatus, "err", err)
	}

	change, err := s.stories.UpdateStoryStatus(ctx, domain.StoryStatusInput{
		StoryID:       st.StoryID,
		ToStatus:      st.ToStatus,
		ActorID:       actorID,
		Reason:        domain.StringPtr(st.Reason),
		OccurredAtUTC: domain.FormatTime(s.opts.Now()),
	})
	if err != nil {
		s.opts.Logger.Warn("simulated story change failed", "story_id", st.StoryID, "to_status", st.ToStatus, "err", err)
		return
	}
	if err := s.pub.PublishStoryStatusChange(ctx, change); err != nil {
		s.opts.Logger.Warn("publish story change", "story_id", st.StoryID, "err", err)
	}
}

// Run steps on every interval until ctx is done.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.opts.Logger.Info("simulator started", "interval", s.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}
