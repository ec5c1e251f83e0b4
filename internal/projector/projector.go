// Package projector refreshes the workflow, story and project read models on
// a fixed interval and records the outcome as the sync module's status.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"syncline/internal/domain"
	"syncline/internal/repo"
)

const (
	DefaultInterval = 30 * time.Second

	StaleReasonProjectionFailure = "projection_failure"
)

type Refresher interface {
	RefreshReadModels(ctx context.Context) (repo.ProjectionCounts, error)
}

type SyncWriter interface {
	SetSyncStatus(ctx context.Context, s domain.SyncModuleStatus) error
}

type Recorder interface {
	IncSyncFailure(module string)
}

type Options struct {
	Interval time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  Recorder
}

type Projector struct {
	src  Refresher
	sync SyncWriter
	opts Options
}

func New(src Refresher, sync SyncWriter, opts Options) *Projector {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "projector")
	return &Projector{src: src, sync: sync, opts: opts}
}

// RunOnce rebuilds every read model. The sync module is marked ok on success
// and error with a projection_failure stale reason otherwise; a failure keeps
// the last successful sync time.
func (p *Projector) RunOnce(ctx context.Context) error {
	at := domain.FormatTime(p.opts.Now())
	counts, err := p.src.RefreshReadModels(ctx)
	if err != nil {
		p.markFailure(ctx, domain.ModuleSync, err, at)
		return fmt.Errorf("refresh read models: %w", err)
	}
	if err := p.sync.SetSyncStatus(ctx, domain.SyncModuleStatus{
		Module:                  domain.ModuleSync,
		Status:                  domain.SyncOK,
		LastSuccessfulSyncAtUTC: &at,
		LastAttemptAtUTC:        &at,
	}); err != nil {
		return fmt.Errorf("mark sync ok: %w", err)
	}
	p.opts.Logger.Debug("read models refreshed",
		"workflows", counts.Workflows, "stories", counts.Stories, "projects", counts.Projects)
	return nil
}

func (p *Projector) markFailure(ctx context.Context, module domain.Module, cause error, at string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.IncSyncFailure(string(module))
	}
	msg := cause.Error()
	reason := StaleReasonProjectionFailure
	if err := p.sync.SetSyncStatus(ctx, domain.SyncModuleStatus{
		Module:           module,
		Status:           domain.SyncError,
		LastAttemptAtUTC: &at,
		ErrorMessage:     &msg,
		StaleReason:      &reason,
	}); err != nil {
		p.opts.Logger.Error("record projection failure", "module", module, "err", err)
	}
}

// Run refreshes once immediately and then on every interval until ctx is
// done.
func (p *Projector) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for {
		if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.opts.Logger.Warn("projection run failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
