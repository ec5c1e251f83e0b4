package projector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncline/internal/config"
	"syncline/internal/db"
	"syncline/internal/domain"
	"syncline/internal/engine"
	"syncline/internal/migrate"
	"syncline/internal/repo"
	"syncline/internal/seed"
)

var at = time.Date(2026, 2, 20, 9, 30, 0, 0, time.UTC)

func seededEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return at }
	_, err = seed.Apply(ctx, eng.Repo)
	require.NoError(t, err)
	return eng
}

func syncModule(t *testing.T, eng engine.Engine) domain.SyncModuleStatus {
	t.Helper()
	all, err := eng.GetSyncStatus(context.Background())
	require.NoError(t, err)
	for _, s := range all {
		if s.Module == domain.ModuleSync {
			return s
		}
	}
	t.Fatalf("sync module missing from %+v", all)
	return domain.SyncModuleStatus{}
}

type failures struct{ modules []string }

func (f *failures) IncSyncFailure(module string) { f.modules = append(f.modules, module) }

type brokenRefresher struct{}

func (brokenRefresher) RefreshReadModels(context.Context) (repo.ProjectionCounts, error) {
	return repo.ProjectionCounts{}, errors.New("disk I/O error")
}

func TestRunOnceRefreshesAndMarksSyncOK(t *testing.T) {
	eng := seededEngine(t)
	rec := &failures{}
	p := New(eng.Repo, eng, Options{Now: func() time.Time { return at }, Metrics: rec})

	require.NoError(t, p.RunOnce(context.Background()))

	ref, err := eng.Repo.ReadModelLineage(context.Background(), "wf-1001")
	require.NoError(t, err)
	assert.Equal(t, "workflow:wf-1001:2026-02-19T19:45:00.000Z", ref)

	s := syncModule(t, eng)
	assert.Equal(t, domain.SyncOK, s.Status)
	require.NotNil(t, s.LastSuccessfulSyncAtUTC)
	assert.Equal(t, "2026-02-20T09:30:00.000Z", *s.LastSuccessfulSyncAtUTC)
	assert.Empty(t, rec.modules)
}

func TestRunOnceFailureMarksSyncError(t *testing.T) {
	eng := seededEngine(t)
	rec := &failures{}
	ok := New(eng.Repo, eng, Options{Now: func() time.Time { return at }})
	require.NoError(t, ok.RunOnce(context.Background()))

	later := at.Add(time.Minute)
	broken := New(brokenRefresher{}, eng, Options{Now: func() time.Time { return later }, Metrics: rec})
	err := broken.RunOnce(context.Background())
	require.Error(t, err)

	s := syncModule(t, eng)
	assert.Equal(t, domain.SyncError, s.Status)
	require.NotNil(t, s.StaleReason)
	assert.Equal(t, StaleReasonProjectionFailure, *s.StaleReason)
	require.NotNil(t, s.ErrorMessage)
	assert.Equal(t, "disk I/O error", *s.ErrorMessage)
	require.NotNil(t, s.LastSuccessfulSyncAtUTC)
	assert.Equal(t, "2026-02-20T09:30:00.000Z", *s.LastSuccessfulSyncAtUTC)
	require.NotNil(t, s.LastAttemptAtUTC)
	assert.Equal(t, "2026-02-20T09:31:00.000Z", *s.LastAttemptAtUTC)
	assert.Equal(t, []string{"sync"}, rec.modules)
}

func TestRunStopsOnCancel(t *testing.T) {
	eng := seededEngine(t)
	p := New(eng.Repo, eng, Options{Interval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		all, err := eng.GetSyncStatus(context.Background())
		if err != nil {
			return false
		}
		for _, s := range all {
			if s.Module == domain.ModuleSync {
				return s.Status == domain.SyncOK
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
