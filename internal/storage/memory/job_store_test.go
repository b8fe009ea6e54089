package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkedin-signals/internal/pipeline"
)

func TestJobStoreSingleActiveJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()

	first, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusIdle, MaxRetries: 3})
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)

	_, err = store.Create(ctx, pipeline.Job{Status: pipeline.StatusIdle})
	require.ErrorIs(t, err, pipeline.ErrActiveJobExists)

	first.Status = pipeline.StatusCompleted
	_, err = store.Update(ctx, first)
	require.NoError(t, err)

	second, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusIdle})
	require.NoError(t, err)

	active, err := store.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	latest, err := store.Latest(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
}

func TestJobStoreUpdateKeepsSingleActiveJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()

	old, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusIdle})
	require.NoError(t, err)
	old.Status = pipeline.StatusFailed
	old, err = store.Update(ctx, old)
	require.NoError(t, err)

	current, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusScraping})
	require.NoError(t, err)

	old.Status = pipeline.StatusProcessing
	_, err = store.Update(ctx, old)
	require.ErrorIs(t, err, pipeline.ErrActiveJobExists)

	stored, err := store.Get(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.StatusFailed, stored.Status)

	current.Status = pipeline.StatusProcessing
	_, err = store.Update(ctx, current)
	require.NoError(t, err)
}

func TestJobStoreRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()

	_, err := store.Create(ctx, pipeline.Job{Status: "paused"})
	require.ErrorContains(t, err, "unknown status")

	job, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusIdle})
	require.NoError(t, err)
	job.Status = ""
	_, err = store.Update(ctx, job)
	require.ErrorContains(t, err, "unknown status")
}

func TestJobStoreVersionConflict(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusProcessing, TotalItems: 20})
	require.NoError(t, err)

	a := job
	b := job
	a.CurrentBatchOffset = 10
	updated, err := store.Update(ctx, a)
	require.NoError(t, err)
	require.Equal(t, job.Version+1, updated.Version)

	b.CurrentBatchOffset = 10
	_, err = store.Update(ctx, b)
	require.ErrorIs(t, err, pipeline.ErrVersionConflict)
}

func TestJobStoreNotFound(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	_, err := store.Active(context.Background())
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.Get(context.Background(), 42)
	require.ErrorIs(t, err, pipeline.ErrNotFound)
	_, err = store.Update(context.Background(), pipeline.Job{ID: 42})
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}

func TestJobStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	store := NewJobStore()
	ctx := context.Background()
	job, err := store.Create(ctx, pipeline.Job{Status: pipeline.StatusIdle, AdminChatIDs: []int64{1}})
	require.NoError(t, err)
	job.AdminChatIDs[0] = 2

	stored, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, stored.AdminChatIDs)
}
