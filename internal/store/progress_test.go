package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/model"
)

func TestSaveProgress_OverwritesInPlace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	got, err := s.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.SaveProgress(ctx, &model.ProgressRecord{OwnerID: "u1", RunID: "r1", Value: 25, State: model.ProgressRunning}))
	require.NoError(t, s.SaveProgress(ctx, &model.ProgressRecord{OwnerID: "u1", RunID: "r1", Value: 100, State: model.ProgressCompleted}))

	got, err = s.GetProgress(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 100.0, got.Value)
	assert.Equal(t, model.ProgressCompleted, got.State)
	assert.Equal(t, "r1", got.RunID)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM progress`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSaveProgress_PerOwner(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProgress(ctx, &model.ProgressRecord{OwnerID: "u1", Value: 10, State: model.ProgressRunning}))
	require.NoError(t, s.SaveProgress(ctx, &model.ProgressRecord{OwnerID: model.SchedulerOwner, Value: 50, State: model.ProgressErrored, Error: "boom"}))

	sched, err := s.GetProgress(ctx, model.SchedulerOwner)
	require.NoError(t, err)
	require.NotNil(t, sched)
	assert.Equal(t, "boom", sched.Error)

	u1, err := s.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, u1.Value)
}

func TestSaveProgress_Lease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProgress(ctx, &model.ProgressRecord{OwnerID: "u1", RunID: "r1", State: model.ProgressRunning, LeaseUntil: 5000}))
	got, err := s.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.LeaseUntil)

	require.NoError(t, s.SaveProgress(ctx, &model.ProgressRecord{OwnerID: "u1", RunID: "r1", State: model.ProgressCompleted}))
	got, err = s.GetProgress(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, got.LeaseUntil, "finished run releases its lease")
}
