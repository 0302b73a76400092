package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
	"tickflow/internal/queue"
)

func TestPostgresRepoIntegration(t *testing.T) {
	dsn := os.Getenv("TICKFLOW_POSTGRES_DSN_INTEGRATION")
	if dsn == "" {
		t.Skip("set TICKFLOW_POSTGRES_DSN_INTEGRATION to run Postgres integration tests")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	repo, err := NewPostgresRepo(ctx, pool)
	require.NoError(t, err)
	s := New(repo, queue.NewHeapIndex())

	task, err := s.Create(ctx, domain.NewTask{Name: "pg", Tenant: "it"})
	require.NoError(t, err)
	defer s.Delete(ctx, task.ID)

	due := domain.Now().Add(time.Minute)
	_, err = s.Update(ctx, task.ID, schedule(due))
	require.NoError(t, err)

	got, err := s.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	require.NotNil(t, got.NextExecutionTime)
	assert.True(t, due.Equal(*got.NextExecutionTime))

	found, err := s.SearchByTimeRange(ctx, task.CreatedAt, task.CreatedAt, "", "it")
	require.NoError(t, err)
	require.NotEmpty(t, found)
}
