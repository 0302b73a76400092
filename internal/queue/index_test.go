package queue

import (
	"context"
	"os"
	"testing"
	"time"

	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

func ids(es []Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}

func exerciseIndex(t *testing.T, idx Index) {
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, idx.Upsert(ctx, Entry{ID: "c", Due: base, Priority: domain.PriorityLow}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "b", Due: base, Priority: domain.PriorityHigh}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "a", Due: base, Priority: domain.PriorityHigh}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "early", Due: base.Add(-time.Second), Priority: domain.PriorityLow}))
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "later", Due: base.Add(time.Minute), Priority: domain.PriorityHigh}))

	due, err := idx.PeekDue(ctx, base, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a", "b", "c"}, ids(due))

	// Peeking does not consume.
	n, err := idx.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	limited, err := idx.PeekDue(ctx, base, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"early", "a"}, ids(limited))

	// Reschedule moves an entry instead of duplicating it.
	require.NoError(t, idx.Upsert(ctx, Entry{ID: "early", Due: base.Add(time.Hour), Priority: domain.PriorityLow}))
	require.NoError(t, idx.Remove(ctx, "b"))
	require.NoError(t, idx.Remove(ctx, "missing"))

	due, err = idx.PeekDue(ctx, base, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(due))

	n, err = idx.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.NoError(t, idx.Reset(ctx))
	n, err = idx.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHeapIndexOrdering(t *testing.T) {
	exerciseIndex(t, NewHeapIndex())
}

func TestHeapIndexManyEntries(t *testing.T) {
	ctx := context.Background()
	idx := NewHeapIndex()
	base := time.Now()
	for i := 0; i < 200; i++ {
		id := string(rune('A'+i%26)) + time.Duration(i).String()
		require.NoError(t, idx.Upsert(ctx, Entry{ID: id, Due: base.Add(time.Duration(200-i) * time.Millisecond)}))
	}
	due, err := idx.PeekDue(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, due, 200)
	for i := 1; i < len(due); i++ {
		assert.False(t, Less(due[i], due[i-1]), "entries out of order at %d", i)
	}
}

func TestRedisIndexIntegration(t *testing.T) {
	addr := os.Getenv("TICKFLOW_REDIS_ADDR_INTEGRATION")
	if addr == "" {
		t.Skip("set TICKFLOW_REDIS_ADDR_INTEGRATION to run Redis integration tests")
	}
	rdb := r.NewClient(&r.Options{Addr: addr})
	defer rdb.Close()
	idx := NewRedisIndex(rdb, "tickflow-test-"+time.Now().Format("150405.000000"))
	defer idx.Reset(context.Background())
	exerciseIndex(t, idx)
}
