package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextRunTime(t *testing.T) {
	from := time.Date(2024, 3, 1, 10, 7, 30, 500_000_000, time.UTC)
	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 */5 * * * ?", time.Date(2024, 3, 1, 10, 10, 0, 0, time.UTC)},
		{"*/10 * * * * *", time.Date(2024, 3, 1, 10, 7, 40, 0, time.UTC)},
		{"0 0 9 ? * MON-FRI", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{"@hourly", time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := NextRunTime(tt.expr, from)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.True(t, got.After(from))
		})
	}
}

func TestNextRunTimeRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "not a cron", "* * * * *", "61 * * * * *"} {
		_, err := NextRunTime(expr, time.Now())
		assert.Error(t, err, expr)
		assert.Error(t, ValidateCronExpression(expr), expr)
	}
}

func TestSlots(t *testing.T) {
	s := NewSlots(3, 2, map[string]int{"vip": 3, "solo": 1})

	assert.True(t, s.TryAcquire("a"))
	assert.True(t, s.TryAcquire("a"))
	assert.False(t, s.TryAcquire("a"), "tenant default limit")
	assert.True(t, s.TryAcquire("solo"))
	assert.False(t, s.TryAcquire("vip"), "global limit")
	assert.Equal(t, 3, s.InUse())

	s.Release("a")
	assert.False(t, s.TryAcquire("solo"), "override limit")
	assert.True(t, s.TryAcquire("vip"))
	assert.Equal(t, 3, s.InUse())
}

func TestSlotsUnboundedTenant(t *testing.T) {
	s := NewSlots(2, 0, nil)
	assert.True(t, s.TryAcquire("a"))
	assert.True(t, s.TryAcquire("a"))
	assert.False(t, s.TryAcquire("b"))
	s.Release("a")
	assert.True(t, s.TryAcquire("b"))
}
