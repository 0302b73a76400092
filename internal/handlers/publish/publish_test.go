package publish

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	return redis.NewIntResult(2, f.err)
}

func TestPublishDefaultChannel(t *testing.T) {
	f := &fakePublisher{}
	h := New(f, "")
	task := domain.Task{ID: "t1", MessageID: "m1", Name: "notify", Tenant: "acme", Priority: domain.PriorityHigh,
		Payload: json.RawMessage(`{"kind":"publish","to":"ops"}`), CurrentRetries: 1}

	out, err := h.Handle(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, "published to tickflow:delivered (2 receivers)", out)
	assert.Equal(t, DefaultChannel, f.channel)

	var d Delivery
	require.NoError(t, json.Unmarshal(f.message, &d))
	assert.Equal(t, "t1", d.TaskID)
	assert.Equal(t, "m1", d.MessageID)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, domain.PriorityHigh, d.Priority)
	assert.JSONEq(t, `{"kind":"publish","to":"ops"}`, string(d.Payload))
}

func TestPublishChannelOverride(t *testing.T) {
	f := &fakePublisher{}
	_, err := New(f, "base").Handle(context.Background(), domain.Task{ID: "t", Payload: json.RawMessage(`{"channel":"alerts"}`)})
	require.NoError(t, err)
	assert.Equal(t, "alerts", f.channel)
}

func TestPublishError(t *testing.T) {
	f := &fakePublisher{err: errors.New("connection refused")}
	_, err := New(f, "base").Handle(context.Background(), domain.Task{ID: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish to base")
}
