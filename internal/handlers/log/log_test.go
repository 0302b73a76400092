package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	prev := zlog.Logger
	zlog.Logger = zerolog.New(&buf)
	defer func() { zlog.Logger = prev }()

	out, err := Log{Level: zerolog.InfoLevel}.Handle(context.Background(), domain.Task{
		ID: "t1", Name: "hello", Tenant: "acme", Priority: domain.PriorityLow,
		Payload: json.RawMessage(`{"note":"x"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "delivered", out)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "t1", line["task_id"])
	assert.Equal(t, "task delivered", line["message"])
	assert.Equal(t, map[string]any{"note": "x"}, line["payload"])
}
