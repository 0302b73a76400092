package shell

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/domain"
)

func run(payload string) (string, error) {
	return Shell{}.Handle(context.Background(), domain.Task{ID: "t", Payload: json.RawMessage(payload)})
}

func TestShellSuccess(t *testing.T) {
	out, err := run(`{"kind":"shell","command":"echo","args":["hello","world"]}`)
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestShellFailure(t *testing.T) {
	_, err := run(`{"kind":"shell","command":"false"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell error")
}

func TestShellRequiresCommand(t *testing.T) {
	_, err := run(`{"kind":"shell"}`)
	assert.EqualError(t, err, "command is required")

	_, err = run(`[1,2]`)
	assert.Error(t, err)
}
