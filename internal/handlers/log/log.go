// Package log implements the default handler: it records the delivery in
// the process log and succeeds.
package log

import (
	"context"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"tickflow/internal/domain"
)

type Log struct {
	Level zerolog.Level
}

func (h Log) Handle(_ context.Context, t domain.Task) (string, error) {
	ev := zlog.WithLevel(h.Level).
		Str("task_id", t.ID).
		Str("name", t.Name).
		Str("tenant", t.Tenant).
		Str("priority", string(t.Priority)).
		Int("attempt", t.CurrentRetries+1)
	if len(t.Payload) > 0 {
		ev = ev.RawJSON("payload", t.Payload)
	}
	ev.Msg("task delivered")
	return "delivered", nil
}
