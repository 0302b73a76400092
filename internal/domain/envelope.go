package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Envelope is the part of a payload the scheduler understands. Everything
// else is left to the handler selected by Kind.
type Envelope struct {
	Kind      string `json:"kind"`
	TimeoutMs int64  `json:"timeoutMs"`
}

func (e Envelope) Timeout() time.Duration { return time.Duration(e.TimeoutMs) * time.Millisecond }

// Envelope decodes the payload envelope. Payloads that are not JSON objects
// yield an empty envelope, so the default handler runs them.
func (t Task) Envelope() Envelope {
	var env Envelope
	p := bytes.TrimSpace(t.Payload)
	if len(p) == 0 || p[0] != '{' {
		return env
	}
	_ = json.Unmarshal(p, &env)
	if env.TimeoutMs < 0 {
		env.TimeoutMs = 0
	}
	return env
}

// NormalizeJSON unwraps a JSON string whose content is itself JSON
// ("{\"a\":1}" becomes {"a":1}) and returns nil for empty or null input.
func NormalizeJSON(raw json.RawMessage) json.RawMessage {
	p := bytes.TrimSpace(raw)
	if len(p) == 0 || bytes.Equal(p, []byte("null")) {
		return nil
	}
	if p[0] == '"' {
		var s string
		if err := json.Unmarshal(p, &s); err == nil {
			inner := bytes.TrimSpace([]byte(s))
			if len(inner) == 0 {
				return nil
			}
			if json.Valid(inner) {
				return json.RawMessage(inner)
			}
		}
	}
	return json.RawMessage(p)
}
