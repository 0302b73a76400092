package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"tickflow/internal/domain"
)

const maxOutput = 4096

type Shell struct{}

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir"`
	Env     []string `json:"env"`
}

func (h Shell) Handle(ctx context.Context, t domain.Task) (string, error) {
	var c Cmd
	if err := json.Unmarshal(t.Payload, &c); err != nil {
		return "", fmt.Errorf("invalid shell payload: %w", err)
	}
	if c.Command == "" {
		return "", fmt.Errorf("command is required")
	}
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("shell error: %v; out=%s", err, truncate(out))
	}
	return truncate(out), nil
}

func truncate(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutput {
		s = s[:maxOutput] + "..."
	}
	return s
}
