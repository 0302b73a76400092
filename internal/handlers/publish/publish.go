// Package publish delivers a task to a Redis pub/sub channel.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"tickflow/internal/domain"
)

const DefaultChannel = "tickflow:delivered"

// Publisher is satisfied by *redis.Client.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type Publish struct {
	rdb     Publisher
	channel string
}

func New(rdb Publisher, channel string) *Publish {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publish{rdb: rdb, channel: channel}
}

type options struct {
	Channel string `json:"channel"`
}

// Delivery is the message published for each execution.
type Delivery struct {
	TaskID      string          `json:"taskId"`
	MessageID   string          `json:"messageId,omitempty"`
	Name        string          `json:"name"`
	Tenant      string          `json:"tenant"`
	Priority    domain.Priority `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Attempt     int             `json:"attempt"`
	DeliveredAt time.Time       `json:"deliveredAt"`
}

func (p *Publish) Handle(ctx context.Context, t domain.Task) (string, error) {
	var opts options
	if len(t.Payload) > 0 && t.Payload[0] == '{' {
		if err := json.Unmarshal(t.Payload, &opts); err != nil {
			return "", fmt.Errorf("invalid publish payload: %w", err)
		}
	}
	channel := opts.Channel
	if channel == "" {
		channel = p.channel
	}

	msg, err := json.Marshal(Delivery{
		TaskID:      t.ID,
		MessageID:   t.MessageID,
		Name:        t.Name,
		Tenant:      t.Tenant,
		Priority:    t.Priority,
		Payload:     t.Payload,
		Parameters:  t.Parameters,
		Attempt:     t.CurrentRetries + 1,
		DeliveredAt: domain.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("encode delivery: %w", err)
	}

	receivers, err := p.rdb.Publish(ctx, channel, msg).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", channel, err)
	}
	log.Debug().Str("task_id", t.ID).Str("channel", channel).Int64("receivers", receivers).Msg("task delivered")
	return fmt.Sprintf("published to %s (%d receivers)", channel, receivers), nil
}
