// Package bus wraps the optional Redis side channels: advisory pub/sub
// notifications, per-agent enable flags, and inter-agent mailboxes.
// Everything here is best-effort; the store remains the source of truth
// and a missing or unreachable Redis never fails an operation.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	taskChannelPrefix = "autodev:tasks:"
	alertChannel      = "autodev:alerts"
	enableKeyPrefix   = "autodev:agent:enabled:"
	mailKeyPrefix     = "autodev:agent:mail:"
)

// Mail is one inter-agent message. Payload schema is owned by the sender.
type Mail struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Subject string          `json:"subject"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// Bus is a thin client over Redis. A nil *Bus is valid and inert, so
// callers need no guards when Redis is not configured.
type Bus struct {
	rdb *redis.Client
}

// Connect parses url and returns a Bus, or (nil, nil) for an empty url.
func Connect(ctx context.Context, url string) (*Bus, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Bus{rdb: rdb}, nil
}

// Close releases the underlying connection.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.rdb.Close()
}

// PublishTaskCreated announces a new task on the repo-scoped channel.
// Advisory only; subscribers must not treat it as authoritative.
func (b *Bus) PublishTaskCreated(ctx context.Context, repoID, taskID, taskType string) {
	if b == nil {
		return
	}
	b.publish(ctx, taskChannelPrefix+repoID, map[string]string{
		"task_id": taskID, "type": taskType, "repo_id": repoID,
	})
}

// PublishAlert announces a task failure or other fleet-level event.
func (b *Bus) PublishAlert(ctx context.Context, kind string, fields map[string]string) {
	if b == nil {
		return
	}
	payload := map[string]string{"kind": kind}
	for k, v := range fields {
		payload[k] = v
	}
	b.publish(ctx, alertChannel, payload)
}

func (b *Bus) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		slog.Debug("bus publish failed", "channel", channel, "error", err)
	}
}

// AgentEnabled reports the process-external enable flag for an agent.
// Missing key (or no Redis) means enabled.
func (b *Bus) AgentEnabled(ctx context.Context, agentID string) bool {
	if b == nil {
		return true
	}
	val, err := b.rdb.Get(ctx, enableKeyPrefix+agentID).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Debug("bus enable-flag read failed", "agent", agentID, "error", err)
		}
		return true
	}
	return val != "0" && val != "false"
}

// SetAgentEnabled flips the enable flag for an agent.
func (b *Bus) SetAgentEnabled(ctx context.Context, agentID string, enabled bool) error {
	if b == nil {
		return fmt.Errorf("redis is not configured")
	}
	val := "1"
	if !enabled {
		val = "0"
	}
	return b.rdb.Set(ctx, enableKeyPrefix+agentID, val, 0).Err()
}

// SendMail queues a message for another agent's runner.
func (b *Bus) SendMail(ctx context.Context, m Mail) error {
	if b == nil {
		return nil
	}
	m.SentAt = time.Now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding mail: %w", err)
	}
	return b.rdb.RPush(ctx, mailKeyPrefix+m.To, data).Err()
}

// DrainMail pops all queued messages for an agent. Undecodable entries are
// dropped with a warning.
func (b *Bus) DrainMail(ctx context.Context, agentID string) []Mail {
	if b == nil {
		return nil
	}
	var out []Mail
	key := mailKeyPrefix + agentID
	for {
		raw, err := b.rdb.LPop(ctx, key).Result()
		if err != nil {
			if err != redis.Nil {
				slog.Debug("bus mail drain failed", "agent", agentID, "error", err)
			}
			return out
		}
		var m Mail
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			slog.Warn("dropping undecodable mail", "agent", agentID, "error", err)
			continue
		}
		out = append(out, m)
	}
}
