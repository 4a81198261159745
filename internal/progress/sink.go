// Package progress carries job progress from the pipeline to live
// observers: a Sink publishes events to the shared pub/sub channel, and the
// Hub bridges that channel to per-job sets of WebSocket connections.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Sink is the one-method progress reporting interface the orchestrator and
// worker depend on. Tests use an in-memory fake that records events.
type Sink interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// RedisSink publishes events as JSON onto the shared pub/sub channel.
type RedisSink struct {
	q       queue.Queue
	channel string
}

func NewRedisSink(q queue.Queue, channel string) *RedisSink {
	return &RedisSink{q: q, channel: channel}
}

func (s *RedisSink) Publish(ctx context.Context, ev models.ProgressEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return s.q.Publish(ctx, s.channel, payload)
}

var _ Sink = (*RedisSink)(nil)
