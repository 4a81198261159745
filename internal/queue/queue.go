// Package queue wraps the Redis list used as the durable job queue and the
// pub/sub channel that carries progress events.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// JobsKey is the Redis list holding pending job payloads.
	JobsKey = "reelsmith:jobs"
	// ProgressChannel carries progress events for all jobs; consumers filter
	// by job id.
	ProgressChannel = "reelsmith:progress"
)

// ErrEmpty is returned by Dequeue when the blocking pop times out with no
// job available.
var ErrEmpty = errors.New("queue empty")

// Queue is the durable FIFO plus companion pub/sub channel contract.
type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error)
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is a live pub/sub stream. Messages is closed when the
// subscription ends, whether by Close or by connection loss.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// RedisQueue implements Queue using go-redis/v9. Enqueue pushes to the head
// and Dequeue pops from the tail, so competing consumers see FIFO order.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue creates a RedisQueue from a Redis URL.
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisQueue{client: redis.NewClient(opts)}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
	return q.client.LPush(ctx, JobsKey, payload).Err()
}

// Dequeue blocks for up to timeout waiting for a job. Returns ErrEmpty when
// the timeout elapses, so callers can re-check their shutdown flag.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, JobsKey).Result()
	if err == redis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	return []byte(res[1]), nil
}

func (q *RedisQueue) Publish(ctx context.Context, channel string, payload []byte) error {
	return q.client.Publish(ctx, channel, payload).Err()
}

func (q *RedisQueue) Subscribe(ctx context.Context, channels ...string) Subscription {
	ps := q.client.Subscribe(ctx, channels...)
	sub := &redisSubscription{ps: ps, out: make(chan Message), done: make(chan struct{})}
	go sub.pump()
	return sub
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

// pump forwards deliveries until the Redis stream ends or Close is called.
// The done channel lets a pump holding an undelivered message exit when the
// receiver has already gone away.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		select {
		case s.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.ps.Close()
}
