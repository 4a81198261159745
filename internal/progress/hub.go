package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Observer is one live connection attached to a job id. Send must be safe
// for concurrent use; a failing Send gets the observer dropped from the hub.
type Observer interface {
	Send(payload []byte) error
	CloseWithError(reason string)
}

// Subscriber is the slice of the queue contract the hub needs.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) queue.Subscription
}

// Hub is the process-local connection registry plus one bridge goroutine per
// actively-observed job. The bridge is started when a job's observer count
// goes 0→1 and cancelled when it returns to 0, so relay work scales with
// observed jobs, not total job volume.
type Hub struct {
	subscriber Subscriber
	channel    string
	retryWait  time.Duration
	maxRetries int

	mu        sync.Mutex
	observers map[uuid.UUID]map[Observer]struct{}
	bridges   map[uuid.UUID]context.CancelFunc
}

func NewHub(sub Subscriber, channel string, retryWait time.Duration, maxRetries int) *Hub {
	if retryWait <= 0 {
		retryWait = time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Hub{
		subscriber: sub,
		channel:    channel,
		retryWait:  retryWait,
		maxRetries: maxRetries,
		observers:  make(map[uuid.UUID]map[Observer]struct{}),
		bridges:    make(map[uuid.UUID]context.CancelFunc),
	}
}

// Attach registers an observer for a job. The first observer for a job
// starts its bridge.
func (h *Hub) Attach(jobID uuid.UUID, obs Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.observers[jobID]
	if !ok {
		set = make(map[Observer]struct{})
		h.observers[jobID] = set

		ctx, cancel := context.WithCancel(context.Background())
		h.bridges[jobID] = cancel
		go h.bridge(ctx, jobID)
	}
	set[obs] = struct{}{}
}

// Detach removes an observer. The last observer for a job cancels its
// bridge.
func (h *Hub) Detach(jobID uuid.UUID, obs Observer) {
	h.mu.Lock()
	set, ok := h.observers[jobID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(set, obs)

	var cancel context.CancelFunc
	if len(set) == 0 {
		delete(h.observers, jobID)
		cancel = h.bridges[jobID]
		delete(h.bridges, jobID)
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Count reports the number of live observers for a job.
func (h *Hub) Count(jobID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers[jobID])
}

// Broadcast sends payload to every observer of the job. The observer set is
// snapshotted first so a concurrent Detach cannot corrupt iteration. A send
// failure drops that observer but never blocks delivery to the rest.
func (h *Hub) Broadcast(jobID uuid.UUID, payload []byte) {
	h.mu.Lock()
	set := h.observers[jobID]
	snapshot := make([]Observer, 0, len(set))
	for obs := range set {
		snapshot = append(snapshot, obs)
	}
	h.mu.Unlock()

	for _, obs := range snapshot {
		if err := obs.Send(payload); err != nil {
			slog.Warn("dropping dead observer", "job_id", jobID, "error", err)
			h.Detach(jobID, obs)
			obs.CloseWithError("send failed")
		}
	}
}

// Close tears down every bridge and observer, used at process shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []Observer
	for jobID, set := range h.observers {
		for obs := range set {
			all = append(all, obs)
		}
		delete(h.observers, jobID)
		if cancel, ok := h.bridges[jobID]; ok {
			cancel()
			delete(h.bridges, jobID)
		}
	}
	h.mu.Unlock()

	for _, obs := range all {
		obs.CloseWithError("server shutting down")
	}
}

// bridge relays matching pub/sub events to the job's observers until its
// context is cancelled. A lost subscription is retried with a short backoff;
// when retries run out every observer is closed with an error notice.
func (h *Hub) bridge(ctx context.Context, jobID uuid.UUID) {
	attempts := 0
	for {
		sub := h.subscriber.Subscribe(ctx, h.channel)
		streamLost := h.relay(ctx, sub, jobID)
		_ = sub.Close()

		if !streamLost {
			// Cancelled: last observer detached or hub closed.
			return
		}

		attempts++
		if attempts > h.maxRetries {
			slog.Error("progress stream lost, closing observers", "job_id", jobID)
			h.closeAll(jobID, "progress stream unavailable")
			return
		}
		slog.Warn("progress subscription lost, retrying", "job_id", jobID, "attempt", attempts)
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.retryWait):
		}
	}
}

// relay pumps one subscription. Returns true if the stream ended while the
// bridge was still wanted, false on cancellation.
func (h *Hub) relay(ctx context.Context, sub queue.Subscription, jobID uuid.UUID) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return ctx.Err() == nil
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				slog.Warn("malformed progress event", "error", err)
				continue
			}
			if ev.JobID != jobID {
				continue
			}
			h.Broadcast(jobID, msg.Payload)
		}
	}
}

func (h *Hub) closeAll(jobID uuid.UUID, reason string) {
	h.mu.Lock()
	set := h.observers[jobID]
	snapshot := make([]Observer, 0, len(set))
	for obs := range set {
		snapshot = append(snapshot, obs)
	}
	delete(h.observers, jobID)
	if cancel, ok := h.bridges[jobID]; ok {
		cancel()
		delete(h.bridges, jobID)
	}
	h.mu.Unlock()

	for _, obs := range snapshot {
		obs.CloseWithError(reason)
	}
}
