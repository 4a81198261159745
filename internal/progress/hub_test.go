package progress_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/internal/progress"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubscription is a controllable pub/sub stream. Closing it simulates
// connection loss; the hub cannot tell the difference, which is the point.
type fakeSubscription struct {
	ch        chan queue.Message
	closeOnce sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan queue.Message, 16)}
}

func (s *fakeSubscription) Messages() <-chan queue.Message { return s.ch }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

func (s *fakeSubscription) push(t *testing.T, ev models.ProgressEvent) {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	s.ch <- queue.Message{Channel: queue.ProgressChannel, Payload: payload}
}

// fakeSubscriber hands out one fakeSubscription per Subscribe call.
type fakeSubscriber struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ ...string) queue.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := newFakeSubscription()
	f.subs = append(f.subs, s)
	return s
}

func (f *fakeSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSubscriber) latest() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// chanObserver records deliveries and close reasons.
type chanObserver struct {
	mu          sync.Mutex
	payloads    [][]byte
	sendErr     error
	closeReason string
}

func (o *chanObserver) Send(payload []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sendErr != nil {
		return o.sendErr
	}
	o.payloads = append(o.payloads, payload)
	return nil
}

func (o *chanObserver) CloseWithError(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closeReason = reason
}

func (o *chanObserver) received() []models.ProgressEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ProgressEvent, 0, len(o.payloads))
	for _, p := range o.payloads {
		var ev models.ProgressEvent
		if json.Unmarshal(p, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (o *chanObserver) reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeReason
}

func event(jobID uuid.UUID, stage string, progressPct int) models.ProgressEvent {
	return models.ProgressEvent{
		JobID:     jobID,
		Stage:     stage,
		Progress:  progressPct,
		Timestamp: time.Now().UTC(),
	}
}

func TestHub_AttachStartsBridgeDetachStopsIt(t *testing.T) {
	sub := &fakeSubscriber{}
	hub := progress.NewHub(sub, queue.ProgressChannel, time.Millisecond, 3)
	jobID := uuid.New()
	obs := &chanObserver{}

	hub.Attach(jobID, obs)
	assert.Equal(t, 1, hub.Count(jobID))

	require.Eventually(t, func() bool {
		return sub.count() == 1
	}, 5*time.Second, time.Millisecond)

	// A second observer for the same job shares the bridge.
	obs2 := &chanObserver{}
	hub.Attach(jobID, obs2)
	assert.Equal(t, 2, hub.Count(jobID))
	assert.Equal(t, 1, sub.count())

	hub.Detach(jobID, obs2)
	assert.Equal(t, 1, hub.Count(jobID))
	assert.Equal(t, 1, sub.count())

	hub.Detach(jobID, obs)
	assert.Equal(t, 0, hub.Count(jobID))
}

func TestHub_ReattachStartsFreshBridge(t *testing.T) {
	sub := &fakeSubscriber{}
	hub := progress.NewHub(sub, queue.ProgressChannel, time.Millisecond, 3)
	jobID := uuid.New()

	obs := &chanObserver{}
	hub.Attach(jobID, obs)
	require.Eventually(t, func() bool { return sub.count() == 1 }, 5*time.Second, time.Millisecond)
	hub.Detach(jobID, obs)

	obs2 := &chanObserver{}
	hub.Attach(jobID, obs2)
	require.Eventually(t, func() bool { return sub.count() == 2 }, 5*time.Second, time.Millisecond)
	hub.Detach(jobID, obs2)
}

func TestHub_RelayFiltersByJobID(t *testing.T) {
	subr := &fakeSubscriber{}
	hub := progress.NewHub(subr, queue.ProgressChannel, time.Millisecond, 3)
	jobID := uuid.New()
	otherJob := uuid.New()
	obs := &chanObserver{}

	hub.Attach(jobID, obs)
	defer hub.Detach(jobID, obs)
	require.Eventually(t, func() bool { return subr.count() == 1 }, 5*time.Second, time.Millisecond)
	stream := subr.latest()

	stream.push(t, event(otherJob, models.StageScriptGeneration, 0))
	stream.push(t, event(jobID, models.StageScriptGeneration, 0))
	stream.push(t, event(otherJob, models.StageCompositing, 100))
	stream.push(t, event(jobID, models.StageCompositing, 100))

	require.Eventually(t, func() bool {
		return len(obs.received()) == 2
	}, 5*time.Second, time.Millisecond)

	got := obs.received()
	for _, ev := range got {
		assert.Equal(t, jobID, ev.JobID)
	}
	// Delivery preserves channel order.
	assert.Equal(t, models.StageScriptGeneration, got[0].Stage)
	assert.Equal(t, models.StageCompositing, got[1].Stage)
}

func TestHub_BroadcastDropsDeadObserver(t *testing.T) {
	subr := &fakeSubscriber{}
	hub := progress.NewHub(subr, queue.ProgressChannel, time.Millisecond, 3)
	jobID := uuid.New()

	healthy := &chanObserver{}
	dead := &chanObserver{sendErr: errors.New("connection reset")}
	hub.Attach(jobID, healthy)
	hub.Attach(jobID, dead)

	hub.Broadcast(jobID, []byte(`{"progress":10}`))

	assert.Equal(t, 1, hub.Count(jobID))
	assert.Equal(t, "send failed", dead.reason())
	assert.Len(t, healthy.received(), 1)
	hub.Detach(jobID, healthy)
}

func TestHub_StreamLossRetriesThenClosesObservers(t *testing.T) {
	subr := &fakeSubscriber{}
	hub := progress.NewHub(subr, queue.ProgressChannel, time.Millisecond, 1)
	jobID := uuid.New()
	obs := &chanObserver{}

	hub.Attach(jobID, obs)
	require.Eventually(t, func() bool { return subr.count() == 1 }, 5*time.Second, time.Millisecond)

	// First loss is retried with a fresh subscription.
	subr.latest().Close()
	require.Eventually(t, func() bool { return subr.count() == 2 }, 5*time.Second, time.Millisecond)

	// Second loss exhausts the retry budget.
	subr.latest().Close()
	require.Eventually(t, func() bool {
		return obs.reason() == "progress stream unavailable"
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 0, hub.Count(jobID))
}

func TestHub_CloseTearsDownEverything(t *testing.T) {
	subr := &fakeSubscriber{}
	hub := progress.NewHub(subr, queue.ProgressChannel, time.Millisecond, 3)

	jobA, jobB := uuid.New(), uuid.New()
	obsA, obsB := &chanObserver{}, &chanObserver{}
	hub.Attach(jobA, obsA)
	hub.Attach(jobB, obsB)

	hub.Close()

	assert.Equal(t, 0, hub.Count(jobA))
	assert.Equal(t, 0, hub.Count(jobB))
	assert.Equal(t, "server shutting down", obsA.reason())
	assert.Equal(t, "server shutting down", obsB.reason())
}
