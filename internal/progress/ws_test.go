package progress_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/reelsmith/reelsmith/internal/progress"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsStore serves exactly one known job.
type wsStore struct {
	job *models.Job
}

func (s *wsStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	if s.job != nil && s.job.ID == id {
		return s.job, nil
	}
	return nil, store.ErrNotFound
}

func (s *wsStore) Ping(context.Context) error                   { return nil }
func (s *wsStore) CreateJob(context.Context, *models.Job) error { return nil }
func (s *wsStore) UpdateJobStatus(context.Context, uuid.UUID, string, ...store.JobUpdateOption) error {
	return nil
}
func (s *wsStore) RollbackJob(context.Context, uuid.UUID) (*models.Job, error) {
	return nil, store.ErrNotFound
}
func (s *wsStore) UpsertStage(context.Context, uuid.UUID, string, store.StageUpdate) error {
	return nil
}
func (s *wsStore) GetStage(context.Context, uuid.UUID, string) (*models.Stage, error) {
	return nil, store.ErrNotFound
}
func (s *wsStore) ListStages(context.Context, uuid.UUID) ([]*models.Stage, error) {
	return nil, nil
}

func setupEventsServer(t *testing.T, hub *progress.Hub, st store.Store) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/v1/jobs/{jobID}/events", progress.NewEventsHandler(hub, st, 50*time.Millisecond, time.Second))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, jobID string) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1) + "/api/v1/jobs/" + jobID + "/events"
}

func dial(t *testing.T, srv *httptest.Server, jobID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, jobID), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventsHandler_UnknownJobRejectedBeforeUpgrade(t *testing.T) {
	hub := progress.NewHub(&fakeSubscriber{}, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, uuid.NewString()), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsHandler_InvalidJobID(t *testing.T) {
	hub := progress.NewHub(&fakeSubscriber{}, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "not-a-uuid"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsHandler_SendsConnectedMessageFirst(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusProcessing}
	hub := progress.NewHub(&fakeSubscriber{}, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{job: job})

	conn := dial(t, srv, job.ID.String())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello struct {
		Type   string    `json:"type"`
		JobID  uuid.UUID `json:"job_id"`
		Status string    `json:"status"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "connected", hello.Type)
	assert.Equal(t, job.ID, hello.JobID)
	assert.Equal(t, models.JobStatusProcessing, hello.Status)
}

func TestEventsHandler_DeliversBridgedEvents(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusProcessing}
	subr := &fakeSubscriber{}
	hub := progress.NewHub(subr, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{job: job})

	conn := dial(t, srv, job.ID.String())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	require.Eventually(t, func() bool { return subr.count() == 1 }, 5*time.Second, time.Millisecond)
	subr.latest().push(t, event(job.ID, models.StageScriptGeneration, 0))

	var ev models.ProgressEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, job.ID, ev.JobID)
	assert.Equal(t, models.StageScriptGeneration, ev.Stage)
}

func TestEventsHandler_AnswersApplicationPing(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusPending}
	hub := progress.NewHub(&fakeSubscriber{}, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{job: job})

	conn := dial(t, srv, job.ID.String())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var pong map[string]string
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}

func TestEventsHandler_PingsOnlyWhenQuiet(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusProcessing}
	subr := &fakeSubscriber{}
	hub := progress.NewHub(subr, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{job: job})

	conn := dial(t, srv, job.ID.String())
	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(string) error {
		pings <- struct{}{}
		return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
	})
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var hello map[string]any
	require.NoError(t, conn.ReadJSON(&hello))
	require.Eventually(t, func() bool { return subr.count() == 1 }, 5*time.Second, time.Millisecond)

	// Steady traffic across several ping intervals keeps the probe silent.
	for i := 0; i < 15; i++ {
		subr.latest().push(t, event(job.ID, models.StageVideoGeneration, i))
		var ev models.ProgressEvent
		require.NoError(t, conn.ReadJSON(&ev))
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case <-pings:
		t.Fatal("ping sent while events were flowing")
	default:
	}

	// Once the stream goes quiet a probe must arrive within an interval or
	// two. The blocking read surfaces control frames to the ping handler.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		_, _, _ = conn.ReadMessage()
	}()
	select {
	case <-pings:
	case <-time.After(time.Second):
		t.Fatal("no ping after the connection went quiet")
	}
	conn.Close()
	<-readDone
}

func TestEventsHandler_DetachOnDisconnect(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusPending}
	hub := progress.NewHub(&fakeSubscriber{}, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{job: job})

	conn := dial(t, srv, job.ID.String())
	require.Eventually(t, func() bool {
		return hub.Count(job.ID) == 1
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return hub.Count(job.ID) == 0
	}, 5*time.Second, time.Millisecond)
}

func TestEventsHandler_ConnectedMessageShape(t *testing.T) {
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusCompleted}
	hub := progress.NewHub(&fakeSubscriber{}, queue.ProgressChannel, time.Millisecond, 3)
	srv := setupEventsServer(t, hub, &wsStore{job: job})

	conn := dial(t, srv, job.ID.String())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "type")
	assert.Contains(t, fields, "job_id")
	assert.Contains(t, fields, "status")
}
