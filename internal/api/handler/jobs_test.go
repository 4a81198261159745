package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/internal/api/handler"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/internal/worker"
	"github.com/reelsmith/reelsmith/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory job store for handler tests.
type memStore struct {
	mu          sync.Mutex
	jobs        map[uuid.UUID]*models.Job
	stages      map[uuid.UUID][]*models.Stage
	rollbackErr error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[uuid.UUID]*models.Job),
		stages: make(map[uuid.UUID][]*models.Stage),
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job, nil
}

func (m *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status string, _ ...store.JobUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = status
	return nil
}

func (m *memStore) RollbackJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rollbackErr != nil {
		return nil, m.rollbackErr
	}
	job, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.PreviousOutputRef == nil {
		return nil, store.ErrNoPriorOutput
	}
	job.OutputRef, job.PreviousOutputRef = job.PreviousOutputRef, job.OutputRef
	job.Version++
	return job, nil
}

func (m *memStore) UpsertStage(context.Context, uuid.UUID, string, store.StageUpdate) error {
	return nil
}
func (m *memStore) GetStage(context.Context, uuid.UUID, string) (*models.Stage, error) {
	return nil, store.ErrNotFound
}

func (m *memStore) ListStages(_ context.Context, id uuid.UUID) ([]*models.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stages[id], nil
}

// memQueue records enqueued payloads.
type memQueue struct {
	mu         sync.Mutex
	payloads   [][]byte
	enqueueErr error
}

func (q *memQueue) Enqueue(_ context.Context, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.payloads = append(q.payloads, payload)
	return nil
}

func (q *memQueue) Dequeue(context.Context, time.Duration) ([]byte, error) {
	return nil, queue.ErrEmpty
}
func (q *memQueue) Publish(context.Context, string, []byte) error { return nil }
func (q *memQueue) Subscribe(context.Context, ...string) queue.Subscription {
	return nil
}
func (q *memQueue) Ping(context.Context) error { return nil }
func (q *memQueue) Close() error               { return nil }

// memCache holds the job status mirror.
type memCache struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]string
}

func newMemCache() *memCache {
	return &memCache{statuses: make(map[uuid.UUID]string)}
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) SetJobStatus(_ context.Context, jobID uuid.UUID, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[jobID] = status
	return nil
}

func (c *memCache) GetJobStatus(_ context.Context, jobID uuid.UUID) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.statuses[jobID]
	return status, ok, nil
}

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func newJobsRouter(st *memStore, q *memQueue, ca *memCache) http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/jobs", handler.NewSubmitJobHandler(st, q, ca))
	r.Get("/api/v1/jobs/{jobID}", handler.NewGetJobHandler(st, ca))
	r.Post("/api/v1/jobs/{jobID}/rollback", handler.NewRollbackJobHandler(st, ca))
	return r
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Data
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

// --- Submit ---

func TestSubmitJob_Accepted(t *testing.T) {
	st := newMemStore()
	q := &memQueue{}
	ca := newMemCache()
	router := newJobsRouter(st, q, ca)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs",
		`{"product":"aurora lamp","style":"cinematic","prompt":"a 30 second ad","duration_secs":30}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, models.JobStatusPending, data["status"])
	jobID, err := uuid.Parse(data["id"].(string))
	require.NoError(t, err)

	// The queue payload carries the same job id.
	require.Len(t, q.payloads, 1)
	var payload models.JobPayload
	require.NoError(t, json.Unmarshal(q.payloads[0], &payload))
	assert.Equal(t, jobID, payload.JobID)
	assert.Equal(t, "aurora lamp", payload.Product)
	assert.Equal(t, 30, payload.DurationSecs)

	// Row exists and the status mirror is primed.
	_, err = st.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	status, ok, _ := ca.GetJobStatus(context.Background(), jobID)
	assert.True(t, ok)
	assert.Equal(t, models.JobStatusPending, status)
}

func TestSubmitJob_Validation(t *testing.T) {
	router := newJobsRouter(newMemStore(), &memQueue{}, newMemCache())

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing product", `{"prompt":"hello"}`},
		{"missing prompt", `{"product":"lamp"}`},
		{"duration too short", `{"product":"lamp","prompt":"hello","duration_secs":2}`},
		{"duration too long", `{"product":"lamp","prompt":"hello","duration_secs":400}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", decodeErrorCode(t, rec))
		})
	}
}

func TestSubmitJob_QueueUnavailable(t *testing.T) {
	q := &memQueue{enqueueErr: context.DeadlineExceeded}
	router := newJobsRouter(newMemStore(), q, newMemCache())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs",
		`{"product":"lamp","prompt":"hello"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "QUEUE_UNAVAILABLE", decodeErrorCode(t, rec))
}

// --- Get ---

func TestGetJob_WithStages(t *testing.T) {
	st := newMemStore()
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusProcessing, Product: "lamp", Prompt: "ad"}
	st.jobs[job.ID] = job
	st.stages[job.ID] = []*models.Stage{
		{JobID: job.ID, Name: models.StageScriptGeneration, Status: models.StageStatusCompleted, Progress: 100},
		{JobID: job.ID, Name: models.StageVoiceGeneration, Status: models.StageStatusProcessing},
	}
	router := newJobsRouter(st, &memQueue{}, newMemCache())

	rec := doRequest(t, router, http.MethodGet, "/api/v1/jobs/"+job.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, models.JobStatusProcessing, data["status"])
	stages, ok := data["stages"].([]any)
	require.True(t, ok)
	assert.Len(t, stages, 2)
}

func TestGetJob_NotFound(t *testing.T) {
	router := newJobsRouter(newMemStore(), &memQueue{}, newMemCache())

	rec := doRequest(t, router, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", decodeErrorCode(t, rec))
}

func TestGetJob_InvalidID(t *testing.T) {
	router := newJobsRouter(newMemStore(), &memQueue{}, newMemCache())

	rec := doRequest(t, router, http.MethodGet, "/api/v1/jobs/nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJob_StatusFastPath(t *testing.T) {
	st := newMemStore()
	ca := newMemCache()
	jobID := uuid.New()
	// Only the mirror knows this job; a DB-backed lookup would 404.
	require.NoError(t, ca.SetJobStatus(context.Background(), jobID, models.JobStatusProcessing, time.Minute))
	router := newJobsRouter(st, &memQueue{}, ca)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/jobs/"+jobID.String()+"?fields=status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, models.JobStatusProcessing, data["status"])
}

// --- Rollback ---

func TestRollbackJob_SwapsOutputs(t *testing.T) {
	st := newMemStore()
	v1, v2 := "http://cdn/v1.mp4", "http://cdn/v2.mp4"
	job := &models.Job{
		ID:                uuid.New(),
		Status:            models.JobStatusCompleted,
		Version:           2,
		OutputRef:         &v2,
		PreviousOutputRef: &v1,
	}
	st.jobs[job.ID] = job
	router := newJobsRouter(st, &memQueue{}, newMemCache())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/rollback", "")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	assert.Equal(t, v1, data["output_ref"])
	assert.Equal(t, v2, data["previous_output_ref"])
	assert.Equal(t, float64(3), data["version"])
}

func TestRollbackJob_NoPriorOutput(t *testing.T) {
	st := newMemStore()
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusCompleted}
	st.jobs[job.ID] = job
	router := newJobsRouter(st, &memQueue{}, newMemCache())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/"+job.ID.String()+"/rollback", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_PRIOR_OUTPUT", decodeErrorCode(t, rec))
}

func TestRollbackJob_NotFound(t *testing.T) {
	router := newJobsRouter(newMemStore(), &memQueue{}, newMemCache())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/rollback", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Health ---

func TestHealthHandler(t *testing.T) {
	healthy := handler.NewHealthHandler(func(context.Context) worker.HealthStatus {
		return worker.HealthStatus{QueueOK: true, StoreOK: true, Running: true}
	})
	rec := httptest.NewRecorder()
	healthy(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	degraded := handler.NewHealthHandler(func(context.Context) worker.HealthStatus {
		return worker.HealthStatus{QueueOK: true, StoreOK: false, Running: true}
	})
	rec = httptest.NewRecorder()
	degraded(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "DEGRADED", decodeErrorCode(t, rec))
}
