package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is the transient unit carried over the pub/sub channel and
// delivered verbatim to observers. Not persisted; a disconnected observer
// permanently misses events emitted while absent.
type ProgressEvent struct {
	JobID     uuid.UUID `json:"job_id"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Job-level status events use this pseudo-stage so observers can tell them
// apart from per-stage transitions.
const StagePipeline = "pipeline"

const (
	EventStatusProcessing = "processing"
	EventStatusRetrying   = "retrying"
	EventStatusCompleted  = "completed"
	EventStatusFailed     = "failed"
)
