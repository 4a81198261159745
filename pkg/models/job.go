// Package models contains shared data models used across the ReelSmith codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Job is one end-to-end video generation request. Terminal status is written
// only by the worker; the orchestrator writes stage rows, never job status.
type Job struct {
	ID                uuid.UUID   `db:"id"                  json:"id"`
	Status            string      `db:"status"              json:"status"`
	Version           int         `db:"version"             json:"version"`
	Product           string      `db:"product"             json:"product"`
	Style             string      `db:"style"               json:"style"`
	Prompt            string      `db:"prompt"              json:"prompt"`
	OutputRef         *string     `db:"output_ref"          json:"output_ref,omitempty"`
	PreviousOutputRef *string     `db:"previous_output_ref" json:"previous_output_ref,omitempty"`
	ErrorMessage      *string     `db:"error_message"       json:"error_message,omitempty"`
	EditHistory       EditHistory `db:"edit_history"        json:"edit_history"`
	CreatedAt         time.Time   `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at"          json:"updated_at"`
}

// EditHistory is the append-only log of operations applied to a job's output.
type EditHistory []EditEntry

type EditEntry struct {
	Op        string    `json:"op"`
	Detail    string    `json:"detail,omitempty"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	EditOpGenerated = "generated"
	EditOpRollback  = "rollback"
)

// JobPayload is the queue message for a job. The worker treats it as
// pass-through: on shutdown the raw bytes are re-enqueued unchanged.
type JobPayload struct {
	JobID        uuid.UUID `json:"job_id"`
	Product      string    `json:"product"`
	Style        string    `json:"style"`
	Prompt       string    `json:"prompt"`
	DurationSecs int       `json:"duration_secs,omitempty"`
	VoiceID      string    `json:"voice_id,omitempty"`
}
