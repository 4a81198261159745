package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	StageStatusPending    = "pending"
	StageStatusProcessing = "processing"
	StageStatusCompleted  = "completed"
	StageStatusFailed     = "failed"
)

// Pipeline stage names. Script runs first, voice and video run concurrently,
// compositing runs last.
const (
	StageScriptGeneration = "script_generation"
	StageVoiceGeneration  = "voice_generation"
	StageVideoGeneration  = "video_generation"
	StageCompositing      = "compositing"
)

// PipelineStages lists every stage in execution order.
var PipelineStages = []string{
	StageScriptGeneration,
	StageVoiceGeneration,
	StageVideoGeneration,
	StageCompositing,
}

// Stage is one tracked phase of a job's pipeline, keyed by (job_id, name).
// started_at is set the first time the stage reaches processing; completed_at
// the first time it reaches a terminal status. Both are set exactly once.
type Stage struct {
	JobID        uuid.UUID  `db:"job_id"        json:"job_id"`
	Name         string     `db:"name"          json:"name"`
	Status       string     `db:"status"        json:"status"`
	Progress     int        `db:"progress"      json:"progress"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}
