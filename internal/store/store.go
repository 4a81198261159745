package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrNoPriorOutput = errors.New("job has no prior output to roll back to")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through
// here. Job and stage writes are independent idempotent upserts — no
// multi-row transactional guarantee is assumed between them.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	RollbackJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	UpsertStage(ctx context.Context, jobID uuid.UUID, name string, upd StageUpdate) error
	GetStage(ctx context.Context, jobID uuid.UUID, name string) (*models.Stage, error)
	ListStages(ctx context.Context, jobID uuid.UUID) ([]*models.Stage, error)
}

// StageUpdate carries the fields written on a stage transition. started_at
// and completed_at are derived from Status server-side and set exactly once.
type StageUpdate struct {
	Status       string
	Progress     int
	ErrorMessage *string
}

type jobUpdateParams struct {
	ErrorMessage *string
	OutputRef    *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// WithOutputRef records the produced artifact. The previous output_ref is
// shifted into previous_output_ref and the job version is bumped, which is
// what makes rollback possible later.
func WithOutputRef(ref string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.OutputRef = &ref
	}
}
