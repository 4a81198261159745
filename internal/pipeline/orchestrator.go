// Package pipeline drives the fixed stage machine for one job:
// script_generation → {voice_generation, video_generation} in parallel →
// compositing. The orchestrator owns stage rows and progress events; it
// never writes job status — that belongs to the worker.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/internal/mediastore"
	"github.com/reelsmith/reelsmith/internal/progress"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Store       store.Store
	Sink        progress.Sink
	Script      models.ScriptGenerator
	Voice       models.VoiceSynthesizer
	Video       models.VideoGenerator
	Compositor  models.Compositor
	Media       mediastore.Store
	WorkdirRoot string
}

// Orchestrator executes the generation pipeline for a single job.
type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.WorkdirRoot == "" {
		deps.WorkdirRoot = os.TempDir()
	}
	return &Orchestrator{deps: deps}
}

// Execute runs all stages for the job and returns the uploaded artifact URL.
// The workspace is removed regardless of outcome; a sibling branch's partial
// artifact is discarded with it.
func (o *Orchestrator) Execute(ctx context.Context, payload models.JobPayload) (string, error) {
	if payload.JobID == uuid.Nil {
		return "", &ValidationError{Reason: "job id is required"}
	}
	if payload.Prompt == "" && payload.Product == "" {
		return "", &ValidationError{Reason: "prompt or product is required"}
	}
	jobID := payload.JobID

	workDir, err := os.MkdirTemp(o.deps.WorkdirRoot, "reelsmith-"+jobID.String()+"-")
	if err != nil {
		return "", fmt.Errorf("%w: create workspace: %v", ErrInfrastructure, err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("workspace cleanup failed", "job_id", jobID, "dir", workDir, "error", err)
		}
	}()

	// Stage 1: script.
	if err := o.beginStage(ctx, jobID, models.StageScriptGeneration, "generating script"); err != nil {
		return "", err
	}
	script, err := o.deps.Script.Generate(ctx, models.ScriptRequest{
		Product:      payload.Product,
		Style:        payload.Style,
		Prompt:       payload.Prompt,
		DurationSecs: payload.DurationSecs,
	})
	if err != nil {
		return "", o.failStage(ctx, jobID, models.StageScriptGeneration, err)
	}
	if err := o.endStage(ctx, jobID, models.StageScriptGeneration, "script ready"); err != nil {
		return "", err
	}

	// Stage 2: voice and video concurrently. Both branches always run to
	// completion; one failing does not cancel the other's useful work.
	if err := o.beginStage(ctx, jobID, models.StageVoiceGeneration, "synthesizing narration"); err != nil {
		return "", err
	}
	if err := o.beginStage(ctx, jobID, models.StageVideoGeneration, "rendering scenes"); err != nil {
		return "", err
	}

	var (
		wg        sync.WaitGroup
		audioPath string
		clipPaths []string
		voiceErr  error
		videoErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		audioPath, voiceErr = o.deps.Voice.Synthesize(ctx, script.Narration, payload.VoiceID, workDir)
	}()
	go func() {
		defer wg.Done()
		clipPaths, videoErr = o.deps.Video.Render(ctx, script, payload.Style, workDir)
	}()
	wg.Wait()

	var failures []*StageError
	for _, branch := range []struct {
		stage   string
		err     error
		doneMsg string
	}{
		{models.StageVoiceGeneration, voiceErr, "narration ready"},
		{models.StageVideoGeneration, videoErr, "scene clips ready"},
	} {
		if branch.err != nil {
			failures = append(failures, o.failStage(ctx, jobID, branch.stage, branch.err))
		} else if err := o.endStage(ctx, jobID, branch.stage, branch.doneMsg); err != nil {
			return "", err
		}
	}
	switch len(failures) {
	case 1:
		return "", failures[0]
	case 2:
		return "", &ParallelError{Failures: failures}
	}

	// Stage 3: compositing, then artifact upload.
	if err := o.beginStage(ctx, jobID, models.StageCompositing, "compositing final video"); err != nil {
		return "", err
	}
	finalPath, err := o.deps.Compositor.Compose(ctx, models.CompositionRequest{
		AudioPath: audioPath,
		ClipPaths: clipPaths,
		OutputDir: workDir,
	})
	if err != nil {
		return "", o.failStage(ctx, jobID, models.StageCompositing, err)
	}
	outputRef, err := o.deps.Media.Upload(ctx, finalPath, fmt.Sprintf("%s-v%d.mp4", jobID, time.Now().Unix()))
	if err != nil {
		return "", o.failStage(ctx, jobID, models.StageCompositing, fmt.Errorf("upload artifact: %w", err))
	}
	if err := o.endStage(ctx, jobID, models.StageCompositing, "final video uploaded"); err != nil {
		return "", err
	}

	return outputRef, nil
}

func (o *Orchestrator) beginStage(ctx context.Context, jobID uuid.UUID, stage, msg string) error {
	err := o.deps.Store.UpsertStage(ctx, jobID, stage, store.StageUpdate{
		Status:   models.StageStatusProcessing,
		Progress: 0,
	})
	if err != nil {
		return fmt.Errorf("%w: mark stage %s processing: %v", ErrInfrastructure, stage, err)
	}
	o.publish(ctx, jobID, stage, 0, "", msg)
	return nil
}

func (o *Orchestrator) endStage(ctx context.Context, jobID uuid.UUID, stage, msg string) error {
	err := o.deps.Store.UpsertStage(ctx, jobID, stage, store.StageUpdate{
		Status:   models.StageStatusCompleted,
		Progress: 100,
	})
	if err != nil {
		return fmt.Errorf("%w: mark stage %s completed: %v", ErrInfrastructure, stage, err)
	}
	o.publish(ctx, jobID, stage, 100, models.StageStatusCompleted, msg)
	return nil
}

// failStage records the failure and returns the StageError to propagate. The
// failure event is published even though the pipeline is about to abort, so
// observers see which stage broke.
func (o *Orchestrator) failStage(ctx context.Context, jobID uuid.UUID, stage string, cause error) *StageError {
	msg := cause.Error()
	err := o.deps.Store.UpsertStage(ctx, jobID, stage, store.StageUpdate{
		Status:       models.StageStatusFailed,
		Progress:     100,
		ErrorMessage: &msg,
	})
	if err != nil {
		slog.Error("mark stage failed", "job_id", jobID, "stage", stage, "error", err)
	}
	o.publish(ctx, jobID, stage, 100, models.StageStatusFailed, msg)
	return &StageError{JobID: jobID, Stage: stage, Err: cause}
}

func (o *Orchestrator) publish(ctx context.Context, jobID uuid.UUID, stage string, progressPct int, status, msg string) {
	err := o.deps.Sink.Publish(ctx, models.ProgressEvent{
		JobID:     jobID,
		Stage:     stage,
		Progress:  progressPct,
		Status:    status,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("publish progress event failed", "job_id", jobID, "stage", stage, "error", err)
	}
}
