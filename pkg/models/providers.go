package models

import "context"

// ScriptGenerator produces a narration script plus scene directions for a
// product video. Never call a specific provider directly — always inject
// this interface.
type ScriptGenerator interface {
	Generate(ctx context.Context, req ScriptRequest) (Script, error)
	Name() string
}

// ScriptRequest is the input to script generation.
type ScriptRequest struct {
	Product      string
	Style        string
	Prompt       string
	DurationSecs int
}

// Script is the output of the script stage and the input to both asset
// stages.
type Script struct {
	Title     string           `json:"title"`
	Narration string           `json:"narration"`
	Scenes    []SceneDirection `json:"scenes"`
}

// SceneDirection describes one visual beat of the video.
type SceneDirection struct {
	Visual       string  `json:"visual"`
	DurationSecs float64 `json:"duration_secs"`
}

// VoiceSynthesizer renders narration audio into workDir and returns the
// audio file path.
type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, narration, voiceID, workDir string) (string, error)
	Name() string
}

// VideoGenerator renders one clip per scene into workDir and returns the
// clip paths in scene order.
type VideoGenerator interface {
	Render(ctx context.Context, script Script, style, workDir string) ([]string, error)
	Name() string
}

// Compositor stitches clips and narration into the final video and returns
// its local path.
type Compositor interface {
	Compose(ctx context.Context, req CompositionRequest) (string, error)
	Name() string
}

// CompositionRequest carries the parallel-stage outputs into compositing.
type CompositionRequest struct {
	AudioPath string
	ClipPaths []string
	OutputDir string
}
