// Package mock provides in-memory collaborator fakes for testing the
// pipeline and worker without network calls.
package mock

import (
	"context"
	"os"
	"path/filepath"

	"github.com/reelsmith/reelsmith/pkg/models"
)

// ScriptGenerator satisfies models.ScriptGenerator for testing.
type ScriptGenerator struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.ScriptRequest) (models.Script, error)
}

func (m *ScriptGenerator) Name() string { return m.Name_ }

func (m *ScriptGenerator) Generate(ctx context.Context, req models.ScriptRequest) (models.Script, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return DefaultScript(), nil
}

// DefaultScript returns a small two-scene script.
func DefaultScript() models.Script {
	return models.Script{
		Title:     "Test Spot",
		Narration: "A product worth talking about.",
		Scenes: []models.SceneDirection{
			{Visual: "product on a white table", DurationSecs: 4},
			{Visual: "close-up of the label", DurationSecs: 4},
		},
	}
}

// VoiceSynthesizer satisfies models.VoiceSynthesizer for testing. The
// default writes an empty audio file into workDir.
type VoiceSynthesizer struct {
	Name_          string
	SynthesizeFunc func(ctx context.Context, narration, voiceID, workDir string) (string, error)
}

func (m *VoiceSynthesizer) Name() string { return m.Name_ }

func (m *VoiceSynthesizer) Synthesize(ctx context.Context, narration, voiceID, workDir string) (string, error) {
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, narration, voiceID, workDir)
	}
	path := filepath.Join(workDir, "narration.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// VideoGenerator satisfies models.VideoGenerator for testing. The default
// writes one empty clip per scene.
type VideoGenerator struct {
	Name_      string
	RenderFunc func(ctx context.Context, script models.Script, style, workDir string) ([]string, error)
}

func (m *VideoGenerator) Name() string { return m.Name_ }

func (m *VideoGenerator) Render(ctx context.Context, script models.Script, style, workDir string) ([]string, error) {
	if m.RenderFunc != nil {
		return m.RenderFunc(ctx, script, style, workDir)
	}
	var paths []string
	for i := range script.Scenes {
		path := filepath.Join(workDir, "clip_"+string(rune('a'+i))+".mp4")
		if err := os.WriteFile(path, []byte("clip"), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Compositor satisfies models.Compositor for testing.
type Compositor struct {
	Name_       string
	ComposeFunc func(ctx context.Context, req models.CompositionRequest) (string, error)
}

func (m *Compositor) Name() string { return m.Name_ }

func (m *Compositor) Compose(ctx context.Context, req models.CompositionRequest) (string, error) {
	if m.ComposeFunc != nil {
		return m.ComposeFunc(ctx, req)
	}
	path := filepath.Join(req.OutputDir, "final.mp4")
	if err := os.WriteFile(path, []byte("final"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

var _ models.ScriptGenerator = (*ScriptGenerator)(nil)
var _ models.VoiceSynthesizer = (*VoiceSynthesizer)(nil)
var _ models.VideoGenerator = (*VideoGenerator)(nil)
var _ models.Compositor = (*Compositor)(nil)
