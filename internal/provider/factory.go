// Package provider constructs the generation collaborators the pipeline
// depends on. The orchestrator only ever sees the interfaces in pkg/models,
// so back-ends are swappable via configuration, not control flow.
package provider

import (
	"fmt"

	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/internal/provider/anthropic"
	"github.com/reelsmith/reelsmith/internal/provider/elevenlabs"
	"github.com/reelsmith/reelsmith/internal/provider/ffmpeg"
	"github.com/reelsmith/reelsmith/internal/provider/openai"
	"github.com/reelsmith/reelsmith/internal/provider/runway"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// NewScriptGenerator constructs the configured script provider.
// Called once at process startup.
func NewScriptGenerator(cfg config.ProvidersConfig) (models.ScriptGenerator, error) {
	switch cfg.Script {
	case "openai":
		return openai.NewProvider(cfg.OpenAI, cfg.CallTimeout), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic, cfg.CallTimeout), nil
	default:
		return nil, fmt.Errorf("unknown script provider %q: must be one of openai, anthropic", cfg.Script)
	}
}

// NewVoiceSynthesizer constructs the voice provider.
func NewVoiceSynthesizer(cfg config.ProvidersConfig) (models.VoiceSynthesizer, error) {
	if cfg.ElevenLabs.APIKey == "" {
		return nil, fmt.Errorf("ELEVENLABS_API_KEY is required")
	}
	return elevenlabs.NewProvider(cfg.ElevenLabs, cfg.CallTimeout), nil
}

// NewVideoGenerator constructs the video provider.
func NewVideoGenerator(cfg config.ProvidersConfig) (models.VideoGenerator, error) {
	if cfg.Runway.APIKey == "" {
		return nil, fmt.Errorf("RUNWAY_API_KEY is required")
	}
	return runway.NewProvider(cfg.Runway, cfg.CallTimeout), nil
}

// NewCompositor constructs the composition collaborator.
func NewCompositor(cfg config.ProvidersConfig) (models.Compositor, error) {
	return ffmpeg.NewCompositor(cfg.FFmpeg), nil
}
