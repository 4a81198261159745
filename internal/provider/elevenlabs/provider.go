package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/pkg/models"
)

const modelID = "eleven_multilingual_v2"

// Provider implements models.VoiceSynthesizer using the ElevenLabs
// text-to-speech API. The response body is the rendered audio.
type Provider struct {
	cfg    config.ElevenLabsConfig
	client *http.Client
}

func NewProvider(cfg config.ElevenLabsConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "elevenlabs" }

func (p *Provider) Synthesize(ctx context.Context, narration, voiceID, workDir string) (string, error) {
	if voiceID == "" {
		voiceID = p.cfg.VoiceID
	}

	body, err := json.Marshal(map[string]string{
		"text":     narration,
		"model_id": modelID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", p.cfg.BaseURL, voiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return "", fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
		}
		return "", fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status %d", models.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: status %d", models.ErrInvalidResult, resp.StatusCode)
	}

	audioPath := filepath.Join(workDir, "narration.mp3")
	f, err := os.Create(audioPath)
	if err != nil {
		return "", fmt.Errorf("create audio file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return "", fmt.Errorf("write audio file: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty audio response", models.ErrInvalidResult)
	}
	return audioPath, nil
}

var _ models.VoiceSynthesizer = (*Provider)(nil)
