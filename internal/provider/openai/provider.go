package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/pkg/models"
)

const baseURL = "https://api.openai.com/v1"

const systemPrompt = `You write scripts for short product videos. Respond with a single JSON object:
{"title": string, "narration": string, "scenes": [{"visual": string, "duration_secs": number}]}
The narration is read aloud over the scenes. Output nothing outside the JSON object.`

// Provider implements models.ScriptGenerator using the OpenAI chat
// completions API.
type Provider struct {
	cfg    config.OpenAIConfig
	client *http.Client
}

func NewProvider(cfg config.OpenAIConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Generate(ctx context.Context, req models.ScriptRequest) (models.Script, error) {
	body, err := json.Marshal(map[string]any{
		"model": p.cfg.Model,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt(req)},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return models.Script{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return models.Script{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return models.Script{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return models.Script{}, err
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return models.Script{}, fmt.Errorf("%w: decode response: %v", models.ErrInvalidResult, err)
	}
	if len(completion.Choices) == 0 {
		return models.Script{}, fmt.Errorf("%w: no choices returned", models.ErrInvalidResult)
	}

	var script models.Script
	if err := json.Unmarshal([]byte(completion.Choices[0].Message.Content), &script); err != nil {
		return models.Script{}, fmt.Errorf("%w: script is not valid JSON: %v", models.ErrInvalidResult, err)
	}
	if script.Narration == "" || len(script.Scenes) == 0 {
		return models.Script{}, fmt.Errorf("%w: script missing narration or scenes", models.ErrInvalidResult)
	}
	return script, nil
}

func userPrompt(req models.ScriptRequest) string {
	return fmt.Sprintf("Product: %s\nStyle: %s\nBrief: %s\nTarget length: %d seconds",
		req.Product, req.Style, req.Prompt, req.DurationSecs)
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", models.ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d", models.ErrInvalidResult, code)
	}
}

var _ models.ScriptGenerator = (*Provider)(nil)
