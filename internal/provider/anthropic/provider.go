package anthropic

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

const (
	baseURL    = "https://api.anthropic.com/v1"
	apiVersion = "2023-06-01"
)

const systemPrompt = `You write scripts for short product videos. Respond with a single JSON object:
{"title": string, "narration": string, "scenes": [{"visual": string, "duration_secs": number}]}
The narration is read aloud over the scenes. Output nothing outside the JSON object.`

// Provider implements models.ScriptGenerator using the Anthropic messages
// API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Generate(ctx context.Context, req models.ScriptRequest) (models.Script, error) {
	body, err := json.Marshal(map[string]any{
		"model":      p.cfg.Model,
		"max_tokens": 2048,
		"system":     systemPrompt,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf("Product: %s\nStyle: %s\nBrief: %s\nTarget length: %d seconds",
				req.Product, req.Style, req.Prompt, req.DurationSecs)},
		},
	})
	if err != nil {
		return models.Script{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return models.Script{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return models.Script{}, fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
		}
		return models.Script{}, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.Script{}, fmt.Errorf("%w: status %d", models.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return models.Script{}, fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return models.Script{}, fmt.Errorf("%w: status %d", models.ErrInvalidResult, resp.StatusCode)
	}

	var message struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&message); err != nil {
		return models.Script{}, fmt.Errorf("%w: decode response: %v", models.ErrInvalidResult, err)
	}
	if len(message.Content) == 0 {
		return models.Script{}, fmt.Errorf("%w: empty message content", models.ErrInvalidResult)
	}

	var script models.Script
	if err := json.Unmarshal([]byte(message.Content[0].Text), &script); err != nil {
		return models.Script{}, fmt.Errorf("%w: script is not valid JSON: %v", models.ErrInvalidResult, err)
	}
	if script.Narration == "" || len(script.Scenes) == 0 {
		return models.Script{}, fmt.Errorf("%w: script missing narration or scenes", models.ErrInvalidResult)
	}
	return script, nil
}

var _ models.ScriptGenerator = (*Provider)(nil)
