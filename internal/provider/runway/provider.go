package runway

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

const (
	apiVersion   = "2024-11-06"
	pollInterval = 5 * time.Second
)

// Provider implements models.VideoGenerator using the Runway task API.
// Generation is asynchronous: each scene is submitted as a task, polled to
// completion and its output clip downloaded into the workspace.
type Provider struct {
	cfg    config.RunwayConfig
	client *http.Client
}

func NewProvider(cfg config.RunwayConfig, timeout time.Duration) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (p *Provider) Name() string { return "runway" }

func (p *Provider) Render(ctx context.Context, script models.Script, style, workDir string) ([]string, error) {
	paths := make([]string, 0, len(script.Scenes))
	for i, scene := range script.Scenes {
		taskID, err := p.submit(ctx, scene, style)
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", i, err)
		}
		clipURL, err := p.await(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", i, err)
		}
		clipPath := filepath.Join(workDir, fmt.Sprintf("clip_%02d.mp4", i))
		if err := p.download(ctx, clipURL, clipPath); err != nil {
			return nil, fmt.Errorf("scene %d: %w", i, err)
		}
		paths = append(paths, clipPath)
	}
	return paths, nil
}

func (p *Provider) submit(ctx context.Context, scene models.SceneDirection, style string) (string, error) {
	prompt := scene.Visual
	if style != "" {
		prompt = fmt.Sprintf("%s, %s style", scene.Visual, style)
	}
	body, err := json.Marshal(map[string]any{
		"model":      p.cfg.Model,
		"promptText": prompt,
		"duration":   int(scene.DurationSecs),
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := p.do(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/text_to_video", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", err
	}

	var task struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil || task.ID == "" {
		return "", fmt.Errorf("%w: missing task id", models.ErrInvalidResult)
	}
	return task.ID, nil
}

// await polls the task until it succeeds or fails, honoring ctx cancellation
// between polls.
func (p *Provider) await(ctx context.Context, taskID string) (string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", models.ErrProviderTimeout, ctx.Err())
		case <-ticker.C:
		}

		resp, err := p.do(ctx, http.MethodGet, p.cfg.BaseURL+"/v1/tasks/"+taskID, nil)
		if err != nil {
			return "", err
		}

		var task struct {
			Status  string   `json:"status"`
			Output  []string `json:"output"`
			Failure string   `json:"failure"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&task)
		resp.Body.Close()
		if err := classifyStatus(resp.StatusCode); err != nil {
			return "", err
		}
		if decodeErr != nil {
			return "", fmt.Errorf("%w: decode task: %v", models.ErrInvalidResult, decodeErr)
		}

		switch task.Status {
		case "SUCCEEDED":
			if len(task.Output) == 0 {
				return "", fmt.Errorf("%w: task succeeded with no output", models.ErrInvalidResult)
			}
			return task.Output[0], nil
		case "FAILED":
			return "", fmt.Errorf("%w: task failed: %s", models.ErrInvalidResult, task.Failure)
		}
	}
}

func (p *Provider) download(ctx context.Context, url, dest string) error {
	resp, err := p.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: clip download status %d", models.ErrProviderUnavailable, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create clip file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write clip file: %w", err)
	}
	return nil
}

func (p *Provider) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("X-Runway-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %v", models.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	return resp, nil
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK || code == http.StatusCreated:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", models.ErrRateLimited, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", models.ErrProviderUnavailable, code)
	default:
		return fmt.Errorf("%w: status %d", models.ErrInvalidResult, code)
	}
}

var _ models.VideoGenerator = (*Provider)(nil)
