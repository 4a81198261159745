// Package ffmpeg stitches generated clips and narration into the final video
// by shelling out to the ffmpeg binary.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/pkg/models"
)

// Compositor implements models.Compositor by concatenating clips and muxing
// the narration track over them.
type Compositor struct {
	bin string
}

func NewCompositor(cfg config.FFmpegConfig) *Compositor {
	bin := cfg.Bin
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Compositor{bin: bin}
}

func (c *Compositor) Name() string { return "ffmpeg" }

func (c *Compositor) Compose(ctx context.Context, req models.CompositionRequest) (string, error) {
	if len(req.ClipPaths) == 0 {
		return "", fmt.Errorf("%w: no clips to compose", models.ErrInvalidResult)
	}

	listPath := filepath.Join(req.OutputDir, "clips.txt")
	var list strings.Builder
	for _, clip := range req.ClipPaths {
		fmt.Fprintf(&list, "file '%s'\n", clip)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}

	outPath := filepath.Join(req.OutputDir, "final.mp4")
	args := []string{
		"-y",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-i", req.AudioPath,
		"-map", "0:v", "-map", "1:a",
		"-c:v", "copy", "-c:a", "aac",
		"-shortest",
		outPath,
	}

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("%w: %v", models.ErrProviderTimeout, ctx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %s not found", models.ErrProviderUnavailable, c.bin)
		}
		return "", fmt.Errorf("%w: ffmpeg: %v: %s", models.ErrInvalidResult, err, tail(stderr.String(), 500))
	}
	return outPath, nil
}

// tail returns the last n bytes of s; ffmpeg puts the useful part of its
// output at the end.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var _ models.Compositor = (*Compositor)(nil)
