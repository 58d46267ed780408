// Package tts renders prompt text to audio files with a local speech
// synthesis engine, for applications that prepare announcements before
// a call. In-call prompts are rendered PBX-side instead.
package tts

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Renderer turns text into an audio file and returns its path.
type Renderer interface {
	Render(ctx context.Context, text string) (string, error)
}

// ExecRenderer shells out to a flite-style synthesis command:
// <engine> -t <text> -o <file>. Rendered files are cached by content so
// repeated prompts reuse the same file.
type ExecRenderer struct {
	engine   string
	cacheDir string
	log      *slog.Logger
}

// NewExecRenderer prepares a renderer for the given engine binary with
// its cache under dataDir.
func NewExecRenderer(engine, dataDir string, logger *slog.Logger) (*ExecRenderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cacheDir := filepath.Join(dataDir, "tts-cache")
	if err := os.MkdirAll(cacheDir, 0750); err != nil {
		return nil, fmt.Errorf("creating tts cache directory: %w", err)
	}
	return &ExecRenderer{
		engine:   engine,
		cacheDir: cacheDir,
		log:      logger.With("component", "tts"),
	}, nil
}

// Render synthesizes text, returning the cached file when the same text
// was rendered before.
func (r *ExecRenderer) Render(ctx context.Context, text string) (string, error) {
	sum := sha1.Sum([]byte(r.engine + "\x00" + text))
	out := filepath.Join(r.cacheDir, hex.EncodeToString(sum[:])+".wav")
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}

	cmd := exec.CommandContext(ctx, r.engine, "-t", text, "-o", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("rendering text with %s: %w: %s", r.engine, err, output)
	}
	r.log.Debug("rendered prompt", "file", out, "chars", len(text))
	return out, nil
}
