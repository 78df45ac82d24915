// Package tts synthesizes speech for voice replies via an OpenAI-compatible
// /audio/speech endpoint, writing the audio to the outgoing media directory.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxAudioBytes is the raw synthesis size cap; larger output falls back to
// text upstream.
const MaxAudioBytes = 160 * 1024

// Config configures the synthesizer.
type Config struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	OutDir     string `json:"out_dir"`
	TimeoutSec int    `json:"timeout_sec"`
}

// Synthesizer renders text to opus voice notes.
type Synthesizer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a synthesizer with defaults applied.
func New(cfg Config, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "tts-1"
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Synthesizer{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "tts"),
	}
}

// Synthesize renders text to an audio file and returns its path. The route
// parameter selects the model profile ("tts.speak" uses the default).
func (s *Synthesizer) Synthesize(ctx context.Context, text, route, voice string) (string, error) {
	plain := stripMarkdown(text)
	if strings.TrimSpace(plain) == "" {
		return "", fmt.Errorf("tts: empty text after markdown strip")
	}
	if voice == "" {
		voice = "alloy"
	}
	model := s.cfg.Model
	if route != "" && route != "tts.speak" {
		// Routes like "tts.speak.<model>" select an explicit model.
		if idx := strings.LastIndexByte(route, '.'); idx >= 0 && route[idx+1:] != "speak" {
			model = route[idx+1:]
		}
	}

	body, err := json.Marshal(map[string]any{
		"model":           model,
		"voice":           voice,
		"input":           plain,
		"response_format": "opus",
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.BaseURL+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("tts endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, MaxAudioBytes+1))
	if err != nil {
		return "", fmt.Errorf("reading tts audio: %w", err)
	}
	if len(audio) == 0 {
		return "", fmt.Errorf("tts returned empty audio")
	}
	if len(audio) > MaxAudioBytes {
		return "", fmt.Errorf("tts audio exceeds %d bytes", MaxAudioBytes)
	}

	dir := filepath.Join(s.cfg.OutDir, "tts")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()+".ogg")
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

var (
	mdCodeRe   = regexp.MustCompile("(?s)```.*?```|`[^`]*`")
	mdMarksRe  = regexp.MustCompile(`[*_~#>]+`)
	mdLinkRe   = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdSpacesRe = regexp.MustCompile(`\s+`)
)

// stripMarkdown removes formatting that reads badly when spoken.
func stripMarkdown(text string) string {
	text = mdCodeRe.ReplaceAllString(text, " ")
	text = mdLinkRe.ReplaceAllString(text, "$1")
	text = mdMarksRe.ReplaceAllString(text, "")
	return strings.TrimSpace(mdSpacesRe.ReplaceAllString(text, " "))
}
