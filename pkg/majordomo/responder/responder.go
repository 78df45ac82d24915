// Package responder adapts an OpenAI-compatible chat-completions backend to
// the pipeline's Responder contract. The persona, context windows, and
// memory snippets are folded into the system prompt; the tool allowlist
// from the policy decision is surfaced so the backend only sees permitted
// tools.
package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/pipeline"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
	"github.com/lromao/majordomo/pkg/majordomo/session"
)

// Config configures the LLM backend.
type Config struct {
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model"`
	TimeoutSec int    `json:"timeout_sec"`

	// PersonaRoot anchors relative personaFile paths.
	PersonaRoot string `json:"persona_root"`
}

// LLM implements pipeline.Responder.
type LLM struct {
	cfg      Config
	client   *http.Client
	sessions *session.Store
}

// New creates the responder. sessions may be nil (no short-term history).
func New(cfg Config, sessions *session.Store) *LLM {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &LLM{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		sessions: sessions,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateReply implements pipeline.Responder.
func (l *LLM) GenerateReply(ctx context.Context, event *channels.Message, decision *policy.Decision,
	windows pipeline.ContextWindows, memorySnippets []string) (string, error) {

	messages := []chatMessage{{Role: "system", Content: l.systemPrompt(event, decision, windows, memorySnippets)}}

	if l.sessions != nil {
		history, err := l.sessions.History(event.Channel, event.ChatID)
		if err == nil {
			for _, entry := range history {
				role := entry.Role
				if role != "user" && role != "assistant" {
					continue
				}
				messages = append(messages, chatMessage{Role: role, Content: entry.Content})
			}
		}
	}

	userText := event.Text()
	if sanitized := event.MetaString("sanitized_text"); sanitized != "" {
		userText = sanitized
	}
	messages = append(messages, chatMessage{Role: "user", Content: userText})

	body, err := json.Marshal(map[string]any{
		"model":    l.cfg.Model,
		"messages": messages,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		l.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if l.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("responder request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("responder backend returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding responder response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (l *LLM) systemPrompt(event *channels.Message, decision *policy.Decision,
	windows pipeline.ContextWindows, memorySnippets []string) string {

	var b strings.Builder
	b.WriteString(l.personaText(decision))

	if len(windows.ReplyThread) > 0 {
		b.WriteString("\n\nReply thread (most recent first):\n")
		for _, line := range windows.ReplyThread {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if len(windows.Ambient) > 0 {
		b.WriteString("\nRecent conversation:\n")
		for _, line := range windows.Ambient {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if len(memorySnippets) > 0 {
		b.WriteString("\nRelevant memory:\n")
		for _, snippet := range memorySnippets {
			b.WriteString("- ")
			b.WriteString(snippet)
			b.WriteByte('\n')
		}
	}
	if decision != nil && len(decision.AllowedTools) > 0 {
		tools := make([]string, 0, len(decision.AllowedTools))
		for t := range decision.AllowedTools {
			tools = append(tools, t)
		}
		sort.Strings(tools)
		fmt.Fprintf(&b, "\nPermitted tools: %s\n", strings.Join(tools, ", "))
	}
	if event.IsGroup {
		b.WriteString("\nYou are replying in a group chat; keep answers brief.\n")
	}
	return b.String()
}

func (l *LLM) personaText(decision *policy.Decision) string {
	const fallback = "You are a helpful personal assistant."
	if decision == nil || decision.PersonaFile == "" {
		return fallback
	}
	path := decision.PersonaFile
	if l.cfg.PersonaRoot != "" && !strings.HasPrefix(path, "/") {
		path = l.cfg.PersonaRoot + "/" + path
	}
	data, err := os.ReadFile(path)
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return fallback
	}
	return string(bytes.TrimSpace(data))
}
