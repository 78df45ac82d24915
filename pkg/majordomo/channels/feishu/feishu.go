// Package feishu implements the Feishu (Lark) channel for Majordomo: a
// tenant-token Open API client for outbound sends and an event-callback
// HTTP listener for inbound messages.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
)

const apiBase = "https://open.feishu.cn/open-apis"

// Config holds Feishu channel configuration.
type Config struct {
	AppID             string `json:"app_id"`
	AppSecret         string `json:"app_secret"`
	VerificationToken string `json:"verification_token"`

	// WebhookAddr is the local address for the event callback listener.
	WebhookAddr string `json:"webhook_addr"`
}

// Feishu implements channels.Channel.
type Feishu struct {
	cfg    Config
	logger *slog.Logger

	messages chan *channels.Message
	server   *http.Server

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time

	connected  atomic.Bool
	lastMsg    atomic.Int64
	errorCount atomic.Int64
}

// New creates a Feishu channel instance.
func New(cfg Config, logger *slog.Logger) *Feishu {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WebhookAddr == "" {
		cfg.WebhookAddr = "127.0.0.1:3392"
	}
	return &Feishu{
		cfg:      cfg,
		logger:   logger.With("component", "feishu"),
		messages: make(chan *channels.Message, 256),
	}
}

// Name returns "feishu".
func (f *Feishu) Name() string { return "feishu" }

// Connect starts the event callback listener.
func (f *Feishu) Connect(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/feishu/events", f.handleEvent)
	f.server = &http.Server{
		Addr:              f.cfg.WebhookAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := f.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			f.logger.Error("feishu listener failed", "error", err)
			f.connected.Store(false)
		}
	}()

	f.connected.Store(true)
	f.logger.Info("feishu listening", "addr", f.cfg.WebhookAddr)
	return nil
}

// Disconnect stops the listener.
func (f *Feishu) Disconnect() error {
	f.connected.Store(false)
	if f.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return f.server.Shutdown(ctx)
	}
	return nil
}

// tenantToken fetches (and caches) the tenant access token.
func (f *Feishu) tenantToken(ctx context.Context) (string, error) {
	f.tokenMu.Lock()
	defer f.tokenMu.Unlock()
	if f.token != "" && time.Now().Before(f.tokenExp) {
		return f.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"app_id":     f.cfg.AppID,
		"app_secret": f.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase+"/auth/v3/tenant_access_token/internal", strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("feishu token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("feishu token error: %s", result.Msg)
	}

	f.token = result.TenantAccessToken
	f.tokenExp = time.Now().Add(time.Duration(result.Expire-60) * time.Second)
	return f.token, nil
}

// handleEvent processes the event callback: URL verification challenges and
// im.message.receive_v1 events.
func (f *Feishu) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	var envelope struct {
		Challenge string `json:"challenge"`
		Token     string `json:"token"`
		Type      string `json:"type"`
		Header    struct {
			EventType string `json:"event_type"`
			Token     string `json:"token"`
		} `json:"header"`
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	// URL verification handshake.
	if envelope.Type == "url_verification" {
		if f.cfg.VerificationToken != "" && envelope.Token != f.cfg.VerificationToken {
			http.Error(w, "bad token", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": envelope.Challenge})
		return
	}

	if f.cfg.VerificationToken != "" && envelope.Header.Token != f.cfg.VerificationToken {
		http.Error(w, "bad token", http.StatusForbidden)
		return
	}

	if envelope.Header.EventType == "im.message.receive_v1" {
		f.handleInbound(envelope.Event)
	}
	w.WriteHeader(http.StatusOK)
}

func (f *Feishu) handleInbound(raw json.RawMessage) {
	var event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"` // "p2p" or "group"
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
			ParentID    string `json:"parent_id"`
			Mentions    []struct {
				Key string `json:"key"`
				ID  struct {
					OpenID string `json:"open_id"`
				} `json:"id"`
				Name string `json:"name"`
			} `json:"mentions"`
			CreateTime string `json:"create_time"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		f.logger.Warn("invalid feishu event", "error", err)
		return
	}
	if event.Message.MessageType != "text" {
		return
	}

	var content struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal([]byte(event.Message.Content), &content)
	if content.Text == "" {
		return
	}

	msg := &channels.Message{
		ID:      event.Message.MessageID,
		Channel: "feishu",
		ChatID:  event.Message.ChatID,
		Sender: channels.Identity{
			ID: event.Sender.SenderID.OpenID,
		},
		Content:   []channels.ContentBlock{{Kind: channels.BlockText, Text: content.Text}},
		Timestamp: time.Now().UTC(),
		IsGroup:   event.Message.ChatType == "group",
	}
	// Feishu renders mentions as @_user_N keys in the text body.
	msg.MentionedBot = len(event.Message.Mentions) > 0 && strings.Contains(content.Text, "@_user_")
	if event.Message.ParentID != "" {
		msg.ReplyTo = &channels.ReplyRef{MessageID: event.Message.ParentID}
	}

	f.lastMsg.Store(time.Now().UnixMilli())
	select {
	case f.messages <- msg:
	default:
		f.logger.Warn("message channel full, dropping", "chat", msg.ChatID)
	}
}

// Send delivers one text message via the Open API.
func (f *Feishu) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !f.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	token, err := f.tenantToken(ctx)
	if err != nil {
		return err
	}

	textJSON, err := json.Marshal(map[string]string{"text": msg.Content})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]any{
		"receive_id": to,
		"msg_type":   "text",
		"content":    string(textJSON),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase+"/im/v1/messages?receive_id_type=chat_id", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.errorCount.Add(1)
		return fmt.Errorf("feishu send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.errorCount.Add(1)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("feishu send returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// Receive returns the incoming messages channel.
func (f *Feishu) Receive() <-chan *channels.Message { return f.messages }

// IsConnected reports connectivity.
func (f *Feishu) IsConnected() bool { return f.connected.Load() }

// Health returns the channel health status.
func (f *Feishu) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  f.connected.Load(),
		ErrorCount: int(f.errorCount.Load()),
	}
	if ts := f.lastMsg.Load(); ts > 0 {
		h.LastMessageAt = time.UnixMilli(ts)
	}
	return h
}
