// Package whatsapp implements the WhatsApp channel for Majordomo as a
// client of the loopback bridge (protocol v2). The bridge process owns the
// platform session; this adapter exchanges commands and events with it over
// a WebSocket, converting bridge message events into canonical Messages.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lromao/majordomo/pkg/majordomo/bridge"
	"github.com/lromao/majordomo/pkg/majordomo/channels"
)

// Typing loop cadence.
const (
	typingInterval    = 4 * time.Second
	typingMaxDuration = 45 * time.Second
)

// Config holds WhatsApp channel configuration.
type Config struct {
	// BridgeURL is the loopback bridge WebSocket endpoint.
	BridgeURL string `json:"bridge_url"`

	// BridgeToken authenticates every command. Required.
	BridgeToken string `json:"bridge_token"`

	// DebounceMs coalesces messages from the same (chat, sender) arriving
	// within the window. Zero disables coalescing.
	DebounceMs int `json:"debounce_ms"`

	// ReconnectInitial / ReconnectMax bound the reconnect backoff.
	ReconnectInitial time.Duration `json:"-"`
	ReconnectMax     time.Duration `json:"-"`

	// ReconnectMaxAttempts caps reconnects (0 = unlimited).
	ReconnectMaxAttempts int `json:"reconnect_max_attempts"`

	// CommandTimeout bounds one command round-trip.
	CommandTimeout time.Duration `json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BridgeURL:            "ws://127.0.0.1:3391",
		DebounceMs:           2000,
		ReconnectInitial:     time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectMaxAttempts: 30,
		CommandTimeout:       20 * time.Second,
	}
}

// WhatsApp implements channels.Channel, channels.PresenceChannel, and
// channels.ReactionChannel over the bridge protocol.
type WhatsApp struct {
	cfg    Config
	logger *slog.Logger

	messages chan *channels.Message

	connMu sync.Mutex
	conn   *websocket.Conn

	connected         atomic.Bool
	running           atomic.Bool
	lastMsg           atomic.Int64
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32

	pendingMu sync.Mutex
	pending   map[string]chan bridge.ResponsePayload

	debounceMu sync.Mutex
	debounce   map[string]*debounceBucket

	typingMu sync.Mutex
	typing   map[string]context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

type debounceBucket struct {
	events []*channels.Message
	timer  *time.Timer
}

// New creates a WhatsApp channel instance.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReconnectInitial == 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 20 * time.Second
	}
	return &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.Message, 256),
		pending:  make(map[string]chan bridge.ResponsePayload),
		debounce: make(map[string]*debounceBucket),
		typing:   make(map[string]context.CancelFunc),
	}
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect dials the bridge and verifies protocol health, then keeps the
// connection alive with backoff reconnects in the background.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if strings.TrimSpace(w.cfg.BridgeToken) == "" {
		return fmt.Errorf("whatsapp: bridge token is required")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running.Store(true)

	if err := w.dial(); err != nil {
		// Keep trying in the background; the bridge may still be starting.
		w.logger.Warn("initial bridge dial failed, retrying in background", "error", err)
	}
	go w.superviseConnection()
	return nil
}

func (w *WhatsApp) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.cfg.BridgeURL, nil)
	if err != nil {
		return fmt.Errorf("dialing bridge: %w", err)
	}

	w.connMu.Lock()
	w.conn = conn
	w.connMu.Unlock()

	go w.readLoop(conn)

	// Verify protocol version via health before accepting traffic.
	result, err := w.command("health", map[string]any{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("bridge health check: %w", err)
	}
	var health struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if raw, marshalErr := json.Marshal(result); marshalErr == nil {
		_ = json.Unmarshal(raw, &health)
	}
	if health.ProtocolVersion != bridge.ProtocolVersion {
		conn.Close()
		return fmt.Errorf("bridge protocol mismatch: expected v%d, got %d",
			bridge.ProtocolVersion, health.ProtocolVersion)
	}

	w.connected.Store(true)
	w.reconnectAttempts.Store(0)
	w.logger.Info("connected to bridge", "url", w.cfg.BridgeURL)
	return nil
}

func (w *WhatsApp) superviseConnection() {
	for w.running.Load() && w.ctx.Err() == nil {
		if !w.connected.Load() {
			attempt := int(w.reconnectAttempts.Add(1))
			if w.cfg.ReconnectMaxAttempts > 0 && attempt > w.cfg.ReconnectMaxAttempts {
				w.logger.Error("bridge reconnect attempts exhausted", "attempts", attempt)
				w.running.Store(false)
				return
			}
			backoff := w.backoff(attempt)
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := w.dial(); err != nil {
				w.logger.Warn("bridge reconnect failed", "attempt", attempt, "error", err)
				continue
			}
		}
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// backoff is exponential with ±25% jitter, capped at ReconnectMax.
func (w *WhatsApp) backoff(attempt int) time.Duration {
	backoff := w.cfg.ReconnectInitial
	for i := 1; i < attempt && backoff < w.cfg.ReconnectMax; i++ {
		backoff *= 2
	}
	if backoff > w.cfg.ReconnectMax {
		backoff = w.cfg.ReconnectMax
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(backoff) * jitter)
}

// Disconnect gracefully closes the bridge connection.
func (w *WhatsApp) Disconnect() error {
	w.running.Store(false)
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	w.connMu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connMu.Unlock()
	w.failPending("channel disconnected")
	w.logger.Info("disconnected from bridge")
	return nil
}

// Receive returns the incoming messages channel.
func (w *WhatsApp) Receive() <-chan *channels.Message { return w.messages }

// IsConnected reports bridge connectivity.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// Health returns the channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details: map[string]any{
			"reconnect_attempts": w.reconnectAttempts.Load(),
		},
	}
	if t := w.lastMsg.Load(); t > 0 {
		h.LastMessageAt = time.UnixMilli(t)
	}
	return h
}

// ---------- Command plumbing ----------

// command sends one bridge command and waits for the correlated response.
func (w *WhatsApp) command(cmdType string, payload any) (any, error) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return nil, channels.ErrChannelDisconnected
	}

	requestID := uuid.NewString()
	respCh := make(chan bridge.ResponsePayload, 1)
	w.pendingMu.Lock()
	w.pending[requestID] = respCh
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, requestID)
		w.pendingMu.Unlock()
	}()

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(bridge.Envelope{
		Version:   bridge.ProtocolVersion,
		Type:      cmdType,
		Token:     w.cfg.BridgeToken,
		RequestID: requestID,
		AccountID: "default",
		Payload:   rawPayload,
	})
	if err != nil {
		return nil, err
	}

	w.connMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, frame)
	w.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmdType, err)
	}

	select {
	case <-w.ctx.Done():
		return nil, w.ctx.Err()
	case <-time.After(w.cfg.CommandTimeout):
		return nil, fmt.Errorf("%s: bridge command timed out", cmdType)
	case resp := <-respCh:
		if !resp.OK {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("%s: bridge command failed", cmdType)
		}
		return resp.Result, nil
	}
}

func (w *WhatsApp) failPending(reason string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		select {
		case ch <- bridge.ResponsePayload{OK: false, Error: &bridge.ProtocolError{
			Code: bridge.ErrInternal, Message: reason, Retryable: true}}:
		default:
		}
		delete(w.pending, id)
	}
}

func (w *WhatsApp) readLoop(conn *websocket.Conn) {
	defer func() {
		w.connected.Store(false)
		w.failPending("bridge connection closed")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		w.handleFrame(data)
	}
}

func (w *WhatsApp) handleFrame(data []byte) {
	var evt struct {
		Version   int             `json:"version"`
		Type      string          `json:"type"`
		RequestID string          `json:"requestId"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &evt); err != nil {
		w.logger.Warn("invalid bridge frame")
		return
	}
	if evt.Version != bridge.ProtocolVersion {
		w.logger.Warn("unexpected bridge protocol version", "version", evt.Version)
		return
	}

	switch evt.Type {
	case "response":
		var resp bridge.ResponsePayload
		if err := json.Unmarshal(evt.Payload, &resp); err != nil {
			return
		}
		w.pendingMu.Lock()
		ch := w.pending[evt.RequestID]
		w.pendingMu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}

	case "message":
		var payload bridge.MessagePayload
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			w.logger.Warn("invalid message payload", "error", err)
			return
		}
		w.ingest(&payload)

	case "status":
		var status struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(evt.Payload, &status)
		w.logger.Info("bridge status", "status", status.Status)

	case "qr":
		w.logger.Info("bridge QR pending; run 'majordomo bridge login' to link")

	case "error":
		w.logger.Warn("bridge error event", "payload", string(evt.Payload))
		w.errorCount.Add(1)
	}
}

// ---------- Inbound conversion + debounce ----------

func (w *WhatsApp) ingest(payload *bridge.MessagePayload) {
	msg := convertMessage(payload)
	w.lastMsg.Store(time.Now().UnixMilli())

	// Commands and media bypass coalescing.
	if w.cfg.DebounceMs <= 0 || strings.HasPrefix(msg.Text(), "/") || payload.Media != nil {
		w.emit(msg)
		return
	}

	key := msg.ChatID + ":" + msg.Sender.ID
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	bucket, ok := w.debounce[key]
	if !ok {
		bucket = &debounceBucket{}
		w.debounce[key] = bucket
	}
	bucket.events = append(bucket.events, msg)
	if bucket.timer != nil {
		bucket.timer.Stop()
	}
	bucket.timer = time.AfterFunc(time.Duration(w.cfg.DebounceMs)*time.Millisecond, func() {
		w.flushDebounce(key)
	})
}

func (w *WhatsApp) flushDebounce(key string) {
	w.debounceMu.Lock()
	bucket := w.debounce[key]
	delete(w.debounce, key)
	w.debounceMu.Unlock()

	if bucket == nil || len(bucket.events) == 0 {
		return
	}
	if len(bucket.events) == 1 {
		w.emit(bucket.events[0])
		return
	}

	// Coalesce: last event wins for identity/reply fields, text is
	// concatenated, mention flags are OR-ed.
	last := bucket.events[len(bucket.events)-1]
	var texts []string
	mentioned, replyBot := false, false
	var replyTo *channels.ReplyRef
	for _, e := range bucket.events {
		if t := e.Text(); t != "" {
			texts = append(texts, t)
		}
		mentioned = mentioned || e.MentionedBot
		replyBot = replyBot || e.ReplyToBot
		if e.ReplyTo != nil {
			replyTo = e.ReplyTo
		}
	}
	merged := *last
	merged.Content = []channels.ContentBlock{{Kind: channels.BlockText, Text: strings.Join(texts, "\n")}}
	merged.MentionedBot = mentioned
	merged.ReplyToBot = replyBot
	merged.ReplyTo = replyTo
	w.emit(&merged)
}

func (w *WhatsApp) emit(msg *channels.Message) {
	select {
	case w.messages <- msg:
	default:
		w.logger.Warn("message channel full, dropping", "chat", msg.ChatID)
	}
}

// convertMessage maps a bridge message payload to the canonical Message.
func convertMessage(p *bridge.MessagePayload) *channels.Message {
	msg := &channels.Message{
		ID:      p.MessageID,
		Channel: "whatsapp",
		ChatID:  p.ChatJID,
		Sender: channels.Identity{
			ID:          p.SenderID,
			DisplayName: p.SenderName,
		},
		Timestamp:    time.Unix(p.Timestamp, 0).UTC(),
		IsGroup:      p.IsGroup,
		MentionedBot: p.MentionedBot,
		ReplyToBot:   p.ReplyToBot,
		Participant:  p.ParticipantJID,
	}
	if p.ReplyToMessageID != "" || p.ReplyToText != "" {
		msg.ReplyTo = &channels.ReplyRef{
			MessageID: p.ReplyToMessageID,
			Text:      p.ReplyToText,
			Sender:    p.ReplyToParticipant,
		}
	}

	if p.Media != nil {
		kind := channels.BlockFile
		switch p.Media.Kind {
		case "image":
			kind = channels.BlockImage
		case "audio":
			kind = channels.BlockAudio
		case "video":
			kind = channels.BlockVideo
		case "sticker":
			kind = channels.BlockSticker
		}
		msg.Content = append(msg.Content, channels.ContentBlock{
			Kind:      kind,
			Text:      p.Text,
			Path:      p.Media.Path,
			MimeType:  p.Media.MimeType,
			SizeBytes: p.Media.Bytes,
		})
	} else {
		msg.Content = append(msg.Content, channels.ContentBlock{
			Kind: channels.BlockText,
			Text: p.Text,
		})
	}
	if len(p.MentionedJIDs) > 0 {
		msg.SetMeta("mentioned_jids", p.MentionedJIDs)
	}
	return msg
}

// ---------- Outbound ----------

// Send delivers one outbound message, converting markdown to WhatsApp
// formatting. Media goes out through send_media; the VoiceNote flag is not
// forwarded, and the bridge sends ogg audio as a voice note by mime type.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	w.stopTyping(to)

	if msg.MediaPath != "" {
		payload := map[string]any{
			"to":        to,
			"mediaPath": msg.MediaPath,
		}
		if msg.MimeType != "" {
			payload["mimeType"] = msg.MimeType
		}
		if msg.Content != "" {
			payload["caption"] = msg.Content
		}
		if msg.ReplyTo != "" {
			payload["replyToMessageId"] = msg.ReplyTo
		}
		_, err := w.command("send_media", payload)
		if err != nil {
			w.errorCount.Add(1)
		}
		return err
	}

	payload := map[string]any{
		"to":   to,
		"text": MarkdownToWhatsApp(msg.Content),
	}
	if msg.ReplyTo != "" {
		payload["replyToMessageId"] = msg.ReplyTo
	}
	_, err := w.command("send_text", payload)
	if err != nil {
		w.errorCount.Add(1)
	}
	return err
}

// SendReaction sends an emoji reaction.
func (w *WhatsApp) SendReaction(ctx context.Context, r channels.Reaction) error {
	if !w.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	payload := map[string]any{
		"chatJid":   r.ChatID,
		"messageId": r.MessageID,
		"emoji":     r.Emoji,
	}
	if r.Participant != "" {
		payload["participantJid"] = r.Participant
	}
	_, err := w.command("react", payload)
	return err
}

// SendTyping toggles the typing indicator. While on, presence refreshes on
// an interval until stopped or the cap elapses.
func (w *WhatsApp) SendTyping(ctx context.Context, chatID string, on bool) error {
	if !on {
		w.stopTyping(chatID)
		return nil
	}
	if !w.connected.Load() {
		return nil
	}

	w.typingMu.Lock()
	if cancel, ok := w.typing[chatID]; ok {
		cancel()
	}
	typingCtx, cancel := context.WithCancel(w.ctx)
	w.typing[chatID] = cancel
	w.typingMu.Unlock()

	go w.typingLoop(typingCtx, chatID)
	return nil
}

func (w *WhatsApp) typingLoop(ctx context.Context, chatID string) {
	deadline := time.Now().Add(typingMaxDuration)
	for time.Now().Before(deadline) {
		if _, err := w.command("presence_update", map[string]any{
			"state":   "composing",
			"chatJid": chatID,
		}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(typingInterval):
		}
	}
}

func (w *WhatsApp) stopTyping(chatID string) {
	w.typingMu.Lock()
	cancel, ok := w.typing[chatID]
	if ok {
		delete(w.typing, chatID)
	}
	w.typingMu.Unlock()
	if ok {
		cancel()
		_, _ = w.command("presence_update", map[string]any{
			"state":   "paused",
			"chatJid": chatID,
		})
	}
}
