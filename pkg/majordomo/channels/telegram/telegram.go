// Package telegram implements the Telegram channel for Majordomo using the
// Bot API long-polling client.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token.
	Token string `json:"token"`

	// PollTimeoutSec is the long-poll timeout.
	PollTimeoutSec int `json:"poll_timeout_sec"`
}

// Telegram implements channels.Channel and channels.ReactionChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger

	bot      *tgbotapi.BotAPI
	messages chan *channels.Message

	connected  atomic.Bool
	lastMsg    atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
}

// New creates a Telegram channel instance.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeoutSec <= 0 {
		cfg.PollTimeoutSec = 30
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		messages: make(chan *channels.Message, 256),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect authenticates the bot and starts the update loop.
func (t *Telegram) Connect(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram auth: %w", err)
	}
	t.bot = bot
	t.connected.Store(true)
	t.logger.Info("telegram connected", "bot", bot.Self.UserName)

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = t.cfg.PollTimeoutSec
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-loopCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

// Disconnect stops the update loop.
func (t *Telegram) Disconnect() error {
	t.connected.Store(false)
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	return nil
}

func (t *Telegram) handleMessage(m *tgbotapi.Message) {
	if m.From != nil && m.From.IsBot {
		return
	}

	isGroup := m.Chat.IsGroup() || m.Chat.IsSuperGroup()
	text := m.Text
	if text == "" {
		text = m.Caption
	}

	msg := &channels.Message{
		ID:      strconv.Itoa(m.MessageID),
		Channel: "telegram",
		ChatID:  strconv.FormatInt(m.Chat.ID, 10),
		Content: []channels.ContentBlock{{Kind: channels.BlockText, Text: text}},
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
		IsGroup:   isGroup,
	}
	if m.From != nil {
		msg.Sender = channels.Identity{
			ID:          strconv.FormatInt(m.From.ID, 10),
			DisplayName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
			Handle:      m.From.UserName,
		}
	}

	// Mention detection via message entities.
	selfUser := "@" + t.bot.Self.UserName
	for _, entity := range m.Entities {
		if entity.Type == "mention" {
			mention := text[entity.Offset : entity.Offset+entity.Length]
			if strings.EqualFold(mention, selfUser) {
				msg.MentionedBot = true
			}
		}
	}
	if strings.Contains(text, selfUser) {
		msg.MentionedBot = true
	}

	if reply := m.ReplyToMessage; reply != nil {
		msg.ReplyTo = &channels.ReplyRef{
			MessageID: strconv.Itoa(reply.MessageID),
			Text:      reply.Text,
		}
		if reply.From != nil {
			msg.ReplyTo.Sender = strconv.FormatInt(reply.From.ID, 10)
			msg.ReplyToBot = reply.From.ID == t.bot.Self.ID
		}
	}

	t.lastMsg.Store(time.Now().UnixMilli())
	select {
	case t.messages <- msg:
	default:
		t.logger.Warn("message channel full, dropping", "chat", msg.ChatID)
	}
}

// Send delivers one text message.
func (t *Telegram) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", to, err)
	}

	out := tgbotapi.NewMessage(chatID, msg.Content)
	out.ParseMode = tgbotapi.ModeMarkdown
	if msg.ReplyTo != "" {
		if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
			out.ReplyToMessageID = replyID
		}
	}
	if _, err := t.bot.Send(out); err != nil {
		// Markdown parse failures are common with model output; retry as
		// plain text.
		out.ParseMode = ""
		if _, err := t.bot.Send(out); err != nil {
			t.errorCount.Add(1)
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SendReaction is not supported by the Bot API client; reactions degrade to
// a short reply.
func (t *Telegram) SendReaction(ctx context.Context, r channels.Reaction) error {
	return t.Send(ctx, r.ChatID, &channels.OutgoingMessage{
		Content: r.Emoji,
		ReplyTo: r.MessageID,
	})
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.Message { return t.messages }

// IsConnected reports connectivity.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  t.connected.Load(),
		ErrorCount: int(t.errorCount.Load()),
	}
	if ts := t.lastMsg.Load(); ts > 0 {
		h.LastMessageAt = time.UnixMilli(ts)
	}
	return h
}
