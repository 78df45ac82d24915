// Package discord implements the Discord channel for Majordomo using
// discordgo's gateway client.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the bot token.
	Token string `json:"token"`
}

// Discord implements channels.Channel and channels.ReactionChannel.
type Discord struct {
	cfg    Config
	logger *slog.Logger

	session  *discordgo.Session
	messages chan *channels.Message

	connected  atomic.Bool
	lastMsg    atomic.Int64
	errorCount atomic.Int64
}

// New creates a Discord channel instance.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.Message, 256),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway session.
func (d *Discord) Connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(d.handleMessage)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.session = session
	d.connected.Store(true)
	d.logger.Info("discord connected", "user", session.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *Discord) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	isGroup := m.GuildID != ""
	msg := &channels.Message{
		ID:      m.ID,
		Channel: "discord",
		ChatID:  m.ChannelID,
		Sender: channels.Identity{
			ID:          m.Author.ID,
			DisplayName: m.Author.Username,
			Handle:      m.Author.Username,
		},
		Content:   []channels.ContentBlock{{Kind: channels.BlockText, Text: m.Content}},
		Timestamp: m.Timestamp.UTC(),
		IsGroup:   isGroup,
	}

	for _, mention := range m.Mentions {
		if mention.ID == s.State.User.ID {
			msg.MentionedBot = true
			break
		}
	}
	if ref := m.ReferencedMessage; ref != nil {
		msg.ReplyTo = &channels.ReplyRef{
			MessageID: ref.ID,
			Text:      ref.Content,
		}
		if ref.Author != nil {
			msg.ReplyTo.Sender = ref.Author.ID
			msg.ReplyToBot = ref.Author.ID == s.State.User.ID
		}
	}

	// Attachments ride along as file blocks.
	for _, att := range m.Attachments {
		msg.Content = append(msg.Content, channels.ContentBlock{
			Kind:      channels.BlockFile,
			Text:      att.Filename,
			Path:      att.URL,
			MimeType:  att.ContentType,
			SizeBytes: int64(att.Size),
		})
	}

	d.lastMsg.Store(time.Now().UnixMilli())
	select {
	case d.messages <- msg:
	default:
		d.logger.Warn("message channel full, dropping", "chat", msg.ChatID)
	}
}

// Send delivers one text message.
func (d *Discord) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyTo != "" {
		send.Reference = &discordgo.MessageReference{
			MessageID: msg.ReplyTo,
			ChannelID: to,
		}
	}
	if _, err := d.session.ChannelMessageSendComplex(to, send); err != nil {
		d.errorCount.Add(1)
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// SendReaction adds an emoji reaction.
func (d *Discord) SendReaction(ctx context.Context, r channels.Reaction) error {
	if !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	return d.session.MessageReactionAdd(r.ChatID, r.MessageID, r.Emoji)
}

// SendTyping triggers the typing indicator once (Discord's indicator expires
// on its own).
func (d *Discord) SendTyping(ctx context.Context, chatID string, on bool) error {
	if !on || !d.connected.Load() {
		return nil
	}
	return d.session.ChannelTyping(chatID)
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.Message { return d.messages }

// IsConnected reports connectivity.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  d.connected.Load(),
		ErrorCount: int(d.errorCount.Load()),
	}
	if ts := d.lastMsg.Load(); ts > 0 {
		h.LastMessageAt = time.UnixMilli(ts)
	}
	return h
}
