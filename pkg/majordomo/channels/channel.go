// Package channels defines the interfaces and types for Majordomo
// communication channels. Each channel (WhatsApp, Telegram, Discord, Feishu)
// implements the Channel interface to receive and send messages in a unified
// way.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BlockKind identifies the kind of a content block.
type BlockKind string

const (
	BlockText    BlockKind = "text"
	BlockImage   BlockKind = "image"
	BlockAudio   BlockKind = "audio"
	BlockVideo   BlockKind = "video"
	BlockSticker BlockKind = "sticker"
	BlockFile    BlockKind = "file"
)

// ContentBlock is one ordered piece of message content. Text blocks carry
// Text; media blocks carry Path/MimeType/SizeBytes plus optional enrichment
// (Transcript from ASR, Description from a vision model).
type ContentBlock struct {
	Kind        BlockKind `json:"kind"`
	Text        string    `json:"text,omitempty"`
	Path        string    `json:"path,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Identity is a canonical sender identity.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Handle      string `json:"handle,omitempty"`
}

// ReplyRef references the message this message replies to.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// Message is the canonical inbound envelope produced by channel adapters.
// It is immutable after the pipeline's Normalize stage, except that
// enrichment middleware may add keys to Metadata before policy evaluation.
type Message struct {
	// ID is the platform message identifier.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// ChatID is the group or DM identifier (opaque per channel).
	ChatID string

	// Sender is the canonical sender identity.
	Sender Identity

	// Content is the ordered sequence of content blocks.
	Content []ContentBlock

	// ReplyTo references the quoted message, if any.
	ReplyTo *ReplyRef

	// Timestamp is when the message was sent (UTC).
	Timestamp time.Time

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// MentionedBot is set when the message mentions the bot.
	MentionedBot bool

	// ReplyToBot is set when the message replies to a bot message.
	ReplyToBot bool

	// Participant is the channel-specific participant address (groups).
	Participant string

	// Metadata carries open key/value enrichment (transcripts, context
	// windows, sanitized text).
	Metadata map[string]any
}

// Text returns the concatenated text view of the message: text blocks
// joined with newlines, media blocks represented by their transcript,
// description, or a placeholder.
func (m *Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		switch {
		case b.Kind == BlockText && b.Text != "":
			parts = append(parts, b.Text)
		case b.Transcript != "":
			parts = append(parts, b.Transcript)
		case b.Description != "":
			parts = append(parts, b.Description)
		case b.Text != "":
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasVoice reports whether the message contains a voice note block.
func (m *Message) HasVoice() bool {
	for _, b := range m.Content {
		if b.Kind == BlockAudio {
			return true
		}
	}
	return false
}

// MetaString returns a string metadata value, or "" if absent.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SetMeta sets one metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// OutgoingMessage represents a message to be sent through a channel.
type OutgoingMessage struct {
	// Content is the text content of the message.
	Content string

	// ReplyTo contains the ID of the message to reply to.
	ReplyTo string

	// MediaPath points to a local media file to send instead of text.
	MediaPath string

	// MimeType is the media MIME type when MediaPath is set.
	MimeType string

	// VoiceNote marks audio media as a push-to-talk voice note.
	VoiceNote bool

	// Metadata contains additional channel-specific data.
	Metadata map[string]any
}

// Reaction is an emoji reaction to a specific message.
type Reaction struct {
	ChatID      string
	MessageID   string
	Emoji       string
	Participant string
}

// Channel defines the interface that every communication channel must implement.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp", "discord").
	Name() string

	// Connect establishes the connection to the messaging platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to the specified chat.
	Send(ctx context.Context, to string, msg *OutgoingMessage) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *Message

	// IsConnected returns true if the channel is connected.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// PresenceChannel extends Channel with typing/presence indicators.
type PresenceChannel interface {
	Channel

	// SendTyping toggles a "typing..." indicator for a chat.
	SendTyping(ctx context.Context, chatID string, on bool) error
}

// ReactionChannel extends Channel with message reaction support.
type ReactionChannel interface {
	Channel

	// SendReaction sends a reaction emoji to a specific message.
	SendReaction(ctx context.Context, r Reaction) error
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = fmt.Errorf("channel is not connected")
	ErrSendFailed          = fmt.Errorf("failed to send message")
	ErrConnectionFailed    = fmt.Errorf("failed to connect to channel")
	ErrMediaNotSupported   = fmt.Errorf("media not supported by this channel")
)
