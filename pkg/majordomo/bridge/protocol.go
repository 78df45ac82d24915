package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolVersion is the bridge wire protocol version.
const ProtocolVersion = 2

// Limits enforced per connection.
const (
	MaxCommandBytes    = 256 * 1024
	MaxInflight        = 20
	MaxOutboundBuffer  = 2 * 1024 * 1024
	MaxPollOptions     = 12
	MinLoginTimeoutMs  = 1000
	QRFreshnessSeconds = 120
)

// Error kinds.
const (
	ErrProtocolVersion = "ERR_PROTOCOL_VERSION"
	ErrSchema          = "ERR_SCHEMA"
	ErrAuth            = "ERR_AUTH"
	ErrUnsupported     = "ERR_UNSUPPORTED"
	ErrPayloadTooLarge = "ERR_PAYLOAD_TOO_LARGE"
	ErrQueueOverflow   = "ERR_QUEUE_OVERFLOW"
	ErrInternal        = "ERR_INTERNAL"
)

// ProtocolError is a typed protocol-level failure returned to clients.
type ProtocolError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error implements error.
func (e *ProtocolError) Error() string { return e.Code + ": " + e.Message }

func schemaErr(format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: ErrSchema, Message: fmt.Sprintf(format, args...)}
}

// SanitizeError replaces any occurrence of the token in the error message
// with "***" so credentials never leak through error frames.
func SanitizeError(err *ProtocolError, token string) *ProtocolError {
	if err == nil || token == "" {
		return err
	}
	out := *err
	out.Message = strings.ReplaceAll(out.Message, token, "***")
	return &out
}

// Envelope is the raw command frame before payload typing.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	AccountID string          `json:"accountId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is a bridge → client frame.
type Event struct {
	Version   int    `json:"version"`
	Type      string `json:"type"`
	TS        int64  `json:"ts"`
	AccountID string `json:"accountId"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload"`
}

// NewEvent stamps an event frame with the protocol version and timestamp.
func NewEvent(eventType, accountID, requestID string, payload any) Event {
	return Event{
		Version:   ProtocolVersion,
		Type:      eventType,
		TS:        time.Now().UnixMilli(),
		AccountID: accountID,
		RequestID: requestID,
		Payload:   payload,
	}
}

// Command is the typed command sum: exactly the *Cmd types in this file
// implement it.
type Command interface {
	isCommand()
	CommandType() string
}

// SendTextCmd sends a text message, optionally quoting a prior message.
type SendTextCmd struct {
	To               string `json:"to"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

// SendMediaCmd sends media from exactly one source: URL, base64, or a path
// under the configured outgoing-media root.
type SendMediaCmd struct {
	To               string `json:"to"`
	MediaURL         string `json:"mediaUrl,omitempty"`
	MediaBase64      string `json:"mediaBase64,omitempty"`
	MediaPath        string `json:"mediaPath,omitempty"`
	MimeType         string `json:"mimeType,omitempty"`
	FileName         string `json:"fileName,omitempty"`
	Caption          string `json:"caption,omitempty"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty"`
}

// SendPollCmd creates a poll.
type SendPollCmd struct {
	To            string   `json:"to"`
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	MaxSelections int      `json:"maxSelections,omitempty"`
}

// ReactCmd sends an emoji reaction.
type ReactCmd struct {
	ChatJID        string `json:"chatJid"`
	MessageID      string `json:"messageId"`
	Emoji          string `json:"emoji"`
	ParticipantJID string `json:"participantJid,omitempty"`
	FromMe         bool   `json:"fromMe,omitempty"`
}

// PresenceUpdateCmd updates presence; composing/paused/recording require a
// chat.
type PresenceUpdateCmd struct {
	State   string `json:"state"`
	ChatJID string `json:"chatJid,omitempty"`
}

// ListGroupsCmd lists joined groups, optionally filtered by id.
type ListGroupsCmd struct {
	IDs []string `json:"ids,omitempty"`
}

// LoginStartCmd begins the QR login flow.
type LoginStartCmd struct {
	Force     bool `json:"force,omitempty"`
	TimeoutMs int  `json:"timeoutMs,omitempty"`
}

// LoginWaitCmd waits for an in-progress login to finish.
type LoginWaitCmd struct {
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// LogoutCmd clears the session.
type LogoutCmd struct{}

// HealthCmd reports bridge health.
type HealthCmd struct{}

func (SendTextCmd) isCommand()       {}
func (SendMediaCmd) isCommand()      {}
func (SendPollCmd) isCommand()       {}
func (ReactCmd) isCommand()          {}
func (PresenceUpdateCmd) isCommand() {}
func (ListGroupsCmd) isCommand()     {}
func (LoginStartCmd) isCommand()     {}
func (LoginWaitCmd) isCommand()      {}
func (LogoutCmd) isCommand()         {}
func (HealthCmd) isCommand()         {}

func (SendTextCmd) CommandType() string       { return "send_text" }
func (SendMediaCmd) CommandType() string      { return "send_media" }
func (SendPollCmd) CommandType() string       { return "send_poll" }
func (ReactCmd) CommandType() string          { return "react" }
func (PresenceUpdateCmd) CommandType() string { return "presence_update" }
func (ListGroupsCmd) CommandType() string     { return "list_groups" }
func (LoginStartCmd) CommandType() string     { return "login_start" }
func (LoginWaitCmd) CommandType() string      { return "login_wait" }
func (LogoutCmd) CommandType() string         { return "logout" }
func (HealthCmd) CommandType() string         { return "health" }

func decodeStrict(raw json.RawMessage, into any) *ProtocolError {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return schemaErr("invalid payload: %v", err)
	}
	return nil
}

// ParseCommand validates one raw command frame into a typed Command. The
// token is NOT verified here; the server checks it before dispatch.
func ParseCommand(data []byte) (*Envelope, Command, *ProtocolError) {
	if len(data) > MaxCommandBytes {
		return nil, nil, &ProtocolError{
			Code:    ErrPayloadTooLarge,
			Message: fmt.Sprintf("command exceeds %d bytes", MaxCommandBytes),
		}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, schemaErr("invalid JSON frame: %v", err)
	}
	if env.Version != ProtocolVersion {
		return &env, nil, &ProtocolError{
			Code:    ErrProtocolVersion,
			Message: fmt.Sprintf("unsupported protocol version %d (want %d)", env.Version, ProtocolVersion),
		}
	}

	cmd, perr := parsePayload(env.Type, env.Payload)
	if perr != nil {
		return &env, nil, perr
	}
	return &env, cmd, nil
}

func parsePayload(cmdType string, raw json.RawMessage) (Command, *ProtocolError) {
	switch cmdType {
	case "send_text":
		var cmd SendTextCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cmd.To) == "" {
			return nil, schemaErr("send_text: 'to' is required")
		}
		if strings.TrimSpace(cmd.Text) == "" {
			return nil, schemaErr("send_text: 'text' is required")
		}
		return cmd, nil

	case "send_media":
		var cmd SendMediaCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cmd.To) == "" {
			return nil, schemaErr("send_media: 'to' is required")
		}
		sources := 0
		for _, src := range []string{cmd.MediaURL, cmd.MediaBase64, cmd.MediaPath} {
			if strings.TrimSpace(src) != "" {
				sources++
			}
		}
		if sources != 1 {
			return nil, schemaErr("send_media: exactly one of mediaUrl, mediaBase64, mediaPath is required")
		}
		return cmd, nil

	case "send_poll":
		var cmd SendPollCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		if strings.TrimSpace(cmd.To) == "" || strings.TrimSpace(cmd.Question) == "" {
			return nil, schemaErr("send_poll: 'to' and 'question' are required")
		}
		if len(cmd.Options) < 2 || len(cmd.Options) > MaxPollOptions {
			return nil, schemaErr("send_poll: options must have 2..%d entries", MaxPollOptions)
		}
		if cmd.MaxSelections != 0 && (cmd.MaxSelections < 1 || cmd.MaxSelections > MaxPollOptions) {
			return nil, schemaErr("send_poll: maxSelections must be in [1,%d]", MaxPollOptions)
		}
		return cmd, nil

	case "react":
		var cmd ReactCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		if cmd.ChatJID == "" || cmd.MessageID == "" || cmd.Emoji == "" {
			return nil, schemaErr("react: chatJid, messageId and emoji are required")
		}
		return cmd, nil

	case "presence_update":
		var cmd PresenceUpdateCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		switch cmd.State {
		case "available", "unavailable":
		case "composing", "paused", "recording":
			if cmd.ChatJID == "" {
				return nil, schemaErr("presence_update: %s requires chatJid", cmd.State)
			}
		default:
			return nil, schemaErr("presence_update: invalid state %q", cmd.State)
		}
		return cmd, nil

	case "list_groups":
		var cmd ListGroupsCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case "login_start":
		var cmd LoginStartCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		if cmd.TimeoutMs != 0 && cmd.TimeoutMs < MinLoginTimeoutMs {
			return nil, schemaErr("login_start: timeoutMs must be >= %d", MinLoginTimeoutMs)
		}
		return cmd, nil

	case "login_wait":
		var cmd LoginWaitCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		if cmd.TimeoutMs != 0 && cmd.TimeoutMs < MinLoginTimeoutMs {
			return nil, schemaErr("login_wait: timeoutMs must be >= %d", MinLoginTimeoutMs)
		}
		return cmd, nil

	case "logout":
		var cmd LogoutCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil

	case "health":
		var cmd HealthCmd
		if err := decodeStrict(raw, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	}

	return nil, &ProtocolError{
		Code:    ErrUnsupported,
		Message: fmt.Sprintf("unsupported command type %q", cmdType),
	}
}

// ResponsePayload is the body of a "response" event.
type ResponsePayload struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *ProtocolError `json:"error,omitempty"`
}

// MessagePayload is the body of an inbound "message" event.
type MessagePayload struct {
	MessageID            string        `json:"messageId"`
	ChatJID              string        `json:"chatJid"`
	ParticipantJID       string        `json:"participantJid"`
	SenderID             string        `json:"senderId"`
	SenderName           string        `json:"senderName,omitempty"`
	IsGroup              bool          `json:"isGroup"`
	Text                 string        `json:"text"`
	Timestamp            int64         `json:"timestamp"`
	MentionedJIDs        []string      `json:"mentionedJids,omitempty"`
	MentionedBot         bool          `json:"mentionedBot"`
	ReplyToBot           bool          `json:"replyToBot"`
	ReplyToMessageID     string        `json:"replyToMessageId,omitempty"`
	ReplyToParticipant   string        `json:"replyToParticipantJid,omitempty"`
	ReplyToText          string        `json:"replyToText,omitempty"`
	Media                *MediaPayload `json:"media,omitempty"`
}

// MediaPayload describes persisted inbound media.
type MediaPayload struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType,omitempty"`
	Path     string `json:"path,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// HealthPayload is the body of a health response.
type HealthPayload struct {
	Version         string         `json:"version"`
	ProtocolVersion int            `json:"protocolVersion"`
	BridgeVersion   string         `json:"bridgeVersion"`
	BuildID         string         `json:"buildId"`
	AccountID       string         `json:"accountId"`
	WhatsApp        WhatsAppHealth `json:"whatsapp"`
	Queue           QueueHealth    `json:"queue"`
	Dedupe          DedupeHealth   `json:"dedupe"`
}

// WhatsAppHealth reports platform connection state.
type WhatsAppHealth struct {
	Connected                bool   `json:"connected"`
	Running                  bool   `json:"running"`
	ReconnectAttempts        int    `json:"reconnectAttempts"`
	LastDisconnectStatus     string `json:"lastDisconnectStatus,omitempty"`
	LastError                string `json:"lastError,omitempty"`
	LastMessageAt            int64  `json:"lastMessageAt,omitempty"`
	DroppedInboundDuplicates int64  `json:"droppedInboundDuplicates"`
	DedupeCacheSize          int    `json:"dedupeCacheSize"`
}

// QueueHealth reports client/command queue state.
type QueueHealth struct {
	Clients  int   `json:"clients"`
	Inflight int   `json:"inflight"`
	Dropped  int64 `json:"dropped"`
}

// DedupeHealth duplicates the dedupe counters at the top level of the
// health document for monitoring convenience.
type DedupeHealth struct {
	DroppedInboundDuplicates int64 `json:"droppedInboundDuplicates"`
	DedupeCacheSize          int   `json:"dedupeCacheSize"`
}
