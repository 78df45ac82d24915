// Package pipeline implements the inbound orchestration pipeline: a static
// middleware chain that turns one canonical Message into a list of outbound
// intents. The chain order is load-bearing and constructed explicitly at
// bootstrap — see Build in build.go.
package pipeline

// Intent is a declarative action produced by the pipeline for downstream
// dispatch. It is a sealed tagged variant: exactly the types in this file
// implement it.
type Intent interface {
	isIntent()
}

// OutboundText delivers one text message.
type OutboundText struct {
	Channel string
	ChatID  string
	Text    string
	ReplyTo string
}

// OutboundMedia delivers one media message (path on local disk).
type OutboundMedia struct {
	Channel   string
	ChatID    string
	Path      string
	MimeType  string
	Caption   string
	ReplyTo   string
	VoiceNote bool
}

// ReactionIntent delivers a reaction emoji to a specific message.
type ReactionIntent struct {
	Channel     string
	ChatID      string
	MessageID   string
	Emoji       string
	Participant string
}

// TypingIntent toggles the typing indicator for a chat.
type TypingIntent struct {
	Channel string
	ChatID  string
	On      bool
}

// MemoryCapture queues text for the background memory capture lane.
type MemoryCapture struct {
	Channel   string
	ChatID    string
	SenderID  string
	MessageID string
	Text      string
	Kind      string // "", "idea", "backlog", "assistant"
	IsGroup   bool
}

// SessionAppend persists one user/assistant turn to the session file.
type SessionAppend struct {
	Channel       string
	ChatID        string
	UserText      string
	AssistantText string
}

// MetricEvent emits one structured counter metric.
type MetricEvent struct {
	Name   string
	Labels [][2]string
	Value  int
}

func (OutboundText) isIntent()   {}
func (OutboundMedia) isIntent()  {}
func (ReactionIntent) isIntent() {}
func (TypingIntent) isIntent()   {}
func (MemoryCapture) isIntent()  {}
func (SessionAppend) isIntent()  {}
func (MetricEvent) isIntent()    {}
