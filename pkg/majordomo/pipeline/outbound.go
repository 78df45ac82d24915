package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lromao/majordomo/pkg/majordomo/policy"
	"github.com/lromao/majordomo/pkg/majordomo/security"
)

// TTS synthesizes speech for voice replies. Returns the audio file path.
type TTS interface {
	Synthesize(ctx context.Context, text, route, voice string) (string, error)
}

// Outbound assembles the final intents from the responder reply: output
// security, threading decision, the voice policy (TTS with text fallback),
// session persistence, and memory capture.
type Outbound struct {
	Security *security.Engine
	TTS      TTS
	Logger   *slog.Logger

	// BlockMessage replaces output that a block rule rejected.
	BlockMessage string

	// CaptureUserMessages queues user turns for background memory capture.
	CaptureUserMessages bool

	// CaptureAssistant queues assistant turns too.
	CaptureAssistant bool

	// MaxVoiceChars is a hard ceiling on synthesized text length after the
	// per-chat policy limits.
	MaxVoiceChars int
}

// Handle implements Middleware. It runs last; there is no next stage to
// call.
func (o *Outbound) Handle(ctx *Context, _ Next) {
	if ctx.Reply == "" {
		return
	}
	event := ctx.Event
	reply := ctx.Reply

	// Output security.
	if o.Security != nil {
		result := o.Security.CheckOutput(reply)
		switch result.Action {
		case security.ActionBlock:
			block := o.BlockMessage
			if block == "" {
				block = "I can't share that."
			}
			reply = block
			ctx.Metric("security_output_blocked",
				[2]string{"channel", event.Channel},
				[2]string{"reason", result.Reason})
		case security.ActionRedact:
			reply = result.SanitizedText
			ctx.Metric("security_output_sanitized", [2]string{"channel", event.Channel})
		}
	}

	// Threading: quote the inbound message in mention-only groups so the
	// reply reads in context.
	replyTo := ""
	if ctx.Decision != nil && event.IsGroup && event.ID != "" &&
		ctx.Decision.WhenToReplyMode == policy.ReplyMentionOnly &&
		(event.MentionedBot || event.ReplyToBot) {
		replyTo = event.ID
	}

	// Voice policy.
	if o.trySendVoice(ctx, reply, replyTo) {
		o.appendCaptures(ctx, reply)
		return
	}

	ctx.Intents = append(ctx.Intents, OutboundText{
		Channel: event.Channel,
		ChatID:  event.ChatID,
		Text:    reply,
		ReplyTo: replyTo,
	})
	ctx.Metric("response_sent", [2]string{"channel", event.Channel})
	o.appendCaptures(ctx, reply)
}

// trySendVoice applies the per-chat voice output policy. Returns true when
// a voice intent was emitted; any failure falls back to text.
func (o *Outbound) trySendVoice(ctx *Context, reply, replyTo string) bool {
	if o.TTS == nil || ctx.Decision == nil {
		return false
	}
	event := ctx.Event
	vo := ctx.Decision.VoiceOutput

	switch vo.Mode {
	case policy.VoiceAlways:
	case policy.VoiceInKind:
		if !event.HasVoice() {
			return false
		}
	default: // text, off, unset
		return false
	}

	limited := limitForVoice(reply, vo.MaxSentences, vo.MaxChars, o.MaxVoiceChars)
	if limited == "" {
		return false
	}

	path, err := o.TTS.Synthesize(ctx.Ctx, limited, vo.TTSRoute, vo.Voice)
	if err != nil {
		if o.Logger != nil {
			o.Logger.Warn("TTS failed, falling back to text",
				"channel", event.Channel, "chat", event.ChatID, "error", err)
		}
		ctx.Metric("voice_fallback_text", [2]string{"channel", event.Channel})
		return false
	}

	ctx.Intents = append(ctx.Intents, OutboundMedia{
		Channel:   event.Channel,
		ChatID:    event.ChatID,
		Path:      path,
		MimeType:  "audio/ogg; codecs=opus",
		ReplyTo:   replyTo,
		VoiceNote: true,
	})
	ctx.Metric("voice_response_sent", [2]string{"channel", event.Channel})
	return true
}

func (o *Outbound) appendCaptures(ctx *Context, reply string) {
	event := ctx.Event

	ctx.Intents = append(ctx.Intents, SessionAppend{
		Channel:       event.Channel,
		ChatID:        event.ChatID,
		UserText:      event.Text(),
		AssistantText: reply,
	})

	if o.CaptureUserMessages {
		ctx.Intents = append(ctx.Intents, MemoryCapture{
			Channel:   event.Channel,
			ChatID:    event.ChatID,
			SenderID:  event.Sender.ID,
			MessageID: event.ID,
			Text:      event.Text(),
			IsGroup:   event.IsGroup,
		})
	}
	if o.CaptureAssistant {
		ctx.Intents = append(ctx.Intents, MemoryCapture{
			Channel:  event.Channel,
			ChatID:   event.ChatID,
			SenderID: event.Sender.ID,
			Text:     reply,
			Kind:     "assistant",
			IsGroup:  event.IsGroup,
		})
	}
}

// limitForVoice enforces maxSentences and maxChars before synthesis.
func limitForVoice(text string, maxSentences, maxChars, hardCap int) string {
	if maxSentences < 1 {
		maxSentences = 2
	}
	if maxChars < 1 {
		maxChars = 150
	}
	if hardCap > 0 && maxChars > hardCap {
		maxChars = hardCap
	}

	sentences := splitForVoice(text)
	if len(sentences) > maxSentences {
		sentences = sentences[:maxSentences]
	}
	out := ""
	for i, s := range sentences {
		if i > 0 {
			out += " "
		}
		out += s
	}
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out
}

func splitForVoice(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(text[start : i+1]); s != "" {
				sentences = append(sentences, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
