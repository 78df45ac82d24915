package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
)

// ContextWindows carries the conversational context assembled by earlier
// stages.
type ContextWindows struct {
	ReplyThread []string
	Ambient     []string
}

// Responder is the external collaborator that synthesizes a reply. A nil
// error with empty text means "nothing to say".
type Responder interface {
	GenerateReply(ctx context.Context, event *channels.Message, decision *policy.Decision,
		windows ContextWindows, memorySnippets []string) (string, error)
}

// RecallFunc fetches memory snippets for the responder prompt.
type RecallFunc func(ctx context.Context, query, channel, chatID, senderID string) []string

// ResponderStage invokes the Responder with typing indicators around the
// call. Failures produce a short apology and a failure reaction; repeated
// failures for the same chat escalate to silent suppression for a cooldown.
type ResponderStage struct {
	Responder Responder
	Recall    RecallFunc
	Logger    *slog.Logger

	// Timeout bounds one responder call.
	Timeout time.Duration

	// FailureWindow and SuppressFor control the failure escalation: a
	// second failure within the window suppresses output for the cooldown.
	FailureWindow time.Duration
	SuppressFor   time.Duration

	// ApologyText is the user-visible transient-failure message.
	ApologyText string

	mu            sync.Mutex
	lastFailure   map[string]time.Time
	suppressUntil map[string]time.Time
}

// NewResponderStage applies defaults.
func NewResponderStage(responder Responder, recall RecallFunc, logger *slog.Logger) *ResponderStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponderStage{
		Responder:     responder,
		Recall:        recall,
		Logger:        logger.With("component", "responder"),
		Timeout:       2 * time.Minute,
		FailureWindow: 10 * time.Minute,
		SuppressFor:   5 * time.Minute,
		ApologyText:   "Sorry, I hit a temporary error. Please try again.",
		lastFailure:   make(map[string]time.Time),
		suppressUntil: make(map[string]time.Time),
	}
}

// Handle implements Middleware.
func (r *ResponderStage) Handle(ctx *Context, next Next) {
	if ctx.Decision == nil || r.Responder == nil {
		ctx.Halt()
		return
	}
	event := ctx.Event

	ctx.Intents = append(ctx.Intents, TypingIntent{
		Channel: event.Channel, ChatID: event.ChatID, On: true,
	})
	defer func() {
		ctx.Intents = append(ctx.Intents, TypingIntent{
			Channel: event.Channel, ChatID: event.ChatID, On: false,
		})
	}()

	windows := ContextWindows{
		ReplyThread: metaLines(event, "reply_context_window"),
		Ambient:     metaLines(event, "ambient_context_window"),
	}

	callCtx := ctx.Ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, r.Timeout)
		defer cancel()
	}

	var snippets []string
	if r.Recall != nil {
		snippets = r.Recall(callCtx, event.Text(), event.Channel, event.ChatID, event.Sender.ID)
	}

	reply, err := r.Responder.GenerateReply(callCtx, event, ctx.Decision, windows, snippets)
	if err != nil {
		r.failed(ctx, err)
		return
	}
	if reply == "" {
		ctx.Metric("responder_empty", [2]string{"channel", event.Channel})
		ctx.Halt()
		return
	}

	r.clearFailure(event.Channel + ":" + event.ChatID)
	ctx.Reply = reply
	next(ctx)
}

func (r *ResponderStage) failed(ctx *Context, err error) {
	event := ctx.Event
	key := event.Channel + ":" + event.ChatID
	now := time.Now()

	r.mu.Lock()
	suppressed := now.Before(r.suppressUntil[key])
	if !suppressed {
		if last, ok := r.lastFailure[key]; ok && now.Sub(last) < r.FailureWindow {
			r.suppressUntil[key] = now.Add(r.SuppressFor)
		}
		r.lastFailure[key] = now
	}
	r.mu.Unlock()

	r.Logger.Warn("responder call failed",
		"channel", event.Channel, "chat", event.ChatID, "error", err)
	ctx.Metric("responder_failed", [2]string{"channel", event.Channel})

	if !suppressed {
		if event.ID != "" {
			ctx.Intents = append(ctx.Intents, ReactionIntent{
				Channel:     event.Channel,
				ChatID:      event.ChatID,
				MessageID:   event.ID,
				Emoji:       "⚠️",
				Participant: event.Participant,
			})
		}
		ctx.Intents = append(ctx.Intents, OutboundText{
			Channel: event.Channel,
			ChatID:  event.ChatID,
			Text:    r.ApologyText,
		})
	}
	ctx.Halt()
}

func (r *ResponderStage) clearFailure(key string) {
	r.mu.Lock()
	delete(r.lastFailure, key)
	delete(r.suppressUntil, key)
	r.mu.Unlock()
}

func metaLines(event *channels.Message, key string) []string {
	if event.Metadata == nil {
		return nil
	}
	switch v := event.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
