package pipeline

import (
	"fmt"
	"strings"

	"github.com/lromao/majordomo/pkg/majordomo/archive"
)

// Reply-context defaults.
const (
	ReplyWindowLimit   = 6
	AmbientWindowLimit = 8
	ContextLineMax     = 1000
)

// ReplyContext enriches events with two context sub-blocks stored in
// metadata: the reply-thread window (walking the reply chain backward,
// most-recent-first) and the ambient window (last N messages in the chat,
// oldest-first, group chats only).
type ReplyContext struct {
	Store        *archive.Store
	ReplyLimit   int
	AmbientLimit int
	LineMax      int
}

// NewReplyContext applies the defaults.
func NewReplyContext(store *archive.Store) *ReplyContext {
	return &ReplyContext{
		Store:        store,
		ReplyLimit:   ReplyWindowLimit,
		AmbientLimit: AmbientWindowLimit,
		LineMax:      ContextLineMax,
	}
}

// Handle implements Middleware.
func (r *ReplyContext) Handle(ctx *Context, next Next) {
	if r.Store == nil {
		next(ctx)
		return
	}
	event := ctx.Event

	// Reply thread window: only when the message is a reply.
	if event.ReplyTo != nil && event.ReplyTo.MessageID != "" {
		chain, err := r.Store.WalkReplyChain(event.Channel, event.ChatID, event.ReplyTo.MessageID, r.replyLimit())
		if err == nil && len(chain) > 0 {
			event.SetMeta("reply_context_window", r.formatLines(chain))
			ctx.Metric("reply_ctx_archive_hit", [2]string{"channel", event.Channel})

			// Backfill the quoted text from the archive when the payload
			// did not carry it.
			if event.ReplyTo.Text == "" && chain[0].Text != "" {
				event.ReplyTo.Text = truncateLine(chain[0].Text, r.lineMax())
			}
		} else if err == nil {
			ctx.Metric("reply_ctx_archive_miss", [2]string{"channel", event.Channel})
		}
	}

	// Ambient window: group chats always.
	if event.IsGroup && r.AmbientLimit != 0 {
		before, err := r.Store.MessagesBefore(event.Channel, event.ChatID, event.ID, r.ambientLimit())
		if err == nil && len(before) > 0 {
			event.SetMeta("ambient_context_window", r.formatLines(before))
		}
	}

	next(ctx)
}

func (r *ReplyContext) replyLimit() int {
	if r.ReplyLimit < 1 {
		return ReplyWindowLimit
	}
	return r.ReplyLimit
}

func (r *ReplyContext) ambientLimit() int {
	if r.AmbientLimit < 1 {
		return AmbientWindowLimit
	}
	return r.AmbientLimit
}

func (r *ReplyContext) lineMax() int {
	if r.LineMax < 32 {
		return ContextLineMax
	}
	return r.LineMax
}

// formatLines renders archive records as "[speaker] text (timestamp)"
// context lines.
func (r *ReplyContext) formatLines(records []archive.Record) []string {
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		compact := strings.Join(strings.Fields(rec.Text), " ")
		if compact == "" {
			continue
		}
		compact = truncateLine(compact, r.lineMax())
		speaker := rec.SenderDisplayName
		if speaker == "" {
			speaker = rec.SenderID
		}
		if speaker == "" {
			speaker = "unknown"
		}
		if rec.Timestamp.IsZero() {
			lines = append(lines, fmt.Sprintf("[%s] %s", speaker, compact))
		} else {
			lines = append(lines, fmt.Sprintf("[%s] %s (%s)",
				speaker, compact, rec.Timestamp.Format("2006-01-02 15:04")))
		}
	}
	return lines
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
