package pipeline

import (
	"log/slog"

	"github.com/lromao/majordomo/pkg/majordomo/archive"
)

// Archive persists inbound events for reply-context lookups. Failure to
// write is logged but never halts: the archive is best-effort for
// read-side features.
type Archive struct {
	Store  *archive.Store
	Logger *slog.Logger
}

// Handle implements Middleware.
func (a *Archive) Handle(ctx *Context, next Next) {
	if a.Store != nil {
		event := ctx.Event
		rec := archive.Record{
			Channel:           event.Channel,
			ChatID:            event.ChatID,
			MessageID:         event.ID,
			SenderID:          event.Sender.ID,
			SenderDisplayName: event.Sender.DisplayName,
			Text:              event.Text(),
			Timestamp:         event.Timestamp,
		}
		if event.ReplyTo != nil {
			rec.ReplyToMessageID = event.ReplyTo.MessageID
		}
		if _, err := a.Store.Insert(rec); err != nil {
			a.logWarn("archiving inbound message failed", err)
			ctx.Metric("archive_write_failed", [2]string{"channel", event.Channel})
		}

		// Seed the quoted message under its own id so reply walks work
		// even when the original was never delivered to this runtime.
		if event.ReplyTo != nil && event.ReplyTo.MessageID != "" && event.ReplyTo.Text != "" {
			seed := archive.Record{
				Channel:   event.Channel,
				ChatID:    event.ChatID,
				MessageID: event.ReplyTo.MessageID,
				SenderID:  event.ReplyTo.Sender,
				Text:      event.ReplyTo.Text,
				Timestamp: event.Timestamp,
			}
			if _, err := a.Store.Insert(seed); err != nil {
				a.logWarn("seeding quoted message failed", err)
			}
		}
	}
	next(ctx)
}

func (a *Archive) logWarn(msg string, err error) {
	if a.Logger != nil {
		a.Logger.Warn(msg, "error", err)
	}
}
