package pipeline

import (
	"strings"
)

// Normalize trims whitespace, standardizes identifiers, and drops messages
// whose canonical content is empty after stripping.
type Normalize struct{}

// Handle implements Middleware.
func (Normalize) Handle(ctx *Context, next Next) {
	event := ctx.Event

	event.ID = strings.TrimSpace(event.ID)
	event.ChatID = strings.TrimSpace(event.ChatID)
	event.Sender.ID = strings.TrimSpace(event.Sender.ID)

	for i := range event.Content {
		event.Content[i].Text = strings.TrimSpace(event.Content[i].Text)
	}

	canonical := strings.TrimSpace(event.Text())
	if canonical == "" {
		ctx.Metric("event_drop_empty", [2]string{"channel", event.Channel})
		ctx.Halt()
		return
	}
	event.SetMeta("canonical_text", canonical)

	next(ctx)
}
