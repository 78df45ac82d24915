package pipeline

import (
	"github.com/lromao/majordomo/pkg/majordomo/security"
)

// InputSecurity checks the raw text against the input rule stage before the
// responder runs. A block rule halts with a standardized rejection (a
// reaction emoji when the message id allows it, a short text otherwise);
// redactions land in event metadata as sanitized_text.
type InputSecurity struct {
	Engine *security.Engine

	// BlockMessage is the standardized rejection content.
	BlockMessage string
}

// Handle implements Middleware.
func (s *InputSecurity) Handle(ctx *Context, next Next) {
	if s.Engine == nil {
		next(ctx)
		return
	}
	event := ctx.Event
	result := s.Engine.CheckInput(event.Text())

	for range result.Flags {
		ctx.Metric("security_input_flagged", [2]string{"channel", event.Channel})
	}

	switch result.Action {
	case security.ActionBlock:
		ctx.Metric("security_input_blocked",
			[2]string{"channel", event.Channel},
			[2]string{"reason", result.Reason})
		block := s.BlockMessage
		if block == "" {
			block = "🚫"
		}
		if event.ID != "" {
			ctx.Intents = append(ctx.Intents, ReactionIntent{
				Channel:     event.Channel,
				ChatID:      event.ChatID,
				MessageID:   event.ID,
				Emoji:       block,
				Participant: event.Participant,
			})
		} else {
			ctx.Intents = append(ctx.Intents, OutboundText{
				Channel: event.Channel,
				ChatID:  event.ChatID,
				Text:    block,
			})
		}
		ctx.Halt()
		return

	case security.ActionRedact:
		event.SetMeta("sanitized_text", result.SanitizedText)
		ctx.Metric("security_input_sanitized", [2]string{"channel", event.Channel})
	}

	next(ctx)
}
