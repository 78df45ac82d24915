package pipeline

import (
	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
)

// Policy evaluates the event against the policy engine and stores the
// decision in the context. Never halts.
type Policy struct {
	Store *policy.Store
}

// Handle implements Middleware.
func (p *Policy) Handle(ctx *Context, next Next) {
	event := ctx.Event
	decision := p.Store.Evaluate(policy.Query{
		Channel:         event.Channel,
		ChatID:          event.ChatID,
		SenderID:        event.Sender.ID,
		SenderExtra:     senderExtras(event),
		IsGroup:         event.IsGroup,
		MentionedBot:    event.MentionedBot,
		ReplyToBot:      event.ReplyToBot,
		VoiceTranscript: voiceTranscript(event),
	})
	ctx.Decision = &decision
	next(ctx)
}

// senderExtras collects the alternate identity forms a channel adapter
// attached to the message.
func senderExtras(event *channels.Message) []string {
	var extra []string
	if event.Sender.Handle != "" {
		extra = append(extra, event.Sender.Handle)
	}
	for _, key := range []string{"user_id", "username", "sender_phone"} {
		if v := event.MetaString(key); v != "" {
			extra = append(extra, v)
		}
	}
	return extra
}

// voiceTranscript returns the ASR transcript of an inbound voice note, if
// enrichment produced one.
func voiceTranscript(event *channels.Message) string {
	for _, block := range event.Content {
		if block.Kind == channels.BlockAudio && block.Transcript != "" {
			return block.Transcript
		}
	}
	return event.MetaString("voice_transcript")
}
