package pipeline

import (
	"github.com/lromao/majordomo/pkg/majordomo/security"
)

// AccessControl halts the pipeline for messages the policy refused to
// accept. The sender gets no output at all; the decision reason is recorded
// via telemetry. When background notes capture is enabled AND the
// blocked-sender gate allows it, the message is still queued for memory
// capture — after an input-security check, so hostile text never reaches
// the extractor.
type AccessControl struct {
	Security *security.Engine

	// CaptureSilent enables background notes capture for messages that
	// produce no reply.
	CaptureSilent bool

	// CaptureBlocked additionally allows capture from policy-blocked
	// senders. Off by default: a blocked sender should normally leave no
	// trace beyond the archive.
	CaptureBlocked bool
}

// Handle implements Middleware.
func (a *AccessControl) Handle(ctx *Context, next Next) {
	if ctx.Decision == nil || ctx.Decision.AcceptMessage {
		next(ctx)
		return
	}

	if a.CaptureSilent {
		if a.CaptureBlocked {
			captureNotes(ctx, a.Security)
		} else {
			ctx.Metric("memory_notes_dropped_policy",
				[2]string{"channel", ctx.Event.Channel})
		}
	}
	ctx.Metric("policy_drop_access",
		[2]string{"channel", ctx.Event.Channel},
		[2]string{"reason", ctx.Decision.Reason})
	ctx.Halt()
}

// NoReplyFilter halts accepted messages that should not get a response.
// The message stays archived and, when enabled, feeds background memory
// capture — again behind an input-security check. The real InputSecurity
// stage sits after this one in the chain and never runs for silenced
// messages, so the check has to happen here.
type NoReplyFilter struct {
	Security *security.Engine

	// CaptureSilent queues passive messages for background capture.
	CaptureSilent bool
}

// Handle implements Middleware.
func (f *NoReplyFilter) Handle(ctx *Context, next Next) {
	if ctx.Decision == nil || ctx.Decision.ShouldRespond {
		next(ctx)
		return
	}

	if f.CaptureSilent {
		captureNotes(ctx, f.Security)
	}
	ctx.Metric("policy_drop_reply",
		[2]string{"channel", ctx.Event.Channel},
		[2]string{"reason", ctx.Decision.Reason})
	ctx.Halt()
}

// captureNotes runs the input-security gate and, on pass, enqueues one
// background MemoryCapture intent. Returns whether the capture was
// enqueued.
func captureNotes(ctx *Context, engine *security.Engine) bool {
	event := ctx.Event
	if engine != nil {
		result := engine.CheckInput(event.Text())
		if result.Action == security.ActionBlock {
			ctx.Metric("security_input_blocked",
				[2]string{"channel", event.Channel},
				[2]string{"reason", result.Reason})
			ctx.Metric("memory_notes_dropped_security",
				[2]string{"channel", event.Channel})
			return false
		}
	}
	ctx.Intents = append(ctx.Intents, MemoryCapture{
		Channel:   event.Channel,
		ChatID:    event.ChatID,
		SenderID:  event.Sender.ID,
		MessageID: event.ID,
		Text:      event.Text(),
		IsGroup:   event.IsGroup,
	})
	ctx.Metric("memory_notes_enqueued", [2]string{"channel", event.Channel})
	return true
}
