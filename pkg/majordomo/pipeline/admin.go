package pipeline

import (
	"fmt"
	"strings"

	"github.com/lromao/majordomo/pkg/majordomo/policy"
)

// AdminCommand intercepts owner commands (/policy, /reset, /panic, plus the
// /approve shortcuts) before policy evaluation. Authorized commands respond
// and halt. Unauthorized commands in this namespace halt silently so the
// surface leaks nothing to non-owners. Other slash commands and plain text
// pass through.
type AdminCommand struct {
	Policy *policy.Store
	Admin  *policy.Admin

	// ResetSession clears the short-term session for one chat.
	ResetSession func(channel, chatID string) error

	// Panic asks the runtime to shut down.
	Panic func(reason string)
}

// Handle implements Middleware.
func (a *AdminCommand) Handle(ctx *Context, next Next) {
	event := ctx.Event
	text := strings.TrimSpace(event.Text())
	if !strings.HasPrefix(text, "/") {
		next(ctx)
		return
	}

	command := firstToken(text)
	switch command {
	case "/policy", "/reset", "/panic", "/approve", "/approve-mention", "/deny":
	default:
		// Not part of the admin namespace; later stages may care.
		next(ctx)
		return
	}

	snap := a.Policy.Current()
	if !snap.IsOwner(event.Channel, event.Sender.ID, senderExtras(event)...) {
		ctx.Metric("admin_command_denied",
			[2]string{"channel", event.Channel}, [2]string{"command", command})
		ctx.Halt()
		return
	}

	// /policy management runs over DM only; the others are safe anywhere.
	if command == "/policy" && event.IsGroup {
		a.reply(ctx, "Policy commands are DM-only.")
		ctx.Halt()
		return
	}

	switch command {
	case "/reset":
		if a.ResetSession != nil {
			if err := a.ResetSession(event.Channel, event.ChatID); err != nil {
				a.reply(ctx, fmt.Sprintf("Reset failed: %v", err))
				ctx.Halt()
				return
			}
		}
		a.reply(ctx, "Session cleared.")
		ctx.Halt()
		return

	case "/panic":
		// Reply first, then ask the runtime to shut down.
		a.reply(ctx, "Draining and shutting down.")
		if a.Panic != nil {
			a.Panic("owner /panic")
		}
		ctx.Halt()
		return

	case "/approve", "/approve-mention", "/deny":
		raw := expandShortcut(command, text)
		a.runPolicy(ctx, raw)
		return

	case "/policy":
		a.runPolicy(ctx, text)
		return
	}
}

// expandShortcut rewrites the new-chat approval shortcuts into their full
// /policy forms.
func expandShortcut(command, text string) string {
	rest := strings.TrimSpace(strings.TrimPrefix(text, command))
	switch command {
	case "/approve":
		return "/policy allow-group " + rest
	case "/approve-mention":
		return "/policy set-when " + rest + " mention_only"
	case "/deny":
		return "/policy block-group " + rest
	}
	return text
}

func (a *AdminCommand) runPolicy(ctx *Context, raw string) {
	event := ctx.Event
	actor := policy.Actor{
		Source:   "dm",
		Channel:  event.Channel,
		SenderID: event.Sender.ID,
		ChatID:   event.ChatID,
		IsGroup:  event.IsGroup,
	}
	response, err := a.Admin.Execute(actor, raw)
	if err != nil {
		response = "Error: " + err.Error()
	}
	ctx.Metric("admin_command_handled", [2]string{"channel", event.Channel})
	if response != "" {
		a.reply(ctx, response)
	}
	ctx.Halt()
}

func (a *AdminCommand) reply(ctx *Context, text string) {
	ctx.Intents = append(ctx.Intents, OutboundText{
		Channel: ctx.Event.Channel,
		ChatID:  ctx.Event.ChatID,
		Text:    text,
	})
}

func firstToken(text string) string {
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		return text[:i]
	}
	return text
}
