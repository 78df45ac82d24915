package pipeline

import (
	"fmt"
	"sync"

	"github.com/lromao/majordomo/pkg/majordomo/archive"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
)

// NewChatNotify sends the channel owners a DM the first time a (channel,
// chat) tuple shows up, with quick approval shortcuts. First-seen is
// checked against the archive's distinct chat set (the Archive stage has
// already recorded the current message, so "first seen" means no OTHER
// rows exist). Never halts.
type NewChatNotify struct {
	Store  *archive.Store
	Policy *policy.Store

	mu       sync.Mutex
	notified map[string]bool
}

// NewNewChatNotify builds the stage.
func NewNewChatNotify(store *archive.Store, policyStore *policy.Store) *NewChatNotify {
	return &NewChatNotify{
		Store:    store,
		Policy:   policyStore,
		notified: make(map[string]bool),
	}
}

// Handle implements Middleware.
func (n *NewChatNotify) Handle(ctx *Context, next Next) {
	defer next(ctx)
	if n.Store == nil || n.Policy == nil {
		return
	}
	event := ctx.Event

	key := event.Channel + ":" + event.ChatID
	n.mu.Lock()
	seen := n.notified[key]
	if !seen {
		n.notified[key] = true
	}
	n.mu.Unlock()
	if seen {
		return
	}

	known, err := n.Store.HasChat(event.Channel, event.ChatID, event.ID)
	if err != nil || known {
		return
	}

	owners := n.Policy.Current().Spec().Owners[event.Channel]
	if len(owners) == 0 {
		return
	}

	chatType := "chat"
	if event.IsGroup {
		chatType = "group"
	}
	text := fmt.Sprintf(
		"🔔 New %s %s on %s\n🆔 %s\n\nQuick commands:\n"+
			"  /approve %s  → allow + reply all\n"+
			"  /approve-mention %s  → allow + mention only\n"+
			"  /deny %s  → block",
		event.Channel, chatType, event.Channel, event.ChatID,
		event.ChatID, event.ChatID, event.ChatID)

	for _, owner := range owners {
		ctx.Intents = append(ctx.Intents, OutboundText{
			Channel: event.Channel,
			ChatID:  owner,
			Text:    text,
		})
	}
	ctx.Metric("new_chat_notified", [2]string{"channel", event.Channel})
}
