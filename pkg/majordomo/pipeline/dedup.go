package pipeline

import (
	"time"

	"github.com/lromao/majordomo/pkg/majordomo/cache"
)

// Dedup defaults.
const (
	DedupTTL     = 10 * time.Minute
	DedupMaxSize = 5000
)

// Dedup halts duplicate deliveries of the same (channel, chat, message)
// within the TTL window. The first occurrence records and passes through;
// duplicates halt silently.
type Dedup struct {
	seen *cache.Cache
}

// NewDedup creates the dedup stage with its bounded cache.
func NewDedup(ttl time.Duration, maxSize int) *Dedup {
	if ttl <= 0 {
		ttl = DedupTTL
	}
	if maxSize <= 0 {
		maxSize = DedupMaxSize
	}
	return &Dedup{seen: cache.New(ttl, maxSize)}
}

// Handle implements Middleware.
func (d *Dedup) Handle(ctx *Context, next Next) {
	event := ctx.Event
	if event.ID == "" {
		next(ctx)
		return
	}
	key := event.Channel + ":" + event.ChatID + ":" + event.ID
	if d.seen.CheckAndPut(key) {
		ctx.Metric("event_drop_duplicate", [2]string{"channel", event.Channel})
		ctx.Halt()
		return
	}
	next(ctx)
}
