// Package bus provides the in-process bounded queues that decouple channel
// adapters from the orchestrator: channels publish inbound messages, the
// orchestrator consumes them and publishes outbound intents back.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/pipeline"
)

// DefaultQueueSize is the per-queue capacity.
const DefaultQueueSize = 1000

// Outbound is one intent addressed to a channel adapter.
type Outbound struct {
	Intent pipeline.Intent
}

// Bus holds the inbound and outbound queues. On overflow the oldest
// unprocessed entry is dropped with a counter, so a stalled consumer
// degrades to losing history instead of blocking producers.
type Bus struct {
	logger *slog.Logger

	inbound  chan *channels.Message
	outbound chan Outbound

	mu sync.Mutex // serializes the drop-oldest path

	inboundDropped  atomic.Int64
	outboundDropped atomic.Int64
}

// New creates a bus; size <= 0 uses DefaultQueueSize.
func New(size int, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger:   logger.With("component", "bus"),
		inbound:  make(chan *channels.Message, size),
		outbound: make(chan Outbound, size),
	}
}

// PublishInbound enqueues one inbound message, dropping the oldest on
// overflow.
func (b *Bus) PublishInbound(msg *channels.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case b.inbound <- msg:
			return
		default:
			select {
			case <-b.inbound:
				n := b.inboundDropped.Add(1)
				if n == 1 || n%100 == 0 {
					b.logger.Warn("inbound queue overflow", "dropped", n)
				}
			default:
			}
		}
	}
}

// Inbound returns the consume side of the inbound queue.
func (b *Bus) Inbound() <-chan *channels.Message { return b.inbound }

// PublishOutbound enqueues one outbound intent, dropping the oldest on
// overflow.
func (b *Bus) PublishOutbound(out Outbound) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case b.outbound <- out:
			return
		default:
			select {
			case <-b.outbound:
				n := b.outboundDropped.Add(1)
				if n == 1 || n%100 == 0 {
					b.logger.Warn("outbound queue overflow", "dropped", n)
				}
			default:
			}
		}
	}
}

// Outbound returns the consume side of the outbound queue.
func (b *Bus) Outbound() <-chan Outbound { return b.outbound }

// InboundDropped returns the inbound overflow count.
func (b *Bus) InboundDropped() int64 { return b.inboundDropped.Load() }

// OutboundDropped returns the outbound overflow count.
func (b *Bus) OutboundDropped() int64 { return b.outboundDropped.Load() }
