// Package orchestrator consumes inbound messages from the bus, runs each
// through the pipeline on a per-chat serial queue, and dispatches the
// resulting intents: outbound sends, reactions, typing, session
// persistence, background memory capture, and telemetry counters.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lromao/majordomo/pkg/majordomo/bus"
	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/memory"
	"github.com/lromao/majordomo/pkg/majordomo/pipeline"
	"github.com/lromao/majordomo/pkg/majordomo/session"
)

// perChatQueueSize bounds one chat's pending messages.
const perChatQueueSize = 64

// Orchestrator ties the bus, pipeline, and side stores together.
type Orchestrator struct {
	pipe     *pipeline.Pipeline
	bus      *bus.Bus
	sessions *session.Store
	memory   *memory.Service
	policyIs func(channel, senderID string) bool // owner check for capture
	logger   *slog.Logger

	mu     sync.Mutex
	queues map[string]chan *channels.Message
	wg     sync.WaitGroup
}

// New wires the orchestrator. sessions and mem may be nil.
func New(pipe *pipeline.Pipeline, b *bus.Bus, sessions *session.Store, mem *memory.Service,
	isOwner func(channel, senderID string) bool, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		pipe:     pipe,
		bus:      b,
		sessions: sessions,
		memory:   mem,
		policyIs: isOwner,
		logger:   logger.With("component", "orchestrator"),
		queues:   make(map[string]chan *channels.Message),
	}
}

// Run consumes the inbound bus until ctx is cancelled, then closes the
// per-chat queues and waits for the workers to exit before returning.
// Workers pass the same ctx to the pipeline, so after cancellation a running
// pipeline halts at its next stage and messages still queued are not
// processed; in-flight work is not drained.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			for _, q := range o.queues {
				close(q)
			}
			o.queues = make(map[string]chan *channels.Message)
			o.mu.Unlock()
			o.wg.Wait()
			return
		case msg := <-o.bus.Inbound():
			if msg == nil {
				continue
			}
			o.dispatch(ctx, msg)
		}
	}
}

// dispatch routes one message to its chat's serial queue, creating the
// worker on first use. Messages within one chat process in arrival order;
// chats run in parallel.
func (o *Orchestrator) dispatch(ctx context.Context, msg *channels.Message) {
	key := msg.Channel + ":" + msg.ChatID

	o.mu.Lock()
	q, ok := o.queues[key]
	if !ok {
		q = make(chan *channels.Message, perChatQueueSize)
		o.queues[key] = q
		o.wg.Add(1)
		go o.chatWorker(ctx, q)
	}
	o.mu.Unlock()

	select {
	case q <- msg:
	default:
		o.logger.Warn("per-chat queue full, dropping message",
			"channel", msg.Channel, "chat", msg.ChatID)
	}
}

func (o *Orchestrator) chatWorker(ctx context.Context, q <-chan *channels.Message) {
	defer o.wg.Done()
	for msg := range q {
		o.dispatchIntents(o.pipe.Run(ctx, msg))
	}
}

// dispatchIntents fans pipeline output to its consumers.
func (o *Orchestrator) dispatchIntents(intents []pipeline.Intent) {
	for _, intent := range intents {
		switch it := intent.(type) {
		case pipeline.OutboundText, pipeline.OutboundMedia, pipeline.ReactionIntent, pipeline.TypingIntent:
			o.bus.PublishOutbound(bus.Outbound{Intent: intent})

		case pipeline.SessionAppend:
			if o.sessions != nil {
				if err := o.sessions.Append(it.Channel, it.ChatID, it.UserText, it.AssistantText); err != nil {
					o.logger.Warn("session append failed", "error", err)
				}
			}

		case pipeline.MemoryCapture:
			if o.memory != nil {
				isOwner := false
				if o.policyIs != nil {
					isOwner = o.policyIs(it.Channel, it.SenderID)
				}
				o.memory.Enqueue(memory.CaptureRequest{
					Channel:     it.Channel,
					ChatID:      it.ChatID,
					SenderID:    it.SenderID,
					MessageID:   it.MessageID,
					Text:        it.Text,
					IsAssistant: it.Kind == "assistant",
					IsOwner:     isOwner,
					Kind:        it.Kind,
				})
			}

		case pipeline.MetricEvent:
			args := []any{"name", it.Name, "value", it.Value}
			for _, label := range it.Labels {
				args = append(args, label[0], label[1])
			}
			o.logger.Debug("metric", args...)
		}
	}
}
