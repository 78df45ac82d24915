package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lromao/majordomo/pkg/majordomo/channels"
	"github.com/lromao/majordomo/pkg/majordomo/policy"
)

// Context is the mutable state flowing through the middleware chain.
// One Context lives for exactly one pipeline execution.
type Context struct {
	// Ctx carries the cancellation signal for this execution.
	Ctx context.Context

	// Event is the message being processed. Normalize may replace it;
	// later stages may only add enrichment keys to Event.Metadata.
	Event *channels.Message

	// Decision is set by the Policy stage and consumed downstream.
	Decision *policy.Decision

	// Reply is the responder-generated text, set by the Responder stage
	// and possibly rewritten by output security.
	Reply string

	// Intents accumulates the pipeline output.
	Intents []Intent

	// Halted short-circuits the remainder of the chain.
	Halted bool
}

// Halt signals the pipeline to stop after the current middleware.
func (c *Context) Halt() { c.Halted = true }

// Metric appends a counter metric intent (shorthand used by most stages).
func (c *Context) Metric(name string, labels ...[2]string) {
	c.Intents = append(c.Intents, MetricEvent{Name: name, Labels: labels, Value: 1})
}

// Next is the continuation passed to each middleware.
type Next func(*Context)

// Middleware is one unit of pipeline logic. Implementations either call
// next(ctx) to pass through (optionally post-processing after it returns),
// or append intents and call ctx.Halt() to short-circuit.
type Middleware interface {
	Handle(ctx *Context, next Next)
}

// Pipeline is an ordered chain of middleware. The runner is intentionally
// tiny; all logic lives in the individual middleware.
type Pipeline struct {
	layers []Middleware
	logger *slog.Logger
}

// New creates a pipeline from an explicit middleware list.
func New(layers []Middleware, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		layers: append([]Middleware(nil), layers...),
		logger: logger.With("component", "pipeline"),
	}
}

// Run processes one message through the full chain and returns the
// accumulated intents. A panic in any middleware halts this execution only:
// the panic is recovered, reported as a metric intent, and no further
// intents are emitted for the message.
func (p *Pipeline) Run(ctx context.Context, event *channels.Message) (intents []Intent) {
	pctx := &Context{Ctx: ctx, Event: event}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline panic",
				"channel", event.Channel, "chat", event.ChatID, "panic", fmt.Sprint(r))
			intents = []Intent{MetricEvent{
				Name:   "pipeline_panic",
				Labels: [][2]string{{"channel", event.Channel}},
				Value:  1,
			}}
		}
	}()

	p.execute(pctx, 0)
	return pctx.Intents
}

func (p *Pipeline) execute(ctx *Context, index int) {
	if ctx.Halted || index >= len(p.layers) {
		return
	}
	if err := ctx.Ctx.Err(); err != nil {
		ctx.Halt()
		return
	}
	p.layers[index].Handle(ctx, func(c *Context) {
		p.execute(c, index+1)
	})
}

// Len returns the number of middleware layers.
func (p *Pipeline) Len() int { return len(p.layers) }
