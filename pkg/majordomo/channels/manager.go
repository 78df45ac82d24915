package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the registered channel adapters: it starts them, fans their
// inbound messages into one sink, and routes outbound traffic back by
// channel name.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]Channel

	wg sync.WaitGroup
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		channels: make(map[string]Channel),
	}
}

// Register adds a channel adapter. Must happen before Start.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

// Get returns a registered channel by name.
func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Start connects every adapter and pumps its messages into sink until ctx
// is cancelled. Adapters that fail to connect are logged and skipped; the
// rest keep running.
func (m *Manager) Start(ctx context.Context, sink func(*Message)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	started := 0
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		started++
		m.wg.Add(1)
		go func(ch Channel) {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch.Receive():
					if !ok {
						return
					}
					if msg != nil {
						sink(msg)
					}
				}
			}
		}(ch)
	}
	if started == 0 && len(m.channels) > 0 {
		return fmt.Errorf("no channel could be started")
	}
	return nil
}

// Stop disconnects every adapter and waits for the pumps to finish.
func (m *Manager) Stop() {
	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()
	m.wg.Wait()
}

// Send routes one outbound message to its channel.
func (m *Manager) Send(ctx context.Context, channel, to string, msg *OutgoingMessage) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	return ch.Send(ctx, to, msg)
}

// SendReaction routes one reaction when the channel supports it.
func (m *Manager) SendReaction(ctx context.Context, channel string, r Reaction) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	rc, ok := ch.(ReactionChannel)
	if !ok {
		return ErrMediaNotSupported
	}
	return rc.SendReaction(ctx, r)
}

// SendTyping routes a typing toggle when the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channel, chatID string, on bool) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("unknown channel %q", channel)
	}
	pc, ok := ch.(PresenceChannel)
	if !ok {
		return nil
	}
	return pc.SendTyping(ctx, chatID, on)
}

// Health reports every channel's health keyed by name.
func (m *Manager) Health() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}
