package anomaly

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ashita-ai/nagare/internal/storage"
)

// NotificationSource is the LISTEN side of the publish channel.
// Satisfied by *storage.DB.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Broker fans anomaly envelopes out to in-process subscribers. It runs a
// loop that waits on the Postgres notification channel and decodes each
// payload, so subscribers see results from every process writing to the
// same database, not just this one.
type Broker struct {
	source NotificationSource
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan Envelope]struct{}
}

// NewBroker creates a broker. Call Start in a goroutine to begin listening.
func NewBroker(source NotificationSource, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan Envelope]struct{}),
	}
}

// Start begins listening on the anomalies channel. It blocks, so call it in
// a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.source.Listen(ctx, storage.ChannelAnomalies); err != nil {
		b.logger.Error("broker: listen anomalies", "error", err)
		return
	}
	b.logger.Info("broker: listening for anomaly envelopes", "channel", storage.ChannelAnomalies)

	for {
		_, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			b.logger.Warn("broker: bad envelope payload", "error", err)
			continue
		}
		b.broadcast(env)
	}
}

// Subscribe returns a channel that receives anomaly envelopes.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan Envelope {
	ch := make(chan Envelope, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan Envelope) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an envelope to all subscribers. Slow subscribers with a
// full buffer are skipped so one slow consumer cannot stall the rest.
func (b *Broker) broadcast(env Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			// Subscriber buffer full — drop this envelope for them.
		}
	}
}
