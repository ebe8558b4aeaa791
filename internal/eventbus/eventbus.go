// Package eventbus is the engine's topic-based pub/sub (C10). Subscribers
// get a bounded channel; a slow subscriber has its oldest unread event
// dropped rather than blocking the publisher — grounded in the teacher's
// feed broadcast (feeds/polymarket_ws.go), generalized from a single
// fan-out list to per-topic subscriber lists.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topic names published across the engine.
const (
	TopicSignalAccepted  = "signal.accepted"
	TopicSignalRejected  = "signal.rejected"
	TopicOrderPlaced     = "order.placed"
	TopicOrderFilled     = "order.filled"
	TopicOrderCanceled   = "order.canceled"
	TopicOrderRejected   = "order.rejected"
	TopicPositionOpened  = "position.opened"
	TopicPositionChanged = "position.changed"
	TopicPositionClosed  = "position.closed"
	TopicExitStarted     = "exit.started"
	TopicExitConfirmed   = "exit.confirmed"
	TopicExitKilled      = "exit.killed"
	TopicReconcileAction = "reconcile.action"
	TopicTokenRefreshed  = "token.refreshed"
	TopicTokenNeedsAuth  = "token.needs_reauth"
)

// Event is the envelope published on every topic.
type Event struct {
	Topic   string
	Payload any
}

const subscriberBufferSize = 256

// Bus is a topic-based pub/sub with bounded per-subscriber channels. Zero
// value is not usable; use New.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

func New() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a channel that receives every Event published on topic.
// Callers must keep reading; see Publish for the drop-oldest policy applied
// when they fall behind.
func (b *Bus) Subscribe(topic string) <-chan Event {
	ch := make(chan Event, subscriberBufferSize)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans out to every subscriber of topic. A subscriber whose buffer
// is full has its oldest queued event dropped to make room — publishers
// never block on a slow reader.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	evt := Event{Topic: topic, Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
				log.Warn().Str("topic", topic).Msg("eventbus: subscriber dropped event under sustained backpressure")
			}
		}
	}
}
