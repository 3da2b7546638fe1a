// ABOUTME: In-memory fan-out of verification progress per identity
// ABOUTME: Non-terminal sensor failures surface here instead of resolving waiters

package verify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Stage names a progress notification.
type Stage string

const (
	StageStarted       Stage = "started"
	StageJoined        Stage = "joined"
	StageAttemptFailed Stage = "attempt_failed"
	StageResolved      Stage = "resolved"
)

// Progress is one notification about an identity's verification.
type Progress struct {
	Identity string    `json:"identity"`
	TicketID string    `json:"ticket_id"`
	Stage    Stage     `json:"stage"`
	Message  string    `json:"message,omitempty"`
	Result   string    `json:"result,omitempty"`
	At       time.Time `json:"at"`
}

// Broadcaster provides in-memory pub/sub of Progress keyed by identity.
// Slow subscribers lose events rather than blocking the coordinator.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Progress // identity -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Progress),
		logger:      logger.With("component", "progress"),
	}
}

// Subscribe registers for progress on identity. The subscription is removed
// and the channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, identity string) (<-chan Progress, string) {
	subID := uuid.New().String()
	ch := make(chan Progress, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[identity]; !ok {
		b.subscribers[identity] = make(map[string]chan Progress)
	}
	b.subscribers[identity][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "identity", identity, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(identity, subID)
	}()

	return ch, subID
}

// Publish sends p to every subscriber of p.Identity without blocking.
func (b *Broadcaster) Publish(p Progress) {
	b.mu.RLock()
	subs, ok := b.subscribers[p.Identity]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan Progress, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- p:
		default:
			b.logger.Debug("dropped progress for slow subscriber",
				"identity", p.Identity,
				"stage", string(p.Stage))
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(identity, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[identity]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, identity)
	}

	b.logger.Debug("subscriber removed", "identity", identity, "sub_id", subID)
}

// Subscribers returns the number of subscribers for identity.
func (b *Broadcaster) Subscribers(identity string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[identity])
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for identity, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, identity)
	}
	b.logger.Debug("broadcaster closed")
}
