package subs

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Subscriber performs the actual subscribe side effect on the live channel.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) error
}

// Registry tracks which conversation channels this session has already
// subscribed to, so the subscribe side effect happens at most once per id
// per registry lifetime. Some backends double-deliver events on repeated
// subscribes; this is the single source of truth preventing that.
type Registry struct {
	mu         sync.Mutex
	subscriber Subscriber
	logger     *zap.Logger
	done       map[string]struct{}
}

// NewRegistry creates an empty registry on top of the given subscriber.
func NewRegistry(subscriber Subscriber, logger *zap.Logger) *Registry {
	return &Registry{
		subscriber: subscriber,
		logger:     logger,
		done:       make(map[string]struct{}),
	}
}

// EnsureSubscribed subscribes to the conversation's live channel unless this
// registry already did. Only a successful subscribe is recorded, so a failed
// attempt will be retried on the next call.
func (r *Registry) EnsureSubscribed(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.done[conversationID]; ok {
		return nil
	}
	if err := r.subscriber.Subscribe(ctx, conversationID); err != nil {
		return err
	}
	r.done[conversationID] = struct{}{}
	r.logger.Debug("subscribed to conversation channel", zap.String("conversation_id", conversationID))
	return nil
}

// Clear empties the registry. Called on screen teardown; subsequent
// EnsureSubscribed calls re-subscribe.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = make(map[string]struct{})
}

// Len returns the number of recorded subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.done)
}
