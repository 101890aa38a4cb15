package receipt

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/convo"
	"go.uber.org/zap"
)

// Acker acknowledges read state on the pull channel. The endpoint is
// idempotent server-side.
type Acker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// ReadSignal is the payload for "receipt.remote" events, consumed by an open
// thread view to flip read indicators on the local user's own messages.
type ReadSignal struct {
	ConversationID string
	ReaderID       string
}

// Coordinator reconciles local mark-as-read actions with the unread counter
// and with concurrent live events for the same conversation.
type Coordinator struct {
	store  *convo.Store
	acker  Acker
	bus    *bus.Bus
	selfID string
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewCoordinator creates a coordinator over the given store and acker.
func NewCoordinator(store *convo.Store, acker Acker, b *bus.Bus, selfID string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		acker:    acker,
		bus:      b,
		selfID:   selfID,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// MarkAsRead zeroes the unread count immediately, then acknowledges
// server-side. A failed ack keeps the local zero: unread is UI-only state,
// so the worst case is a harmless undercount rather than flicker.
//
// Calling again with no intervening new message is a no-op, and a second
// call while an ack is in flight issues no duplicate request. A new message
// arriving during the in-flight ack still increments the counter — it is
// unread by definition, regardless of the ack covering earlier messages.
func (c *Coordinator) MarkAsRead(ctx context.Context, conversationID string) {
	c.mu.Lock()
	if _, busy := c.inflight[conversationID]; busy {
		c.mu.Unlock()
		return
	}

	if !c.store.ResetUnread(conversationID) {
		// Already read (or unknown id): nothing to acknowledge.
		c.mu.Unlock()
		return
	}
	c.inflight[conversationID] = struct{}{}
	c.mu.Unlock()

	c.bus.Publish(bus.Event{Kind: "list.updated", Timestamp: time.Now()})

	err := c.acker.MarkRead(ctx, conversationID)

	c.mu.Lock()
	delete(c.inflight, conversationID)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("mark-read ack failed, keeping local zero",
			zap.Error(err), zap.String("conversation_id", conversationID))
		if api.IsAuth(err) {
			c.bus.Publish(bus.Event{Kind: "session.expired", Timestamp: time.Now()})
		}
	}
}

// OnRemoteReadSignal handles a conversation-level read receipt from the live
// channel. A foreign reader means our own messages were seen; our own id
// means another device of ours read the conversation, so the local unread
// counter folds to zero as well.
func (c *Coordinator) OnRemoteReadSignal(conversationID, readerID string) {
	if readerID == c.selfID {
		if c.store.ResetUnread(conversationID) {
			c.bus.Publish(bus.Event{Kind: "list.updated", Timestamp: time.Now()})
		}
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      "receipt.remote",
		Timestamp: time.Now(),
		Payload:   ReadSignal{ConversationID: conversationID, ReaderID: readerID},
	})
}
