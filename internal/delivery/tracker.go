package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/convo"
	"go.uber.org/zap"
)

// Sender performs the send request on the pull channel.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, correlationID, content string) (*convo.Envelope, error)
}

// Tracker owns the lifecycle of outgoing messages: optimistic Pending
// insertion, in-place replacement with the Confirmed envelope matched by
// correlation id, and Failed state on send errors. Exactly one envelope
// exists per logical message for the tracker's lifetime.
//
// Bus kinds: "message.pending", "message.confirmed", "message.send_failed",
// each carrying a convo.Envelope copy.
type Tracker struct {
	sender Sender
	store  *convo.Store
	bus    *bus.Bus
	selfID string
	logger *zap.Logger

	mu        sync.Mutex
	envelopes map[string]*convo.Envelope // by correlation id
}

// NewTracker creates a tracker sending on behalf of selfID.
func NewTracker(sender Sender, store *convo.Store, b *bus.Bus, selfID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		sender:    sender,
		store:     store,
		bus:       b,
		selfID:    selfID,
		logger:    logger,
		envelopes: make(map[string]*convo.Envelope),
	}
}

// Send assigns a correlation id, inserts a Pending envelope optimistically,
// then issues the send request. The returned envelope reflects the final
// state: Confirmed with the server id, or Failed alongside the error.
func (t *Tracker) Send(ctx context.Context, conversationID, content string) (convo.Envelope, error) {
	corr := uuid.New().String()
	now := time.Now().UnixMilli()

	env := &convo.Envelope{
		ID:             corr,
		CorrelationID:  corr,
		ConversationID: conversationID,
		SenderID:       t.selfID,
		Content:        content,
		Timestamp:      now,
		State:          convo.StatePending,
	}

	t.mu.Lock()
	t.envelopes[corr] = env
	t.mu.Unlock()

	t.publish("message.pending", *env)
	if t.store.ApplyNewMessage(conversationID, convo.LastMessage{Content: content, SenderID: t.selfID, Timestamp: now}, true) {
		t.publish("list.updated", nil)
	}

	return t.transmit(ctx, corr)
}

// Retry re-enters a Failed envelope with the same content and correlation
// id. Retrying anything but a Failed envelope is an error.
func (t *Tracker) Retry(ctx context.Context, correlationID string) (convo.Envelope, error) {
	t.mu.Lock()
	env, ok := t.envelopes[correlationID]
	if !ok || env.State != convo.StateFailed {
		t.mu.Unlock()
		return convo.Envelope{}, fmt.Errorf("no failed envelope for correlation id %q", correlationID)
	}
	env.State = convo.StatePending
	env.Timestamp = time.Now().UnixMilli()
	snapshot := *env
	t.mu.Unlock()

	t.publish("message.pending", snapshot)
	if t.store.ApplyNewMessage(snapshot.ConversationID, convo.LastMessage{Content: snapshot.Content, SenderID: t.selfID, Timestamp: snapshot.Timestamp}, true) {
		t.publish("list.updated", nil)
	}

	return t.transmit(ctx, correlationID)
}

// ResolveIncoming matches a live-channel echo against a tracked envelope by
// correlation id. A true result means the frame confirms an existing
// envelope and must not be treated as a new message.
func (t *Tracker) ResolveIncoming(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	t.mu.Lock()
	env, ok := t.envelopes[correlationID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	var snapshot convo.Envelope
	confirmed := false
	if env.State == convo.StatePending {
		// The live echo beat the send response; confirm in place.
		env.State = convo.StateConfirmed
		snapshot = *env
		confirmed = true
	}
	t.mu.Unlock()

	if confirmed {
		t.publish("message.confirmed", snapshot)
	}
	return true
}

// Get returns a copy of the tracked envelope for a correlation id.
func (t *Tracker) Get(correlationID string) (convo.Envelope, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	env, ok := t.envelopes[correlationID]
	if !ok {
		return convo.Envelope{}, false
	}
	return *env, true
}

func (t *Tracker) transmit(ctx context.Context, correlationID string) (convo.Envelope, error) {
	t.mu.Lock()
	env, ok := t.envelopes[correlationID]
	if !ok {
		t.mu.Unlock()
		return convo.Envelope{}, fmt.Errorf("unknown correlation id %q", correlationID)
	}
	conversationID, content := env.ConversationID, env.Content
	t.mu.Unlock()

	confirmed, err := t.sender.SendMessage(ctx, conversationID, correlationID, content)

	t.mu.Lock()
	if err != nil {
		// The live echo may have confirmed this envelope while the send
		// request was in flight; only the response was lost then, and a
		// confirmed envelope never goes back to Failed.
		if env.State == convo.StateConfirmed {
			snapshot := *env
			t.mu.Unlock()
			t.logger.Debug("send response lost after live echo confirmed",
				zap.Error(err), zap.String("correlation_id", correlationID))
			return snapshot, nil
		}
		// Not auto-retried; the envelope stays visible as Failed until the
		// user retries.
		env.State = convo.StateFailed
		snapshot := *env
		t.mu.Unlock()
		t.logger.Error("send failed", zap.Error(err), zap.String("correlation_id", correlationID))
		t.publish("message.send_failed", snapshot)
		return snapshot, err
	}
	if confirmed.ID != "" {
		env.ID = confirmed.ID
	}
	if confirmed.Timestamp > 0 {
		env.Timestamp = confirmed.Timestamp
	}
	env.State = convo.StateConfirmed
	env.IsRead = confirmed.IsRead
	snapshot := *env
	t.mu.Unlock()

	t.publish("message.confirmed", snapshot)
	return snapshot, nil
}

func (t *Tracker) publish(kind string, payload any) {
	t.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
