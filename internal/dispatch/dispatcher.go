package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/convo"
	"github.com/matheus3301/parley/internal/delivery"
	"github.com/matheus3301/parley/internal/push"
	"github.com/matheus3301/parley/internal/receipt"
	"go.uber.org/zap"
)

// ActiveView is the message list the user currently has open. When a live
// message lands in that conversation it is handed to the view directly, so
// the open thread updates without waiting for a refetch.
type ActiveView interface {
	ConversationID() string
	DeliverMessage(env convo.Envelope)
}

// Dispatcher is the single entry point for live-channel events. One
// goroutine drains the bus subscription, so events are processed strictly in
// arrival order and the store is never mutated concurrently by two frames.
// A handler either applies completely or drops its event; nothing throws
// across the dispatch boundary.
type Dispatcher struct {
	store    *convo.Store
	receipts *receipt.Coordinator
	tracker  *delivery.Tracker
	bus      *bus.Bus
	selfID   string
	refresh  func() // snapshot refresh trigger for unknown conversations
	logger   *zap.Logger

	mu     sync.Mutex
	active ActiveView
	cancel context.CancelFunc
}

// NewDispatcher wires the dispatcher to its mutation targets. refresh is
// invoked (non-blocking) when a message references a conversation the store
// does not know yet.
func NewDispatcher(store *convo.Store, receipts *receipt.Coordinator, tracker *delivery.Tracker, b *bus.Bus, selfID string, refresh func(), logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		receipts: receipts,
		tracker:  tracker,
		bus:      b,
		selfID:   selfID,
		refresh:  refresh,
		logger:   logger,
	}
}

// Start attaches the dispatcher to the live-event stream.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				d.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop detaches the dispatcher.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// SetActiveView registers the currently open thread view.
func (d *Dispatcher) SetActiveView(v ActiveView) {
	d.mu.Lock()
	d.active = v
	d.mu.Unlock()
}

// ClearActiveView unregisters the open thread view.
func (d *Dispatcher) ClearActiveView() {
	d.SetActiveView(nil)
}

func (d *Dispatcher) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "push." + push.TypeMessageCreated:
		frame, ok := evt.Payload.(*push.MessageCreated)
		if !ok {
			d.logger.Warn("dropping live event with unexpected payload", zap.String("kind", evt.Kind))
			return
		}
		d.handleMessageCreated(frame)

	case "push." + push.TypeMessageRead:
		frame, ok := evt.Payload.(*push.MessageRead)
		if !ok {
			d.logger.Warn("dropping live event with unexpected payload", zap.String("kind", evt.Kind))
			return
		}
		d.receipts.OnRemoteReadSignal(frame.ConversationID, frame.ReaderID)

	case "push.connected", "push.disconnected":
		// Connection lifecycle is the orchestrator's concern.

	default:
		d.logger.Warn("dropping unrecognized live event", zap.String("kind", evt.Kind))
	}
}

func (d *Dispatcher) handleMessageCreated(frame *push.MessageCreated) {
	own := frame.SenderID == d.selfID

	// Our own message echoed back may match a pending envelope; if so it is
	// the confirmation of that envelope, not a new message.
	duplicate := own && d.tracker.ResolveIncoming(frame.ClientID)

	applied := d.store.ApplyNewMessage(frame.ConversationID, convo.LastMessage{
		Content:   frame.Content,
		SenderID:  frame.SenderID,
		Timestamp: frame.Timestamp,
	}, own)
	if !applied {
		// Unknown conversation: a snapshot refresh discovers it.
		d.logger.Info("message for unknown conversation, requesting refresh",
			zap.String("conversation_id", frame.ConversationID))
		d.refresh()
		return
	}

	d.bus.Publish(bus.Event{Kind: "list.updated", Timestamp: time.Now()})

	if duplicate {
		return
	}

	env := convo.Envelope{
		ID:             frame.MessageID,
		CorrelationID:  frame.ClientID,
		ConversationID: frame.ConversationID,
		SenderID:       frame.SenderID,
		Content:        frame.Content,
		Timestamp:      frame.Timestamp,
		State:          convo.StateConfirmed,
	}
	d.bus.Publish(bus.Event{Kind: "message.received", Timestamp: time.Now(), Payload: env})

	d.mu.Lock()
	view := d.active
	d.mu.Unlock()
	if view != nil && view.ConversationID() == frame.ConversationID {
		view.DeliverMessage(env)
	}
}
