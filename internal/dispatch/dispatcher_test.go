package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/convo"
	"github.com/matheus3301/parley/internal/delivery"
	"github.com/matheus3301/parley/internal/push"
	"github.com/matheus3301/parley/internal/receipt"
	"go.uber.org/zap"
)

type nopSender struct{}

func (nopSender) SendMessage(_ context.Context, conversationID, correlationID, content string) (*convo.Envelope, error) {
	return &convo.Envelope{ID: "srv-1", CorrelationID: correlationID, ConversationID: conversationID, Content: content, State: convo.StateConfirmed}, nil
}

type nopAcker struct{}

func (nopAcker) MarkRead(context.Context, string) error { return nil }

type fakeView struct {
	mu        sync.Mutex
	convID    string
	delivered []convo.Envelope
}

func (v *fakeView) ConversationID() string { return v.convID }

func (v *fakeView) DeliverMessage(env convo.Envelope) {
	v.mu.Lock()
	v.delivered = append(v.delivered, env)
	v.mu.Unlock()
}

func (v *fakeView) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.delivered)
}

type fixture struct {
	bus        *bus.Bus
	store      *convo.Store
	tracker    *delivery.Tracker
	dispatcher *Dispatcher
	refreshes  chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	store := convo.NewStore()
	store.ReplaceSnapshot([]convo.Summary{
		{ID: "c1", Kind: convo.KindPrivate, LastActivityAt: 100},
	}, nil)

	tracker := delivery.NewTracker(nopSender{}, store, b, "me", zap.NewNop())
	receipts := receipt.NewCoordinator(store, nopAcker{}, b, "me", zap.NewNop())

	refreshes := make(chan struct{}, 8)
	d := NewDispatcher(store, receipts, tracker, b, "me", func() {
		refreshes <- struct{}{}
	}, zap.NewNop())
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	return &fixture{bus: b, store: store, tracker: tracker, dispatcher: d, refreshes: refreshes}
}

func (f *fixture) pushCreated(convID, msgID, sender, clientID string, ts int64) {
	f.bus.Publish(bus.Event{
		Kind:      "push." + push.TypeMessageCreated,
		Timestamp: time.Now(),
		Payload: &push.MessageCreated{
			ConversationID: convID,
			MessageID:      msgID,
			SenderID:       sender,
			ClientID:       clientID,
			Content:        "body of " + msgID,
			Timestamp:      ts,
		},
	})
}

func waitUnread(t *testing.T, store *convo.Store, id string, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got, ok := store.Get(id); ok && got.UnreadCount == want {
			return
		}
		select {
		case <-deadline:
			got, _ := store.Get(id)
			t.Fatalf("unread = %d, want %d", got.UnreadCount, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEventsProcessedInArrivalOrder(t *testing.T) {
	f := newFixture(t)

	f.pushCreated("c1", "m1", "peer", "", 200)
	f.pushCreated("c1", "m2", "peer", "", 300)
	f.pushCreated("c1", "m3", "peer", "", 400)

	waitUnread(t, f.store, "c1", 3)

	got, _ := f.store.Get("c1")
	if got.LastMessage == nil || got.LastMessage.Content != "body of m3" {
		t.Errorf("lastMessage = %+v, want last arrival m3", got.LastMessage)
	}
	if got.LastActivityAt != 400 {
		t.Errorf("lastActivityAt = %d, want 400", got.LastActivityAt)
	}
}

func TestUnknownConversationTriggersRefresh(t *testing.T) {
	f := newFixture(t)

	f.pushCreated("brand-new", "m1", "peer", "", 500)

	select {
	case <-f.refreshes:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for refresh request")
	}
	if _, ok := f.store.Get("brand-new"); ok {
		t.Error("unknown conversation must not be invented locally")
	}
}

func TestActiveViewReceivesOpenConversationMessages(t *testing.T) {
	f := newFixture(t)
	view := &fakeView{convID: "c1"}
	f.dispatcher.SetActiveView(view)

	f.pushCreated("c1", "m1", "peer", "", 200)
	waitUnread(t, f.store, "c1", 1)

	if view.count() != 1 {
		t.Fatalf("delivered = %d, want 1", view.count())
	}
	view.mu.Lock()
	env := view.delivered[0]
	view.mu.Unlock()
	if env.ID != "m1" || env.State != convo.StateConfirmed {
		t.Errorf("delivered envelope = %+v", env)
	}

	// Messages for other conversations stay out of the open view.
	f.dispatcher.SetActiveView(&fakeView{convID: "other"})
	f.pushCreated("c1", "m2", "peer", "", 300)
	waitUnread(t, f.store, "c1", 2)
	if view.count() != 1 {
		t.Errorf("delivered = %d, want still 1", view.count())
	}
}

// A pending envelope echoed back over the live channel is a confirmation:
// no second bubble in the open view, no unread increment.
func TestOwnEchoIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	view := &fakeView{convID: "c1"}
	f.dispatcher.SetActiveView(view)

	sent, err := f.tracker.Send(context.Background(), "c1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	f.pushCreated("c1", "srv-1", "me", sent.CorrelationID, 600)

	// The echo still refreshes the preview/activity.
	deadline := time.After(2 * time.Second)
	for {
		got, _ := f.store.Get("c1")
		if got.LastActivityAt == 600 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("lastActivityAt = %d, want 600", got.LastActivityAt)
		case <-time.After(5 * time.Millisecond):
		}
	}

	got, _ := f.store.Get("c1")
	if got.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 (own message)", got.UnreadCount)
	}
	if view.count() != 0 {
		t.Errorf("delivered = %d, want 0 (echo deduped against pending envelope)", view.count())
	}
}

func TestReadEventRoutesToCoordinator(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe("receipt.", 10)
	defer unsub()

	f.bus.Publish(bus.Event{
		Kind:      "push." + push.TypeMessageRead,
		Timestamp: time.Now(),
		Payload:   &push.MessageRead{ConversationID: "c1", ReaderID: "peer"},
	})

	select {
	case evt := <-ch:
		sig := evt.Payload.(receipt.ReadSignal)
		if sig.ConversationID != "c1" || sig.ReaderID != "peer" {
			t.Errorf("signal = %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for receipt.remote")
	}
}

// A frame with a bogus payload is dropped and dispatch continues.
func TestMalformedPayloadDoesNotStopDispatch(t *testing.T) {
	f := newFixture(t)

	f.bus.Publish(bus.Event{Kind: "push.message.created", Payload: "not a frame"})
	f.bus.Publish(bus.Event{Kind: "push.something.else", Payload: 42})
	f.pushCreated("c1", "m1", "peer", "", 200)

	waitUnread(t, f.store, "c1", 1)
}
