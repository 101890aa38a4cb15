package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/status"
	"go.uber.org/zap"
)

// liveServer is a minimal websocket endpoint: it pushes the given frames on
// connect and forwards every inbound frame to subs.
func liveServer(t *testing.T, frames []string, subs chan<- subscribeFrame) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sub subscribeFrame
			if json.Unmarshal(data, &sub) == nil && subs != nil {
				subs <- sub
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestChannelPublishesDecodedFrames(t *testing.T) {
	url := liveServer(t, []string{
		`{"type": "message.created", "conversation_id": "c1", "message": {"id": "m1", "sender_id": "peer", "content": "hi", "timestamp": 100}}`,
		`{"type": "garbage"}`, // must be dropped, not break the loop
		`{"type": "message.read", "conversation_id": "c1", "reader_id": "peer"}`,
	}, nil)

	b := bus.New()
	ch, unsub := b.Subscribe("push.", 16)
	defer unsub()

	c := NewChannel(url, "", b, status.NewMachine(nil), zap.NewNop())
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, ch, "push.connected")

	evt := waitFor(t, ch, "push.message.created")
	mc, ok := evt.Payload.(*MessageCreated)
	if !ok || mc.MessageID != "m1" {
		t.Errorf("payload = %+v", evt.Payload)
	}

	// The malformed frame in between must not have killed the read loop.
	evt = waitFor(t, ch, "push.message.read")
	if mr := evt.Payload.(*MessageRead); mr.ReaderID != "peer" {
		t.Errorf("payload = %+v", mr)
	}
}

func TestChannelSubscribeWritesFrame(t *testing.T) {
	subs := make(chan subscribeFrame, 1)
	url := liveServer(t, nil, subs)

	b := bus.New()
	ch, unsub := b.Subscribe("push.", 16)
	defer unsub()

	c := NewChannel(url, "", b, status.NewMachine(nil), zap.NewNop())
	c.Start(context.Background())
	defer c.Stop()

	waitFor(t, ch, "push.connected")

	if err := c.Subscribe(context.Background(), "c9"); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case sub := <-subs:
		if sub.Type != "subscribe" || sub.ConversationID != "c9" {
			t.Errorf("subscribe frame = %+v", sub)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for subscribe frame")
	}
}

func TestSubscribeBeforeConnectFails(t *testing.T) {
	c := NewChannel("ws://127.0.0.1:1/live", "", bus.New(), status.NewMachine(nil), zap.NewNop())
	if err := c.Subscribe(context.Background(), "c1"); err == nil {
		t.Error("Subscribe() without a connection should fail")
	}
}
