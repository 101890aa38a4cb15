package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/convo"
	"github.com/matheus3301/parley/internal/delivery"
	"github.com/matheus3301/parley/internal/receipt"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/subs"
)

type fakePull struct {
	mu       sync.Mutex
	private  []convo.Summary
	group    []convo.Summary
	fetchErr error
	hideErr  error
	hidden   [][]string
	fetches  int
}

func (f *fakePull) FetchPrivate(ctx context.Context) ([]convo.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.private, nil
}

func (f *fakePull) FetchGroup(ctx context.Context) ([]convo.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.group, nil
}

func (f *fakePull) HideConversations(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hideErr != nil {
		return f.hideErr
	}
	f.hidden = append(f.hidden, ids)
	return nil
}

func (f *fakePull) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

type fakeSubscriber struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[conversationID]++
	return nil
}

func (f *fakeSubscriber) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type nopAcker struct {
	mu    sync.Mutex
	acked []string
}

func (a *nopAcker) MarkRead(ctx context.Context, conversationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, conversationID)
	return nil
}

type nopSender struct{}

func (nopSender) SendMessage(ctx context.Context, conversationID, correlationID, content string) (*convo.Envelope, error) {
	return &convo.Envelope{ID: "srv", CorrelationID: correlationID, ConversationID: conversationID, Content: content, State: convo.StateConfirmed}, nil
}

type fixture struct {
	orch    *Orchestrator
	store   *convo.Store
	bus     *bus.Bus
	machine *status.Machine
	pull    *fakePull
	subsrv  *fakeSubscriber
	acker   *nopAcker
	cache   *cache.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()
	b := bus.New()
	store := convo.NewStore()
	machine := status.NewMachine(b)
	pull := &fakePull{}
	subsrv := &fakeSubscriber{}
	acker := &nopAcker{}
	registry := subs.NewRegistry(subsrv, logger)
	receipts := receipt.NewCoordinator(store, acker, b, "me", logger)
	tracker := delivery.NewTracker(nopSender{}, store, b, "me", logger)

	return &fixture{
		orch:    New(store, pull, tracker, receipts, registry, db, b, machine, "me", logger),
		store:   store,
		bus:     b,
		machine: machine,
		pull:    pull,
		subsrv:  subsrv,
		acker:   acker,
		cache:   db,
	}
}

func summary(id string, kind convo.Kind, unread int, activity int64) convo.Summary {
	return convo.Summary{
		ID:             id,
		Kind:           kind,
		DisplayName:    "Conversation " + id,
		UnreadCount:    unread,
		LastActivityAt: activity,
		CreatedAt:      1,
		Participants: []convo.Participant{
			{ID: "me", Name: "Me"},
			{ID: "u2", Name: "Alice"},
		},
	}
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestActivateSyncsAndSubscribes(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 1, 100)}
	f.pull.group = []convo.Summary{summary("g1", convo.KindGroup, 0, 200)}

	if err := f.orch.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	if got := f.machine.Current(); got != status.Ready {
		t.Errorf("state = %s, want %s", got, status.Ready)
	}
	if f.store.Len() != 2 {
		t.Fatalf("store has %d conversations, want 2", f.store.Len())
	}
	if got := f.store.List()[0].ID; got != "g1" {
		t.Errorf("first conversation = %s, want g1 (newest activity)", got)
	}
	for _, id := range []string{"p1", "g1"} {
		if n := f.subsrv.count(id); n != 1 {
			t.Errorf("subscribe(%s) called %d times, want 1", id, n)
		}
	}

	// Snapshot must be persisted for the next cold start.
	cached, err := f.cache.LoadSummaries()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 2 {
		t.Errorf("cached %d conversations, want 2", len(cached))
	}
}

func TestRefreshDoesNotResubscribe(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 0, 100)}

	ctx := context.Background()
	if err := f.orch.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	if err := f.orch.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.subsrv.count("p1"); n != 1 {
		t.Errorf("subscribe(p1) called %d times across two refreshes, want 1", n)
	}
}

func TestNetworkFailureKeepsStaleSnapshot(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 3, 100)}

	ctx := context.Background()
	if err := f.orch.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	failures, unsub := f.bus.Subscribe("list.refresh_failed", 4)
	defer unsub()

	f.pull.setFetchErr(&api.NetworkError{Op: "fetch"})
	if err := f.orch.Refresh(ctx); err == nil {
		t.Fatal("Refresh should return the network error")
	}

	if got := f.machine.Current(); got != status.Degraded {
		t.Errorf("state = %s, want %s", got, status.Degraded)
	}
	if f.store.Len() != 1 {
		t.Errorf("store has %d conversations, want stale snapshot of 1", f.store.Len())
	}
	select {
	case <-failures:
	case <-time.After(time.Second):
		t.Error("no list.refresh_failed event")
	}
}

func TestAuthFailureExpiresSession(t *testing.T) {
	f := newFixture(t)
	f.pull.fetchErr = &api.AuthError{Op: "fetch"}

	expired, unsub := f.bus.Subscribe("session.expired", 4)
	defer unsub()

	ctx := context.Background()
	if err := f.orch.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	waitFor(t, "auth expired state", func() bool {
		return f.machine.Current() == status.AuthExpired
	})
	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Error("no session.expired event")
	}

	// The session is terminal: further refreshes refuse to run.
	f.pull.setFetchErr(nil)
	if err := f.orch.Refresh(ctx); err == nil {
		t.Error("Refresh after expiry should fail")
	}
}

func TestColdStartSeedsFromCache(t *testing.T) {
	f := newFixture(t)
	if err := f.cache.SaveSnapshot([]convo.Summary{summary("p1", convo.KindPrivate, 2, 100)}); err != nil {
		t.Fatal(err)
	}
	f.pull.fetchErr = &api.NetworkError{Op: "fetch"}

	if err := f.orch.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	waitFor(t, "degraded state", func() bool {
		return f.machine.Current() == status.Degraded
	})
	got, ok := f.store.Get("p1")
	if !ok {
		t.Fatal("cached conversation not seeded into store")
	}
	if got.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2 from cache", got.UnreadCount)
	}
}

func TestReconnectClearsRegistryAndRefreshes(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 0, 100)}

	if err := f.orch.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	// The server forgets subscriptions across connections, so a reconnect
	// must subscribe again even though the registry saw p1 already.
	f.bus.Publish(bus.Event{Kind: "push.connected", Timestamp: time.Now()})

	waitFor(t, "resubscription after reconnect", func() bool {
		return f.subsrv.count("p1") == 2
	})
}

func TestOpenClearsUnreadAndBuildsRoute(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 4, 100)}
	f.pull.group = []convo.Summary{summary("g1", convo.KindGroup, 0, 200)}

	ctx := context.Background()
	if err := f.orch.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	route, err := f.orch.Open(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if route.Kind != convo.KindPrivate || route.Title != "Conversation p1" {
		t.Errorf("route = %+v, want private Conversation p1", route)
	}
	if got, _ := f.store.Get("p1"); got.UnreadCount != 0 {
		t.Errorf("unread = %d after open, want 0", got.UnreadCount)
	}
	waitFor(t, "read ack", func() bool {
		f.acker.mu.Lock()
		defer f.acker.mu.Unlock()
		return len(f.acker.acked) == 1 && f.acker.acked[0] == "p1"
	})

	group, err := f.orch.Open(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if group.Subtitle != "2 participants" {
		t.Errorf("group subtitle = %q, want participant count", group.Subtitle)
	}
	// g1 had no unread: no extra ack.
	f.acker.mu.Lock()
	acks := len(f.acker.acked)
	f.acker.mu.Unlock()
	if acks != 1 {
		t.Errorf("acks = %d, want 1 (read conversations are not re-acked)", acks)
	}

	if _, err := f.orch.Open(ctx, "nope"); err == nil {
		t.Error("opening an unknown conversation should fail")
	}
}

func TestOpenSeedsThreadFromCache(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 0, 100)}
	for _, e := range []convo.Envelope{
		{ID: "m1", SenderID: "u2", Content: "hi", Timestamp: 10, State: convo.StateConfirmed},
		{ID: "m2", SenderID: "me", Content: "hey", Timestamp: 20, State: convo.StateConfirmed},
	} {
		if err := f.cache.UpsertMessage("p1", &e); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	if err := f.orch.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	route, err := f.orch.Open(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(route.Seed) != 2 || route.Seed[0].ID != "m1" || route.Seed[1].ID != "m2" {
		t.Errorf("seed = %+v, want m1 then m2", route.Seed)
	}
}

func TestLiveMessagesArePersistedToCache(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{summary("p1", convo.KindPrivate, 0, 100)}

	if err := f.orch.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	f.bus.Publish(bus.Event{Kind: "message.received", Timestamp: time.Now(), Payload: convo.Envelope{
		ID:             "m7",
		ConversationID: "p1",
		SenderID:       "u2",
		Content:        "hello",
		Timestamp:      500,
		State:          convo.StateConfirmed,
	}})

	waitFor(t, "cached live message", func() bool {
		msgs, err := f.cache.ListMessages("p1", 0, 10)
		return err == nil && len(msgs) == 1 && msgs[0].ID == "m7"
	})
}

func TestHideRemovesOnlyAfterServerAccepts(t *testing.T) {
	f := newFixture(t)
	f.pull.private = []convo.Summary{
		summary("p1", convo.KindPrivate, 0, 100),
		summary("p2", convo.KindPrivate, 0, 200),
	}

	ctx := context.Background()
	if err := f.orch.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	defer f.orch.Deactivate()

	f.pull.hideErr = &api.NetworkError{Op: "hide"}
	if err := f.orch.Hide(ctx, []string{"p1"}); err == nil {
		t.Fatal("Hide should surface the server error")
	}
	if f.store.Len() != 2 {
		t.Errorf("store has %d conversations after failed hide, want 2", f.store.Len())
	}

	f.pull.hideErr = nil
	if err := f.orch.Hide(ctx, []string{"p1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.store.Get("p1"); ok {
		t.Error("p1 still in store after hide")
	}
	cached, err := f.cache.LoadSummaries()
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 || cached[0].ID != "p2" {
		t.Errorf("cache = %+v, want only p2", cached)
	}
}
