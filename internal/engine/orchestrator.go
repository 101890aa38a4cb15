// Package engine drives the session lifecycle: snapshot refreshes over the
// pull channel, live-update subscriptions, and the runtime status machine.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/cache"
	"github.com/matheus3301/parley/internal/convo"
	"github.com/matheus3301/parley/internal/delivery"
	"github.com/matheus3301/parley/internal/dispatch"
	"github.com/matheus3301/parley/internal/receipt"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/subs"
)

// PullClient is the snapshot-and-command side of the server API.
type PullClient interface {
	FetchPrivate(ctx context.Context) ([]convo.Summary, error)
	FetchGroup(ctx context.Context) ([]convo.Summary, error)
	HideConversations(ctx context.Context, ids []string) error
}

// Orchestrator owns session activation: it seeds the list from the cache,
// refreshes it from the server, keeps live subscriptions in sync, and runs
// the event dispatcher. All state transitions flow through the status
// machine.
type Orchestrator struct {
	store      *convo.Store
	client     PullClient
	registry   *subs.Registry
	dispatcher *dispatch.Dispatcher
	receipts   *receipt.Coordinator
	cache      *cache.DB
	bus        *bus.Bus
	machine    *status.Machine
	logger     *zap.Logger

	refreshCh chan struct{}
	cancel    context.CancelFunc
}

// New creates an orchestrator. The dispatcher is built here so its refresh
// hook can point back at this orchestrator.
func New(store *convo.Store, client PullClient, tracker *delivery.Tracker,
	receipts *receipt.Coordinator, registry *subs.Registry, db *cache.DB,
	b *bus.Bus, machine *status.Machine, selfID string, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		client:    client,
		registry:  registry,
		receipts:  receipts,
		cache:     db,
		bus:       b,
		machine:   machine,
		logger:    logger,
		refreshCh: make(chan struct{}, 1),
	}
	o.dispatcher = dispatch.NewDispatcher(store, receipts, tracker, b, selfID, o.RequestRefresh, logger)
	return o
}

// Activate brings the session up: cached snapshot first so the UI has
// something to draw, then a server refresh. A failed refresh leaves the
// session Degraded over the stale snapshot rather than failing activation;
// only an invalid starting state is fatal.
func (o *Orchestrator) Activate(ctx context.Context) error {
	if err := o.machine.Transition(status.Syncing); err != nil {
		return err
	}
	o.seedFromCache()

	ctx, o.cancel = context.WithCancel(ctx)
	o.dispatcher.Start(ctx)
	go o.refreshWorker(ctx)

	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn("initial refresh failed", zap.Error(err))
	}
	return nil
}

// Deactivate tears the session down. Live subscriptions are forgotten so a
// later activation starts from a clean registry.
func (o *Orchestrator) Deactivate() {
	if o.cancel != nil {
		o.cancel()
	}
	o.dispatcher.Stop()
	o.registry.Clear()
}

// RequestRefresh schedules a snapshot refresh without blocking the caller.
// Requests coalesce: one queued refresh absorbs any number of triggers.
func (o *Orchestrator) RequestRefresh() {
	select {
	case o.refreshCh <- struct{}{}:
	default:
	}
}

// Refresh pulls a fresh snapshot and reconciles it into the store. On a
// network failure the previous snapshot stays visible and the session goes
// Degraded; on an auth failure the session is expired for good.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if o.machine.Current() == status.AuthExpired {
		return errors.New("session expired")
	}
	if err := o.machine.Transition(status.Syncing); err != nil {
		o.logger.Debug("refresh in unexpected state", zap.Error(err))
	}

	private, err := o.client.FetchPrivate(ctx)
	if err != nil {
		return o.refreshFailed(err)
	}
	group, err := o.client.FetchGroup(ctx)
	if err != nil {
		return o.refreshFailed(err)
	}

	o.store.ReplaceSnapshot(private, group)
	if o.cache != nil {
		if err := o.cache.SaveSnapshot(o.store.List()); err != nil {
			o.logger.Warn("failed to persist snapshot", zap.Error(err))
		}
	}
	for _, s := range o.store.List() {
		if err := o.registry.EnsureSubscribed(ctx, s.ID); err != nil {
			o.logger.Warn("subscribe failed",
				zap.String("conversation_id", s.ID), zap.Error(err))
		}
	}

	if err := o.machine.Transition(status.Ready); err != nil {
		o.logger.Debug("could not enter ready", zap.Error(err))
	}
	o.publish("list.updated", map[string]string{"reason": "refresh"})
	o.logger.Info("snapshot refreshed", zap.Int("conversations", o.store.Len()))
	return nil
}

func (o *Orchestrator) refreshFailed(err error) error {
	if api.IsAuth(err) {
		_ = o.machine.Transition(status.AuthExpired)
		o.publish("session.expired", nil)
		return err
	}
	_ = o.machine.Transition(status.Degraded)
	o.publish("list.refresh_failed", map[string]string{"error": err.Error()})
	o.logger.Warn("refresh failed, keeping stale snapshot", zap.Error(err))
	return err
}

// Hide removes conversations from the list. Server first: a conversation
// only disappears locally once the server accepted the hide, otherwise the
// next refresh would resurrect it.
func (o *Orchestrator) Hide(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := o.client.HideConversations(ctx, ids); err != nil {
		if api.IsAuth(err) {
			_ = o.machine.Transition(status.AuthExpired)
			o.publish("session.expired", nil)
		}
		return err
	}
	o.store.Remove(ids)
	if o.cache != nil {
		if err := o.cache.DeleteConversations(ids); err != nil {
			o.logger.Warn("failed to drop cached conversations", zap.Error(err))
		}
	}
	o.publish("list.updated", map[string]string{"reason": "hide"})
	return nil
}

// SetActiveView routes live message delivery for one conversation to the
// given view.
func (o *Orchestrator) SetActiveView(v dispatch.ActiveView) { o.dispatcher.SetActiveView(v) }

// ClearActiveView detaches the active view.
func (o *Orchestrator) ClearActiveView() { o.dispatcher.ClearActiveView() }

// refreshWorker serializes refresh triggers: explicit requests, and
// reconnects of the live channel. A reconnect wipes the subscription registry
// because the server forgot the old connection's subscriptions.
func (o *Orchestrator) refreshWorker(ctx context.Context) {
	connected, unsubConnected := o.bus.Subscribe("push.connected", 8)
	defer unsubConnected()
	expired, unsubExpired := o.bus.Subscribe("session.expired", 8)
	defer unsubExpired()
	messages, unsubMessages := o.bus.Subscribe("message.", 64)
	defer unsubMessages()

	for {
		select {
		case <-o.refreshCh:
			_ = o.Refresh(ctx)
		case <-connected:
			o.registry.Clear()
			_ = o.Refresh(ctx)
		case <-expired:
			_ = o.machine.Transition(status.AuthExpired)
		case evt := <-messages:
			if env, ok := evt.Payload.(convo.Envelope); ok {
				o.persistEnvelope(env)
			}
		case <-ctx.Done():
			return
		}
	}
}

// persistEnvelope mirrors live message traffic into the cache so a cold start
// can render recent threads before the first refresh completes.
func (o *Orchestrator) persistEnvelope(env convo.Envelope) {
	if o.cache == nil || env.ConversationID == "" {
		return
	}
	if err := o.cache.UpsertMessage(env.ConversationID, &env); err != nil {
		o.logger.Warn("failed to cache message", zap.Error(err))
		return
	}
	if s, ok := o.store.Get(env.ConversationID); ok {
		if err := o.cache.UpsertSummary(&s); err != nil {
			o.logger.Warn("failed to cache summary", zap.Error(err))
		}
	}
}

func (o *Orchestrator) seedFromCache() {
	if o.cache == nil {
		return
	}
	cached, err := o.cache.LoadSummaries()
	if err != nil {
		o.logger.Warn("failed to load cached snapshot", zap.Error(err))
		return
	}
	if len(cached) == 0 {
		return
	}
	var private, group []convo.Summary
	for _, s := range cached {
		if s.Kind == convo.KindGroup {
			group = append(group, s)
		} else {
			private = append(private, s)
		}
	}
	o.store.ReplaceSnapshot(private, group)
	o.publish("list.updated", map[string]string{"reason": "cache"})
	o.logger.Info("seeded list from cache", zap.Int("conversations", len(cached)))
}

func (o *Orchestrator) publish(kind string, payload any) {
	o.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
