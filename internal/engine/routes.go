package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/parley/internal/convo"
)

// Route describes the screen to present when a conversation is opened: its
// header and a seed of cached messages to render before live ones arrive.
type Route struct {
	ConversationID string
	Kind           convo.Kind
	Title          string
	Subtitle       string
	Seed           []convo.Envelope
}

// Open prepares a conversation for viewing. Entering a conversation clears
// its unread counter no matter the kind; only the header layout differs
// between private and group threads.
func (o *Orchestrator) Open(ctx context.Context, conversationID string) (*Route, error) {
	s, ok := o.store.Get(conversationID)
	if !ok {
		return nil, fmt.Errorf("unknown conversation %q", conversationID)
	}

	if s.UnreadCount > 0 {
		o.receipts.MarkAsRead(ctx, conversationID)
		if o.cache != nil {
			if err := o.cache.ResetUnread(conversationID); err != nil {
				o.logger.Warn("failed to reset cached unread", zap.Error(err))
			}
		}
	}

	if s.Kind == convo.KindGroup {
		return o.buildGroupRoute(&s), nil
	}
	return o.buildPrivateRoute(&s), nil
}

func (o *Orchestrator) buildPrivateRoute(s *convo.Summary) *Route {
	return &Route{
		ConversationID: s.ID,
		Kind:           convo.KindPrivate,
		Title:          s.DisplayName,
		Subtitle:       "direct message",
		Seed:           o.seedMessages(s.ID),
	}
}

func (o *Orchestrator) buildGroupRoute(s *convo.Summary) *Route {
	return &Route{
		ConversationID: s.ID,
		Kind:           convo.KindGroup,
		Title:          s.DisplayName,
		Subtitle:       fmt.Sprintf("%d participants", len(s.Participants)),
		Seed:           o.seedMessages(s.ID),
	}
}

func (o *Orchestrator) seedMessages(conversationID string) []convo.Envelope {
	if o.cache == nil {
		return nil
	}
	msgs, err := o.cache.ListMessages(conversationID, 0, 50)
	if err != nil {
		o.logger.Warn("failed to load cached messages", zap.Error(err))
		return nil
	}
	return msgs
}
