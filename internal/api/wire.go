package api

import "github.com/matheus3301/parley/internal/convo"

type wireParticipant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

type wireLastMessage struct {
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

type wireConversation struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Participants   []wireParticipant `json:"participants"`
	LastMessage    *wireLastMessage  `json:"last_message"`
	UnreadCount    int               `json:"unread_count"`
	LastActivityAt int64             `json:"last_activity_at"`
	CreatedAt      int64             `json:"created_at"`
}

type wireMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ClientID       string `json:"client_id"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
	Read           bool   `json:"read"`
}

// toSummary maps a wire conversation to the domain model. For private
// conversations the display name is the other participant's, which is why
// the mapping needs the local user id.
func (w *wireConversation) toSummary(kind convo.Kind, selfID string) convo.Summary {
	s := convo.Summary{
		ID:             w.ID,
		Kind:           kind,
		DisplayName:    w.Name,
		UnreadCount:    w.UnreadCount,
		LastActivityAt: w.LastActivityAt,
		CreatedAt:      w.CreatedAt,
	}
	if w.UnreadCount < 0 {
		s.UnreadCount = 0
	}
	for _, p := range w.Participants {
		s.Participants = append(s.Participants, convo.Participant{ID: p.ID, Name: p.Name, Role: p.Role})
	}
	if w.LastMessage != nil {
		s.LastMessage = &convo.LastMessage{
			Content:   w.LastMessage.Content,
			SenderID:  w.LastMessage.SenderID,
			Timestamp: w.LastMessage.Timestamp,
		}
	}
	if kind == convo.KindPrivate {
		s.DisplayName = privateDisplayName(w, selfID)
	}
	if s.DisplayName == "" {
		s.DisplayName = w.ID
	}
	s.LastActivityAt = s.ActivityTime()
	return s
}

func privateDisplayName(w *wireConversation, selfID string) string {
	for _, p := range w.Participants {
		if p.ID == selfID {
			continue
		}
		if p.Name != "" {
			return p.Name
		}
		return p.ID
	}
	return w.Name
}

func (w *wireMessage) toEnvelope() convo.Envelope {
	return convo.Envelope{
		ID:             w.ID,
		CorrelationID:  w.ClientID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		Timestamp:      w.Timestamp,
		State:          convo.StateConfirmed,
		IsRead:         w.Read,
	}
}
