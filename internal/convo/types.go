package convo

// Kind distinguishes the two conversation shapes. Unread and subscription
// handling never branch on it; only navigation payloads do.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

// DeliveryState is the lifecycle of an outgoing message as seen by its sender.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateFailed    DeliveryState = "failed"
)

// LastMessage is the most recent message snapshot shown on a list row.
type LastMessage struct {
	Content   string
	SenderID  string
	Timestamp int64 // unix ms
}

// Participant is one member of a conversation. Role is empty for private
// conversations.
type Participant struct {
	ID   string
	Name string
	Role string
}

// Summary represents one private or group conversation as shown in the list.
type Summary struct {
	ID             string
	Kind           Kind
	DisplayName    string
	LastMessage    *LastMessage
	UnreadCount    int
	LastActivityAt int64 // unix ms, resolved ordering key
	CreatedAt      int64
	Participants   []Participant
}

// ActivityTime resolves the ordering key: last message timestamp, then the
// explicit activity marker, then creation time.
func (s *Summary) ActivityTime() int64 {
	if s.LastMessage != nil && s.LastMessage.Timestamp > 0 {
		return s.LastMessage.Timestamp
	}
	if s.LastActivityAt > 0 {
		return s.LastActivityAt
	}
	return s.CreatedAt
}

// Envelope is a single message as known to this client. ID carries the
// server-assigned id once confirmed; while pending it equals CorrelationID.
type Envelope struct {
	ID             string
	CorrelationID  string
	ConversationID string
	SenderID       string
	Content        string
	Timestamp      int64 // unix ms
	State          DeliveryState
	IsRead         bool // read-by-recipient indicator, meaningful on own messages only
}
