package push

import (
	"encoding/json"
	"fmt"
)

// Frame type names as they appear on the wire. Published bus kinds are the
// same names under the "push." namespace.
const (
	TypeMessageCreated = "message.created"
	TypeMessageRead    = "message.read"
	typeSubscribe      = "subscribe"
)

// ProtocolError marks a malformed or unrecognized push frame. Such frames
// are logged and dropped; they never reach the dispatcher.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Detail)
}

// MessageCreated is the payload for a live new-message notification.
type MessageCreated struct {
	ConversationID string
	MessageID      string
	ClientID       string // sender's correlation id, empty for messages sent elsewhere
	SenderID       string
	Content        string
	Timestamp      int64
}

// MessageRead is the payload for a conversation-level read receipt.
type MessageRead struct {
	ConversationID string
	ReaderID       string
}

type rawFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	Timestamp      int64  `json:"timestamp"`
	Message        *struct {
		ID        string `json:"id"`
		SenderID  string `json:"sender_id"`
		ClientID  string `json:"client_id"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp"`
	} `json:"message"`
}

type subscribeFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// DecodeFrame parses one inbound frame. It validates everything up front so
// a frame either yields a complete payload or a ProtocolError, never a
// partial one.
func DecodeFrame(data []byte) (kind string, payload any, err error) {
	var f rawFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return "", nil, &ProtocolError{Detail: fmt.Sprintf("bad json: %v", err)}
	}

	switch f.Type {
	case TypeMessageCreated:
		if f.ConversationID == "" || f.Message == nil || f.Message.ID == "" {
			return "", nil, &ProtocolError{Detail: "message.created missing conversation or message"}
		}
		ts := f.Message.Timestamp
		if ts == 0 {
			ts = f.Timestamp
		}
		return TypeMessageCreated, &MessageCreated{
			ConversationID: f.ConversationID,
			MessageID:      f.Message.ID,
			ClientID:       f.Message.ClientID,
			SenderID:       f.Message.SenderID,
			Content:        f.Message.Content,
			Timestamp:      ts,
		}, nil

	case TypeMessageRead:
		if f.ConversationID == "" || f.ReaderID == "" {
			return "", nil, &ProtocolError{Detail: "message.read missing conversation or reader"}
		}
		return TypeMessageRead, &MessageRead{
			ConversationID: f.ConversationID,
			ReaderID:       f.ReaderID,
		}, nil

	default:
		return "", nil, &ProtocolError{Detail: fmt.Sprintf("unrecognized frame type %q", f.Type)}
	}
}
