package bus

import "time"

// Event is a single item on the bus. Kind is a dotted name ("push.message.created",
// "list.updated"); Payload is event-specific and owned by the publisher.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
