package views

import (
	"fmt"

	"github.com/rivo/tview"

	"github.com/matheus3301/parley/internal/convo"
)

// ThreadView renders the messages of one conversation, newest at the bottom,
// with a delivery marker on each outgoing message.
type ThreadView struct {
	*tview.TextView
	selfID string
	msgs   []convo.Envelope
}

// NewThreadView creates a new message thread view.
func NewThreadView(selfID string) *ThreadView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Messages ")

	return &ThreadView{TextView: tv, selfID: selfID}
}

// SetHeader updates the title with the conversation name and subtitle.
func (tv *ThreadView) SetHeader(title, subtitle string) {
	tv.SetTitle(fmt.Sprintf(" %s — %s ", title, subtitle))
}

// SetMessages replaces the thread contents.
func (tv *ThreadView) SetMessages(msgs []convo.Envelope) {
	tv.msgs = append(tv.msgs[:0], msgs...)
	tv.render()
}

// Upsert inserts a message, or replaces the existing one sharing its
// correlation id. A pending envelope that confirms updates in place: the
// thread never shows the same send twice.
func (tv *ThreadView) Upsert(msg convo.Envelope) {
	for i := range tv.msgs {
		if sameEnvelope(&tv.msgs[i], &msg) {
			tv.msgs[i] = msg
			tv.render()
			return
		}
	}
	tv.msgs = append(tv.msgs, msg)
	tv.render()
}

// LastFailed returns the correlation id of the newest failed message, if any.
func (tv *ThreadView) LastFailed() string {
	for i := len(tv.msgs) - 1; i >= 0; i-- {
		if tv.msgs[i].State == convo.StateFailed {
			return tv.msgs[i].CorrelationID
		}
	}
	return ""
}

func sameEnvelope(a, b *convo.Envelope) bool {
	if a.CorrelationID != "" && a.CorrelationID == b.CorrelationID {
		return true
	}
	return a.ID != "" && a.ID == b.ID
}

func (tv *ThreadView) render() {
	tv.Clear()
	for i := range tv.msgs {
		m := &tv.msgs[i]
		sender := m.SenderID
		if m.SenderID == tv.selfID {
			sender = "You"
		}
		line := fmt.Sprintf("[::b]%s[-:-:-] [::d]%s[-:-:-]%s\n%s\n\n",
			sender, formatTimestamp(m.Timestamp), marker(m), m.Content)
		_, _ = fmt.Fprint(tv, line)
	}
	tv.ScrollToEnd()
}

func marker(m *convo.Envelope) string {
	switch m.State {
	case convo.StatePending:
		return " [yellow]~sending[-]"
	case convo.StateFailed:
		return " [red]!failed[-]"
	}
	return ""
}
