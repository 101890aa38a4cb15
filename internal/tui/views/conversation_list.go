package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"

	"github.com/matheus3301/parley/internal/convo"
)

// ConversationList is the main conversation table.
type ConversationList struct {
	*tview.Table
	visible    []convo.Summary
	selectedFn func() (int, int)
}

// NewConversationList creates a new conversation list table.
func NewConversationList() *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false)
	table.SetBorder(true).SetTitle(" Conversations ")

	cl := &ConversationList{Table: table}
	cl.selectedFn = table.GetSelection
	return cl
}

// Update refreshes the list. A non-empty filter keeps only conversations
// whose display name contains it, case-insensitively; ordering is preserved.
func (cl *ConversationList) Update(summaries []convo.Summary, filter string) {
	cl.visible = cl.visible[:0]
	needle := strings.ToLower(filter)
	for _, s := range summaries {
		if needle != "" && !strings.Contains(strings.ToLower(s.DisplayName), needle) {
			continue
		}
		cl.visible = append(cl.visible, s)
	}

	cl.Clear()
	cl.SetCell(0, 0, tview.NewTableCell(" Name").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))
	cl.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(tview.Styles.SecondaryTextColor))

	for i, s := range cl.visible {
		row := i + 1
		name := s.DisplayName
		if name == "" {
			name = s.ID
		}
		if s.Kind == convo.KindGroup {
			name = "# " + name
		}
		if s.UnreadCount > 0 {
			name = fmt.Sprintf("* %s (%d)", name, s.UnreadCount)
		}

		var preview string
		var at int64
		if s.LastMessage != nil {
			preview = s.LastMessage.Content
			at = s.LastMessage.Timestamp
		} else {
			at = s.LastActivityAt
		}

		cl.SetCell(row, 0, tview.NewTableCell(" "+name).SetMaxWidth(30).SetExpansion(1))
		cl.SetCell(row, 1, tview.NewTableCell(" "+preview).SetMaxWidth(40).SetExpansion(2))
		cl.SetCell(row, 2, tview.NewTableCell(" "+formatTimestamp(at)).SetMaxWidth(12))
	}
}

// SelectedConversation returns the id of the currently selected row.
func (cl *ConversationList) SelectedConversation() string {
	row, _ := cl.selectedFn()
	idx := row - 1 // account for header
	if idx >= 0 && idx < len(cl.visible) {
		return cl.visible[idx].ID
	}
	return ""
}

func formatTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	t := time.UnixMilli(ms)
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
