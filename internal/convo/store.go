package convo

import (
	"sort"
	"sync"
)

// Store is the single holder of the visible conversation collection. All
// mutation goes through its methods; callers never touch the backing slice,
// which is what keeps the one-dispatcher-goroutine model consistent without
// wider locking.
//
// Ordering: lastActivityAt descending, id ascending on ties. The order is
// recomputed inside every mutation, never lazily.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*Summary
	list []*Summary
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*Summary)}
}

// ReplaceSnapshot atomically replaces the collection from a pull-based fetch.
// A snapshot response may have been issued before live events that already
// mutated the store, so per-conversation state is merged, never overwritten:
// unread = max(snapshot, current) and lastMessage = whichever has the later
// timestamp. Membership always follows the snapshot.
func (s *Store) ReplaceSnapshot(private, group []Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]*Summary, len(private)+len(group))
	nextList := make([]*Summary, 0, len(private)+len(group))

	ingest := func(in Summary) {
		if _, dup := next[in.ID]; dup {
			return
		}
		merged := in
		if cur, ok := s.byID[in.ID]; ok {
			if cur.UnreadCount > merged.UnreadCount {
				merged.UnreadCount = cur.UnreadCount
			}
			if laterMessage(cur.LastMessage, merged.LastMessage) {
				merged.LastMessage = cur.LastMessage
			}
			if cur.LastActivityAt > merged.LastActivityAt {
				merged.LastActivityAt = cur.LastActivityAt
			}
		}
		if resolved := merged.ActivityTime(); resolved > merged.LastActivityAt {
			merged.LastActivityAt = resolved
		}
		next[merged.ID] = &merged
		nextList = append(nextList, &merged)
	}

	for _, in := range private {
		ingest(in)
	}
	for _, in := range group {
		ingest(in)
	}

	s.byID = next
	s.list = nextList
	s.resort()
}

// ApplyNewMessage records a live message against its conversation: updates
// lastMessage and lastActivityAt, bumps the unread count unless the local
// user sent it, and re-sorts. Returns false if the conversation is unknown;
// the caller is responsible for triggering a snapshot refresh to discover it.
func (s *Store) ApplyNewMessage(conversationID string, msg LastMessage, isOwnMessage bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[conversationID]
	if !ok {
		return false
	}

	m := msg
	cur.LastMessage = &m
	if msg.Timestamp > cur.LastActivityAt {
		cur.LastActivityAt = msg.Timestamp
	}
	if !isOwnMessage {
		cur.UnreadCount++
	}
	s.resort()
	return true
}

// ResetUnread zeroes the unread count for the given conversation. Reports
// whether anything changed; absent ids are a no-op.
func (s *Store) ResetUnread(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[conversationID]
	if !ok || cur.UnreadCount == 0 {
		return false
	}
	cur.UnreadCount = 0
	return true
}

// Remove drops the given ids from the visible collection. This is the local
// leg of a visibility hide, not a destructive delete of shared history.
func (s *Store) Remove(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.byID, id)
	}
	kept := s.list[:0]
	for _, c := range s.list {
		if _, ok := s.byID[c.ID]; ok {
			kept = append(kept, c)
		}
	}
	s.list = kept
	s.resort()
}

// Get returns a copy of one conversation summary.
func (s *Store) Get(conversationID string) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.byID[conversationID]
	if !ok {
		return Summary{}, false
	}
	return *cur, true
}

// List returns the ordered collection as a copy.
func (s *Store) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, len(s.list))
	for i, c := range s.list {
		out[i] = *c
	}
	return out
}

// Len returns the number of visible conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// resort orders by lastActivityAt descending, id ascending on ties.
// Callers hold s.mu.
func (s *Store) resort() {
	sort.SliceStable(s.list, func(i, j int) bool {
		a, b := s.list[i], s.list[j]
		if a.LastActivityAt != b.LastActivityAt {
			return a.LastActivityAt > b.LastActivityAt
		}
		return a.ID < b.ID
	})
}

// laterMessage reports whether a should win over b when merging snapshots.
func laterMessage(a, b *LastMessage) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.Timestamp > b.Timestamp
}
