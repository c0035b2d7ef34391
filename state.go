package chatsync

import (
	"sort"
)

// State is a snapshot of everything the UI renders. Slices in a snapshot are
// never mutated after it is handed out.
type State struct {
	Chats         []Chat
	Selected      *Chat
	Messages      []Message
	ChatCursor    Cursor
	MessageCursor Cursor
	Err           *OpError
}

// The functions below are the only way store state changes. Each one takes
// the current slice and returns a new one, leaving its input untouched, so
// user actions and push events compose through the same rules.

// ============================================================================
// Message lifecycle
// ============================================================================

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

func isTerminal(s MessageStatus) bool {
	return s == StatusFailed || s == StatusRecalled
}

// CanTransition reports whether a message may move from one status to
// another.
func CanTransition(from, to MessageStatus) bool {
	if isTerminal(from) || from == to {
		return false
	}
	switch to {
	case StatusRecalled:
		return true
	case StatusSent, StatusFailed:
		return from == StatusSending
	case StatusDelivered, StatusRead:
		return statusRank[to] > statusRank[from] && from != StatusSending
	}
	return false
}

// advanceStatus applies an incoming status only when it moves the message
// forward, so late or duplicated events never roll a message back.
func advanceStatus(cur, next MessageStatus) MessageStatus {
	if next == "" || isTerminal(cur) {
		return cur
	}
	if next == StatusRecalled {
		return next
	}
	if r, ok := statusRank[next]; ok && r > statusRank[cur] {
		return next
	}
	return cur
}

// ============================================================================
// Message list transitions
// ============================================================================

func indexOfMessage(list []Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneMessages(list []Message) []Message {
	out := make([]Message, len(list), len(list)+1)
	copy(out, list)
	return out
}

func appendMessage(list []Message, m Message) []Message {
	return append(cloneMessages(list), m)
}

func removeMessage(list []Message, id string) ([]Message, bool) {
	i := indexOfMessage(list, id)
	if i < 0 {
		return list, false
	}
	out := make([]Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...), true
}

func patchMessage(list []Message, id string, fn func(*Message)) ([]Message, bool) {
	i := indexOfMessage(list, id)
	if i < 0 {
		return list, false
	}
	out := cloneMessages(list)
	m := out[i]
	m.Reactions = append([]Reaction(nil), m.Reactions...)
	fn(&m)
	out[i] = m
	return out, true
}

// confirmMessage swaps the temporary entry tempID for the server message.
// If the server id is already cached (a push insert won the race) the
// temporary entry is dropped instead, so the send yields exactly one entry.
func confirmMessage(list []Message, tempID string, server Message) ([]Message, bool) {
	if server.Status == "" || statusRank[server.Status] < statusRank[StatusSent] {
		server.Status = StatusSent
	}
	if existing := indexOfMessage(list, server.ID); existing >= 0 {
		out, _ := removeMessage(list, tempID)
		out, _ = patchMessage(out, server.ID, func(m *Message) {
			m.Status = advanceStatus(m.Status, server.Status)
		})
		return out, true
	}
	i := indexOfMessage(list, tempID)
	if i < 0 {
		return list, false
	}
	out := cloneMessages(list)
	out[i] = server
	return out, true
}

// mergeInsert applies a pushed message. A known id is ignored; a message
// carrying the idempotency key of a pending temporary entry replaces it.
func mergeInsert(list []Message, m Message) ([]Message, bool) {
	if indexOfMessage(list, m.ID) >= 0 {
		return list, false
	}
	if m.ClientMsgID != "" {
		if i := indexOfMessage(list, TempID(m.ClientMsgID)); i >= 0 {
			if m.Status == "" {
				m.Status = StatusSent
			}
			out := cloneMessages(list)
			out[i] = m
			return out, true
		}
	}
	if m.Status == "" {
		m.Status = StatusSent
	}
	return appendMessage(list, m), true
}

// mergeUpdate copies the mutable fields of a pushed message onto the cached
// entry with the same id. A recalled entry only takes reaction changes.
func mergeUpdate(list []Message, m Message) ([]Message, bool) {
	i := indexOfMessage(list, m.ID)
	if i < 0 {
		return list, false
	}
	cur := list[i]
	next := cur
	next.Status = advanceStatus(cur.Status, m.Status)
	if next.Status == StatusRecalled {
		// Content is frozen once recalled, whatever order edits arrive in.
		next.Content = RecalledPlaceholder
	} else {
		next.Content = m.Content
		next.Edited = m.Edited
	}
	if m.Reactions != nil {
		next.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if messagesEqual(cur, next) {
		return list, false
	}
	out := cloneMessages(list)
	out[i] = next
	return out, true
}

func messagesEqual(a, b Message) bool {
	if a.Content != b.Content || a.Edited != b.Edited || a.Status != b.Status || len(a.Reactions) != len(b.Reactions) {
		return false
	}
	for i := range a.Reactions {
		if a.Reactions[i] != b.Reactions[i] {
			return false
		}
	}
	return true
}

// prependPage puts an older page in front of the list. The page is sorted by
// creation time and ids already cached are dropped.
func prependPage(list []Message, page []Message) []Message {
	older := make([]Message, 0, len(page))
	seen := make(map[string]bool, len(list)+len(page))
	for _, m := range list {
		seen[m.ID] = true
	}
	for _, m := range page {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.Status == "" {
			m.Status = StatusSent
		}
		older = append(older, m)
	}
	sort.SliceStable(older, func(i, j int) bool { return older[i].CreatedAt.Before(older[j].CreatedAt) })
	return append(older, list...)
}

// toggleReaction adds or removes userID's emoji reaction.
func toggleReaction(reactions []Reaction, messageID, userID, emoji string) ([]Reaction, bool) {
	out := make([]Reaction, 0, len(reactions)+1)
	removed := false
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if removed {
		return out, false
	}
	return append(out, Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}), true
}

// ============================================================================
// Chat list transitions
// ============================================================================

func indexOfChat(list []Chat, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func normalizeChat(c Chat) Chat {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if c.Status == "" {
		c.Status = ChatActive
	}
	return c
}

// appendChats adds a page to the end of the list. Chats already cached are
// refreshed in place rather than duplicated.
func appendChats(list []Chat, page []Chat) []Chat {
	out := make([]Chat, len(list), len(list)+len(page))
	copy(out, list)
	for _, c := range page {
		c = normalizeChat(c)
		if i := indexOfChat(out, c.ID); i >= 0 {
			out[i] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

// replaceChats builds a fresh list from a refetch, deduplicating by id.
func replaceChats(page []Chat) []Chat {
	return appendChats(nil, page)
}

func prependChat(list []Chat, c Chat) []Chat {
	out := make([]Chat, 0, len(list)+1)
	out = append(out, normalizeChat(c))
	for _, existing := range list {
		if existing.ID != c.ID {
			out = append(out, existing)
		}
	}
	return out
}

func removeChat(list []Chat, id string) ([]Chat, bool) {
	i := indexOfChat(list, id)
	if i < 0 {
		return list, false
	}
	out := make([]Chat, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...), true
}

func patchChat(list []Chat, id string, fn func(*Chat)) ([]Chat, bool) {
	i := indexOfChat(list, id)
	if i < 0 {
		return list, false
	}
	out := make([]Chat, len(list))
	copy(out, list)
	c := out[i]
	fn(&c)
	out[i] = normalizeChat(c)
	return out, true
}
