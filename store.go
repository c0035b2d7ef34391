package chatsync

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	jww "github.com/spf13/jwalterweatherman"
)

// Store events.
const (
	EventChats         = "chats.changed"
	EventSelection     = "chat.selected"
	EventMessages      = "messages.changed"
	EventError         = "error"
	EventMessageFailed = "message.failed"
)

// MessageFailure is the payload of EventMessageFailed.
type MessageFailure struct {
	MessageID string
	Err       *OpError
}

// ============================================================================
// Event Emitter
// ============================================================================

// StoreEventHandler observes store changes. State events carry a State
// snapshot; EventMessageFailed carries a MessageFailure.
type StoreEventHandler func(event string, payload any)

type storeEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]StoreEventHandler
}

// On registers handler for event.
func (e *storeEmitter) On(event string, handler StoreEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *storeEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					jww.ERROR.Printf("[chatsync store] %s handler panicked: %v", event, r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *storeEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]StoreEventHandler)
}

// ============================================================================
// Store
// ============================================================================

// StoreOptions configures a Store.
type StoreOptions struct {
	// Journal records in-flight sends. Defaults to a MemoryJournal.
	Journal Journal
	// Keys generates idempotency keys. Defaults to NewKeyGenerator().
	Keys    *KeyGenerator
	Metrics *Metrics
	Clock   clock.Clock
	// KeepFailedEdits leaves an optimistic edit, recall or reaction in
	// place when its command fails instead of reverting it.
	KeepFailedEdits bool
}

// Store is the optimistic state the UI renders: the chat list, the selected
// chat and its loaded messages.
type Store struct {
	storeEmitter
	gw      Gateway
	userID  string
	keys    *KeyGenerator
	journal Journal
	metrics *Metrics
	clock   clock.Clock

	keepFailedEdits bool

	// journaled holds the keys this store counted in the pending gauge.
	jmu       sync.Mutex
	journaled map[string]struct{}

	mu           sync.Mutex
	chats        []Chat
	selected     *Chat
	epoch        uint64
	messages     []Message
	chatCursor   Cursor
	msgCursor    Cursor
	err          *OpError
	refreshing   bool
	refreshAgain bool
}

// NewStore creates a store acting as userID against gw.
func NewStore(gw Gateway, userID string, opts *StoreOptions) *Store {
	s := &Store{
		storeEmitter: storeEmitter{listeners: make(map[string][]StoreEventHandler)},
		gw:           gw,
		userID:       userID,
		journaled:    make(map[string]struct{}),
		chatCursor:   newCursor(),
		msgCursor:    newCursor(),
	}
	if opts != nil {
		s.journal = opts.Journal
		s.keys = opts.Keys
		s.metrics = opts.Metrics
		s.clock = opts.Clock
		s.keepFailedEdits = opts.KeepFailedEdits
	}
	if s.journal == nil {
		s.journal = NewMemoryJournal()
	}
	if s.keys == nil {
		s.keys = NewKeyGenerator()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	return s
}

// UserID returns the acting user.
func (s *Store) UserID() string {
	return s.userID
}

// State returns a snapshot of the current state.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SelectedChatID returns the id of the selected chat, or "".
func (s *Store) SelectedChatID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return ""
	}
	return s.selected.ID
}

// ClearError drops the store-level error.
func (s *Store) ClearError() {
	s.commit(func() bool {
		if s.err == nil {
			return false
		}
		s.err = nil
		return true
	}, EventError)
}

func (s *Store) snapshotLocked() State {
	st := State{
		Chats:         s.chats,
		Messages:      s.messages,
		ChatCursor:    s.chatCursor,
		MessageCursor: s.msgCursor,
		Err:           s.err,
	}
	if s.selected != nil {
		c := *s.selected
		st.Selected = &c
	}
	return st
}

// commit applies fn under the lock and, if it reports a change, notifies
// observers of events with the resulting snapshot.
func (s *Store) commit(fn func() bool, events ...string) {
	s.mu.Lock()
	changed := fn()
	var st State
	if changed {
		st = s.snapshotLocked()
	}
	s.mu.Unlock()
	if !changed {
		return
	}
	for _, ev := range events {
		s.emit(ev, st)
	}
}

// isCurrentLocked reports whether chatID is still selected under epoch.
func (s *Store) isCurrentLocked(chatID string, epoch uint64) bool {
	return s.selected != nil && s.selected.ID == chatID && s.epoch == epoch
}

func (s *Store) fail(code string, err error) *OpError {
	opErr := newOpError(code, err)
	s.commit(func() bool {
		s.err = opErr
		return true
	}, EventError)
	return opErr
}

// ============================================================================
// Chat list
// ============================================================================

// RefreshChats refetches the chat list from the first row, keeping as many
// rows as are currently loaded. A refresh requested while one is running is
// folded into a single follow-up refetch.
func (s *Store) RefreshChats(ctx context.Context) error {
	s.mu.Lock()
	if s.refreshing {
		s.refreshAgain = true
		s.mu.Unlock()
		return nil
	}
	s.refreshing = true
	s.mu.Unlock()

	for {
		err := s.refreshOnce(ctx)
		s.mu.Lock()
		again := s.refreshAgain && err == nil
		s.refreshAgain = false
		if !again {
			s.refreshing = false
			s.mu.Unlock()
			return err
		}
		s.mu.Unlock()
	}
}

func (s *Store) refreshOnce(ctx context.Context) error {
	s.mu.Lock()
	limit := ChatPageSize
	if s.chatCursor.Offset > limit {
		limit = s.chatCursor.Offset
	}
	s.mu.Unlock()

	chats, err := s.gw.ListChats(ctx, limit, 0)
	if err != nil {
		jww.WARN.Printf("[chatsync store] refreshing chats: %v", err)
		return s.fail(CodeLoadChatsFailed, err)
	}

	s.commit(func() bool {
		s.chats = replaceChats(chats)
		s.chatCursor.restart(len(chats), limit)
		s.err = nil
		if s.selected != nil {
			if i := indexOfChat(s.chats, s.selected.ID); i >= 0 {
				c := s.chats[i]
				s.selected = &c
			}
		}
		return true
	}, EventChats)
	return nil
}

// LoadMoreChats fetches the next page of chats and appends it. It is a
// no-op while a load is running or once the list is exhausted.
func (s *Store) LoadMoreChats(ctx context.Context) error {
	s.mu.Lock()
	if !s.chatCursor.begin() {
		s.mu.Unlock()
		return nil
	}
	offset := s.chatCursor.Offset
	s.mu.Unlock()

	page, err := s.gw.ListChats(ctx, ChatPageSize, offset)
	if err != nil {
		s.commit(func() bool { s.chatCursor.fail(); return true }, EventChats)
		return s.fail(CodeLoadChatsFailed, err)
	}

	s.commit(func() bool {
		s.chats = appendChats(s.chats, page)
		s.chatCursor.complete(len(page), ChatPageSize)
		return true
	}, EventChats)
	return nil
}

// CreateChat creates a chat on the server, prepends it and selects it.
// Chats are not created optimistically: one must exist server-side before
// messages can address it.
func (s *Store) CreateChat(ctx context.Context, params CreateChatParams) (*Chat, error) {
	chat, err := s.gw.CreateChat(ctx, params)
	if err != nil {
		return nil, s.fail(CodeCreateChatFailed, err)
	}
	s.commit(func() bool {
		s.chats = prependChat(s.chats, *chat)
		return true
	}, EventChats)
	return chat, s.SelectChat(ctx, chat)
}

// RenameChat renames a chat once the server has accepted it.
func (s *Store) RenameChat(ctx context.Context, chatID, name string) error {
	updated, err := s.gw.UpdateChat(ctx, UpdateChatParams{ChatID: chatID, Name: &name})
	if err != nil {
		return s.fail(CodeUpdateChatFailed, err)
	}
	if updated != nil && updated.Name != "" {
		name = updated.Name
	}
	s.commit(func() bool {
		var changed bool
		s.chats, changed = patchChat(s.chats, chatID, func(c *Chat) { c.Name = name })
		if s.selected != nil && s.selected.ID == chatID {
			c := *s.selected
			c.Name = name
			s.selected = &c
			changed = true
		}
		return changed
	}, EventChats, EventSelection)
	return nil
}

// ArchiveChat archives a chat and drops it from the list.
func (s *Store) ArchiveChat(ctx context.Context, chatID string) error {
	return s.retireChat(ctx, chatID, ChatArchived)
}

// DeleteChat deletes a chat and drops it from the list.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	return s.retireChat(ctx, chatID, ChatDeleted)
}

func (s *Store) retireChat(ctx context.Context, chatID string, status ChatStatus) error {
	if _, err := s.gw.UpdateChat(ctx, UpdateChatParams{ChatID: chatID, Status: &status}); err != nil {
		return s.fail(CodeUpdateChatFailed, err)
	}
	s.commit(func() bool {
		var changed bool
		s.chats, changed = removeChat(s.chats, chatID)
		if changed && s.chatCursor.Offset > 0 {
			s.chatCursor.Offset--
		}
		if s.selected != nil && s.selected.ID == chatID {
			s.clearSelectionLocked()
			changed = true
		}
		return changed
	}, EventChats, EventSelection, EventMessages)
	return nil
}

// ============================================================================
// Selection and message history
// ============================================================================

func (s *Store) clearSelectionLocked() {
	s.selected = nil
	s.messages = nil
	s.msgCursor = newCursor()
	s.epoch++
}

// SelectChat makes chat the active chat, or clears the selection when chat
// is nil. Switching drops the loaded messages, loads the newest page of the
// new chat and marks it read. Load failures are returned and recorded as the
// store error; mark-read failures are only logged.
func (s *Store) SelectChat(ctx context.Context, chat *Chat) error {
	s.mu.Lock()
	if chat == nil {
		if s.selected == nil {
			s.mu.Unlock()
			return nil
		}
		s.clearSelectionLocked()
		st := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(EventSelection, st)
		s.emit(EventMessages, st)
		return nil
	}
	if s.selected != nil && s.selected.ID == chat.ID {
		s.mu.Unlock()
		return nil
	}
	s.clearSelectionLocked()
	c := *chat
	s.selected = &c
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(EventSelection, st)
	s.emit(EventMessages, st)

	err := s.LoadMoreMessages(ctx)
	s.markRead(ctx, chat.ID)
	return err
}

func (s *Store) markRead(ctx context.Context, chatID string) {
	if err := s.gw.MarkRead(ctx, chatID); err != nil {
		jww.WARN.Printf("[chatsync store] mark_read %s failed: %v", chatID, err)
		return
	}
	s.commit(func() bool {
		var changed bool
		s.chats, changed = patchChat(s.chats, chatID, func(c *Chat) { c.UnreadCount = 0 })
		if s.selected != nil && s.selected.ID == chatID && s.selected.UnreadCount != 0 {
			c := *s.selected
			c.UnreadCount = 0
			s.selected = &c
			changed = true
		}
		return changed
	}, EventChats)
}

// LoadMoreMessages fetches the page of messages older than the earliest
// loaded one and prepends it. It is a no-op without a selected chat, while a
// load is running, or once history is exhausted.
func (s *Store) LoadMoreMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.selected == nil || !s.msgCursor.begin() {
		s.mu.Unlock()
		return nil
	}
	chatID, epoch, offset := s.selected.ID, s.epoch, s.msgCursor.Offset
	s.mu.Unlock()

	page, err := s.gw.GetMessages(ctx, chatID, MessagePageSize, offset)

	s.mu.Lock()
	if !s.isCurrentLocked(chatID, epoch) {
		s.mu.Unlock()
		jww.DEBUG.Printf("[chatsync store] dropping stale message page for %s", chatID)
		return nil
	}
	if err != nil {
		s.msgCursor.fail()
		s.mu.Unlock()
		jww.WARN.Printf("[chatsync store] loading messages for %s: %v", chatID, err)
		return s.fail(CodeLoadMessagesFailed, err)
	}
	s.messages = prependPage(s.messages, page)
	s.msgCursor.complete(len(page), MessagePageSize)
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(EventMessages, st)
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage appends a temporary message to the selected chat right away
// and then submits it. On success the temporary entry is replaced by the
// server's message. A duplicate answer means the key was already applied:
// the temporary entry is swapped for the original message when the server
// returns it and removed otherwise. On failure the entry stays visible with
// status failed.
func (s *Store) SendMessage(ctx context.Context, content string, opts *SendOptions) (*Message, error) {
	s.mu.Lock()
	if s.selected == nil {
		s.mu.Unlock()
		return nil, ErrNoChatSelected
	}
	key := s.keys.New(s.userID)
	temp := Message{
		ID:          TempID(key),
		ChatID:      s.selected.ID,
		SenderID:    s.userID,
		Content:     content,
		Type:        "text",
		CreatedAt:   s.clock.Now().UTC(),
		Status:      StatusSending,
		ClientMsgID: key,
	}
	if opts != nil {
		if opts.Type != "" {
			temp.Type = opts.Type
		}
		temp.Attachment = opts.Attachment
		temp.ReplyToID = opts.ReplyToID
	}
	s.messages = appendMessage(s.messages, temp)
	epoch := s.epoch
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(EventMessages, st)

	p := PendingSend{
		ClientMsgID: key,
		ChatID:      temp.ChatID,
		SenderID:    temp.SenderID,
		Content:     temp.Content,
		MessageType: temp.Type,
		Attachment:  temp.Attachment,
		ReplyToID:   temp.ReplyToID,
		CreatedAt:   temp.CreatedAt,
	}
	return s.submit(ctx, p, epoch)
}

func (s *Store) submit(ctx context.Context, p PendingSend, epoch uint64) (*Message, error) {
	if err := s.journal.Put(ctx, p); err != nil {
		jww.WARN.Printf("[chatsync store] journaling %s: %v", p.ClientMsgID, err)
	} else {
		s.trackJournal(p.ClientMsgID)
	}

	res, err := s.gw.SendMessage(ctx, p.params())
	s.resolveJournal(p.ClientMsgID)
	tempID := TempID(p.ClientMsgID)

	if err != nil {
		opErr := newOpError(CodeSendMessageFailed, err)
		jww.WARN.Printf("[chatsync store] send %s failed: %v", p.ClientMsgID, err)
		s.commit(func() bool {
			if !s.isCurrentLocked(p.ChatID, epoch) {
				return false
			}
			var changed bool
			s.messages, changed = patchMessage(s.messages, tempID, func(m *Message) {
				if m.Status == StatusSending {
					m.Status = StatusFailed
				}
			})
			return changed
		}, EventMessages)
		s.emit(EventMessageFailed, MessageFailure{MessageID: tempID, Err: opErr})
		return nil, opErr
	}

	if res.Duplicate {
		// The push insert for the original send supplies the entry.
		jww.DEBUG.Printf("[chatsync store] send %s already applied", p.ClientMsgID)
		s.commit(func() bool {
			if !s.isCurrentLocked(p.ChatID, epoch) {
				return false
			}
			var changed bool
			s.messages, changed = removeMessage(s.messages, tempID)
			return changed
		}, EventMessages)
		return res.Message, nil
	}

	if res.Message == nil || res.Message.ID == "" {
		// The push insert carrying our key will swap the entry later.
		jww.WARN.Printf("[chatsync store] send %s succeeded without a message body", p.ClientMsgID)
		s.commit(func() bool {
			if !s.isCurrentLocked(p.ChatID, epoch) {
				return false
			}
			var changed bool
			s.messages, changed = patchMessage(s.messages, tempID, func(m *Message) { m.Status = StatusSent })
			return changed
		}, EventMessages)
		return nil, nil
	}

	server := *res.Message
	if server.ClientMsgID == "" {
		server.ClientMsgID = p.ClientMsgID
	}
	if server.ChatID == "" {
		server.ChatID = p.ChatID
	}
	s.commit(func() bool {
		if !s.isCurrentLocked(p.ChatID, epoch) {
			return false
		}
		var changed bool
		s.messages, changed = confirmMessage(s.messages, tempID, server)
		return changed
	}, EventMessages)
	if server.Status == "" {
		server.Status = StatusSent
	}
	return &server, nil
}

func (s *Store) trackJournal(key string) {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if _, ok := s.journaled[key]; ok {
		return
	}
	s.journaled[key] = struct{}{}
	s.metrics.pending(1)
}

func (s *Store) resolveJournal(key string) {
	if err := s.journal.Remove(context.Background(), key); err != nil {
		jww.WARN.Printf("[chatsync store] clearing journal entry %s: %v", key, err)
		return
	}
	s.jmu.Lock()
	defer s.jmu.Unlock()
	if _, ok := s.journaled[key]; ok {
		delete(s.journaled, key)
		s.metrics.pending(-1)
	}
}

// RetryMessage resubmits a failed message as a new send with a fresh
// idempotency key. The failed entry is removed.
func (s *Store) RetryMessage(ctx context.Context, messageID string) (*Message, error) {
	s.mu.Lock()
	i := indexOfMessage(s.messages, messageID)
	if i < 0 {
		s.mu.Unlock()
		return nil, ErrMessageNotFound
	}
	failed := s.messages[i]
	if failed.Status != StatusFailed {
		s.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	s.messages, _ = removeMessage(s.messages, messageID)
	s.mu.Unlock()

	return s.SendMessage(ctx, failed.Content, &SendOptions{
		Type:       failed.Type,
		Attachment: failed.Attachment,
		ReplyToID:  failed.ReplyToID,
	})
}

// DismissMessage drops a failed message from the list.
func (s *Store) DismissMessage(messageID string) error {
	var err error
	s.commit(func() bool {
		i := indexOfMessage(s.messages, messageID)
		if i < 0 {
			err = ErrMessageNotFound
			return false
		}
		if s.messages[i].Status != StatusFailed {
			err = ErrInvalidTransition
			return false
		}
		s.messages, _ = removeMessage(s.messages, messageID)
		return true
	}, EventMessages)
	return err
}

// ResumePending resubmits sends left in the journal by a previous run, with
// their original idempotency keys. Sends the server had already applied come
// back as duplicates and have no further effect. Transient failures stay
// journaled for the next attempt. It returns the number of sends resolved.
func (s *Store) ResumePending(ctx context.Context) (int, error) {
	pending, err := s.journal.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		s.trackJournal(p.ClientMsgID)
	}
	resolved := 0
	for _, p := range pending {
		res, err := s.gw.SendMessage(ctx, p.params())
		if err != nil {
			if IsTransient(err) {
				jww.WARN.Printf("[chatsync store] pending send %s still unreachable: %v", p.ClientMsgID, err)
				continue
			}
			jww.ERROR.Printf("[chatsync store] abandoning pending send %s: %v", p.ClientMsgID, err)
			s.resolveJournal(p.ClientMsgID)
			continue
		}
		s.resolveJournal(p.ClientMsgID)
		resolved++
		if res.Message == nil || res.Message.ID == "" {
			continue
		}
		server := *res.Message
		server.ClientMsgID = p.ClientMsgID
		if server.ChatID == "" {
			server.ChatID = p.ChatID
		}
		s.ApplyMessageInsert(server)
	}
	return resolved, nil
}

// ============================================================================
// Edit, recall, react
// ============================================================================

// EditMessage replaces a message's content locally and on the server. If the
// command fails the local edit is reverted, unless KeepFailedEdits is set or
// another writer changed the message meanwhile.
func (s *Store) EditMessage(ctx context.Context, messageID, content string) error {
	s.mu.Lock()
	i := indexOfMessage(s.messages, messageID)
	if i < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	prev := s.messages[i]
	if prev.IsTemporary() || isTerminal(prev.Status) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.messages, _ = patchMessage(s.messages, messageID, func(m *Message) {
		m.Content = content
		m.Edited = true
	})
	chatID, epoch := prev.ChatID, s.epoch
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(EventMessages, st)

	updated, err := s.gw.EditMessage(ctx, messageID, content)
	if err != nil {
		if !s.keepFailedEdits {
			s.commit(func() bool {
				if !s.isCurrentLocked(chatID, epoch) {
					return false
				}
				var changed bool
				s.messages, changed = patchMessage(s.messages, messageID, func(m *Message) {
					if m.Content == content && m.Edited {
						m.Content = prev.Content
						m.Edited = prev.Edited
					}
				})
				return changed
			}, EventMessages)
		}
		return newOpError(CodeEditMessageFailed, err)
	}
	if updated != nil && updated.ID == messageID {
		s.ApplyMessageUpdate(*updated)
	}
	return nil
}

// RecallMessage marks a message recalled locally and on the server. Failed
// recalls are reverted like failed edits.
func (s *Store) RecallMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	i := indexOfMessage(s.messages, messageID)
	if i < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	prev := s.messages[i]
	if prev.IsTemporary() || !CanTransition(prev.Status, StatusRecalled) {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.messages, _ = patchMessage(s.messages, messageID, func(m *Message) {
		m.Status = StatusRecalled
		m.Content = RecalledPlaceholder
	})
	chatID, epoch := prev.ChatID, s.epoch
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(EventMessages, st)

	if _, err := s.gw.RecallMessage(ctx, messageID); err != nil {
		if !s.keepFailedEdits {
			s.commit(func() bool {
				if !s.isCurrentLocked(chatID, epoch) {
					return false
				}
				var changed bool
				s.messages, changed = patchMessage(s.messages, messageID, func(m *Message) {
					if m.Status == StatusRecalled && m.Content == RecalledPlaceholder {
						m.Status = prev.Status
						m.Content = prev.Content
					}
				})
				return changed
			}, EventMessages)
		}
		return newOpError(CodeRecallMessageFailed, err)
	}
	return nil
}

// ToggleReaction adds the user's emoji reaction to a message, or removes it
// if present.
func (s *Store) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	i := indexOfMessage(s.messages, messageID)
	if i < 0 {
		s.mu.Unlock()
		return ErrMessageNotFound
	}
	if s.messages[i].IsTemporary() || s.messages[i].Status == StatusRecalled {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	var added bool
	s.messages, _ = patchMessage(s.messages, messageID, func(m *Message) {
		m.Reactions, added = toggleReaction(m.Reactions, messageID, s.userID, emoji)
	})
	chatID, epoch := s.messages[i].ChatID, s.epoch
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(EventMessages, st)

	res, err := s.gw.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		if !s.keepFailedEdits {
			s.commit(func() bool {
				if !s.isCurrentLocked(chatID, epoch) {
					return false
				}
				var changed bool
				s.messages, changed = patchMessage(s.messages, messageID, func(m *Message) {
					if hasReaction(m.Reactions, s.userID, emoji) == added {
						m.Reactions, _ = toggleReaction(m.Reactions, messageID, s.userID, emoji)
					}
				})
				return changed
			}, EventMessages)
		}
		return newOpError(CodeReactMessageFailed, err)
	}
	if res != nil && res.Added && res.Reaction != nil && res.Reaction.ID != "" {
		s.commit(func() bool {
			var changed bool
			s.messages, changed = patchMessage(s.messages, messageID, func(m *Message) {
				for k := range m.Reactions {
					if m.Reactions[k].UserID == s.userID && m.Reactions[k].Emoji == emoji {
						m.Reactions[k].ID = res.Reaction.ID
					}
				}
			})
			return changed
		}, EventMessages)
	}
	return nil
}

func hasReaction(reactions []Reaction, userID, emoji string) bool {
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// ============================================================================
// Push merges
// ============================================================================

// ApplyMessageInsert merges a message created elsewhere into the selected
// chat. It reports whether the list changed.
func (s *Store) ApplyMessageInsert(m Message) bool {
	var changed bool
	s.commit(func() bool {
		if s.selected == nil || s.selected.ID != m.ChatID {
			return false
		}
		s.messages, changed = mergeInsert(s.messages, m)
		return changed
	}, EventMessages)
	return changed
}

// ApplyMessageUpdate copies the mutable fields of m onto the cached message
// with the same id. Unknown ids are ignored.
func (s *Store) ApplyMessageUpdate(m Message) bool {
	var changed bool
	s.commit(func() bool {
		if s.selected == nil || (m.ChatID != "" && s.selected.ID != m.ChatID) {
			return false
		}
		s.messages, changed = mergeUpdate(s.messages, m)
		return changed
	}, EventMessages)
	return changed
}

// ApplyMessageDelete removes a cached message by id. Unknown ids are
// ignored, so repeated deletes are harmless.
func (s *Store) ApplyMessageDelete(messageID string) bool {
	var changed bool
	s.commit(func() bool {
		s.messages, changed = removeMessage(s.messages, messageID)
		return changed
	}, EventMessages)
	return changed
}
