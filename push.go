package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Feed tables and change types.
const (
	TableChats    = "chats"
	TableMessages = "messages"

	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// ============================================================================
// Change events
// ============================================================================

// ChangeEvent is one row change delivered by the feed.
type ChangeEvent struct {
	Table string          `json:"table"`
	Type  string          `json:"eventType"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

type reactionRow struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

// messageRow is a messages row as the feed carries it.
type messageRow struct {
	ID             string        `json:"id"`
	ChatID         string        `json:"chat_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	MessageType    string        `json:"message_type"`
	AttachmentURL  string        `json:"attachment_url"`
	AttachmentName string        `json:"attachment_name"`
	AttachmentSize int64         `json:"attachment_size"`
	ReplyToID      string        `json:"reply_to_id"`
	CreatedAt      time.Time     `json:"created_at"`
	Edited         bool          `json:"is_edited"`
	Recalled       bool          `json:"is_recalled"`
	Status         string        `json:"status"`
	ClientMsgID    string        `json:"client_msg_id"`
	Reactions      []reactionRow `json:"reactions"`
}

func (r messageRow) message() Message {
	m := Message{
		ID:          r.ID,
		ChatID:      r.ChatID,
		SenderID:    r.SenderID,
		Content:     r.Content,
		Type:        r.MessageType,
		ReplyToID:   r.ReplyToID,
		CreatedAt:   r.CreatedAt,
		Edited:      r.Edited,
		Status:      MessageStatus(r.Status),
		ClientMsgID: r.ClientMsgID,
	}
	if r.AttachmentURL != "" {
		m.Attachment = &Attachment{URL: r.AttachmentURL, Name: r.AttachmentName, Size: r.AttachmentSize}
	}
	if r.Recalled {
		m.Status = StatusRecalled
	}
	if r.Reactions != nil {
		m.Reactions = make([]Reaction, 0, len(r.Reactions))
		for _, rr := range r.Reactions {
			m.Reactions = append(m.Reactions, Reaction(rr))
		}
	}
	return m
}

// row returns the row image that identifies the change: the new image for
// inserts and updates, the old one for deletes.
func (e ChangeEvent) row() json.RawMessage {
	if e.Type == ChangeDelete && len(e.Old) > 0 {
		return e.Old
	}
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

func (e ChangeEvent) decodeMessage() (messageRow, error) {
	var r messageRow
	raw := e.row()
	if len(raw) == 0 {
		return r, errors.New("change event has no row")
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return r, errors.Wrap(err, "decoding message row")
	}
	if r.ID == "" {
		return r, errors.New("message row has no id")
	}
	return r, nil
}

// chatID returns the chat the event belongs to, or "" if the row does not
// say (a delete's old image may only carry the primary key).
func (e ChangeEvent) chatID() string {
	var ids struct {
		ID     string `json:"id"`
		ChatID string `json:"chat_id"`
	}
	if json.Unmarshal(e.row(), &ids) != nil {
		return ""
	}
	if e.Table == TableChats {
		return ids.ID
	}
	return ids.ChatID
}

// ============================================================================
// Subscriptions
// ============================================================================

// Topic selects the events a subscription receives. An empty ChatID matches
// every row of the table.
type Topic struct {
	Table  string
	ChatID string
}

func (t Topic) matches(e ChangeEvent) bool {
	if t.Table != e.Table {
		return false
	}
	if t.ChatID == "" {
		return true
	}
	id := e.chatID()
	return id == "" || id == t.ChatID
}

func (t Topic) String() string {
	if t.ChatID == "" {
		return t.Table
	}
	return t.Table + ":" + t.ChatID
}

// Feed delivers change events to subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, topic Topic) (*Subscription, error)
	Close() error
}

// Subscription is a handle on a stream of change events. Events are
// delivered on a buffered channel that is closed by Close.
type Subscription struct {
	topic   Topic
	events  chan ChangeEvent
	hub     *Hub
	once    sync.Once
	onClose func()
}

// Topic returns the subscription's topic.
func (s *Subscription) Topic() Topic { return s.topic }

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan ChangeEvent { return s.events }

// Close stops delivery and closes the channel. It is safe to call more than
// once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.hub.remove(s)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

// ============================================================================
// Hub
// ============================================================================

// DefaultSubscriptionBuffer is the per-subscription channel capacity.
const DefaultSubscriptionBuffer = 256

// Hub is an in-process Feed. Transports publish decoded events into it; it
// also serves tests and embedders that produce events themselves.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{}), buffer: DefaultSubscriptionBuffer}
}

// Subscribe registers a subscription for topic.
func (h *Hub) Subscribe(_ context.Context, topic Topic) (*Subscription, error) {
	return h.subscribe(topic, nil)
}

func (h *Hub) subscribe(topic Topic, onClose func()) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.New("feed closed")
	}
	sub := &Subscription{
		topic:   topic,
		events:  make(chan ChangeEvent, h.buffer),
		hub:     h,
		onClose: onClose,
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.events)
	}
}

// Topics returns the distinct topics with at least one live subscription.
func (h *Hub) Topics() []Topic {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[Topic]bool)
	var out []Topic
	for sub := range h.subs {
		if !seen[sub.topic] {
			seen[sub.topic] = true
			out = append(out, sub.topic)
		}
	}
	return out
}

// Publish delivers ev to every matching subscription and returns how many
// received it. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(ev ChangeEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for sub := range h.subs {
		if !sub.topic.matches(ev) {
			continue
		}
		select {
		case sub.events <- ev:
			n++
		default:
			jww.WARN.Printf("[chatsync push] subscriber %s is full, dropping %s %s event",
				sub.topic, ev.Table, ev.Type)
		}
	}
	return n
}

// Close closes every subscription. Later subscribes fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.events)
	}
	return nil
}

// ============================================================================
// Reconciler
// ============================================================================

// Push results recorded in metrics.
const (
	pushApplied   = "applied"
	pushIgnored   = "ignored"
	pushDebounced = "debounced"
	pushInvalid   = "invalid"
)

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	Clock        clock.Clock
	RefreshDelay time.Duration
	Metrics      *Metrics
}

// Reconciler applies feed events to a Store. It follows the session's chat
// list and the messages of whichever chat is selected.
type Reconciler struct {
	store   *Store
	feed    Feed
	metrics *Metrics
	refresh *Debouncer
	wake    chan struct{}

	mu  sync.Mutex
	ctx context.Context
}

// NewReconciler creates a reconciler for store fed by feed.
func NewReconciler(store *Store, feed Feed, opts *ReconcilerOptions) *Reconciler {
	if opts == nil {
		opts = &ReconcilerOptions{}
	}
	delay := opts.RefreshDelay
	if delay == 0 {
		delay = ChatRefreshDelay
	}
	r := &Reconciler{
		store:   store,
		feed:    feed,
		metrics: opts.Metrics,
		wake:    make(chan struct{}, 1),
	}
	r.refresh = NewDebouncer(opts.Clock, delay, r.refreshChats)
	store.On(EventSelection, func(string, any) {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	})
	return r
}

func (r *Reconciler) runContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

func (r *Reconciler) refreshChats() {
	r.metrics.chatRefresh()
	if err := r.store.RefreshChats(r.runContext()); err != nil {
		jww.WARN.Printf("[chatsync push] chat refresh failed: %v", err)
	}
}

// Run consumes the feed until ctx is done or the feed closes the chat
// subscription.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
	defer r.refresh.Stop()

	chats, err := r.feed.Subscribe(ctx, Topic{Table: TableChats})
	if err != nil {
		return errors.Wrap(err, "subscribing to chats")
	}
	defer chats.Close()

	var (
		msgs    *Subscription
		current string
	)
	follow := func() {
		id := r.store.SelectedChatID()
		if id == current && (msgs != nil || id == "") {
			return
		}
		if msgs != nil {
			msgs.Close()
			msgs = nil
		}
		current = id
		if id == "" {
			return
		}
		sub, err := r.feed.Subscribe(ctx, Topic{Table: TableMessages, ChatID: id})
		if err != nil {
			jww.WARN.Printf("[chatsync push] subscribing to messages of %s: %v", id, err)
			return
		}
		jww.DEBUG.Printf("[chatsync push] following messages of %s", id)
		msgs = sub
	}
	defer func() {
		if msgs != nil {
			msgs.Close()
		}
	}()
	follow()

	for {
		var msgEvents <-chan ChangeEvent
		if msgs != nil {
			msgEvents = msgs.Events()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			follow()
		case ev, ok := <-chats.Events():
			if !ok {
				jww.INFO.Printf("[chatsync push] feed closed the chat subscription")
				return nil
			}
			r.Apply(ev)
		case ev, ok := <-msgEvents:
			if !ok {
				msgs = nil
				continue
			}
			r.Apply(ev)
		}
	}
}

// Apply reconciles a single event with the store. Applying the same event
// twice leaves the store unchanged the second time.
func (r *Reconciler) Apply(ev ChangeEvent) {
	result := r.apply(ev)
	r.metrics.pushEvent(ev.Table, ev.Type, result)
	jww.TRACE.Printf("[chatsync push] %s %s -> %s", ev.Table, ev.Type, result)
}

func (r *Reconciler) apply(ev ChangeEvent) string {
	switch ev.Table {
	case TableChats:
		r.refresh.Trigger()
		return pushDebounced
	case TableMessages:
	default:
		return pushIgnored
	}

	row, err := ev.decodeMessage()
	if err != nil {
		jww.WARN.Printf("[chatsync push] dropping %s event: %v", ev.Type, err)
		return pushInvalid
	}

	var changed bool
	switch ev.Type {
	case ChangeInsert:
		changed = r.store.ApplyMessageInsert(row.message())
	case ChangeUpdate:
		changed = r.store.ApplyMessageUpdate(row.message())
	case ChangeDelete:
		changed = r.store.ApplyMessageDelete(row.ID)
	default:
		return pushInvalid
	}
	if changed {
		return pushApplied
	}
	return pushIgnored
}
