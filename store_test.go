package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Fake gateway
// ============================================================================

var errUnavailable = &TransientError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("unavailable")}

func rejected(code, msg string) error {
	return &LogicError{StatusCode: http.StatusBadRequest, APIError: APIError{Code: code, Message: msg}}
}

// fakeGateway is an in-memory Gateway. Messages are kept oldest first per
// chat; pages are served newest first like the real backend.
type fakeGateway struct {
	mu       sync.Mutex
	chats    []Chat
	messages map[string][]Message
	byKey    map[string]Message
	nextID   int
	calls    map[string]int

	listChatsErr   error
	getMessagesErr error
	sendErrs       []error
	markReadErr    error
	updateErr      error
	editErr        error
	recallErr      error
	reactErr       error

	// block, when set for a chat, holds GetMessages until it is closed.
	block   map[string]chan struct{}
	entered chan string
	// beforeSendReply runs after a send is persisted and before it returns.
	beforeSendReply func(Message)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		messages: make(map[string][]Message),
		byKey:    make(map[string]Message),
		calls:    make(map[string]int),
		block:    make(map[string]chan struct{}),
	}
}

func (f *fakeGateway) called(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[action]
}

func (f *fakeGateway) addChats(n int) {
	for i := 0; i < n; i++ {
		f.chats = append(f.chats, Chat{ID: fmt.Sprintf("c%d", i+1), Name: fmt.Sprintf("chat %d", i+1), Kind: ChatGroup})
	}
}

func (f *fakeGateway) addMessages(chatID string, n int) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		f.messages[chatID] = append(f.messages[chatID], Message{
			ID:        fmt.Sprintf("%s-m%03d", chatID, i+1),
			ChatID:    chatID,
			SenderID:  "u2",
			Content:   fmt.Sprintf("message %d", i+1),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			Status:    StatusSent,
		})
	}
}

func (f *fakeGateway) ListChats(_ context.Context, limit, offset int) ([]Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionListChats]++
	if f.listChatsErr != nil {
		return nil, f.listChatsErr
	}
	if offset >= len(f.chats) {
		return []Chat{}, nil
	}
	end := offset + limit
	if end > len(f.chats) {
		end = len(f.chats)
	}
	return append([]Chat(nil), f.chats[offset:end]...), nil
}

func (f *fakeGateway) GetMessages(_ context.Context, chatID string, limit, offset int) ([]Message, error) {
	f.mu.Lock()
	f.calls[ActionGetMessages]++
	gate := f.block[chatID]
	entered := f.entered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- chatID
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getMessagesErr != nil {
		return nil, f.getMessagesErr
	}
	list := f.messages[chatID]
	end := len(list) - offset
	if end <= 0 {
		return []Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	page := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, list[i])
	}
	return page, nil
}

func (f *fakeGateway) CreateChat(_ context.Context, params CreateChatParams) (*Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionCreateChat]++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.nextID++
	c := Chat{ID: fmt.Sprintf("new-%d", f.nextID), Name: params.Name, Kind: params.Kind, Participants: params.Participants}
	f.chats = append([]Chat{c}, f.chats...)
	return &c, nil
}

func (f *fakeGateway) SendMessage(_ context.Context, params SendMessageParams) (*SendResult, error) {
	f.mu.Lock()
	f.calls[ActionSendMessage]++
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if m, ok := f.byKey[params.ClientMsgID]; ok {
		f.mu.Unlock()
		return &SendResult{Message: &m, Duplicate: true}, nil
	}
	f.nextID++
	m := Message{
		ID:          fmt.Sprintf("srv-%d", f.nextID),
		ChatID:      params.ChatID,
		SenderID:    "u1",
		Content:     params.Content,
		Type:        params.MessageType,
		ReplyToID:   params.ReplyToID,
		CreatedAt:   time.Now().UTC(),
		Status:      StatusSent,
		ClientMsgID: params.ClientMsgID,
	}
	f.byKey[params.ClientMsgID] = m
	f.messages[params.ChatID] = append(f.messages[params.ChatID], m)
	hook := f.beforeSendReply
	f.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return &SendResult{Message: &m}, nil
}

func (f *fakeGateway) MarkRead(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionMarkRead]++
	return f.markReadErr
}

func (f *fakeGateway) UpdateChat(_ context.Context, params UpdateChatParams) (*Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionUpdateChat]++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	c := Chat{ID: params.ChatID}
	if params.Name != nil {
		c.Name = *params.Name
	}
	return &c, nil
}

func (f *fakeGateway) EditMessage(_ context.Context, messageID, content string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionEditMessage]++
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &Message{ID: messageID, Content: content, Edited: true}, nil
}

func (f *fakeGateway) RecallMessage(_ context.Context, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionRecallMessage]++
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	return &Message{ID: messageID, Status: StatusRecalled}, nil
}

func (f *fakeGateway) ToggleReaction(_ context.Context, messageID, emoji string) (*ReactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[ActionToggleReaction]++
	if f.reactErr != nil {
		return nil, f.reactErr
	}
	return &ReactionResult{Added: true, Reaction: &Reaction{ID: "r-1", MessageID: messageID, UserID: "u1", Emoji: emoji}}, nil
}

func newTestStore(gw Gateway, opts *StoreOptions) *Store {
	if opts == nil {
		opts = &StoreOptions{}
	}
	if opts.Keys == nil {
		n := 0
		opts.Keys = &KeyGenerator{
			clock: clock.NewMock(),
			salt: func() string {
				n++
				return fmt.Sprintf("salt%08d", n)
			},
		}
	}
	return NewStore(gw, "u1", opts)
}

func messageIDs(list []Message) []string {
	ids := make([]string, len(list))
	for i, m := range list {
		ids[i] = m.ID
	}
	return ids
}

// ============================================================================
// Sending
// ============================================================================

func TestSendMessageToEmptyChat(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(gw, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []MessageStatus
	store.On(EventMessages, func(_ string, payload any) {
		st := payload.(State)
		mu.Lock()
		defer mu.Unlock()
		for _, m := range st.Messages {
			seen = append(seen, m.Status)
		}
	})

	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))
	assert.Empty(t, store.State().Messages)

	msg, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)

	st := store.State()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, msg.ID, st.Messages[0].ID)
	assert.False(t, st.Messages[0].IsTemporary())
	assert.Equal(t, StatusSent, st.Messages[0].Status)
	assert.Equal(t, "hi", st.Messages[0].Content)
	assert.Nil(t, st.Err)

	mu.Lock()
	assert.Equal(t, []MessageStatus{StatusSending, StatusSent}, seen)
	mu.Unlock()
}

func TestSendMessageRequiresSelection(t *testing.T) {
	store := newTestStore(newFakeGateway(), nil)
	_, err := store.SendMessage(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, ErrNoChatSelected)
}

func TestSendMessageAppendsBeforeRoundTrip(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	gw.beforeSendReply = func(Message) {
		st := store.State()
		require.Len(t, st.Messages, 1)
		assert.True(t, st.Messages[0].IsTemporary())
		assert.Equal(t, StatusSending, st.Messages[0].Status)
		assert.Equal(t, TempID(st.Messages[0].ClientMsgID), st.Messages[0].ID)
	}
	_, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)
}

func TestSendMessagePreservesSubmissionOrder(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	for _, text := range []string{"one", "two", "three"} {
		_, err := store.SendMessage(ctx, text, nil)
		require.NoError(t, err)
	}
	var contents []string
	for _, m := range store.State().Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, contents)
}

func TestPushInsertRacingOptimisticReplace(t *testing.T) {
	t.Run("push after confirmation", func(t *testing.T) {
		gw := newFakeGateway()
		store := newTestStore(gw, nil)
		ctx := context.Background()
		require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

		msg, err := store.SendMessage(ctx, "hi", nil)
		require.NoError(t, err)

		assert.False(t, store.ApplyMessageInsert(*msg))
		assert.Equal(t, []string{msg.ID}, messageIDs(store.State().Messages))
	})

	t.Run("push before confirmation", func(t *testing.T) {
		gw := newFakeGateway()
		store := newTestStore(gw, nil)
		ctx := context.Background()
		require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

		gw.beforeSendReply = func(m Message) {
			assert.True(t, store.ApplyMessageInsert(m))
		}
		msg, err := store.SendMessage(ctx, "hi", nil)
		require.NoError(t, err)

		st := store.State()
		assert.Equal(t, []string{msg.ID}, messageIDs(st.Messages))
		assert.Equal(t, StatusSent, st.Messages[0].Status)
	})
}

func TestSendMessageDuplicateThroughRetries(t *testing.T) {
	// The first attempt commits but its reply is lost; the retry is told the
	// key was already applied.
	var mu sync.Mutex
	persisted := map[string]map[string]any{}
	g := newGatewayServer(t, func(attempt int, body map[string]any) (int, any) {
		switch body["action"] {
		case ActionGetMessages, ActionMarkRead:
			return http.StatusOK, ok([]any{})
		}
		mu.Lock()
		defer mu.Unlock()
		key := body["clientMsgId"].(string)
		if m, seen := persisted[key]; seen {
			return http.StatusOK, map[string]any{"success": true, "duplicate": true, "data": m}
		}
		persisted[key] = map[string]any{"id": "srv-1", "chatId": "A", "content": body["content"], "clientMsgId": key}
		return http.StatusGatewayTimeout, "timed out"
	})
	client, _ := newTestClient(g)
	store := newTestStore(client, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	msg, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "srv-1", msg.ID)
	assert.Len(t, persisted, 1)
	assert.Equal(t, 2, g.actionCount(ActionSendMessage))
	assert.Empty(t, store.State().Messages, "a duplicate adds no entry of its own")

	// The original send's push insert supplies the row exactly once.
	assert.True(t, store.ApplyMessageInsert(*msg))
	assert.False(t, store.ApplyMessageInsert(*msg))
	assert.Equal(t, []string{"srv-1"}, messageIDs(store.State().Messages))
}

func TestSendMessageDuplicateAfterPushInsert(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	dup := &dupGateway{fakeGateway: gw, body: true}
	dup.beforeReply = func(m Message) { assert.True(t, store.ApplyMessageInsert(m)) }
	store.gw = dup
	_, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"srv-dup"}, messageIDs(store.State().Messages))
}

func TestSendMessageSurvivesTransientFailures(t *testing.T) {
	var store *Store
	var mu sync.Mutex
	var seen []MessageStatus
	sends := 0
	g := newGatewayServer(t, func(_ int, body map[string]any) (int, any) {
		if body["action"] != ActionSendMessage {
			return http.StatusOK, ok([]any{})
		}
		mu.Lock()
		defer mu.Unlock()
		if msgs := store.State().Messages; len(msgs) == 1 {
			seen = append(seen, msgs[0].Status)
		}
		sends++
		if sends < 4 {
			return http.StatusBadGateway, "upstream"
		}
		return http.StatusOK, ok(map[string]any{
			"id": "srv-1", "chatId": "A", "content": body["content"], "clientMsgId": body["clientMsgId"],
		})
	})
	client, sleeper := newTestClient(g)
	store = newTestStore(client, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	msg, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)

	assert.Equal(t, 4, g.actionCount(ActionSendMessage))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeper.delays)
	assert.Equal(t, []MessageStatus{StatusSending, StatusSending, StatusSending, StatusSending}, seen)

	st := store.State()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "srv-1", st.Messages[0].ID)
	assert.Equal(t, StatusSent, st.Messages[0].Status)
	assert.Nil(t, st.Err)
}

func TestSendMessageDuplicateWithoutBody(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	dup := &dupGateway{fakeGateway: gw}
	store.gw = dup
	msg, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.Empty(t, store.State().Messages)

	dup.body = true
	msg, err = store.SendMessage(ctx, "again", nil)
	require.NoError(t, err)
	assert.Equal(t, "srv-dup", msg.ID)
	assert.Empty(t, store.State().Messages)
}

// dupGateway answers every send as already applied, optionally with the
// stored message.
type dupGateway struct {
	*fakeGateway
	body        bool
	beforeReply func(Message)
}

func (d *dupGateway) SendMessage(_ context.Context, p SendMessageParams) (*SendResult, error) {
	if !d.body {
		return &SendResult{Duplicate: true}, nil
	}
	m := Message{ID: "srv-dup", ChatID: p.ChatID, Content: p.Content, ClientMsgID: p.ClientMsgID, Status: StatusSent}
	if d.beforeReply != nil {
		d.beforeReply(m)
	}
	return &SendResult{Message: &m, Duplicate: true}, nil
}

func TestSendMessageFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.sendErrs = []error{errUnavailable}
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	var failure MessageFailure
	store.On(EventMessageFailed, func(_ string, payload any) { failure = payload.(MessageFailure) })

	_, err := store.SendMessage(ctx, "hi", nil)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, CodeSendMessageFailed, opErr.Code)

	st := store.State()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, StatusFailed, st.Messages[0].Status)
	assert.True(t, st.Messages[0].IsTemporary())
	assert.Nil(t, st.Err, "per-message failures stay on the message")
	assert.Equal(t, st.Messages[0].ID, failure.MessageID)

	t.Run("retry resubmits with a new key", func(t *testing.T) {
		failedID := st.Messages[0].ID
		msg, err := store.RetryMessage(ctx, failedID)
		require.NoError(t, err)
		ids := messageIDs(store.State().Messages)
		assert.Equal(t, []string{msg.ID}, ids)
		assert.NotEqual(t, failedID, TempID(msg.ClientMsgID))
	})

	t.Run("dismiss only applies to failed messages", func(t *testing.T) {
		id := store.State().Messages[0].ID
		assert.ErrorIs(t, store.DismissMessage(id), ErrInvalidTransition)
		assert.ErrorIs(t, store.DismissMessage("nope"), ErrMessageNotFound)
	})
}

func TestSendMessageJournalsUntilResolved(t *testing.T) {
	gw := newFakeGateway()
	journal := NewMemoryJournal()
	store := newTestStore(gw, &StoreOptions{Journal: journal})
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	gw.beforeSendReply = func(m Message) {
		pending, err := journal.List(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, m.ClientMsgID, pending[0].ClientMsgID)
	}
	_, err := store.SendMessage(ctx, "hi", nil)
	require.NoError(t, err)

	pending, err := journal.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResumePending(t *testing.T) {
	gw := newFakeGateway()
	journal := NewMemoryJournal()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// k1 was applied before the crash, k2 never reached the server, k3 is
	// rejected and k4 still cannot get through.
	gw.byKey["k1"] = Message{ID: "srv-k1", ChatID: "A", Content: "one", ClientMsgID: "k1"}
	for i, key := range []string{"k1", "k2", "k3", "k4"} {
		require.NoError(t, journal.Put(ctx, PendingSend{
			ClientMsgID: key, ChatID: "A", Content: key, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	store := newTestStore(gw, &StoreOptions{Journal: journal})
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))

	sendErrs := map[string]error{"k3": rejected("CHAT_ARCHIVED", "archived"), "k4": errUnavailable}
	resumer := &scriptedSendGateway{fakeGateway: gw, errs: sendErrs}
	store.gw = resumer

	n, err := store.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := journal.List(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "k4", pending[0].ClientMsgID)

	ids := messageIDs(store.State().Messages)
	assert.Contains(t, ids, "srv-k1")
	assert.Len(t, ids, 2)
}

type scriptedSendGateway struct {
	*fakeGateway
	errs map[string]error
}

func (s *scriptedSendGateway) SendMessage(ctx context.Context, p SendMessageParams) (*SendResult, error) {
	if err := s.errs[p.ClientMsgID]; err != nil {
		return nil, err
	}
	return s.fakeGateway.SendMessage(ctx, p)
}

func TestPendingSendsGauge(t *testing.T) {
	gw := newFakeGateway()
	journal := NewMemoryJournal()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Both entries were journaled by an earlier process.
	gw.byKey["k1"] = Message{ID: "srv-k1", ChatID: "A", Content: "one", ClientMsgID: "k1"}
	for i, key := range []string{"k1", "k2"} {
		require.NoError(t, journal.Put(ctx, PendingSend{
			ClientMsgID: key, ChatID: "A", Content: key, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	metrics := NewMetrics(prometheus.NewRegistry())
	gauge := func() float64 { return testutil.ToFloat64(metrics.pendingJournal) }
	store := newTestStore(gw, &StoreOptions{Journal: journal, Metrics: metrics})
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))
	resumer := &scriptedSendGateway{fakeGateway: gw, errs: map[string]error{"k2": errUnavailable}}
	store.gw = resumer

	_, err := store.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, gauge(), "k2 is still pending")

	_, err = store.SendMessage(ctx, "fresh", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, gauge())

	delete(resumer.errs, "k2")
	n, err := store.ResumePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0.0, gauge())

	// Removing an entry the store never counted leaves the gauge alone.
	store.resolveJournal("unknown")
	assert.Equal(t, 0.0, gauge())
}

// ============================================================================
// Selection and pagination
// ============================================================================

func TestLoadMoreMessagesExhaustion(t *testing.T) {
	gw := newFakeGateway()
	gw.addMessages("A", 120)
	store := newTestStore(gw, nil)
	ctx := context.Background()

	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))
	assert.Len(t, store.State().Messages, 50)

	require.NoError(t, store.LoadMoreMessages(ctx))
	assert.Len(t, store.State().Messages, 100)
	assert.True(t, store.State().MessageCursor.HasMore)

	require.NoError(t, store.LoadMoreMessages(ctx))
	st := store.State()
	require.Len(t, st.Messages, 120)
	assert.False(t, st.MessageCursor.HasMore)
	assert.Equal(t, "A-m001", st.Messages[0].ID)
	assert.Equal(t, "A-m120", st.Messages[119].ID)
	for i := 1; i < len(st.Messages); i++ {
		assert.True(t, st.Messages[i-1].CreatedAt.Before(st.Messages[i].CreatedAt))
	}

	calls := gw.called(ActionGetMessages)
	require.NoError(t, store.LoadMoreMessages(ctx))
	assert.Equal(t, calls, gw.called(ActionGetMessages))
}

func TestLoadMoreChatsExhaustion(t *testing.T) {
	gw := newFakeGateway()
	gw.addChats(45)
	store := newTestStore(gw, nil)
	ctx := context.Background()

	for _, want := range []int{20, 40, 45} {
		require.NoError(t, store.LoadMoreChats(ctx))
		assert.Len(t, store.State().Chats, want)
	}
	assert.False(t, store.State().ChatCursor.HasMore)
	assert.Equal(t, 3, gw.called(ActionListChats))

	require.NoError(t, store.LoadMoreChats(ctx))
	assert.Equal(t, 3, gw.called(ActionListChats))
}

func TestRefreshChatsKeepsLoadedDepth(t *testing.T) {
	gw := newFakeGateway()
	gw.addChats(45)
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.LoadMoreChats(ctx))
	require.NoError(t, store.LoadMoreChats(ctx))

	gw.chats[0].Name = "renamed elsewhere"
	require.NoError(t, store.RefreshChats(ctx))
	st := store.State()
	assert.Len(t, st.Chats, 40)
	assert.Equal(t, "renamed elsewhere", st.Chats[0].Name)
	assert.True(t, st.ChatCursor.HasMore)
}

func TestLoadFailureKeepsCachedData(t *testing.T) {
	gw := newFakeGateway()
	gw.addChats(5)
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.RefreshChats(ctx))

	gw.listChatsErr = errUnavailable
	err := store.RefreshChats(ctx)
	require.Error(t, err)

	st := store.State()
	assert.Len(t, st.Chats, 5)
	require.NotNil(t, st.Err)
	assert.Equal(t, CodeLoadChatsFailed, st.Err.Code)

	gw.listChatsErr = nil
	require.NoError(t, store.RefreshChats(ctx))
	assert.Nil(t, store.State().Err)
}

func TestLoadMoreMessagesFailureRetriesSamePage(t *testing.T) {
	gw := newFakeGateway()
	gw.addMessages("A", 60)
	gw.getMessagesErr = errUnavailable
	store := newTestStore(gw, nil)
	ctx := context.Background()

	err := store.SelectChat(ctx, &Chat{ID: "A"})
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, CodeLoadMessagesFailed, opErr.Code)
	st := store.State()
	assert.False(t, st.MessageCursor.Loading)
	assert.Equal(t, 0, st.MessageCursor.Offset)

	gw.getMessagesErr = nil
	require.NoError(t, store.LoadMoreMessages(ctx))
	assert.Len(t, store.State().Messages, 50)
}

func TestStaleMessagePageIsDropped(t *testing.T) {
	gw := newFakeGateway()
	gw.addMessages("A", 3)
	gw.addMessages("B", 2)
	gate := make(chan struct{})
	gw.block["A"] = gate
	gw.entered = make(chan string, 1)
	store := newTestStore(gw, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- store.SelectChat(ctx, &Chat{ID: "A"}) }()
	<-gw.entered

	gw.mu.Lock()
	delete(gw.block, "A")
	gw.mu.Unlock()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "B"}))
	close(gate)
	require.NoError(t, <-done)

	st := store.State()
	assert.Equal(t, "B", st.Selected.ID)
	assert.Equal(t, []string{"B-m001", "B-m002"}, messageIDs(st.Messages))
	assert.False(t, st.MessageCursor.HasMore)
}

func TestSelectChatMarksRead(t *testing.T) {
	gw := newFakeGateway()
	gw.chats = []Chat{{ID: "A", UnreadCount: 3}, {ID: "B", UnreadCount: 1}}
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.RefreshChats(ctx))

	require.NoError(t, store.SelectChat(ctx, &store.State().Chats[0]))
	st := store.State()
	assert.Equal(t, 0, st.Chats[0].UnreadCount)
	assert.Equal(t, 0, st.Selected.UnreadCount)

	gw.markReadErr = errUnavailable
	require.NoError(t, store.SelectChat(ctx, &st.Chats[1]))
	st = store.State()
	assert.Equal(t, 1, st.Chats[1].UnreadCount)
	assert.Nil(t, st.Err)
}

func TestSelectSameChatIsNoop(t *testing.T) {
	gw := newFakeGateway()
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))
	require.NoError(t, store.SelectChat(ctx, &Chat{ID: "A"}))
	assert.Equal(t, 1, gw.called(ActionGetMessages))

	require.NoError(t, store.SelectChat(ctx, nil))
	st := store.State()
	assert.Nil(t, st.Selected)
	assert.Empty(t, st.Messages)
}

// ============================================================================
// Chat commands
// ============================================================================

func TestCreateChat(t *testing.T) {
	gw := newFakeGateway()
	gw.addChats(2)
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.RefreshChats(ctx))

	chat, err := store.CreateChat(ctx, CreateChatParams{Name: "launch", Kind: ChatGroup, Participants: []string{"u1", "u2"}})
	require.NoError(t, err)
	st := store.State()
	require.Len(t, st.Chats, 3)
	assert.Equal(t, chat.ID, st.Chats[0].ID)
	assert.Equal(t, chat.ID, st.Selected.ID)

	gw.updateErr = rejected("FORBIDDEN", "not allowed")
	_, err = store.CreateChat(ctx, CreateChatParams{Name: "nope"})
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, CodeCreateChatFailed, opErr.Code)
	assert.Equal(t, "not allowed", opErr.Message)
	assert.Len(t, store.State().Chats, 3)
}

func TestRenameArchiveDeleteChat(t *testing.T) {
	gw := newFakeGateway()
	gw.addChats(3)
	store := newTestStore(gw, nil)
	ctx := context.Background()
	require.NoError(t, store.RefreshChats(ctx))
	require.NoError(t, store.SelectChat(ctx, &store.State().Chats[0]))

	require.NoError(t, store.RenameChat(ctx, "c1", "general"))
	st := store.State()
	assert.Equal(t, "general", st.Chats[0].Name)
	assert.Equal(t, "general", st.Selected.Name)

	require.NoError(t, store.ArchiveChat(ctx, "c1"))
	st = store.State()
	assert.Nil(t, st.Selected)
	assert.Len(t, st.Chats, 2)

	gw.updateErr = errUnavailable
	err := store.DeleteChat(ctx, "c2")
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, CodeUpdateChatFailed, opErr.Code)
	assert.Len(t, store.State().Chats, 2)

	gw.updateErr = nil
	require.NoError(t, store.DeleteChat(ctx, "c2"))
	assert.Equal(t, "c3", store.State().Chats[0].ID)
}

// ============================================================================
// Edit, recall, react
// ============================================================================

func loadedStore(t *testing.T, gw *fakeGateway, opts *StoreOptions) *Store {
	t.Helper()
	gw.addMessages("A", 2)
	store := newTestStore(gw, opts)
	require.NoError(t, store.SelectChat(context.Background(), &Chat{ID: "A"}))
	return store
}

func TestEditMessage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		gw := newFakeGateway()
		store := loadedStore(t, gw, nil)
		require.NoError(t, store.EditMessage(context.Background(), "A-m001", "fixed"))
		m := store.State().Messages[0]
		assert.Equal(t, "fixed", m.Content)
		assert.True(t, m.Edited)
	})

	t.Run("failure reverts", func(t *testing.T) {
		gw := newFakeGateway()
		gw.editErr = rejected("TOO_LATE", "edit window closed")
		store := loadedStore(t, gw, nil)

		err := store.EditMessage(context.Background(), "A-m001", "fixed")
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, CodeEditMessageFailed, opErr.Code)
		m := store.State().Messages[0]
		assert.Equal(t, "message 1", m.Content)
		assert.False(t, m.Edited)
		assert.Nil(t, store.State().Err)
	})

	t.Run("failure kept when configured", func(t *testing.T) {
		gw := newFakeGateway()
		gw.editErr = errUnavailable
		store := loadedStore(t, gw, &StoreOptions{KeepFailedEdits: true})

		require.Error(t, store.EditMessage(context.Background(), "A-m001", "fixed"))
		assert.Equal(t, "fixed", store.State().Messages[0].Content)
	})

	t.Run("unknown and temporary messages", func(t *testing.T) {
		gw := newFakeGateway()
		store := loadedStore(t, gw, nil)
		assert.ErrorIs(t, store.EditMessage(context.Background(), "missing", "x"), ErrMessageNotFound)
	})
}

func TestRecallMessage(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		gw := newFakeGateway()
		store := loadedStore(t, gw, nil)
		require.NoError(t, store.RecallMessage(context.Background(), "A-m002"))
		m := store.State().Messages[1]
		assert.Equal(t, StatusRecalled, m.Status)
		assert.Equal(t, RecalledPlaceholder, m.Content)

		assert.ErrorIs(t, store.RecallMessage(context.Background(), "A-m002"), ErrInvalidTransition)
		assert.ErrorIs(t, store.EditMessage(context.Background(), "A-m002", "x"), ErrInvalidTransition)
	})

	t.Run("failure reverts", func(t *testing.T) {
		gw := newFakeGateway()
		gw.recallErr = errUnavailable
		store := loadedStore(t, gw, nil)

		err := store.RecallMessage(context.Background(), "A-m002")
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, CodeRecallMessageFailed, opErr.Code)
		m := store.State().Messages[1]
		assert.Equal(t, StatusSent, m.Status)
		assert.Equal(t, "message 2", m.Content)
	})
}

func TestToggleReaction(t *testing.T) {
	t.Run("added with server id", func(t *testing.T) {
		gw := newFakeGateway()
		store := loadedStore(t, gw, nil)
		require.NoError(t, store.ToggleReaction(context.Background(), "A-m001", "👍"))
		reactions := store.State().Messages[0].Reactions
		require.Len(t, reactions, 1)
		assert.Equal(t, "r-1", reactions[0].ID)
		assert.Equal(t, "u1", reactions[0].UserID)
	})

	t.Run("failure reverts", func(t *testing.T) {
		gw := newFakeGateway()
		gw.reactErr = errUnavailable
		store := loadedStore(t, gw, nil)
		err := store.ToggleReaction(context.Background(), "A-m001", "👍")
		var opErr *OpError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, CodeReactMessageFailed, opErr.Code)
		assert.Empty(t, store.State().Messages[0].Reactions)
	})
}
