package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire types
// ============================================================================

// AuthenticatedPayload is the first frame a realtime server sends.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// PongPayload answers a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload carries a server-side error.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// SubscribePayload is the body of subscribe and unsubscribe commands.
type SubscribePayload struct {
	Table  string `json:"table"`
	ChatID string `json:"chatId,omitempty"`
}

// RealtimeEnvelope is the frame format for every server-to-client message.
// Change events arrive with type "change" and a ChangeEvent payload.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// Realtime frame types.
const (
	frameAuthenticated = "authenticated"
	frameChange        = "change"
	framePong          = "pong"
	frameError         = "error"
	frameSubscribed    = "subscribed"

	commandSubscribe   = "subscribe"
	commandUnsubscribe = "unsubscribe"
	commandPing        = "ping"

	// ChangeResync is published on the chats table after a transport
	// reconnects, so the chat list is refetched for anything missed.
	ChangeResync = "RESYNC"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime transports.
type RealtimeConfig struct {
	Credentials          CredentialSource
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
	// StaleAfter is how long an SSE stream may stay silent before it is
	// dropped and reconnected.
	StaleAfter time.Duration
	HTTPClient *http.Client
	Clock      clock.Clock
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 45 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

func (c *RealtimeConfig) token(ctx context.Context) (string, error) {
	if c.Credentials == nil {
		return "", ErrNoCredential
	}
	return c.Credentials.Token(ctx)
}

// RealtimeState is the connection state of a transport.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

type stateListeners struct {
	mu  sync.RWMutex
	fns []func(RealtimeState)
}

// OnStateChange registers fn to observe connection state changes.
func (l *stateListeners) OnStateChange(fn func(RealtimeState)) {
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

func (l *stateListeners) notify(s RealtimeState) {
	l.mu.RLock()
	fns := append([]func(RealtimeState){}, l.fns...)
	l.mu.RUnlock()
	for _, fn := range fns {
		go fn(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	clock       clock.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		clock:       config.Clock,
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

// nextDelay returns the jittered exponential delay for the next attempt. A
// connection that stayed up for a minute starts the schedule over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSFeed
// ============================================================================

// WSFeed is a Feed over a WebSocket connection. Subscriptions are announced
// to the server with subscribe commands and replayed after a reconnect.
type WSFeed struct {
	*Hub
	stateListeners

	url    string
	config *RealtimeConfig
	recon  *reconnector

	life     context.Context
	lifeStop context.CancelFunc

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	connectedOnce    bool
	cancelFn         context.CancelFunc
	topics           map[Topic]int

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewWSFeed creates a WebSocket feed for the realtime endpoint at rawURL. An
// http(s) URL is rewritten to ws(s).
func NewWSFeed(rawURL string, config *RealtimeConfig) *WSFeed {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	wsURL := strings.Replace(rawURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	life, stop := context.WithCancel(context.Background())
	return &WSFeed{
		Hub:          NewHub(),
		url:          wsURL,
		config:       config,
		recon:        newReconnector(config),
		life:         life,
		lifeStop:     stop,
		state:        StateDisconnected,
		topics:       make(map[Topic]int),
		pendingPings: make(map[string]chan struct{}),
	}
}

// State returns the current connection state.
func (ws *WSFeed) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSFeed) setState(s RealtimeState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.notify(s)
	}
}

// Connect dials the server and waits for the authenticated frame. ctx bounds
// the handshake only; the connection lives until Close.
func (ws *WSFeed) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()
	ws.notify(StateConnecting)

	conn, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateDisconnected)
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	reconnected := ws.connectedOnce
	ws.connectedOnce = true
	connCtx, cancel := context.WithCancel(ws.life)
	ws.cancelFn = cancel
	topics := make([]Topic, 0, len(ws.topics))
	for t := range ws.topics {
		topics = append(topics, t)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.notify(StateConnected)
	jww.INFO.Printf("[chatsync ws] connected to %s", ws.url)

	for _, t := range topics {
		if err := ws.announce(ctx, commandSubscribe, t); err != nil {
			jww.WARN.Printf("[chatsync ws] resubscribing %s: %v", t, err)
		}
	}
	if reconnected {
		ws.Publish(ChangeEvent{Table: TableChats, Type: ChangeResync})
	}

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)
	return nil
}

func (ws *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := ws.config.token(ctx)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	u, err := url.Parse(ws.url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing realtime url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPClient: ws.config.HTTPClient})
	if err != nil {
		return nil, errors.Wrap(err, "websocket dial")
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, errors.Wrap(err, "read auth frame")
	}
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != frameAuthenticated {
		conn.Close(websocket.StatusPolicyViolation, "")
		return nil, fmt.Errorf("expected %q frame, got %q", frameAuthenticated, env.Type)
	}
	var auth AuthenticatedPayload
	if json.Unmarshal(env.Payload, &auth) == nil && auth.UserID != "" {
		jww.DEBUG.Printf("[chatsync ws] authenticated as %s", auth.UserID)
	}
	return conn, nil
}

// Subscribe registers a subscription and announces its topic to the server
// the first time it is requested.
func (ws *WSFeed) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	sub, err := ws.Hub.subscribe(topic, func() { ws.release(topic) })
	if err != nil {
		return nil, err
	}
	ws.mu.Lock()
	ws.topics[topic]++
	first := ws.topics[topic] == 1
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	if first && connected {
		if err := ws.announce(ctx, commandSubscribe, topic); err != nil {
			jww.WARN.Printf("[chatsync ws] subscribing %s: %v", topic, err)
		}
	}
	return sub, nil
}

func (ws *WSFeed) release(topic Topic) {
	ws.mu.Lock()
	ws.topics[topic]--
	last := ws.topics[topic] <= 0
	if last {
		delete(ws.topics, topic)
	}
	connected := ws.state == StateConnected
	ws.mu.Unlock()

	if last && connected {
		ctx, cancel := context.WithTimeout(ws.life, ws.config.PingTimeout)
		defer cancel()
		if err := ws.announce(ctx, commandUnsubscribe, topic); err != nil {
			jww.DEBUG.Printf("[chatsync ws] unsubscribing %s: %v", topic, err)
		}
	}
}

func (ws *WSFeed) announce(ctx context.Context, kind string, topic Topic) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:      kind,
		Payload:   SubscribePayload{Table: topic.Table, ChatID: topic.ChatID},
		RequestID: uuid.NewString(),
	})
}

// Send writes a raw command.
func (ws *WSFeed) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping command and waits for the matching pong.
func (ws *WSFeed) Ping(ctx context.Context) error {
	requestID := "ping-" + uuid.NewString()
	ch := make(chan struct{}, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()
	defer func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      commandPing,
		Payload:   PongPayload{RequestID: requestID},
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return errors.New("connection closed")
		}
		return nil
	case <-ws.config.Clock.After(ws.config.PingTimeout):
		return errors.New("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ws *WSFeed) resolvePing(requestID string) {
	ws.pendingMu.Lock()
	ch, ok := ws.pendingPings[requestID]
	if ok {
		delete(ws.pendingPings, requestID)
	}
	ws.pendingMu.Unlock()
	if ok {
		ch <- struct{}{}
	}
}

func (ws *WSFeed) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}

func (ws *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.dropped(err)
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			jww.DEBUG.Printf("[chatsync ws] ignoring malformed frame")
			continue
		}

		switch env.Type {
		case frameChange:
			var ev ChangeEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				jww.WARN.Printf("[chatsync ws] malformed change frame: %v", err)
				continue
			}
			ws.Publish(ev)
		case framePong:
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.resolvePing(p.RequestID)
			}
		case frameError:
			var p RealtimeErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				jww.WARN.Printf("[chatsync ws] server error: %s", p.Message)
			}
		case frameSubscribed:
			jww.TRACE.Printf("[chatsync ws] subscription confirmed")
		}
	}
}

func (ws *WSFeed) dropped(err error) {
	ws.mu.Lock()
	intentional := ws.intentionalClose
	if !intentional {
		ws.conn = nil
		if ws.cancelFn != nil {
			ws.cancelFn()
			ws.cancelFn = nil
		}
	}
	ws.mu.Unlock()
	if intentional {
		return
	}

	ws.clearPendingPings()
	ws.setState(StateDisconnected)
	jww.WARN.Printf("[chatsync ws] connection lost: %v", err)

	if ws.config.AutoReconnect {
		go ws.reconnectLoop()
	}
}

func (ws *WSFeed) heartbeatLoop(ctx context.Context) {
	ticker := ws.config.Clock.Ticker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if err := ws.Ping(ctx); err != nil {
				jww.WARN.Printf("[chatsync ws] heartbeat failed: %v", err)
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *WSFeed) reconnectLoop() {
	for ws.recon.shouldReconnect() {
		delay := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		jww.INFO.Printf("[chatsync ws] reconnecting in %s (attempt %d)", delay, ws.recon.attempt)

		select {
		case <-ws.config.Clock.After(delay):
		case <-ws.life.Done():
			return
		}

		ctx, cancel := context.WithTimeout(ws.life, 30*time.Second)
		err := ws.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		jww.WARN.Printf("[chatsync ws] reconnect failed: %v", err)
		if IsAuth(err) {
			break
		}
	}
	ws.setState(StateDisconnected)
	jww.ERROR.Printf("[chatsync ws] giving up after %d attempts", ws.recon.attempt)
}

// Disconnect closes the connection without reconnecting. Subscriptions stay
// registered and are replayed by the next Connect.
func (ws *WSFeed) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close disconnects, stops reconnecting and closes every subscription.
func (ws *WSFeed) Close() error {
	ws.lifeStop()
	err := ws.Disconnect()
	ws.Hub.Close()
	return err
}
