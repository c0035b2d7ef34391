package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// SSEFeed is a Feed over a server-sent event stream. The stream carries
// every change visible to the user; subscriptions filter locally.
type SSEFeed struct {
	*Hub
	stateListeners

	url    string
	config *RealtimeConfig
	recon  *reconnector

	life     context.Context
	lifeStop context.CancelFunc

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	connectedOnce    bool
	cancelFn         context.CancelFunc
	lastDataTime     time.Time
}

// NewSSEFeed creates a feed reading the event stream at rawURL.
func NewSSEFeed(rawURL string, config *RealtimeConfig) *SSEFeed {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	life, stop := context.WithCancel(context.Background())
	return &SSEFeed{
		Hub:      NewHub(),
		url:      rawURL,
		config:   config,
		recon:    newReconnector(config),
		life:     life,
		lifeStop: stop,
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (sse *SSEFeed) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *SSEFeed) setState(s RealtimeState) {
	sse.mu.Lock()
	changed := sse.state != s
	sse.state = s
	sse.mu.Unlock()
	if changed {
		sse.notify(s)
	}
}

// Connect opens the stream. ctx bounds the request handshake only.
func (sse *SSEFeed) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.mu.Unlock()
	sse.notify(StateConnecting)

	resp, err := sse.open(ctx)
	if err != nil {
		sse.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(sse.life)
	sse.mu.Lock()
	sse.state = StateConnected
	sse.lastDataTime = sse.config.Clock.Now()
	sse.cancelFn = cancel
	reconnected := sse.connectedOnce
	sse.connectedOnce = true
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.notify(StateConnected)
	jww.INFO.Printf("[chatsync sse] connected to %s", sse.url)

	if reconnected {
		sse.Publish(ChangeEvent{Table: TableChats, Type: ChangeResync})
	}

	// The body must outlive ctx, so close it when the connection ends.
	go func() {
		<-connCtx.Done()
		resp.Body.Close()
	}()
	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx)
	return nil
}

func (sse *SSEFeed) open(ctx context.Context) (*http.Response, error) {
	token, err := sse.config.token(ctx)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	u, err := url.Parse(sse.url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing stream url")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	// The request is bound to the feed lifetime, not the handshake ctx.
	req, err := http.NewRequestWithContext(sse.life, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := sse.config.HTTPClient.Do(req)
		done <- result{resp, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, errors.Wrap(r.err, "stream connect")
	}
	switch {
	case r.resp.StatusCode == http.StatusUnauthorized || r.resp.StatusCode == http.StatusForbidden:
		r.resp.Body.Close()
		return nil, &AuthError{Err: fmt.Errorf("stream HTTP %d", r.resp.StatusCode)}
	case r.resp.StatusCode != http.StatusOK:
		r.resp.Body.Close()
		return nil, fmt.Errorf("stream HTTP %d", r.resp.StatusCode)
	}
	return r.resp, nil
}

func (sse *SSEFeed) readLoop(ctx context.Context, resp *http.Response) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = sse.config.Clock.Now()
		sse.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // keep-alive comment
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var env RealtimeEnvelope
		if json.Unmarshal([]byte(payload), &env) != nil {
			jww.DEBUG.Printf("[chatsync sse] ignoring malformed event")
			continue
		}
		switch env.Type {
		case frameChange:
			var ev ChangeEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				jww.WARN.Printf("[chatsync sse] malformed change event: %v", err)
				continue
			}
			sse.Publish(ev)
		case frameError:
			var p RealtimeErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil {
				jww.WARN.Printf("[chatsync sse] server error: %s", p.Message)
			}
		}
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.mu.Unlock()
	if intentional || sse.life.Err() != nil {
		return
	}

	sse.setState(StateDisconnected)
	jww.WARN.Printf("[chatsync sse] stream ended: %v", scanner.Err())
	if sse.config.AutoReconnect {
		go sse.reconnectLoop()
	}
}

// heartbeatWatchdog drops the stream once it has been silent for StaleAfter.
func (sse *SSEFeed) heartbeatWatchdog(ctx context.Context) {
	ticker := sse.config.Clock.Ticker(sse.config.StaleAfter / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := sse.config.Clock.Since(sse.lastDataTime) > sse.config.StaleAfter
			cancel := sse.cancelFn
			sse.mu.Unlock()
			if stale {
				jww.WARN.Printf("[chatsync sse] no data for %s, dropping stream", sse.config.StaleAfter)
				if cancel != nil {
					cancel()
				}
				return
			}
		}
	}
}

func (sse *SSEFeed) reconnectLoop() {
	for sse.recon.shouldReconnect() {
		delay := sse.recon.nextDelay()
		sse.setState(StateReconnecting)
		jww.INFO.Printf("[chatsync sse] reconnecting in %s (attempt %d)", delay, sse.recon.attempt)

		select {
		case <-sse.config.Clock.After(delay):
		case <-sse.life.Done():
			return
		}

		ctx, cancel := context.WithTimeout(sse.life, 30*time.Second)
		err := sse.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		jww.WARN.Printf("[chatsync sse] reconnect failed: %v", err)
		if IsAuth(err) {
			break
		}
	}
	sse.setState(StateDisconnected)
	jww.ERROR.Printf("[chatsync sse] giving up after %d attempts", sse.recon.attempt)
}

// Disconnect closes the stream without reconnecting.
func (sse *SSEFeed) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.mu.Unlock()
	sse.setState(StateDisconnected)
	return nil
}

// Close disconnects, stops reconnecting and closes every subscription.
func (sse *SSEFeed) Close() error {
	sse.lifeStop()
	err := sse.Disconnect()
	sse.Hub.Close()
	return err
}
