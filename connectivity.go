package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultWarmupDelay is how long after start the warm-up call is issued.
const DefaultWarmupDelay = 2 * time.Second

// User-facing failure messages chosen by Describe.
const (
	OfflineMessage = "You appear to be offline. Check your connection and try again."
	GenericMessage = "Something went wrong. Please try again."
	AuthMessage    = "Your session has expired. Please sign in again."
)

// Monitor tracks whether the network looks reachable. It never blocks or
// queues operations; it only picks a better message for a failure.
type Monitor struct {
	clock clock.Clock

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

// NewMonitor creates a monitor that starts online. A nil clock uses the wall
// clock.
func NewMonitor(c clock.Clock) *Monitor {
	if c == nil {
		c = clock.New()
	}
	return &Monitor{clock: c, online: true}
}

// IsOnline reports the last known connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnChange registers fn to run on every online/offline transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetOnline records a connectivity signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if online {
		jww.INFO.Printf("[chatsync net] back online")
	} else {
		jww.WARN.Printf("[chatsync net] offline")
	}
	for _, fn := range listeners {
		fn(online)
	}
}

// Watch calls probe every interval until ctx is done. A transient failure
// marks the monitor offline; any answer from the server marks it online.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe func(context.Context) error) {
	ticker := m.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := probe(ctx)
			if ctx.Err() != nil {
				return
			}
			m.SetOnline(err == nil || !IsTransient(err))
		}
	}
}

// Describe renders err as a message for the user.
func (m *Monitor) Describe(err error) string {
	if err == nil {
		return ""
	}
	if !m.IsOnline() {
		return OfflineMessage
	}
	if IsAuth(err) {
		return AuthMessage
	}
	if IsLogic(err) {
		var op *OpError
		if errors.As(err, &op) && op.Message != "" {
			return op.Message
		}
	}
	return GenericMessage
}

// ScheduleWarmup runs warm once after delay. Its error is logged and
// dropped; a success marks the monitor online. The returned timer may be
// stopped to cancel the call.
func (m *Monitor) ScheduleWarmup(ctx context.Context, delay time.Duration, warm func(context.Context) error) *clock.Timer {
	return m.clock.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := warm(ctx); err != nil {
			jww.DEBUG.Printf("[chatsync net] warm-up failed: %v", err)
			if IsTransient(err) {
				m.SetOnline(false)
			}
			return
		}
		jww.DEBUG.Printf("[chatsync net] warm-up done")
		m.SetOnline(true)
	})
}
