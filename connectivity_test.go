package chatsync

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMonitorDescribe(t *testing.T) {
	m := NewMonitor(clock.NewMock())
	transient := &TransientError{StatusCode: http.StatusServiceUnavailable, Err: errors.New("busy")}
	logic := newOpError(CodeSendMessageFailed, rejected("NOT_A_MEMBER", "You are not in this chat"))

	assert.Equal(t, "", m.Describe(nil))
	assert.Equal(t, GenericMessage, m.Describe(transient))
	assert.Equal(t, AuthMessage, m.Describe(&AuthError{Err: ErrNoCredential}))
	assert.Equal(t, "You are not in this chat", m.Describe(logic))
	assert.Equal(t, GenericMessage, m.Describe(errors.New("boom")))

	m.SetOnline(false)
	assert.Equal(t, OfflineMessage, m.Describe(logic))
	assert.Equal(t, OfflineMessage, m.Describe(transient))
}

func TestMonitorOnChange(t *testing.T) {
	m := NewMonitor(nil)
	var changes []bool
	m.OnChange(func(online bool) { changes = append(changes, online) })

	m.SetOnline(true)
	m.SetOnline(false)
	m.SetOnline(false)
	m.SetOnline(true)
	assert.Equal(t, []bool{false, true}, changes)
	assert.True(t, m.IsOnline())
}

func TestMonitorWatch(t *testing.T) {
	mock := clock.NewMock()
	m := NewMonitor(mock)
	var failing atomic.Bool
	failing.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx, 10*time.Second, func(context.Context) error {
			if failing.Load() {
				return &TransientError{Err: errors.New("dial tcp: no route to host")}
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return !m.IsOnline()
	}, time.Second, 10*time.Millisecond)

	failing.Store(false)
	assert.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return m.IsOnline()
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestScheduleWarmup(t *testing.T) {
	mock := clock.NewMock()
	m := NewMonitor(mock)
	var calls int32

	m.ScheduleWarmup(context.Background(), DefaultWarmupDelay, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return &TransientError{Err: errors.New("cold")}
	})
	mock.Add(time.Second)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	mock.Add(time.Second)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !m.IsOnline() }, time.Second, 5*time.Millisecond)

	timer := m.ScheduleWarmup(context.Background(), DefaultWarmupDelay, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	timer.Stop()
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
