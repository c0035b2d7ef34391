package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	commands       *prometheus.CounterVec
	attempts       *prometheus.CounterVec
	pushEvents     *prometheus.CounterVec
	chatRefreshes  prometheus.Counter
	pendingJournal prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "commands_total",
			Help:      "Logical gateway commands by action and outcome.",
		}, []string{"action", "outcome"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "command_attempts_total",
			Help:      "Physical gateway requests, including retries.",
		}, []string{"action"}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "push_events_total",
			Help:      "Change events received from the feed by table, type and result.",
		}, []string{"table", "type", "result"}),
		chatRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "chat_refreshes_total",
			Help:      "Debounced chat list refetches.",
		}),
		pendingJournal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "pending_sends",
			Help:      "Sends journaled and not yet resolved.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.attempts, m.pushEvents, m.chatRefreshes, m.pendingJournal)
	}
	return m
}

func (m *Metrics) commandAttempt(action string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(action).Inc()
}

func (m *Metrics) commandDone(action string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(action, outcome(err)).Inc()
}

func (m *Metrics) pushEvent(table, typ, result string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(table, typ, result).Inc()
}

func (m *Metrics) chatRefresh() {
	if m == nil {
		return
	}
	m.chatRefreshes.Inc()
}

func (m *Metrics) pending(delta float64) {
	if m == nil {
		return
	}
	m.pendingJournal.Add(delta)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsAuth(err):
		return "auth_error"
	case IsTransient(err):
		return "transient_error"
	case IsLogic(err):
		return "logic_error"
	default:
		return "error"
	}
}
