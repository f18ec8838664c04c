package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's prometheus instrumentation. Exposed on the
// internal metrics listener via promhttp; never expose that port publicly.
type Metrics struct {
	activeSessions prometheus.Gauge
	sessionsTotal  prometheus.Counter
	disconnects    prometheus.Counter

	loginsTotal   prometheus.Counter
	loginFailures prometheus.Counter
	lockoutsTotal prometheus.Counter
	registrations prometheus.Counter
	idleLogouts   prometheus.Counter

	commandsTotal *prometheus.CounterVec

	messagesPushed  prometheus.Counter
	messagesQueued  prometheus.Counter
	messagesFlushed prometheus.Counter
	pushFailures    prometheus.Counter

	broadcastsTotal *prometheus.CounterVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide metrics set. Collectors register
// with the default registry exactly once; tests that start several servers
// in one process share the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "textrelay_active_sessions",
				Help: "Number of currently connected sessions",
			}),
			sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_sessions_total",
				Help: "Total sessions accepted",
			}),
			disconnects: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_disconnects_total",
				Help: "Total sessions torn down",
			}),
			loginsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_logins_total",
				Help: "Total successful logins",
			}),
			loginFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_login_failures_total",
				Help: "Total rejected password attempts",
			}),
			lockoutsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_lockouts_total",
				Help: "Total accounts locked out after repeated password failures",
			}),
			registrations: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_registrations_total",
				Help: "Total accounts created at first login",
			}),
			idleLogouts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_idle_logouts_total",
				Help: "Total sessions force-logged-out by the idle monitor",
			}),
			commandsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "textrelay_commands_total",
				Help: "Commands received, by command word",
			}, []string{"command"}),
			messagesPushed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_messages_pushed_total",
				Help: "Messages pushed to online recipients",
			}),
			messagesQueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_messages_queued_total",
				Help: "Messages queued for offline recipients",
			}),
			messagesFlushed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_messages_flushed_total",
				Help: "Queued messages replayed at login",
			}),
			pushFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "textrelay_push_failures_total",
				Help: "Push deliveries dropped after an I/O failure (best effort, no retry)",
			}),
			broadcastsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "textrelay_broadcasts_total",
				Help: "Broadcast commands, by outcome",
			}, []string{"outcome"}),
		}
	})
	return sharedMetrics
}

// RecordActiveSessions updates the live-session gauge.
func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// RecordSessionCreated counts a newly accepted session.
func (m *Metrics) RecordSessionCreated() {
	m.sessionsTotal.Inc()
}

// RecordSessionDisconnected counts a torn-down session.
func (m *Metrics) RecordSessionDisconnected() {
	m.disconnects.Inc()
}

// RecordLogin counts a successful login.
func (m *Metrics) RecordLogin() {
	m.loginsTotal.Inc()
}

// RecordLoginFailure counts a rejected password attempt.
func (m *Metrics) RecordLoginFailure() {
	m.loginFailures.Inc()
}

// RecordLockout counts an account lockout.
func (m *Metrics) RecordLockout() {
	m.lockoutsTotal.Inc()
}

// RecordRegistration counts a first-login account creation.
func (m *Metrics) RecordRegistration() {
	m.registrations.Inc()
}

// RecordIdleLogout counts an idle-monitor forced logout.
func (m *Metrics) RecordIdleLogout() {
	m.idleLogouts.Inc()
}

// RecordCommand counts one received command by its command word.
func (m *Metrics) RecordCommand(command string) {
	m.commandsTotal.WithLabelValues(command).Inc()
}

// RecordMessagePushed counts a message delivered to a push listener.
func (m *Metrics) RecordMessagePushed() {
	m.messagesPushed.Inc()
}

// RecordMessageQueued counts a message appended to an offline inbox.
func (m *Metrics) RecordMessageQueued() {
	m.messagesQueued.Inc()
}

// RecordMessageFlushed counts a queued message replayed at login.
func (m *Metrics) RecordMessageFlushed() {
	m.messagesFlushed.Inc()
}

// RecordPushFailure counts a dropped best-effort push.
func (m *Metrics) RecordPushFailure() {
	m.pushFailures.Inc()
}

// RecordBroadcast counts one broadcast by outcome ("full", "partial", "none").
func (m *Metrics) RecordBroadcast(outcome string) {
	m.broadcastsTotal.WithLabelValues(outcome).Inc()
}
