// Package alert delivers notifications raised by watch rules and
// integrity checks to the configured channels. Delivery is asynchronous
// and deduplicated, so a noisy rule can neither stall the event
// pipeline nor flood a channel.
package alert

import (
	"log/slog"
	"sync"
	"time"

	"github.com/optrail/optrail/internal/config"
)

// Alert is one notification on its way to the configured channels.
type Alert struct {
	Type        string                 `json:"type"`     // watch_rule, retention, chain_broken
	Severity    string                 `json:"severity"` // info, warning, critical
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	OperationID string                 `json:"operation_id,omitempty"`
	CommandName string                 `json:"command_name,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Sender delivers alerts over one channel.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// defaultDedupTTL is how long an identical alert stays suppressed.
const defaultDedupTTL = 5 * time.Minute

// Manager fans alerts out to the configured senders with per-window
// deduplication.
type Manager struct {
	mu        sync.Mutex
	config    config.Alerts
	senders   []Sender
	dedup     map[string]time.Time // dedup key → last delivery
	dedupTTL  time.Duration
	lastPrune time.Time
	logger    *slog.Logger
}

// NewManager creates a Manager with a sender per configured channel.
func NewManager(cfg config.Alerts, logger *slog.Logger) *Manager {
	m := &Manager{
		config:   cfg,
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: defaultDedupTTL,
		logger:   logger,
	}
	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// Send dispatches an alert to every configured channel. The dedup key
// is rule and command scoped rather than operation scoped, so a noisy
// command firing the same rule repeatedly produces one alert per window
// instead of one per operation.
func (m *Manager) Send(alert Alert) {
	alert.Timestamp = time.Now()

	key := alert.Type + "|" + alert.Title + "|" + alert.CommandName
	if !m.admit(key) {
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", key)
		return
	}

	for _, sender := range m.senders {
		go func(s Sender) {
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// admit records a delivery for key unless one happened within the dedup
// window. Stale dedup entries are pruned lazily on the way through.
func (m *Manager) admit(key string) bool {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastPrune) > m.dedupTTL {
		m.pruneLocked(now)
		m.lastPrune = now
	}

	if last, ok := m.dedup[key]; ok && now.Sub(last) < m.dedupTTL {
		return false
	}
	m.dedup[key] = now
	return true
}

// PruneDedup removes dedup entries old enough that they can no longer
// suppress anything.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(time.Now())
}

func (m *Manager) pruneLocked(now time.Time) {
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders reports whether any alert channel is configured.
func (m *Manager) HasSenders() bool {
	return len(m.senders) > 0
}
