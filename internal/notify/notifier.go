// Package notify fans orchestrator events out to operator-facing
// channels. The notifier is an event observer; it never blocks the
// run path, every delivery happens on its own goroutine.
package notify

import (
	"sync"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

// Severity orders notifications for filtering
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the lowercase severity name
func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// ParseSeverity maps a config string to a Severity, defaulting to info
func ParseSeverity(s string) Severity {
	switch s {
	case "error":
		return SeverityError
	case "warning":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// SeverityOf classifies an event
func SeverityOf(event backup.Event) Severity {
	switch event.Type {
	case backup.EventBackupFailed,
		backup.EventScheduledBackupFailed,
		backup.EventRestoreFailed,
		backup.EventConsistencyPointRolledBack:
		return SeverityError
	case backup.EventScheduleThrottled,
		backup.EventPartialReplication:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Channel delivers one notification to one destination
type Channel interface {
	Name() string
	Send(event backup.Event, severity Severity) error
}

// Notifier filters events by severity, rate-limits repeats, and fans
// them out to the configured channels
type Notifier struct {
	channels    []Channel
	minSeverity Severity
	rateLimit   time.Duration
	logger      *logging.Logger

	mu       sync.Mutex
	lastSent map[backup.EventType]time.Time
	pending  sync.WaitGroup
	now      func() time.Time
}

// NewNotifier builds a notifier from configuration. Returns nil when
// notifications are disabled; a nil notifier is safe to subscribe.
func NewNotifier(cfg config.NotificationConfig, logger *logging.Logger) *Notifier {
	if !cfg.Enabled {
		return nil
	}

	n := &Notifier{
		minSeverity: ParseSeverity(cfg.MinSeverity),
		rateLimit:   cfg.RateLimit,
		logger:      logger,
		lastSent:    make(map[backup.EventType]time.Time),
		now:         time.Now,
	}
	if cfg.Webhook != nil {
		n.channels = append(n.channels, newWebhookChannel(*cfg.Webhook))
	}
	if cfg.Slack != nil {
		n.channels = append(n.channels, newSlackChannel(*cfg.Slack))
	}
	if cfg.File != nil {
		n.channels = append(n.channels, newFileChannel(*cfg.File))
	}
	return n
}

// OnEvent implements backup.Observer
func (n *Notifier) OnEvent(event backup.Event) {
	if n == nil {
		return
	}
	severity := SeverityOf(event)
	if severity < n.minSeverity {
		return
	}
	// Failures always go out; only the chattier severities are
	// rate-limited.
	if severity < SeverityError && n.throttled(event.Type) {
		return
	}

	n.pending.Add(1)
	go func() {
		defer n.pending.Done()
		for _, ch := range n.channels {
			if err := ch.Send(event, severity); err != nil {
				n.logger.WithError(err).
					WithField("channel", ch.Name()).
					WithField("event", string(event.Type)).
					Warn("notification delivery failed")
			}
		}
	}()
}

// throttled reports whether this event type fired within the rate
// limit window, and records the send time otherwise
func (n *Notifier) throttled(eventType backup.EventType) bool {
	if n.rateLimit <= 0 {
		return false
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	if last, ok := n.lastSent[eventType]; ok && now.Sub(last) < n.rateLimit {
		return true
	}
	n.lastSent[eventType] = now
	return false
}

// Flush waits for in-flight deliveries, for shutdown
func (n *Notifier) Flush() {
	if n == nil {
		return
	}
	n.pending.Wait()
}
