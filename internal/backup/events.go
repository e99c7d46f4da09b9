package backup

import "time"

// EventType enumerates the events the orchestrator emits
type EventType string

const (
	EventInitialized              EventType = "initialized"
	EventBackupStarted            EventType = "backup_started"
	EventBackupCompleted          EventType = "backup_completed"
	EventBackupFailed             EventType = "backup_failed"
	EventScheduledBackupCompleted EventType = "scheduled_backup_completed"
	EventScheduledBackupFailed    EventType = "scheduled_backup_failed"
	EventScheduleThrottled        EventType = "schedule_throttled"
	EventPartialReplication       EventType = "partial_replication"
	EventConsistencyPointCreated  EventType = "consistency_point_created"
	EventConsistencyPointRolledBack EventType = "consistency_point_rolled_back"
	EventRestoreCompleted         EventType = "restore_completed"
	EventRestoreFailed            EventType = "restore_failed"
	EventHealthCheckCompleted     EventType = "health_check_completed"
)

// Event is one typed occurrence with its involved ids and payload
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SetID     string                 `json:"set_id,omitempty"`
	Schedule  string                 `json:"schedule,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Observer receives orchestrator events. Implementations must not block;
// slow consumers should buffer internally.
type Observer interface {
	OnEvent(event Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(event Event)

// OnEvent implements Observer
func (f ObserverFunc) OnEvent(event Event) {
	f(event)
}

// NewEvent builds an event stamped with the current time
func NewEvent(eventType EventType, setID, schedule string) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		SetID:     setID,
		Schedule:  schedule,
		Payload:   make(map[string]interface{}),
	}
}

// With attaches one payload entry
func (e Event) With(key string, value interface{}) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	e.Payload[key] = value
	return e
}
