package orchestrator

import (
	"sync"
	"time"

	"multistore-backup/internal/backup"
)

// RunRecord is one finished run in the history ring
type RunRecord struct {
	SetID      string           `json:"set_id"`
	Schedule   string           `json:"schedule"`
	Status     backup.SetStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	Duration   time.Duration    `json:"duration"`
	TotalBytes int64            `json:"total_bytes"`
}

// Metrics aggregates run outcomes and keeps a bounded history
type Metrics struct {
	mu        sync.RWMutex
	started   int64
	completed int64
	failed    int64
	throttled int64
	bytes     int64

	history []RunRecord
	next    int
	full    bool
}

// NewMetrics creates a metrics collector keeping depth finished runs
func NewMetrics(depth int) *Metrics {
	if depth < 1 {
		depth = 1
	}
	return &Metrics{history: make([]RunRecord, depth)}
}

// RecordStart counts a run admission
func (m *Metrics) RecordStart() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

// RecordThrottle counts a dropped firing
func (m *Metrics) RecordThrottle() {
	m.mu.Lock()
	m.throttled++
	m.mu.Unlock()
}

// RecordFinish stores a finished run in the ring, overwriting the oldest
func (m *Metrics) RecordFinish(record RunRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.Status == backup.SetStatusCompleted {
		m.completed++
		m.bytes += record.TotalBytes
	} else {
		m.failed++
	}
	m.history[m.next] = record
	m.next = (m.next + 1) % len(m.history)
	if m.next == 0 {
		m.full = true
	}
}

// Snapshot is a point-in-time view of the counters
type Snapshot struct {
	Started     int64       `json:"started"`
	Completed   int64       `json:"completed"`
	Failed      int64       `json:"failed"`
	Throttled   int64       `json:"throttled"`
	TotalBytes  int64       `json:"total_bytes"`
	SuccessRate float64     `json:"success_rate"`
	History     []RunRecord `json:"history"`
}

// Snapshot returns the counters and the history newest-first
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{
		Started:    m.started,
		Completed:  m.completed,
		Failed:     m.failed,
		Throttled:  m.throttled,
		TotalBytes: m.bytes,
	}
	if finished := m.completed + m.failed; finished > 0 {
		s.SuccessRate = float64(m.completed) / float64(finished)
	}

	count := m.next
	if m.full {
		count = len(m.history)
	}
	for i := 0; i < count; i++ {
		idx := (m.next - 1 - i + len(m.history)) % len(m.history)
		s.History = append(s.History, m.history[idx])
	}
	return s
}
