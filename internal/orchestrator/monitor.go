package orchestrator

import (
	"context"
	"time"

	"multistore-backup/internal/backup"
)

// HealthSummary is one sweep over every component
type HealthSummary struct {
	CheckedAt time.Time              `json:"checked_at"`
	Reports   []*backup.HealthReport `json:"reports"`
	Healthy   bool                   `json:"healthy"`
}

// CheckHealth probes every engine and replication target once
func (o *Orchestrator) CheckHealth(ctx context.Context) *HealthSummary {
	summary := &HealthSummary{CheckedAt: time.Now().UTC(), Healthy: true}

	for _, engine := range o.engines() {
		report, err := engine.Health(ctx)
		if err != nil {
			report = &backup.HealthReport{
				Component: engine.Name(),
				State:     backup.HealthStateUnhealthy,
				Message:   err.Error(),
				CheckedAt: time.Now().UTC(),
			}
		}
		summary.Reports = append(summary.Reports, report)
	}

	if o.replicator != nil {
		for region, err := range o.replicator.Health(ctx) {
			report := &backup.HealthReport{
				Component: "region:" + region,
				State:     backup.HealthStateHealthy,
				CheckedAt: time.Now().UTC(),
			}
			if err != nil {
				report.State = backup.HealthStateUnhealthy
				report.Message = err.Error()
			}
			summary.Reports = append(summary.Reports, report)
		}
	}

	for _, report := range summary.Reports {
		switch report.State {
		case backup.HealthStateUnhealthy:
			summary.Healthy = false
			o.logger.WithField("component", report.Component).
				WithField("message", report.Message).
				Error("component unhealthy")
		case backup.HealthStateDegraded:
			o.logger.WithField("component", report.Component).
				WithField("message", report.Message).
				Warn("component degraded")
		}
	}
	return summary
}

// monitorLoop runs CheckHealth on the configured interval until stop
// is closed
func (o *Orchestrator) monitorLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.HealthInterval/2)
			summary := o.CheckHealth(ctx)
			cancel()
			o.emit(backup.NewEvent(backup.EventHealthCheckCompleted, "", "").
				With("healthy", summary.Healthy).
				With("components", len(summary.Reports)))
		}
	}
}
