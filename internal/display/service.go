package display

import (
	"fmt"
	"io"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/orchestrator"
	"multistore-backup/internal/recovery"
)

// Service renders domain objects for the CLI
type Service struct {
	colors *ColorSystem
	out    io.Writer
}

// NewService creates a display service writing to out
func NewService(out io.Writer, forceColor bool) *Service {
	return &Service{colors: NewColorSystem(forceColor), out: out}
}

// RenderSetList prints a table of backup sets, newest first
func (s *Service) RenderSetList(sets []*backup.BackupSet) {
	if len(sets) == 0 {
		fmt.Fprintln(s.out, s.colors.Sprint(ColorMuted, "no backup sets found"))
		return
	}

	table := NewTable("SET ID", "SCHEDULE", "STATUS", "TYPES", "SIZE", "CREATED")
	for _, set := range sets {
		table.AddRow(
			set.ID,
			set.Schedule,
			s.statusCell(set.Status),
			fmt.Sprintf("%d", len(set.Types)),
			formatBytes(set.TotalBytes()),
			set.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.RenderTo(s.out)
}

// RenderSetDetail prints one set with its artifacts and failures
func (s *Service) RenderSetDetail(set *backup.BackupSet) {
	fmt.Fprintf(s.out, "%s %s\n", s.colors.Sprint(ColorHeader, "Set:"), set.ID)
	fmt.Fprintf(s.out, "  schedule: %s\n", set.Schedule)
	fmt.Fprintf(s.out, "  status:   %s\n", s.statusCell(set.Status))
	fmt.Fprintf(s.out, "  created:  %s\n", set.CreatedAt.Format(time.RFC3339))
	if set.ConsistencyPointID != "" {
		fmt.Fprintf(s.out, "  consistency point: %s\n", set.ConsistencyPointID)
	}
	if len(set.RegionReplicas) > 0 {
		fmt.Fprintf(s.out, "  replicas: %v\n", set.RegionReplicas)
	}

	table := NewTable("TYPE", "SIZE", "COMPRESSED", "ENCRYPTED", "CHECKSUM")
	for _, artifact := range set.Parts {
		if artifact.Failed {
			table.AddRow(string(artifact.Type), s.colors.Sprint(ColorError, "failed"), "", "", "")
			continue
		}
		table.AddRow(
			string(artifact.Type),
			formatBytes(artifact.Bytes),
			yesNo(artifact.Compressed),
			yesNo(artifact.Encrypted),
			shortChecksum(artifact.Checksum),
		)
	}
	table.RenderTo(s.out)

	for _, failure := range set.FailureRecords {
		fmt.Fprintf(s.out, "%s [%s] %s\n",
			s.colors.Sprint(ColorError, "failure:"), failure.Kind, failure.Message)
	}
}

// RenderRestorePlan prints a recovery plan for review before execution
func (s *Service) RenderRestorePlan(plan *recovery.Plan) {
	mode := "restore"
	if plan.DryRun {
		mode = s.colors.Sprint(ColorWarning, "dry run")
	}
	fmt.Fprintf(s.out, "%s %s (%s, base set %s)\n",
		s.colors.Sprint(ColorHeader, "Plan:"), plan.ID, mode, plan.BaseSetID)
	if plan.TargetTime != nil {
		fmt.Fprintf(s.out, "  point-in-time target: %s\n", plan.TargetTime.Format(time.RFC3339))
	}

	table := NewTable("#", "TYPE", "ARTIFACT", "SIZE")
	for _, step := range plan.Steps {
		table.AddRow(
			fmt.Sprintf("%d", step.Order),
			string(step.Type),
			step.Artifact.Path,
			formatBytes(step.Artifact.Bytes),
		)
	}
	table.RenderTo(s.out)
}

// RenderHealth prints the component health sweep
func (s *Service) RenderHealth(summary *orchestrator.HealthSummary) {
	table := NewTable("COMPONENT", "STATE", "LATENCY", "MESSAGE")
	for _, report := range summary.Reports {
		table.AddRow(
			report.Component,
			s.healthCell(report.State),
			report.Latency.Round(time.Millisecond).String(),
			report.Message,
		)
	}
	table.RenderTo(s.out)

	if summary.Healthy {
		fmt.Fprintln(s.out, s.colors.Sprint(ColorSuccess, "all components healthy"))
	} else {
		fmt.Fprintln(s.out, s.colors.Sprint(ColorError, "one or more components unhealthy"))
	}
}

// RenderMetrics prints run counters and recent history
func (s *Service) RenderMetrics(snap orchestrator.Snapshot) {
	fmt.Fprintf(s.out, "runs: %d started, %d completed, %d failed, %d throttled (%.0f%% success)\n",
		snap.Started, snap.Completed, snap.Failed, snap.Throttled, snap.SuccessRate*100)
	fmt.Fprintf(s.out, "total backed up: %s\n", formatBytes(snap.TotalBytes))

	if len(snap.History) == 0 {
		return
	}
	table := NewTable("SET ID", "SCHEDULE", "STATUS", "DURATION", "SIZE")
	for _, record := range snap.History {
		table.AddRow(
			record.SetID,
			record.Schedule,
			s.statusCell(record.Status),
			record.Duration.Round(time.Second).String(),
			formatBytes(record.TotalBytes),
		)
	}
	table.RenderTo(s.out)
}

func (s *Service) statusCell(status backup.SetStatus) string {
	switch status {
	case backup.SetStatusCompleted:
		return s.colors.Sprint(ColorSuccess, string(status))
	case backup.SetStatusFailed, backup.SetStatusRolledBack:
		return s.colors.Sprint(ColorError, string(status))
	case backup.SetStatusRunning:
		return s.colors.Sprint(ColorInfo, string(status))
	default:
		return string(status)
	}
}

func (s *Service) healthCell(state backup.HealthState) string {
	switch state {
	case backup.HealthStateHealthy:
		return s.colors.Sprint(ColorSuccess, string(state))
	case backup.HealthStateDegraded:
		return s.colors.Sprint(ColorWarning, string(state))
	default:
		return s.colors.Sprint(ColorError, string(state))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func shortChecksum(checksum string) string {
	if len(checksum) > 12 {
		return checksum[:12]
	}
	return checksum
}

// formatBytes renders a byte count with a binary unit suffix
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
