package display

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/orchestrator"
)

func TestTableAlignsColumns(t *testing.T) {
	table := &Table{headers: []string{"A", "LONG HEADER", "C"}}
	table.AddRow("x", "y", "z")
	table.AddRow("longer", "v", "w")

	out := table.Render()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "LONG HEADER")
	assert.Contains(t, lines[1], "---")
	// Columns line up: every "y"/"v" cell starts at the same offset.
	assert.Equal(t, strings.Index(lines[2], "y"), strings.Index(lines[3], "v"))
}

func TestTableTruncatesOverWideCells(t *testing.T) {
	table := &Table{headers: []string{"NAME"}, maxWidth: 12}
	table.AddRow(strings.Repeat("x", 60))

	out := table.Render()
	for _, line := range strings.Split(out, "\n") {
		assert.LessOrEqual(t, len([]rune(line)), 14)
	}
}

func TestRenderSetListShowsStatusAndSize(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(&buf, false)

	completedAt := time.Now()
	svc.RenderSetList([]*backup.BackupSet{
		{
			ID:          "20260101T000000Z-abcd1234",
			Schedule:    "nightly",
			Types:       []backup.BackupType{backup.BackupTypeRelationalFull},
			Status:      backup.SetStatusCompleted,
			CreatedAt:   completedAt,
			CompletedAt: &completedAt,
			Parts: map[backup.BackupType]*backup.Artifact{
				backup.BackupTypeRelationalFull: {Bytes: 2048},
			},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "20260101T000000Z-abcd1234")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "2.0 KiB")
}

func TestRenderSetListEmpty(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(&buf, false)
	svc.RenderSetList(nil)
	assert.Contains(t, buf.String(), "no backup sets found")
}

func TestRenderHealthSummary(t *testing.T) {
	var buf bytes.Buffer
	svc := NewService(&buf, false)

	svc.RenderHealth(&orchestrator.HealthSummary{
		Healthy: false,
		Reports: []*backup.HealthReport{
			{Component: "postgresql", State: backup.HealthStateHealthy},
			{Component: "redis", State: backup.HealthStateUnhealthy, Message: "connection refused"},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "postgresql")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "one or more components unhealthy")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
