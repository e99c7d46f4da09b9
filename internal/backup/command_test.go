package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCommandStreamsStdoutToFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dump.out")
	result, err := RunCommand(context.Background(), CommandSpec{
		Name:       "sh",
		Args:       []string{"-c", "echo hello"},
		StdoutPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestRunCommandCapturesStderrOnFailure(t *testing.T) {
	_, err := RunCommand(context.Background(), CommandSpec{
		Name: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, ErrorKindDumpProcess, KindOf(err))

	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.Equal(t, 3, backupErr.Context["exit_code"])
	assert.Contains(t, backupErr.Context["stderr"], "boom")
}

func TestRunCommandEnforcesDeadline(t *testing.T) {
	start := time.Now()
	_, err := RunCommand(context.Background(), CommandSpec{
		Name:    "sleep",
		Args:    []string{"10"},
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, ErrorKindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunCommandMissingBinary(t *testing.T) {
	_, err := RunCommand(context.Background(), CommandSpec{Name: "no-such-binary-anywhere"})
	require.Error(t, err)
	assert.Equal(t, ErrorKindTooling, KindOf(err))
}

func TestLookupTool(t *testing.T) {
	assert.NoError(t, LookupTool("sh"))
	err := LookupTool("no-such-binary-anywhere")
	require.Error(t, err)
	assert.Equal(t, ErrorKindTooling, KindOf(err))
}

func TestLimitedBufferKeepsTail(t *testing.T) {
	var buf limitedBuffer
	head := strings.Repeat("a", stderrCaptureLimit)
	tail := "the part that matters"
	_, err := buf.Write([]byte(head))
	require.NoError(t, err)
	_, err = buf.Write([]byte(tail))
	require.NoError(t, err)

	out := buf.String()
	assert.LessOrEqual(t, len(out), stderrCaptureLimit)
	assert.True(t, strings.HasSuffix(out, tail))
}
