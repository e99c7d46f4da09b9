package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
	"multistore-backup/internal/logging"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []backup.Event
}

func (r *recordingChannel) Name() string { return "recording" }

func (r *recordingChannel) Send(event backup.Event, severity Severity) error {
	r.mu.Lock()
	r.sent = append(r.sent, event)
	r.mu.Unlock()
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestNotifier(minSeverity string, rateLimit time.Duration) (*Notifier, *recordingChannel) {
	rec := &recordingChannel{}
	n := &Notifier{
		channels:    []Channel{rec},
		minSeverity: ParseSeverity(minSeverity),
		rateLimit:   rateLimit,
		logger:      logging.NewDefaultLogger(),
		lastSent:    map[backup.EventType]time.Time{},
		now:         time.Now,
	}
	return n, rec
}

func TestSeverityClassification(t *testing.T) {
	assert.Equal(t, SeverityError, SeverityOf(backup.NewEvent(backup.EventBackupFailed, "", "")))
	assert.Equal(t, SeverityError, SeverityOf(backup.NewEvent(backup.EventConsistencyPointRolledBack, "", "")))
	assert.Equal(t, SeverityWarning, SeverityOf(backup.NewEvent(backup.EventScheduleThrottled, "", "")))
	assert.Equal(t, SeverityWarning, SeverityOf(backup.NewEvent(backup.EventPartialReplication, "", "")))
	assert.Equal(t, SeverityInfo, SeverityOf(backup.NewEvent(backup.EventBackupCompleted, "", "")))
}

func TestMinSeverityFiltersInfoEvents(t *testing.T) {
	n, rec := newTestNotifier("warning", 0)

	n.OnEvent(backup.NewEvent(backup.EventBackupCompleted, "set-1", "nightly"))
	n.OnEvent(backup.NewEvent(backup.EventScheduleThrottled, "", "nightly"))
	n.Flush()

	assert.Equal(t, 1, rec.count())
}

func TestRateLimitSuppressesRepeats(t *testing.T) {
	n, rec := newTestNotifier("info", time.Minute)

	for i := 0; i < 5; i++ {
		n.OnEvent(backup.NewEvent(backup.EventScheduleThrottled, "", "nightly"))
	}
	n.Flush()

	assert.Equal(t, 1, rec.count())
}

func TestErrorsBypassRateLimit(t *testing.T) {
	n, rec := newTestNotifier("info", time.Minute)

	for i := 0; i < 3; i++ {
		n.OnEvent(backup.NewEvent(backup.EventBackupFailed, "set-1", "nightly"))
	}
	n.Flush()

	assert.Equal(t, 3, rec.count())
}

func TestDisabledNotifierIsNil(t *testing.T) {
	n := NewNotifier(config.NotificationConfig{Enabled: false}, logging.NewDefaultLogger())
	assert.Nil(t, n)
	// A nil notifier must be safe to call.
	n.OnEvent(backup.NewEvent(backup.EventBackupFailed, "", ""))
	n.Flush()
}

func TestWebhookChannelPostsJSON(t *testing.T) {
	var received message
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := newWebhookChannel(config.WebhookSink{
		URL:     server.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	event := backup.NewEvent(backup.EventBackupFailed, "set-9", "nightly").With("error", "disk full")
	require.NoError(t, ch.Send(event, SeverityError))

	assert.Equal(t, "Bearer token", auth)
	assert.Equal(t, "backup_failed", received.Event)
	assert.Equal(t, "set-9", received.SetID)
	assert.Equal(t, "error", received.Severity)
	assert.Equal(t, "disk full", received.Payload["error"])
}

func TestWebhookChannelRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ch := newWebhookChannel(config.WebhookSink{URL: server.URL})
	err := ch.Send(backup.NewEvent(backup.EventBackupFailed, "", ""), SeverityError)
	require.Error(t, err)
}

func TestSlackChannelFormatsText(t *testing.T) {
	var payload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	}))
	defer server.Close()

	ch := newSlackChannel(config.SlackSink{WebhookURL: server.URL, Channel: "#backups", Username: "backup-bot"})
	event := backup.NewEvent(backup.EventPartialReplication, "set-3", "nightly")
	require.NoError(t, ch.Send(event, SeverityWarning))

	assert.Contains(t, payload["text"], "partial_replication")
	assert.Contains(t, payload["text"], "set-3")
	assert.Equal(t, "#backups", payload["channel"])
	assert.Equal(t, "backup-bot", payload["username"])
}

func TestFileChannelAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.log")
	ch := newFileChannel(config.FileSink{Path: path})

	require.NoError(t, ch.Send(backup.NewEvent(backup.EventBackupCompleted, "set-1", "nightly"), SeverityInfo))
	require.NoError(t, ch.Send(backup.NewEvent(backup.EventBackupFailed, "set-2", "nightly"), SeverityError))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}
