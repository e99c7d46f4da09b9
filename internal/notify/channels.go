package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"multistore-backup/internal/backup"
	"multistore-backup/internal/config"
)

// message is the JSON body posted to webhook-style channels
type message struct {
	Severity  string                 `json:"severity"`
	Event     string                 `json:"event"`
	SetID     string                 `json:"set_id,omitempty"`
	Schedule  string                 `json:"schedule,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

func newMessage(event backup.Event, severity Severity) message {
	return message{
		Severity:  severity.String(),
		Event:     string(event.Type),
		SetID:     event.SetID,
		Schedule:  event.Schedule,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
}

type webhookChannel struct {
	cfg    config.WebhookSink
	client *http.Client
}

func newWebhookChannel(cfg config.WebhookSink) *webhookChannel {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	return &webhookChannel{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (c *webhookChannel) Name() string { return "webhook" }

func (c *webhookChannel) Send(event backup.Event, severity Severity) error {
	body, err := json.Marshal(newMessage(event, severity))
	if err != nil {
		return err
	}

	req, err := http.NewRequest(c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

type slackChannel struct {
	cfg    config.SlackSink
	client *http.Client
}

func newSlackChannel(cfg config.SlackSink) *slackChannel {
	return &slackChannel{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *slackChannel) Name() string { return "slack" }

func (c *slackChannel) Send(event backup.Event, severity Severity) error {
	text := fmt.Sprintf("[%s] %s", severity.String(), event.Type)
	if event.Schedule != "" {
		text += " schedule=" + event.Schedule
	}
	if event.SetID != "" {
		text += " set=" + event.SetID
	}

	payload := map[string]string{"text": text}
	if c.cfg.Channel != "" {
		payload["channel"] = c.cfg.Channel
	}
	if c.cfg.Username != "" {
		payload["username"] = c.cfg.Username
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.cfg.WebhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

type fileChannel struct {
	cfg config.FileSink
	mu  sync.Mutex
}

func newFileChannel(cfg config.FileSink) *fileChannel {
	return &fileChannel{cfg: cfg}
}

func (c *fileChannel) Name() string { return "file" }

func (c *fileChannel) Send(event backup.Event, severity Severity) error {
	var line []byte
	if c.cfg.Format == "text" {
		line = []byte(fmt.Sprintf("%s [%s] %s schedule=%s set=%s\n",
			event.Timestamp.Format(time.RFC3339), severity.String(), event.Type, event.Schedule, event.SetID))
	} else {
		body, err := json.Marshal(newMessage(event, severity))
		if err != nil {
			return err
		}
		line = append(body, '\n')
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	f, err := os.OpenFile(c.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(line)
	return err
}
