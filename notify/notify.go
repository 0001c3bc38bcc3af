// Package notify delivers run notifications to operators: structured
// log lines, webhook posts, or both.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ticketpilot/ticketpilot/workflow"
)

// LogNotifier writes each notification as one line to a writer.
type LogNotifier struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogNotifier creates a notifier writing to w.
func NewLogNotifier(w io.Writer) *LogNotifier {
	return &LogNotifier{writer: w}
}

func (l *LogNotifier) Notify(_ context.Context, n workflow.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.writer, "[notify] run=%s status=%s ticket=%s msg=%q\n",
		n.RunID, n.Status, n.TicketKey, n.Message)
	return err
}

// WebhookNotifier posts each notification as JSON to a single endpoint,
// for example a chat bridge.
type WebhookNotifier struct {
	url   string
	httpc *http.Client
}

// NewWebhookNotifier creates a notifier posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:   url,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n workflow.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Multi fans a notification out to several notifiers. Delivery errors
// are collected, not short-circuited.
type Multi []workflow.Notifier

// NewMulti builds a Multi, skipping nil notifiers.
func NewMulti(ns ...workflow.Notifier) Multi {
	out := make(Multi, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m Multi) Notify(ctx context.Context, n workflow.Notification) error {
	var errs []string
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification delivery failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
