// Package notify posts run summaries to an ntfy topic. Notification
// failures are logged and swallowed; a sync run never fails because a
// push did not land.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"

	"github.com/meshsync/meshsync/internal/config"
	"github.com/meshsync/meshsync/internal/sync"
)

const requestTimeout = 10 * time.Second

// Dispatcher posts plain-text messages to one ntfy topic.
type Dispatcher struct {
	cfg    config.NtfyConfig
	client *http.Client
}

// NewDispatcher returns a dispatcher, or nil when notifications are not
// configured. A nil dispatcher is safe to call.
func NewDispatcher(cfg config.NtfyConfig) *Dispatcher {
	if cfg.Server == "" || cfg.Topic == "" {
		return nil
	}
	return &Dispatcher{cfg: cfg, client: &http.Client{Timeout: requestTimeout}}
}

// Send posts one message. Errors are logged, never returned.
func (d *Dispatcher) Send(ctx context.Context, title, message string) {
	if d == nil {
		return
	}
	url := strings.TrimRight(d.cfg.Server, "/") + "/" + d.cfg.Topic

	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(message))
	if err != nil {
		log.WithError(err).Warn("failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if title != "" {
		req.Header.Set("Title", title)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		log.WithField("url", url).WithError(err).Warn("failed to send notification")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"url":    url,
			"status": resp.Status,
		}).Warn("notification rejected")
		return
	}
	log.WithField("url", url).Debug("notification sent")
}

// SendReport renders and posts a run summary. With NotifyOnNewOnly set,
// runs that downloaded nothing and failed nothing stay silent.
func (d *Dispatcher) SendReport(ctx context.Context, report *sync.Report) {
	if d == nil {
		return
	}
	if d.cfg.NotifyOnNewOnly && report.Downloaded() == 0 && !report.HasFailures() {
		log.Debug("nothing new, skipping notification")
		return
	}
	d.Send(ctx, title(report), Render(report))
}

func title(report *sync.Report) string {
	if report.HasFailures() {
		return "Meshtastic sync completed with failures"
	}
	return "Meshtastic sync complete"
}

// Render produces the plain-text summary shared by the notification body
// and the terminal.
func Render(report *sync.Report) string {
	var b strings.Builder
	for _, f := range report.Families {
		if f.Err != nil {
			fmt.Fprintf(&b, "%s: failed (%v)\n", f.Name, f.Err)
			continue
		}
		fmt.Fprintf(&b, "%s: %d downloaded, %d up to date, %d failed", f.Name, f.Downloaded, f.Skipped, f.Failed)
		if f.LatestVersion != "" {
			fmt.Fprintf(&b, " (latest %s)", f.LatestVersion)
		}
		b.WriteByte('\n')
	}
	for _, r := range report.Failures() {
		fmt.Fprintf(&b, "  failed: %s (%s, retryable=%v)\n", r.Record.Name, r.Record.Type, r.Retryable)
	}
	if !report.Finished.IsZero() {
		fmt.Fprintf(&b, "finished %s\n", humanize.Time(report.Finished))
	}
	return b.String()
}
