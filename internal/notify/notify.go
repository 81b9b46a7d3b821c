// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package notify delivers a one-shot POST of a job's terminal state to an
// operator-configured URL once the install/repair workflow finishes. It
// never retries — the receiving side is expected to dedup on DeliveryID the
// same way this control plane would if it were on the receiving end of such
// a call.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"xraycp/pkg/xraycp"
)

// Notifier is the terminal-state delivery surface a Worker calls once per
// finished job.
type Notifier interface {
	Notify(ctx context.Context, job xraycp.Job)
}

// NoopNotifier never sends anything. It is the default when no webhook URL
// is configured.
type NoopNotifier struct{}

// Notify implements Notifier as a no-op.
func (NoopNotifier) Notify(context.Context, xraycp.Job) {}

var _ Notifier = NoopNotifier{}

// payload is the outbound terminal-state body.
type payload struct {
	JobID      string  `json:"job_id"`
	HostID     string  `json:"host_id"`
	Type       string  `json:"type"`
	Status     string  `json:"status"`
	Error      *string `json:"error,omitempty"`
	DeliveryID string  `json:"delivery_id"`
	FinishedAt string  `json:"finished_at"`
}

// WebhookNotifier POSTs a job's terminal state to URL, authenticating with a
// shared secret header the same way the control API itself would expect an
// inbound caller to.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *slog.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

// New builds a WebhookNotifier. If url is empty, the returned Notifier is a
// NoopNotifier instead, so callers can wire this unconditionally from config.
func New(url, secret string, logger *slog.Logger) Notifier {
	if url == "" {
		return NoopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{URL: url, Secret: secret, Client: &http.Client{Timeout: 10 * time.Second}, Logger: logger}
}

// Notify sends exactly one POST describing job's terminal status. Delivery
// failures are logged and otherwise swallowed: a dropped notification never
// fails or re-runs the job it describes.
func (n *WebhookNotifier) Notify(ctx context.Context, job xraycp.Job) {
	status := "success"
	if job.Status == xraycp.JobStatusFailed {
		status = "failed"
	}
	body := payload{
		JobID:      job.ID,
		HostID:     job.HostID,
		Type:       string(job.Type),
		Status:     status,
		Error:      job.Error,
		DeliveryID: uuid.NewString(),
		FinishedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		n.Logger.Error("notify: encode payload failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(buf))
	if err != nil {
		n.Logger.Error("notify: build request failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Secret != "" {
		req.Header.Set("X-Webhook-Secret", n.Secret)
	}

	resp, err := n.Client.Do(req)
	if err != nil {
		n.Logger.Warn("notify: delivery failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.Logger.Warn("notify: receiver rejected delivery", slog.String("job_id", job.ID), slog.Int("status", resp.StatusCode))
	}
}
