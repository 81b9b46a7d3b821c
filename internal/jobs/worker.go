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

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"xraycp/internal/clientstore"
	"xraycp/internal/installlog"
	"xraycp/internal/lock"
	"xraycp/internal/metrics"
	"xraycp/internal/notify"
	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	"xraycp/internal/workflow"
	"xraycp/pkg/xraycp"
)

// SecretResolver turns a host's ssh_secret_ref into connection credentials.
// The control plane's sealed-secret decryption (AES-256-GCM/pbkdf2) lives
// behind this so the worker doesn't need to know about key material.
type SecretResolver func(ctx context.Context, secretRef string) (sshexec.Target, error)

// Worker pops queued jobs and drives them through the install/repair
// workflows, one at a time, enforcing the per-host lock around each run.
type Worker struct {
	Store       *store.Store
	Locks       *lock.Manager
	Executor    sshexec.Runner
	InstallLog  *installlog.Sink
	Renderer    render.Renderer
	ClientStore clientstore.ClientStore
	ResolveHost SecretResolver
	Notifier    notify.Notifier
	Logger      *slog.Logger

	PollEvery time.Duration

	now func() time.Time
}

// NewWorker builds a Worker, filling unset fields with defaults (a 2s poll
// interval and the default JSON renderer), mirroring the default-fallback
// constructor pattern used for the shared job dispatcher.
func NewWorker(w Worker) *Worker {
	if w.PollEvery <= 0 {
		w.PollEvery = 2 * time.Second
	}
	if w.Renderer == nil {
		w.Renderer = render.DefaultRenderer{}
	}
	if w.Logger == nil {
		w.Logger = slog.Default()
	}
	if w.Notifier == nil {
		w.Notifier = notify.NoopNotifier{}
	}
	w.now = time.Now
	return &w
}

// Run polls for queued jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := w.Store.AcquireQueuedJob(ctx)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				w.Logger.Error("acquire queued job failed", slog.String("error", err.Error()))
				continue
			}
			w.processJob(ctx, job)
		}
	}
}

func (w *Worker) processJob(ctx context.Context, job xraycp.Job) {
	logger := w.Logger.With(slog.String("job_id", job.ID), slog.String("host_id", job.HostID), slog.String("job_type", string(job.Type)))

	// The host lock was already acquired, keyed on this job's id, back when
	// it was enqueued (C4's synchronous mutual-exclusion boundary); the
	// worker only ever releases it, never re-acquires.
	defer func() {
		if err := w.Locks.ReleaseToken(ctx, job.HostID, job.LockToken); err != nil {
			logger.Error("release host lock failed", slog.String("error", err.Error()))
		}
	}()

	// C4's dispatch protocol: a job cancelled while still queued never runs
	// a single SSH command.
	if cancelled, err := w.Store.IsJobCancelled(ctx, job.ID); err == nil && cancelled {
		logger.Warn("Job cancelled before execution")
		w.completeCancelled(ctx, job.ID, "Cancellation requested before execution")
		return
	}

	host, err := w.Store.GetHost(ctx, job.HostID)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	preStatus := host.Status

	target, err := w.ResolveHost(ctx, host.SSHSecretRef)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}
	target.Host = host.Host
	target.User = host.SSHUser

	effectiveType := job.Type
	if job.Type == xraycp.JobTypeInstall && host.Status == xraycp.HostStatusReady {
		logger.Info("host already ready, delegating install to repair for convergence check")
		effectiveType = xraycp.JobTypeRepair
	}

	if effectiveType == xraycp.JobTypeInstall {
		if err := w.Store.UpdateHostStatus(ctx, host.ID, xraycp.HostStatusInstalling, nil); err != nil {
			w.fail(ctx, job, err)
			return
		}
	}

	wc := &workflow.Context{
		Store:       w.Store,
		Executor:    w.Executor,
		InstallLog:  w.InstallLog,
		Renderer:    w.Renderer,
		ClientStore: w.ClientStore,
		Target:      target,
		Host:        host,
		JobID:       job.ID,
		JobTyp:      effectiveType,
		Progress: func(pct int) {
			_ = w.Store.MarkJobStatus(ctx, job.ID, xraycp.JobStatusActive, pct, nil, nil)
		},
		Log: func(level xraycp.LogLevel, message string) {
			_ = w.Store.AppendJobLog(ctx, xraycp.JobLogLine{JobID: job.ID, Time: w.now().UTC(), Level: level, Message: message})
		},
		IsCancelled: func(ctx context.Context) (bool, error) {
			return w.Store.IsJobCancelled(ctx, job.ID)
		},
	}

	var result map[string]any
	var runErr error
	switch effectiveType {
	case xraycp.JobTypeInstall:
		var inst xraycp.XRAYInstance
		inst, runErr = workflow.Install(ctx, wc)
		if runErr == nil {
			result = map[string]any{"type": "install", "instance_id": inst.ID, "listen_port": inst.ListenPort}
		}
	case xraycp.JobTypeRepair:
		var rr workflow.RepairResult
		rr, runErr = workflow.Repair(ctx, wc)
		if runErr == nil {
			result = map[string]any{
				"actions":        rr.Actions,
				"statusBefore":   rr.StatusBefore,
				"statusAfter":    rr.StatusAfter,
				"port_listening": rr.PortListening,
			}
			// job.Type (not effectiveType) distinguishes an install request
			// that was routed to repair because the host was already READY.
			if job.Type == xraycp.JobTypeInstall {
				result["type"] = "install"
				result["alreadyInstalled"] = true
				if inst, instErr := w.Store.GetXRAYInstanceByHost(ctx, host.ID); instErr == nil {
					result["instance_id"] = inst.ID
				}
			}
		}
	}

	if runErr != nil {
		if errors.Is(runErr, workflow.ErrCancelled) {
			// A cancellation can never corrupt host state: revert the host
			// to whatever it was before this workflow started, preserving
			// any lastError it already carried.
			_ = w.Store.UpdateHostStatus(ctx, host.ID, preStatus, host.LastError)
			logger.Warn("Job cancelled", slog.String("reason", "cancellation requested"))
			w.completeCancelled(ctx, job.ID, "Cancellation requested")
			return
		}
		w.fail(ctx, job, runErr)
		_ = w.Store.UpdateHostStatus(ctx, host.ID, xraycp.HostStatusError, errPtr(runErr))
		return
	}

	_ = w.Store.MarkJobStatus(ctx, job.ID, xraycp.JobStatusCompleted, 100, result, nil)
	metrics.IncJobOutcome(string(job.Type), "completed")
	w.notifyTerminal(ctx, job.ID)
}

// notifyTerminal re-reads the job's final row (MarkJobStatus doesn't return
// the updated record) and hands it to the configured Notifier.
func (w *Worker) notifyTerminal(ctx context.Context, jobID string) {
	final, err := w.Store.GetJob(ctx, jobID)
	if err != nil {
		w.Logger.Error("notify: reload job failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		return
	}
	w.Notifier.Notify(ctx, final)
}

func (w *Worker) fail(ctx context.Context, job xraycp.Job, err error) {
	w.Logger.Error("job failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	_ = w.Store.MarkJobStatus(ctx, job.ID, xraycp.JobStatusFailed, job.Progress, nil, errPtr(err))
	metrics.IncJobOutcome(string(job.Type), "failed")
	w.notifyTerminal(ctx, job.ID)
}

// completeCancelled resolves a cancelled job as COMPLETED carrying
// result.canceled=true, per C4's "cancellation is not failure" contract —
// never FAILED, since nothing actually went wrong.
func (w *Worker) completeCancelled(ctx context.Context, jobID, reason string) {
	result := map[string]any{"canceled": true, "reason": reason}
	job, err := w.Store.GetJob(ctx, jobID)
	progress := 0
	if err == nil {
		progress = job.Progress
	}
	_ = w.Store.MarkJobStatus(ctx, jobID, xraycp.JobStatusCompleted, progress, result, nil)
	metrics.IncJobOutcome(string(job.Type), "cancelled")
	w.notifyTerminal(ctx, jobID)
}

func errPtr(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
