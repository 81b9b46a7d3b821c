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

// Package workflow drives the install (C6) and repair (C7) state machines
// over a shared step-runner: each step updates job progress and logs before
// and after running, and the runner checks for cancellation between steps.
package workflow

import (
	"context"
	"fmt"
	"time"

	"xraycp/internal/clientstore"
	"xraycp/internal/installlog"
	"xraycp/internal/metrics"
	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	"xraycp/pkg/xraycp"
)

// Context bundles everything a workflow step needs: the transport, the
// persistence layer, the renderer/client-store pair, and the job-progress
// callbacks supplied by the job processor.
type Context struct {
	Store       *store.Store
	Executor    sshexec.Runner
	InstallLog  *installlog.Sink
	Renderer    render.Renderer
	ClientStore clientstore.ClientStore

	Target sshexec.Target
	Host   xraycp.Host
	JobID  string
	JobTyp xraycp.JobType

	Progress    func(pct int)
	Log         func(level xraycp.LogLevel, message string)
	IsCancelled func(ctx context.Context) (bool, error)
}

func (c *Context) logf(level xraycp.LogLevel, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.Log != nil {
		c.Log(level, msg)
	}
	if c.InstallLog != nil {
		c.InstallLog.Append(c.Host.ID, msg)
	}
}

// Step is one named, resumable unit of a workflow. PctAfter is the job
// progress value reported once Fn succeeds.
type Step struct {
	Name     string
	PctAfter int
	Fn       func(ctx context.Context, wc *Context) error
}

// Cancelled is returned by RunSteps when cancellation is observed between
// steps; callers treat it as a FAILED job with this as the error detail.
var ErrCancelled = fmt.Errorf("job cancelled")

// RunSteps executes steps in order, checking cancellation before each one,
// logging entry/exit, timing each step into the job-phase histogram, and
// stopping at the first error.
func RunSteps(ctx context.Context, wc *Context, steps []Step) error {
	for _, step := range steps {
		if wc.IsCancelled != nil {
			cancelled, err := wc.IsCancelled(ctx)
			if err != nil {
				return fmt.Errorf("check cancellation: %w", err)
			}
			if cancelled {
				wc.logf(xraycp.LogLevelWarn, "cancelled before step %q", step.Name)
				return ErrCancelled
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		wc.logf(xraycp.LogLevelInfo, "step %q starting", step.Name)
		start := time.Now()
		err := step.Fn(ctx, wc)
		metrics.ObserveJobPhase(string(wc.JobTyp), step.Name, time.Since(start))
		if err != nil {
			wc.logf(xraycp.LogLevelError, "step %q failed: %v", step.Name, err)
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		wc.logf(xraycp.LogLevelInfo, "step %q done", step.Name)
		if wc.Progress != nil {
			wc.Progress(step.PctAfter)
		}
	}
	return nil
}
