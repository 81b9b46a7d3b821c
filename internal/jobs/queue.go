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

// Package jobs is the job queue (C4) and job processor (C5): enqueue,
// inspect, cancel, and dispatch install/repair workflows.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xraycp/internal/lock"
	"xraycp/internal/store"
	"xraycp/pkg/xraycp"
)

// DefaultLogTail and MaxLogTail bound the number of lines GetLogs returns
// when a caller asks for "the log" rather than a specific window.
const (
	DefaultLogTail = 200
	MaxLogTail     = 1000
)

// Retention windows from component C4: completed jobs are kept at least an
// hour (and at least 500 rows), failed jobs at least a day (and at least
// 500 rows), whichever is larger.
const (
	completedRetention = 1 * time.Hour
	failedRetention    = 24 * time.Hour
	retentionKeepMin   = 500
)

// Queue is the persistence-backed job queue.
type Queue struct {
	store *store.Store
	locks *lock.Manager
}

// NewQueue wraps s as a Queue that acquires host locks through locks on
// every enqueue, per C4's enqueue protocol.
func NewQueue(s *store.Store, locks *lock.Manager) *Queue {
	return &Queue{store: s, locks: locks}
}

// EnqueueInstall creates a QUEUED install job for hostID.
func (q *Queue) EnqueueInstall(ctx context.Context, hostID string) (xraycp.Job, error) {
	return q.enqueue(ctx, xraycp.JobTypeInstall, hostID)
}

// EnqueueRepair creates a QUEUED repair job for hostID.
func (q *Queue) EnqueueRepair(ctx context.Context, hostID string) (xraycp.Job, error) {
	return q.enqueue(ctx, xraycp.JobTypeRepair, hostID)
}

// enqueue implements C4's enqueue protocol: mint a job id, synchronously
// acquire the host lock keyed on that id (failure surfaces as
// apperr.KindServerBusy to the caller — this is the synchronous mutual-
// exclusion boundary, not the worker dequeue), then persist the job. If
// persistence fails after the lock was claimed, the lock is released so it
// doesn't leak.
func (q *Queue) enqueue(ctx context.Context, typ xraycp.JobType, hostID string) (xraycp.Job, error) {
	job := xraycp.NewJob(uuid.NewString(), typ, hostID)
	if _, err := q.locks.AcquireWithToken(ctx, hostID, job.LockToken); err != nil {
		return xraycp.Job{}, err
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		_ = q.locks.ReleaseToken(ctx, hostID, job.LockToken)
		return xraycp.Job{}, err
	}
	_ = q.store.AppendJobLog(ctx, xraycp.JobLogLine{
		JobID:   job.ID,
		Time:    job.CreatedAt,
		Level:   xraycp.LogLevelInfo,
		Message: fmt.Sprintf("Job queued: type=%s serverId=%s", typ, hostID),
	})
	return job, nil
}

// GetJob fetches a job's current state.
func (q *Queue) GetJob(ctx context.Context, id string) (xraycp.Job, error) {
	return q.store.GetJob(ctx, id)
}

// GetLogs returns the most recent tail log lines for id, oldest first. A
// non-positive tail returns every line on record.
func (q *Queue) GetLogs(ctx context.Context, id string, tail int) ([]xraycp.JobLogLine, error) {
	lines, err := q.store.ListJobLogs(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return lines, nil
}

// Cancel requests cooperative cancellation of a running or queued job. The
// job transitions to FAILED only once its processor observes the request
// between workflow steps. A WARN log line records the request immediately,
// even though the job itself may take a step or two to notice it.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.RequestJobCancel(ctx, id); err != nil {
		return err
	}
	return q.store.AppendJobLog(ctx, xraycp.JobLogLine{
		JobID:   id,
		Time:    time.Now().UTC(),
		Level:   xraycp.LogLevelWarn,
		Message: "Cancellation requested",
	})
}

// Close runs one retention sweep, deleting terminal jobs past their window
// while always keeping the most recent retentionKeepMin rows per status.
// It is idempotent and safe to call repeatedly from a scheduler.
func (q *Queue) Close(ctx context.Context) error {
	if _, err := q.store.DeleteExpiredJobs(ctx, xraycp.JobStatusCompleted, completedRetention, retentionKeepMin); err != nil {
		return err
	}
	if _, err := q.store.DeleteExpiredJobs(ctx, xraycp.JobStatusFailed, failedRetention, retentionKeepMin); err != nil {
		return err
	}
	return nil
}
