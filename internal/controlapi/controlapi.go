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

// Package controlapi implements the thin HTTP surface for enqueueing and
// inspecting install/repair jobs.
//
// Endpoints implemented in this file:
//   - POST /api/v1/hosts/{id}/install
//   - POST /api/v1/hosts/{id}/repair
//   - GET  /api/v1/jobs/{id}
//   - GET  /api/v1/jobs/{id}/logs
//   - POST /api/v1/jobs/{id}/cancel
package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"xraycp/internal/apperr"
	"xraycp/pkg/xraycp"
)

// Log tail bounds for GET /jobs/{id}/logs: a caller that omits ?tail gets
// defaultLogTail lines; any requested value is clamped to maxLogTail.
const (
	defaultLogTail = 200
	maxLogTail     = 1000
)

// JobQueue defines the persistence methods the API needs.
type JobQueue interface {
	EnqueueInstall(ctx context.Context, hostID string) (xraycp.Job, error)
	EnqueueRepair(ctx context.Context, hostID string) (xraycp.Job, error)
	GetJob(ctx context.Context, id string) (xraycp.Job, error)
	GetLogs(ctx context.Context, id string, tail int) ([]xraycp.JobLogLine, error)
	Cancel(ctx context.Context, id string) error
}

// API is the HTTP layer fronting JobQueue.
type API struct {
	Queue  JobQueue
	Logger *slog.Logger
}

// New constructs an API with its required dependencies.
func New(queue JobQueue, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{Queue: queue, Logger: logger}
}

// Register attaches the API handlers to mux under /api/v1/.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/hosts/", a.hostsHandler)
	mux.HandleFunc("/api/v1/jobs/", a.jobsHandler)
}

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type jobResponse struct {
	JobID     string              `json:"job_id"`
	Type      xraycp.JobType      `json:"type"`
	HostID    string              `json:"host_id"`
	Status    xraycp.JobStatus    `json:"status"`
	Progress  int                 `json:"progress"`
	Error     *string             `json:"error,omitempty"`
	CreatedAt string              `json:"created_at"`
	UpdatedAt string              `json:"updated_at"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func toJobResponse(j xraycp.Job) jobResponse {
	return jobResponse{
		JobID: j.ID, Type: j.Type, HostID: j.HostID, Status: j.Status,
		Progress: j.Progress, Error: j.Error,
		CreatedAt: j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt: j.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// hostsHandler routes /api/v1/hosts/{id}/install and /api/v1/hosts/{id}/repair.
func (a *API) hostsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/hosts/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	hostID, action := parts[0], parts[1]

	var job xraycp.Job
	var err error
	switch action {
	case "install":
		job, err = a.Queue.EnqueueInstall(r.Context(), hostID)
	case "repair":
		job, err = a.Queue.EnqueueRepair(r.Context(), hostID)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		a.writeError(w, err, "enqueue failed for host %s", hostID)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// jobsHandler routes /api/v1/jobs/{id}, /api/v1/jobs/{id}/logs, and
// /api/v1/jobs/{id}/cancel.
func (a *API) jobsHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		a.handleGetJob(w, r, id)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		a.handleGetLogs(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		a.handleCancel(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Queue.GetJob(r.Context(), id)
	if err != nil {
		a.writeError(w, err, "job not found: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (a *API) handleGetLogs(w http.ResponseWriter, r *http.Request, id string) {
	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, jsonError{Error: string(apperr.KindValidationFailed), Message: "tail must be a positive integer"})
			return
		}
		tail = n
	}
	if tail > maxLogTail {
		tail = maxLogTail
	}

	lines, err := a.Queue.GetLogs(r.Context(), id, tail)
	if err != nil {
		a.writeError(w, err, "job not found: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

type cancelResponse struct {
	JobID           string           `json:"jobId"`
	Status          xraycp.JobStatus `json:"status"`
	CancelRequested bool             `json:"cancelRequested"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.Queue.Cancel(r.Context(), id); err != nil {
		a.writeError(w, err, "job not found: %s", id)
		return
	}
	job, err := a.Queue.GetJob(r.Context(), id)
	if err != nil {
		a.writeError(w, err, "job not found: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{JobID: job.ID, Status: job.Status, CancelRequested: true})
}

func (a *API) writeError(w http.ResponseWriter, err error, msgFmt string, args ...any) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindServerNotFound, apperr.KindJobNotFound, apperr.KindSecretNotFound:
		status = http.StatusNotFound
	case apperr.KindServerBusy:
		status = http.StatusConflict
	case apperr.KindValidationFailed:
		status = http.StatusBadRequest
	}
	a.Logger.Error("control api request failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	writeJSON(w, status, jsonError{Error: string(kind), Message: fmt.Sprintf(msgFmt, args...)})
}
