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

// Package metrics exposes the control plane's Prometheus instrumentation
// behind a private registry so tests can Reset() between cases.
package metrics

import (
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Op names used as the "op" label across the SSH/job metrics below.
const (
	OpSSHConnect  = "ssh_connect"
	OpSSHRun      = "ssh_run"
	OpInstall     = "install"
	OpRepair      = "repair"
	OpLockAcquire = "lock_acquire"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	sshRequestDuration *prometheus.HistogramVec
	sshRetryTotal       *prometheus.CounterVec
	jobPhaseDuration    *prometheus.HistogramVec
	jobOutcomeTotal     *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset replaces the registry and all metrics with fresh instances. Tests
// call this between cases to avoid duplicate-registration panics and stale
// counters.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	sshRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xraycp_ssh_request_duration_seconds",
		Help:    "Duration of SSH operations against hosts.",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	sshRetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xraycp_ssh_retry_total",
		Help: "Count of SSH operation retries by kind.",
	}, []string{"kind"})

	jobPhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xraycp_job_phase_duration_seconds",
		Help:    "Duration of install/repair workflow phases.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type", "phase"})

	jobOutcomeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xraycp_job_outcome_total",
		Help: "Count of completed jobs by type and outcome.",
	}, []string{"job_type", "outcome"})

	reg.MustRegister(sshRequestDuration, sshRetryTotal, jobPhaseDuration, jobOutcomeTotal)
}

// Handler returns the HTTP handler serving this package's registry.
func Handler() http.Handler {
	mu.RLock()
	defer mu.RUnlock()
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveSSHRequest records the duration of one SSH operation.
func ObserveSSHRequest(op string, outcome string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	sshRequestDuration.WithLabelValues(sanitizeLabel(op), sanitizeLabel(outcome)).Observe(durationSeconds(d))
}

// IncSSHRetry increments the retry counter for the given apperr.Kind string.
func IncSSHRetry(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	sshRetryTotal.WithLabelValues(sanitizeLabel(kind)).Inc()
}

// ObserveJobPhase records the duration of one install/repair workflow phase.
func ObserveJobPhase(jobType, phase string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	jobPhaseDuration.WithLabelValues(sanitizeLabel(jobType), sanitizeLabel(phase)).Observe(durationSeconds(d))
}

// IncJobOutcome increments the terminal-outcome counter for a job.
func IncJobOutcome(jobType, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	jobOutcomeTotal.WithLabelValues(sanitizeLabel(jobType), sanitizeLabel(outcome)).Inc()
}

func durationSeconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

var labelSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-]`)

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	return labelSanitizer.ReplaceAllString(s, "_")
}
