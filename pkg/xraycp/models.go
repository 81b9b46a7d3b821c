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

// Package xraycp contains the shared data models used by the install/repair
// control plane: hosts, secrets, derived XRAY instances, users, and jobs.
package xraycp

import "time"

// HostStatus is the lifecycle state of a managed host.
type HostStatus string

const (
	HostStatusNew        HostStatus = "NEW"
	HostStatusInstalling HostStatus = "INSTALLING"
	HostStatusReady      HostStatus = "READY"
	HostStatusError      HostStatus = "ERROR"
)

// Valid reports whether s is one of the allowed host statuses.
func (s HostStatus) Valid() bool {
	switch s {
	case HostStatusNew, HostStatusInstalling, HostStatusReady, HostStatusError:
		return true
	default:
		return false
	}
}

func (s HostStatus) String() string { return string(s) }

// Host is a remote Linux machine onto which XRAY is installed.
type Host struct {
	ID           string
	Host         string
	SSHUser      string
	SSHSecretRef string
	Status       HostStatus
	LastError    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SecretKind distinguishes the plaintext payload carried by a Secret.
type SecretKind string

const (
	SecretKindPassword   SecretKind = "password"
	SecretKindPrivateKey SecretKind = "private_key"
)

// Secret is opaque ciphertext addressed by id. The plaintext value is never
// logged or persisted outside of this ciphertext form.
type Secret struct {
	ID         string
	Kind       SecretKind
	Ciphertext string
	CreatedAt  time.Time
}

// XRAYInstance is the derived runtime descriptor owned 1:1 by a host.
// RealityPrivateKey, RealityPublicKey, and ShortIDs must be preserved across
// install/repair passes once created; regenerating them would invalidate
// every client config already handed out for this host.
type XRAYInstance struct {
	ID                string
	HostID            string
	ListenPort        int
	RealityPrivateKey string
	RealityPublicKey  string
	ServerName        string
	Dest              string
	Fingerprint       string
	ShortIDs          []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// User is a VLESS client identity projected into the renderer input for a
// host whenever Enabled is true.
type User struct {
	HostID  string
	UUID    string
	Email   string
	Enabled bool
}

// JobType selects which workflow a Job drives.
type JobType string

const (
	JobTypeInstall JobType = "install"
	JobTypeRepair  JobType = "repair"
)

// JobStatus is the lifecycle state of a queued unit of work.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusActive    JobStatus = "ACTIVE"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Valid reports whether s is one of the allowed job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusActive, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is a terminal job status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) String() string { return string(s) }

// Job is a queued record representing a pending, running, or completed
// install/repair workflow against one host.
type Job struct {
	ID          string
	Type        JobType
	HostID      string
	Status      JobStatus
	Progress    int
	LockToken   string
	Result      map[string]any
	Error       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CancelledAt *time.Time
}

// LogLevel is the severity of a JobLogLine.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
)

func (l LogLevel) String() string { return string(l) }

// JobLogLine is one ordered, append-only log entry belonging to a Job.
type JobLogLine struct {
	ID      int64
	JobID   string
	Time    time.Time
	Level   LogLevel
	Message string
}

// NewJob constructs a new queued Job. The lock token defaults to the job id,
// by convention, until a workflow step reassigns it.
func NewJob(id string, typ JobType, hostID string) Job {
	now := time.Now().UTC()
	return Job{
		ID:        id,
		Type:      typ,
		HostID:    hostID,
		Status:    JobStatusQueued,
		Progress:  0,
		LockToken: id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
