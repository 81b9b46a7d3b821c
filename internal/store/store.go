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

// Package store is the sqlite-backed persistence layer for hosts, secrets,
// XRAY instances, users, jobs, job logs, and per-host locks.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"xraycp/internal/apperr"
	"xraycp/pkg/xraycp"
)

const schemaVersion = 1

// Store wraps a *sql.DB configured for single-writer sqlite access.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path, tunes its
// pragmas for a single-writer/many-reader workload, and runs migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a serializable transaction, rolling back on error or
// panic and committing otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	err = fn(tx)
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return err
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if version < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return err
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings(key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id TEXT PRIMARY KEY,
			host TEXT NOT NULL,
			ssh_user TEXT NOT NULL,
			ssh_secret_ref TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('NEW','INSTALLING','READY','ERROR')),
			last_error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('password','private_key')),
			ciphertext TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS xray_instances (
			id TEXT PRIMARY KEY,
			host_id TEXT NOT NULL UNIQUE REFERENCES hosts(id) ON DELETE CASCADE,
			listen_port INTEGER NOT NULL,
			reality_private_key TEXT NOT NULL,
			reality_public_key TEXT NOT NULL,
			server_name TEXT NOT NULL,
			dest TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			short_ids TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			host_id TEXT NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			uuid TEXT NOT NULL,
			email TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (host_id, uuid)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL CHECK (type IN ('install','repair')),
			host_id TEXT NOT NULL REFERENCES hosts(id) ON DELETE RESTRICT,
			status TEXT NOT NULL CHECK (status IN ('QUEUED','ACTIVE','COMPLETED','FAILED')),
			progress INTEGER NOT NULL DEFAULT 0,
			lock_token TEXT NOT NULL,
			result TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			cancelled_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_host_status ON jobs(host_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE TABLE IF NOT EXISTS job_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			time TIMESTAMP NOT NULL,
			level TEXT NOT NULL CHECK (level IN ('INFO','WARN','ERROR')),
			message TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_logs_job ON job_logs(job_id, id)`,
		`CREATE TABLE IF NOT EXISTS host_locks (
			lock_key TEXT PRIMARY KEY,
			host_id TEXT NOT NULL,
			token TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration stmt: %w", err)
		}
	}
	return nil
}

// --- Hosts ---

// UpsertHost inserts h or updates it by id.
func (s *Store) UpsertHost(ctx context.Context, h xraycp.Host) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hosts(id, host, ssh_user, ssh_secret_ref, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host=excluded.host, ssh_user=excluded.ssh_user, ssh_secret_ref=excluded.ssh_secret_ref,
			status=excluded.status, last_error=excluded.last_error, updated_at=excluded.updated_at`,
		h.ID, h.Host, h.SSHUser, h.SSHSecretRef, string(h.Status), nullIfEmptyPtr(h.LastError), h.CreatedAt, h.UpdatedAt)
	return err
}

// GetHost fetches a host by id. Returns an *apperr.Error with
// apperr.KindServerNotFound if absent.
func (s *Store) GetHost(ctx context.Context, id string) (xraycp.Host, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, host, ssh_user, ssh_secret_ref, status, last_error, created_at, updated_at
		FROM hosts WHERE id = ?`, id)
	return scanHost(row)
}

func scanHost(row *sql.Row) (xraycp.Host, error) {
	var h xraycp.Host
	var status string
	var lastErr sql.NullString
	err := row.Scan(&h.ID, &h.Host, &h.SSHUser, &h.SSHSecretRef, &status, &lastErr, &h.CreatedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return xraycp.Host{}, apperr.New(apperr.KindServerNotFound, "host", err)
	}
	if err != nil {
		return xraycp.Host{}, err
	}
	h.Status = xraycp.HostStatus(status)
	h.LastError = fromNullStringPtr(lastErr)
	return h, nil
}

// UpdateHostStatus sets a host's status (and optional last error) atomically.
func (s *Store) UpdateHostStatus(ctx context.Context, id string, status xraycp.HostStatus, lastError *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE hosts SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), nullIfEmptyPtr(lastError), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.KindServerNotFound, "host", nil)
	}
	return nil
}

// --- Secrets ---

// PutSecret stores ciphertext for id, replacing any existing value.
func (s *Store) PutSecret(ctx context.Context, secret xraycp.Secret) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets(id, kind, ciphertext, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, ciphertext = excluded.ciphertext`,
		secret.ID, string(secret.Kind), secret.Ciphertext, secret.CreatedAt)
	return err
}

// GetSecret fetches ciphertext by id. Returns an *apperr.Error with
// apperr.KindSecretNotFound if absent.
func (s *Store) GetSecret(ctx context.Context, id string) (xraycp.Secret, error) {
	var sec xraycp.Secret
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, ciphertext, created_at FROM secrets WHERE id = ?`, id).
		Scan(&sec.ID, &kind, &sec.Ciphertext, &sec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return xraycp.Secret{}, apperr.New(apperr.KindSecretNotFound, id, err)
	}
	if err != nil {
		return xraycp.Secret{}, err
	}
	sec.Kind = xraycp.SecretKind(kind)
	return sec, nil
}

// --- XRAY instances ---

// GetXRAYInstanceByHost returns the instance owned by hostID, or
// sql.ErrNoRows if none exists yet (callers treat absence as "create new").
func (s *Store) GetXRAYInstanceByHost(ctx context.Context, hostID string) (xraycp.XRAYInstance, error) {
	var inst xraycp.XRAYInstance
	var shortIDs string
	err := s.db.QueryRowContext(ctx, `SELECT id, host_id, listen_port, reality_private_key, reality_public_key,
		server_name, dest, fingerprint, short_ids, created_at, updated_at FROM xray_instances WHERE host_id = ?`, hostID).
		Scan(&inst.ID, &inst.HostID, &inst.ListenPort, &inst.RealityPrivateKey, &inst.RealityPublicKey,
			&inst.ServerName, &inst.Dest, &inst.Fingerprint, &shortIDs, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return xraycp.XRAYInstance{}, err
	}
	if shortIDs != "" {
		inst.ShortIDs = strings.Split(shortIDs, ",")
	}
	return inst, nil
}

// UpsertXRAYInstance inserts or fully replaces the instance row for its
// host. The reality key pair and short ids must already reflect the
// preserve-or-generate decision made by the install/repair workflow.
func (s *Store) UpsertXRAYInstance(ctx context.Context, inst xraycp.XRAYInstance) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO xray_instances(id, host_id, listen_port, reality_private_key, reality_public_key,
		server_name, dest, fingerprint, short_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host_id) DO UPDATE SET
			listen_port=excluded.listen_port, reality_private_key=excluded.reality_private_key,
			reality_public_key=excluded.reality_public_key, server_name=excluded.server_name, dest=excluded.dest,
			fingerprint=excluded.fingerprint, short_ids=excluded.short_ids, updated_at=excluded.updated_at`,
		inst.ID, inst.HostID, inst.ListenPort, inst.RealityPrivateKey, inst.RealityPublicKey,
		inst.ServerName, inst.Dest, inst.Fingerprint, strings.Join(inst.ShortIDs, ","), inst.CreatedAt, inst.UpdatedAt)
	return err
}

// --- Users ---

// ListUsersByHost returns every client identity configured for hostID.
func (s *Store) ListUsersByHost(ctx context.Context, hostID string) ([]xraycp.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host_id, uuid, email, enabled FROM users WHERE host_id = ? ORDER BY uuid`, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []xraycp.User
	for rows.Next() {
		var u xraycp.User
		var enabled int
		if err := rows.Scan(&u.HostID, &u.UUID, &u.Email, &enabled); err != nil {
			return nil, err
		}
		u.Enabled = enabled != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Jobs ---

// InsertJob enqueues a new job row.
func (s *Store) InsertJob(ctx context.Context, j xraycp.Job) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO jobs(id, type, host_id, status, progress, lock_token, result, error, created_at, updated_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, string(j.Type), j.HostID, string(j.Status), j.Progress, j.LockToken,
		nullIfEmptyJSON(j.Result), nullIfEmptyPtr(j.Error), j.CreatedAt, j.UpdatedAt, j.CancelledAt)
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (xraycp.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, host_id, status, progress, lock_token, result, error, created_at, updated_at, cancelled_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func scanJob(row *sql.Row) (xraycp.Job, error) {
	var j xraycp.Job
	var typ, status string
	var result, jobErr sql.NullString
	var cancelledAt sql.NullTime
	err := row.Scan(&j.ID, &typ, &j.HostID, &status, &j.Progress, &j.LockToken, &result, &jobErr, &j.CreatedAt, &j.UpdatedAt, &cancelledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return xraycp.Job{}, apperr.New(apperr.KindJobNotFound, id, err)
	}
	if err != nil {
		return xraycp.Job{}, err
	}
	j.Type = xraycp.JobType(typ)
	j.Status = xraycp.JobStatus(status)
	j.Error = fromNullStringPtr(jobErr)
	if cancelledAt.Valid {
		t := cancelledAt.Time
		j.CancelledAt = &t
	}
	if result.Valid && result.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(result.String), &m); err == nil {
			j.Result = m
		}
	}
	return j, nil
}

// AcquireQueuedJobForHost atomically claims the oldest QUEUED job for a
// host, or sql.ErrNoRows if none is waiting. Mirrors the claim-then-UPDATE
// idiom used for the job queue and for host locks.
func (s *Store) AcquireQueuedJob(ctx context.Context) (xraycp.Job, error) {
	var job xraycp.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE status = 'QUEUED' ORDER BY created_at LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'ACTIVE', updated_at = ? WHERE id = ? AND status = 'QUEUED'`,
			time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		row := tx.QueryRowContext(ctx, `SELECT id, type, host_id, status, progress, lock_token, result, error, created_at, updated_at, cancelled_at
			FROM jobs WHERE id = ?`, id)
		var typ, status string
		var result, jobErr sql.NullString
		var cancelledAt sql.NullTime
		if err := row.Scan(&job.ID, &typ, &job.HostID, &status, &job.Progress, &job.LockToken, &result, &jobErr, &job.CreatedAt, &job.UpdatedAt, &cancelledAt); err != nil {
			return err
		}
		job.Type = xraycp.JobType(typ)
		job.Status = xraycp.JobStatus(status)
		job.Error = fromNullStringPtr(jobErr)
		if cancelledAt.Valid {
			t := cancelledAt.Time
			job.CancelledAt = &t
		}
		return nil
	})
	return job, err
}

// MarkJobStatus updates a job's status, progress, result, and error fields.
func (s *Store) MarkJobStatus(ctx context.Context, id string, status xraycp.JobStatus, progress int, result map[string]any, jobErr *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET status = ?, progress = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), progress, nullIfEmptyJSON(result), nullIfEmptyPtr(jobErr), time.Now().UTC(), id)
	return err
}

// RequestJobCancel stamps cancelled_at on a job, leaving its status
// untouched so the running worker observes cancellation cooperatively.
func (s *Store) RequestJobCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cancelled_at = ? WHERE id = ? AND cancelled_at IS NULL`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return nil
}

// IsJobCancelled reports whether cancellation has been requested for id.
func (s *Store) IsJobCancelled(ctx context.Context, id string) (bool, error) {
	var cancelledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT cancelled_at FROM jobs WHERE id = ?`, id).Scan(&cancelledAt)
	if err != nil {
		return false, err
	}
	return cancelledAt.Valid, nil
}

// DeleteExpiredJobs removes terminal jobs past their retention window,
// keeping at least keepMin most-recent rows per status regardless of age.
func (s *Store) DeleteExpiredJobs(ctx context.Context, status xraycp.JobStatus, olderThan time.Duration, keepMin int) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status = ? AND updated_at < ? AND id NOT IN (
		SELECT id FROM jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?
	)`, string(status), cutoff, string(status), keepMin)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Job logs ---

// AppendJobLog appends one ordered log line to a job's log.
func (s *Store) AppendJobLog(ctx context.Context, line xraycp.JobLogLine) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_logs(job_id, time, level, message) VALUES (?, ?, ?, ?)`,
		line.JobID, line.Time, string(line.Level), line.Message)
	return err
}

// ListJobLogs returns every log line for jobID in append order, optionally
// starting after afterID (for incremental polling).
func (s *Store) ListJobLogs(ctx context.Context, jobID string, afterID int64) ([]xraycp.JobLogLine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, job_id, time, level, message FROM job_logs
		WHERE job_id = ? AND id > ? ORDER BY id`, jobID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []xraycp.JobLogLine
	for rows.Next() {
		var l xraycp.JobLogLine
		var level string
		if err := rows.Scan(&l.ID, &l.JobID, &l.Time, &level, &l.Message); err != nil {
			return nil, err
		}
		l.Level = xraycp.LogLevel(level)
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Locks (C3) ---

// TryAcquireLock claims lockKey with token for ttl, stealing it if the
// existing holder's lease has expired. Returns apperr.KindServerBusy if a
// live lock is held by a different token.
func (s *Store) TryAcquireLock(ctx context.Context, lockKey, hostID, token string, ttl time.Duration) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		var existingToken string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx, `SELECT token, expires_at FROM host_locks WHERE lock_key = ?`, lockKey).Scan(&existingToken, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			_, err := tx.ExecContext(ctx, `INSERT INTO host_locks(lock_key, host_id, token, expires_at) VALUES (?, ?, ?, ?)`,
				lockKey, hostID, token, now.Add(ttl))
			return err
		case err != nil:
			return err
		case expiresAt.After(now):
			return apperr.New(apperr.KindServerBusy, lockKey, nil)
		default:
			res, err := tx.ExecContext(ctx, `UPDATE host_locks SET token = ?, expires_at = ? WHERE lock_key = ? AND token = ?`,
				token, now.Add(ttl), lockKey, existingToken)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return apperr.New(apperr.KindServerBusy, lockKey, nil)
			}
			return nil
		}
	})
}

// ReleaseLock deletes lockKey only if its token matches (compare-and-delete).
func (s *Store) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM host_locks WHERE lock_key = ? AND token = ?`, lockKey, token)
	return err
}

// --- helpers ---

func nullIfEmptyPtr(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNullStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullIfEmptyJSON(m map[string]any) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
