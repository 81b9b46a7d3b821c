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

// Package lock implements the per-host lock (C3): a TTL-bound
// compare-and-swap lease backed by the shared sqlite store, keyed
// "lock:server:<hostId>".
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"xraycp/internal/store"
)

const defaultTTL = 15 * time.Minute

// Manager acquires and releases per-host locks.
type Manager struct {
	store *store.Store
	ttl   time.Duration
}

// NewManager builds a Manager with the given lock TTL (defaultTTL if zero).
func NewManager(s *store.Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Manager{store: s, ttl: ttl}
}

// Lease is a held lock; Release must be called exactly once.
type Lease struct {
	manager *Manager
	key     string
	Token   string
}

func keyFor(hostID string) string { return fmt.Sprintf("lock:server:%s", hostID) }

// Acquire claims the lock for hostID with a freshly minted token. Returns an
// *apperr.Error with apperr.KindServerBusy if another live token holds it.
func (m *Manager) Acquire(ctx context.Context, hostID string) (*Lease, error) {
	return m.AcquireWithToken(ctx, hostID, uuid.NewString())
}

// AcquireWithToken claims the lock for hostID using a caller-supplied token
// (C4's enqueue protocol uses the job id itself, so the worker that later
// dequeues the job can release the very lock its enqueue already holds).
// Returns an *apperr.Error with apperr.KindServerBusy if another live token
// holds it.
func (m *Manager) AcquireWithToken(ctx context.Context, hostID, token string) (*Lease, error) {
	key := keyFor(hostID)
	if err := m.store.TryAcquireLock(ctx, key, hostID, token, m.ttl); err != nil {
		return nil, err
	}
	return &Lease{manager: m, key: key, Token: token}, nil
}

// Release performs the token-compare-and-delete release. Releasing a lease
// that was never ours (e.g. expired and stolen) is a silent no-op, matching
// the compare-and-delete semantics.
func (l *Lease) Release(ctx context.Context) error {
	return l.manager.store.ReleaseLock(ctx, l.key, l.Token)
}

// ReleaseToken performs the token-compare-and-delete release for a lock the
// caller holds only by (hostID, token) rather than a live *Lease value —
// the shape the worker needs when the lock was acquired back at enqueue
// time, in a different process, with the job id as token.
func (m *Manager) ReleaseToken(ctx context.Context, hostID, token string) error {
	return m.store.ReleaseLock(ctx, keyFor(hostID), token)
}
