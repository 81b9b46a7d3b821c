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

package sshexec

import (
	"context"
	"time"

	"xraycp/internal/apperr"
	"xraycp/internal/metrics"
)

// backoffSchedule is the bounded geometric sequence used between retries:
// 1s, 2s, 4s. A 4th attempt (after the 3rd retry) is never scheduled.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// MaxAttempts is 1 initial attempt plus len(backoffSchedule) retries.
const MaxAttempts = 1 + len(backoffSchedule)

// WithRetry runs fn up to MaxAttempts times. It retries only when fn's error
// carries apperr.KindHostUnreachable or apperr.KindTimeout; any other kind
// (notably AUTH_FAILED) returns immediately. Cancellation is checked both
// before sleeping and after waking, so a cancelled context never issues
// another attempt.
func WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		kind := apperr.KindOf(lastErr)
		if !kind.Retryable() {
			return lastErr
		}
		if attempt == MaxAttempts-1 {
			return lastErr
		}

		metrics.IncSSHRetry(string(kind))
		delay := backoffSchedule[attempt]
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return lastErr
}

// RetryingRunner wraps a Runner with C2's bounded retry policy so every
// workflow SSH call, not just callers who remember to invoke WithRetry
// themselves, gets bounded retry of transport-level failures.
type RetryingRunner struct {
	Runner Runner
}

var _ Runner = RetryingRunner{}

// Run retries Runner.Run under WithRetry, keyed on command for the metrics
// label.
func (r RetryingRunner) Run(ctx context.Context, target Target, command string, sudo bool) (Result, error) {
	var res Result
	err := WithRetry(ctx, command, func(ctx context.Context) error {
		var runErr error
		res, runErr = r.Runner.Run(ctx, target, command, sudo)
		return runErr
	})
	return res, err
}

// UploadHeredoc retries Runner.UploadHeredoc under WithRetry.
func (r RetryingRunner) UploadHeredoc(ctx context.Context, target Target, sudo bool, remotePath string, content []byte, mode string) error {
	return WithRetry(ctx, "upload:"+remotePath, func(ctx context.Context) error {
		return r.Runner.UploadHeredoc(ctx, target, sudo, remotePath, content, mode)
	})
}
