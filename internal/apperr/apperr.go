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

// Package apperr defines the closed set of error kinds surfaced across the
// install/repair control plane, so callers can branch on Kind instead of
// string-matching.
package apperr

import "fmt"

// Kind is a member of the closed error taxonomy.
type Kind string

const (
	KindAuthFailed       Kind = "AUTH_FAILED"
	KindHostUnreachable  Kind = "HOST_UNREACHABLE"
	KindTimeout          Kind = "TIMEOUT"
	KindCommandFailed    Kind = "COMMAND_FAILED"
	KindSecretNotFound   Kind = "SECRET_NOT_FOUND"
	KindSecretDecrypt    Kind = "SECRET_DECRYPT_FAILED"
	KindServerNotFound   Kind = "SERVER_NOT_FOUND"
	KindServerBusy       Kind = "SERVER_BUSY"
	KindJobNotFound      Kind = "JOB_NOT_FOUND"
	KindValidationFailed Kind = "VALIDATION_FAILED"
	KindRepairFailed     Kind = "REPAIR_FAILED"
	KindJobCancelled     Kind = "JOB_CANCELLED"
	KindInternal         Kind = "INTERNAL"
)

// Retryable reports whether C2's retry policy should retry an error of this
// kind. Only transport-level failures are retryable; auth and command
// failures never are.
func (k Kind) Retryable() bool {
	switch k {
	case KindHostUnreachable, KindTimeout:
		return true
	default:
		return false
	}
}

// Error is the concrete error type threaded through the executor, workflow,
// and job layers. It always carries a Kind from the closed set above.
type Error struct {
	Kind    Kind
	Err     error
	Details string
}

func (e *Error) Error() string {
	switch {
	case e.Details != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Details, e.Err)
	case e.Details != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Details)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind with an optional details string.
func New(kind Kind, details string, err error) *Error {
	return &Error{Kind: kind, Details: details, Err: err}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// returns KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if asError(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
