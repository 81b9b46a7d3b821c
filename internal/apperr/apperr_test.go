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

package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindRetryable(t *testing.T) {
	cases := map[Kind]bool{
		KindHostUnreachable:  true,
		KindTimeout:          true,
		KindAuthFailed:       false,
		KindCommandFailed:    false,
		KindSecretNotFound:   false,
		KindSecretDecrypt:    false,
		KindServerNotFound:   false,
		KindServerBusy:       false,
		KindJobNotFound:      false,
		KindValidationFailed: false,
	}
	for kind, want := range cases {
		if got := kind.Retryable(); got != want {
			t.Errorf("Kind(%s).Retryable() = %v, want %v", kind, got, want)
		}
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(KindHostUnreachable, "db1", errors.New("connection refused"))
	wrapped := fmt.Errorf("dial: %w", base)

	if got := KindOf(wrapped); got != KindHostUnreachable {
		t.Fatalf("KindOf(wrapped) = %s, want %s", got, KindHostUnreachable)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != KindInternal {
		t.Fatalf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
	if got := KindOf(nil); got != KindInternal {
		t.Fatalf("KindOf(nil) = %s, want %s", got, KindInternal)
	}
}

func TestErrorMessageIncludesDetails(t *testing.T) {
	err := New(KindCommandFailed, "exit 1", errors.New("boom"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected non-empty error message")
	}
	if errors.Unwrap(err).Error() != "boom" {
		t.Fatalf("Unwrap() = %v, want boom", errors.Unwrap(err))
	}
}
