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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	Reset()
	ObserveSSHRequest(OpSSHRun, "success", 100*time.Millisecond)
	IncSSHRetry("TIMEOUT")
	ObserveJobPhase(OpInstall, "detect_os", 50*time.Millisecond)
	IncJobOutcome(OpInstall, "completed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	out := string(body)

	for _, want := range []string{
		"xraycp_ssh_request_duration_seconds",
		"xraycp_ssh_retry_total",
		"xraycp_job_phase_duration_seconds",
		"xraycp_job_outcome_total",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestResetClearsCounters(t *testing.T) {
	Reset()
	IncJobOutcome(OpRepair, "failed")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Result().Body)
	if !strings.Contains(string(body), `job_type="repair"`) {
		t.Fatalf("expected repair outcome counter before reset, got:\n%s", body)
	}

	Reset()

	req2 := httptest.NewRequest("GET", "/metrics", nil)
	rec2 := httptest.NewRecorder()
	Handler().ServeHTTP(rec2, req2)
	body2, _ := io.ReadAll(rec2.Result().Body)
	if strings.Contains(string(body2), `job_type="repair"`) {
		t.Fatalf("expected Reset() to clear prior counters, got:\n%s", body2)
	}
}

func TestSanitizeLabelReplacesInvalidCharacters(t *testing.T) {
	if got := sanitizeLabel(""); got != "unknown" {
		t.Fatalf("sanitizeLabel(\"\") = %q, want \"unknown\"", got)
	}
	if got := sanitizeLabel("a b/c"); got != "a_b_c" {
		t.Fatalf("sanitizeLabel(\"a b/c\") = %q, want \"a_b_c\"", got)
	}
}
