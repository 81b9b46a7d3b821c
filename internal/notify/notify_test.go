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

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"xraycp/pkg/xraycp"
)

func TestNewWithEmptyURLReturnsNoop(t *testing.T) {
	n := New("", "secret", nil)
	if _, ok := n.(NoopNotifier); !ok {
		t.Fatalf("New(\"\", ...) = %T, want NoopNotifier", n)
	}
	n.Notify(context.Background(), xraycp.Job{ID: "job-1"})
}

func TestWebhookNotifierSendsSecretHeaderAndPayload(t *testing.T) {
	var gotSecret string
	var gotBody payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Webhook-Secret")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, "s3cr3t", nil)
	errMsg := "boom"
	job := xraycp.Job{
		ID: "job-1", HostID: "host-1", Type: xraycp.JobTypeInstall,
		Status: xraycp.JobStatusFailed, Error: &errMsg, UpdatedAt: time.Now().UTC(),
	}
	n.Notify(context.Background(), job)

	if gotSecret != "s3cr3t" {
		t.Fatalf("X-Webhook-Secret = %q, want s3cr3t", gotSecret)
	}
	if gotBody.JobID != "job-1" || gotBody.Status != "failed" || gotBody.DeliveryID == "" {
		t.Fatalf("payload = %+v", gotBody)
	}
}

func TestWebhookNotifierSwallowsDeliveryErrors(t *testing.T) {
	n := New("http://127.0.0.1:0", "", nil)
	n.Notify(context.Background(), xraycp.Job{ID: "job-1", Status: xraycp.JobStatusCompleted})
}
