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

package render

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"xraycp/pkg/xraycp"
)

func testInstance() xraycp.XRAYInstance {
	return xraycp.XRAYInstance{
		ID: "inst-1", HostID: "host-1", ListenPort: 443,
		RealityPrivateKey: "priv-key", RealityPublicKey: "pub-key",
		ServerName: "www.microsoft.com", Dest: "www.microsoft.com:443",
		Fingerprint: "chrome", ShortIDs: []string{"ab12cd34"},
	}
}

func TestRenderComposeContainsImageAndConfigMount(t *testing.T) {
	out, err := DefaultRenderer{}.RenderCompose(testInstance())
	if err != nil {
		t.Fatalf("RenderCompose() error = %v", err)
	}
	s := string(out)
	for _, want := range []string{"ghcr.io/xtls/xray-core:latest", "network_mode: host", "config.json:/etc/xray/config.json:ro"} {
		if !strings.Contains(s, want) {
			t.Errorf("RenderCompose() missing %q, got:\n%s", want, s)
		}
	}
}

func TestRenderComposeIsDeterministic(t *testing.T) {
	inst := testInstance()
	a, err := DefaultRenderer{}.RenderCompose(inst)
	if err != nil {
		t.Fatalf("RenderCompose() error = %v", err)
	}
	b, err := DefaultRenderer{}.RenderCompose(inst)
	if err != nil {
		t.Fatalf("RenderCompose() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("RenderCompose() produced different output for identical input")
	}
}

func TestRenderConfigOrdersClientsByUUIDAndSkipsDisabled(t *testing.T) {
	inst := testInstance()
	users := []xraycp.User{
		{HostID: "host-1", UUID: "zzz", Email: "z@example.com", Enabled: true},
		{HostID: "host-1", UUID: "aaa", Email: "a@example.com", Enabled: true},
		{HostID: "host-1", UUID: "mmm", Email: "disabled@example.com", Enabled: false},
		{HostID: "other-host", UUID: "bbb", Email: "wrong-host@example.com", Enabled: true},
	}

	out, err := DefaultRenderer{}.RenderConfig(inst, users)
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}

	var parsed struct {
		Inbounds []json.RawMessage `json:"inbounds"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("RenderConfig() produced invalid JSON: %v", err)
	}
	if len(parsed.Inbounds) != 2 {
		t.Fatalf("len(inbounds) = %d, want 2 (vless + api)", len(parsed.Inbounds))
	}

	var vless struct {
		Settings struct {
			Clients []struct {
				ID string `json:"id"`
			} `json:"clients"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(parsed.Inbounds[0], &vless); err != nil {
		t.Fatalf("unmarshal vless inbound: %v", err)
	}
	if len(vless.Settings.Clients) != 2 {
		t.Fatalf("len(clients) = %d, want 2 (disabled and other-host users excluded)", len(vless.Settings.Clients))
	}
	if vless.Settings.Clients[0].ID != "aaa" || vless.Settings.Clients[1].ID != "zzz" {
		t.Fatalf("clients not sorted by UUID: %+v", vless.Settings.Clients)
	}
}

func TestRenderConfigIsDeterministic(t *testing.T) {
	inst := testInstance()
	users := []xraycp.User{
		{HostID: "host-1", UUID: "u1", Email: "a@example.com", Enabled: true},
		{HostID: "host-1", UUID: "u2", Email: "b@example.com", Enabled: true},
	}
	a, err := DefaultRenderer{}.RenderConfig(inst, users)
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}
	b, err := DefaultRenderer{}.RenderConfig(inst, users)
	if err != nil {
		t.Fatalf("RenderConfig() error = %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("RenderConfig() produced different output for identical input")
	}
}

func TestWriteAtomicCreatesFileWithPermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")

	if err := WriteAtomic(path, []byte(`{"ok":true}`), 0o600); err != nil {
		t.Fatalf("WriteAtomic() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("content = %q", data)
	}
}

func TestWriteAtomicOverwritesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	if err := WriteAtomic(path, []byte("first"), 0o600); err != nil {
		t.Fatalf("WriteAtomic() first write error = %v", err)
	}
	if err := WriteAtomic(path, []byte("second"), 0o600); err != nil {
		t.Fatalf("WriteAtomic() second write error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read written file: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("content = %q, want \"second\"", data)
	}
}
