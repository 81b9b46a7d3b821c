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

package workflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"xraycp/internal/apperr"
	"xraycp/pkg/xraycp"
)

// RemoteBaseDir is where the install/repair workflows and the client store
// keep the compose file and rendered config on the target host.
const RemoteBaseDir = "/opt/xray-cp"

var supportedDistros = map[string]bool{"ubuntu": true, "debian": true}

// Install runs the NEW -> INSTALLING -> READY workflow described in
// component C6. It is safe to call on an already-READY host: callers
// should route that case to Repair instead (the convergence check), per
// the job processor's dispatch rule.
func Install(ctx context.Context, wc *Context) (xraycp.XRAYInstance, error) {
	var inst xraycp.XRAYInstance
	var users []xraycp.User
	var osID string

	steps := []Step{
		{Name: "detect_os", PctAfter: 10, Fn: func(ctx context.Context, wc *Context) error {
			id, err := detectOS(ctx, wc)
			if err != nil {
				return err
			}
			osID = id
			return nil
		}},
		{Name: "install_docker", PctAfter: 30, Fn: func(ctx context.Context, wc *Context) error {
			return installDocker(ctx, wc, osID)
		}},
		{Name: "prepare_dirs", PctAfter: 40, Fn: prepareDirs},
		{Name: "build_runtime_config", PctAfter: 55, Fn: func(ctx context.Context, wc *Context) error {
			built, err := buildRuntimeConfig(ctx, wc)
			if err != nil {
				return err
			}
			inst = built
			return nil
		}},
		{Name: "render_files", PctAfter: 65, Fn: func(ctx context.Context, wc *Context) error {
			u, err := renderAndUpload(ctx, wc, inst)
			if err != nil {
				return err
			}
			users = u
			return nil
		}},
		{Name: "compose_up", PctAfter: 85, Fn: composeUp},
		{Name: "open_firewall", PctAfter: 92, Fn: func(ctx context.Context, wc *Context) error {
			return openFirewallPort(ctx, wc, inst.ListenPort)
		}},
		{Name: "apply_client_store", PctAfter: 97, Fn: func(ctx context.Context, wc *Context) error {
			if wc.ClientStore == nil {
				return nil
			}
			return wc.ClientStore.ApplyUsers(ctx, wc.Target, inst, users)
		}},
		{Name: "persist_instance", PctAfter: 100, Fn: func(ctx context.Context, wc *Context) error {
			return persistInstance(ctx, wc, &inst)
		}},
	}

	if err := RunSteps(ctx, wc, steps); err != nil {
		return xraycp.XRAYInstance{}, err
	}
	return inst, nil
}

// detectOS returns the lowercased $ID from /etc/os-release, failing with
// COMMAND_FAILED if it names a distribution outside supportedDistros.
func detectOS(ctx context.Context, wc *Context) (string, error) {
	res, err := wc.Executor.Run(ctx, wc.Target, `source /etc/os-release && printf "%s" "$ID"`, false)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		id = parseOSReleaseField(res.Stdout, "ID")
	}
	id = strings.ToLower(id)
	if !supportedDistros[id] {
		return "", apperr.New(apperr.KindCommandFailed, fmt.Sprintf("Unsupported OS: %s", id), nil)
	}
	return id, nil
}

func parseOSReleaseField(content, field string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, field+"=") {
			continue
		}
		v := strings.TrimPrefix(line, field+"=")
		return strings.Trim(v, `"`)
	}
	return ""
}

// installDocker idempotently installs Docker Engine and the compose plugin
// from Docker's official apt repository for osID (ubuntu or debian), rather
// than piping a third-party install script into a root shell, and enables
// the daemon.
func installDocker(ctx context.Context, wc *Context, osID string) error {
	script := fmt.Sprintf(`set -e
if command -v docker >/dev/null 2>&1 && docker compose version >/dev/null 2>&1; then
  exit 0
fi
apt-get update
apt-get install -y ca-certificates curl gnupg
install -m 0755 -d /etc/apt/keyrings
curl -fsSL https://download.docker.com/linux/%s/gpg -o /etc/apt/keyrings/docker.asc
chmod a+r /etc/apt/keyrings/docker.asc
. /etc/os-release
echo "deb [arch=$(dpkg --print-architecture) signed-by=/etc/apt/keyrings/docker.asc] https://download.docker.com/linux/%s $VERSION_CODENAME stable" > /etc/apt/sources.list.d/docker.list
apt-get update
apt-get install -y docker-ce docker-ce-cli containerd.io docker-buildx-plugin docker-compose-plugin
systemctl enable --now docker`, osID, osID)
	_, err := wc.Executor.Run(ctx, wc.Target, script, true)
	return err
}

func prepareDirs(ctx context.Context, wc *Context) error {
	script := fmt.Sprintf("mkdir -p %s /var/log/xray", RemoteBaseDir)
	_, err := wc.Executor.Run(ctx, wc.Target, script, true)
	return err
}

// buildRuntimeConfig reuses an existing XRAY instance's REALITY key pair if
// one is already persisted for this host; otherwise it generates a fresh
// pair via the xray-core image itself, so the key material always comes
// from the exact binary that will serve it.
func buildRuntimeConfig(ctx context.Context, wc *Context) (xraycp.XRAYInstance, error) {
	existing, err := wc.Store.GetXRAYInstanceByHost(ctx, wc.Host.ID)
	if err == nil {
		return existing, nil
	}

	priv, pub, err := generateRealityKeyPair(ctx, wc)
	if err != nil {
		return xraycp.XRAYInstance{}, err
	}

	shortIDs, err := randomShortIDs(4)
	if err != nil {
		return xraycp.XRAYInstance{}, err
	}

	now := time.Now().UTC()
	return xraycp.XRAYInstance{
		ID:                uuid.NewString(),
		HostID:            wc.Host.ID,
		ListenPort:        443,
		RealityPrivateKey: priv,
		RealityPublicKey:  pub,
		ServerName:        "www.microsoft.com",
		Dest:              "www.microsoft.com:443",
		Fingerprint:       "chrome",
		ShortIDs:          shortIDs,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// generateRealityKeyPair runs `docker run ghcr.io/xtls/xray-core:latest
// xray x25519` on the target host and parses its "Private key:"/"Public
// key:" output lines.
func generateRealityKeyPair(ctx context.Context, wc *Context) (priv, pub string, err error) {
	res, err := wc.Executor.Run(ctx, wc.Target, "docker run --rm ghcr.io/xtls/xray-core:latest xray x25519", true)
	if err != nil {
		return "", "", err
	}
	combined := res.Stdout + "\n" + res.Stderr
	for _, line := range strings.Split(combined, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Private key:"):
			priv = strings.TrimSpace(strings.TrimPrefix(line, "Private key:"))
		case strings.HasPrefix(line, "Password:"), strings.HasPrefix(line, "Public key:"):
			pub = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "Password:"), "Public key:"))
		}
	}
	if priv == "" || pub == "" {
		return "", "", apperr.New(apperr.KindCommandFailed, "Failed to parse REALITY keypair output", nil)
	}
	return priv, pub, nil
}

// randomShortIDs generates n distinct REALITY short ids: each is a prefix,
// of a length chosen uniformly in [8,16] hex characters, of a freshly
// hexed random 8-byte value.
func randomShortIDs(n int) ([]string, error) {
	seen := make(map[string]bool, n)
	out := make([]string, 0, n)
	for len(out) < n {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		full := hex.EncodeToString(b[:])
		length, err := randomIntInRange(8, 16)
		if err != nil {
			return nil, err
		}
		id := full[:length]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// randomIntInRange returns a uniformly random int in [min,max] (inclusive).
func randomIntInRange(min, max int) (int, error) {
	span := max - min + 1
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return min + int(b[0])%span, nil
}

func renderAndUpload(ctx context.Context, wc *Context, inst xraycp.XRAYInstance) ([]xraycp.User, error) {
	users, err := wc.Store.ListUsersByHost(ctx, wc.Host.ID)
	if err != nil {
		return nil, err
	}

	compose, err := wc.Renderer.RenderCompose(inst)
	if err != nil {
		return nil, fmt.Errorf("render compose: %w", err)
	}
	config, err := wc.Renderer.RenderConfig(inst, users)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}

	if err := wc.Executor.UploadHeredoc(ctx, wc.Target, true, RemoteBaseDir+"/docker-compose.yml", compose, "0644"); err != nil {
		return nil, fmt.Errorf("upload compose: %w", err)
	}
	if err := wc.Executor.UploadHeredoc(ctx, wc.Target, true, RemoteBaseDir+"/config.json", config, "0600"); err != nil {
		return nil, fmt.Errorf("upload config: %w", err)
	}
	return users, nil
}

func composeUp(ctx context.Context, wc *Context) error {
	script := fmt.Sprintf("cd %s && docker compose up -d", RemoteBaseDir)
	_, err := wc.Executor.Run(ctx, wc.Target, script, true)
	return err
}

// openFirewallPort opens port/tcp via ufw when present, otherwise inserts an
// iptables ACCEPT rule (skipping it if an equivalent rule already exists).
func openFirewallPort(ctx context.Context, wc *Context, port int) error {
	p := strconv.Itoa(port)
	script := fmt.Sprintf(
		"if command -v ufw >/dev/null 2>&1; then ufw allow %s/tcp; "+
			"else iptables -C INPUT -p tcp --dport %s -j ACCEPT 2>/dev/null || iptables -I INPUT -p tcp --dport %s -j ACCEPT; "+
			"fi", p, p, p)
	_, err := wc.Executor.Run(ctx, wc.Target, script, true)
	return err
}

func persistInstance(ctx context.Context, wc *Context, inst *xraycp.XRAYInstance) error {
	inst.UpdatedAt = time.Now().UTC()
	if err := wc.Store.UpsertXRAYInstance(ctx, *inst); err != nil {
		return err
	}
	return wc.Store.UpdateHostStatus(ctx, wc.Host.ID, xraycp.HostStatusReady, nil)
}
