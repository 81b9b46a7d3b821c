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

// Package render is the configuration renderer (C9): pure functions that
// turn an XRAY instance and its users into compose.yml and config.json
// bytes, deterministically.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"xraycp/pkg/xraycp"
)

// Renderer produces the on-host configuration files for an XRAY instance.
// The interface lets install/repair workflows depend on rendering without
// depending on a concrete byte-layout implementation.
type Renderer interface {
	RenderCompose(inst xraycp.XRAYInstance) ([]byte, error)
	RenderConfig(inst xraycp.XRAYInstance, users []xraycp.User) ([]byte, error)
}

// DefaultRenderer is the control plane's own VLESS+REALITY layout.
type DefaultRenderer struct{}

var _ Renderer = DefaultRenderer{}

const xrayImage = "ghcr.io/xtls/xray-core:latest"

// RenderCompose renders the docker compose file bringing up the XRAY
// container, publishing ListenPort and binding the config read-only.
func (DefaultRenderer) RenderCompose(inst xraycp.XRAYInstance) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "services:\n")
	fmt.Fprintf(&buf, "  xray:\n")
	fmt.Fprintf(&buf, "    image: %s\n", xrayImage)
	fmt.Fprintf(&buf, "    restart: unless-stopped\n")
	fmt.Fprintf(&buf, "    network_mode: host\n")
	fmt.Fprintf(&buf, "    volumes:\n")
	fmt.Fprintf(&buf, "      - ./config.json:/etc/xray/config.json:ro\n")
	fmt.Fprintf(&buf, "      - /var/log/xray:/var/log/xray\n")
	fmt.Fprintf(&buf, "    command: [\"run\", \"-config\", \"/etc/xray/config.json\"]\n")
	return buf.Bytes(), nil
}

// inbound/outbound shapes mirror xray-core's config.json vocabulary closely
// enough to drive the process, without vendoring its full config schema.
type inboundClient struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Flow  string `json:"flow,omitempty"`
}

type realitySettings struct {
	Show        bool     `json:"show"`
	Dest        string   `json:"dest"`
	Xver        int      `json:"xver"`
	ServerNames []string `json:"serverNames"`
	PrivateKey  string   `json:"privateKey"`
	ShortIds    []string `json:"shortIds"`
}

type streamSettings struct {
	Network         string          `json:"network"`
	Security        string          `json:"security"`
	RealitySettings realitySettings `json:"realitySettings"`
}

type vlessInbound struct {
	Tag      string `json:"tag"`
	Listen   string `json:"listen"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Settings struct {
		Clients    []inboundClient `json:"clients"`
		Decryption string          `json:"decryption"`
	} `json:"settings"`
	StreamSettings streamSettings `json:"streamSettings"`
}

type dokodemoInbound struct {
	Tag      string `json:"tag"`
	Listen   string `json:"listen"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Settings struct {
		Address string `json:"address"`
		Port    int    `json:"port"`
		Network string `json:"network"`
	} `json:"settings"`
}

type apiConfig struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

type routingRule struct {
	Type        string   `json:"type"`
	InboundTag  []string `json:"inboundTag"`
	OutboundTag string   `json:"outboundTag"`
}

type routingConfig struct {
	Rules []routingRule `json:"rules"`
}

type outbound struct {
	Tag      string `json:"tag"`
	Protocol string `json:"protocol"`
}

type xrayConfig struct {
	Log struct {
		Loglevel string `json:"loglevel"`
	} `json:"log"`
	Inbounds  []any         `json:"inbounds"`
	Outbounds []outbound    `json:"outbounds"`
	Api       apiConfig     `json:"api"`
	Routing   routingConfig `json:"routing"`
}

const apiPort = 10085

// RenderConfig renders the XRAY config.json: one VLESS+REALITY inbound
// plus a localhost dokodemo-door inbound exposing the stats API. Client
// ordering is stable (sorted by UUID) so repeated renders of the same
// input produce byte-identical output.
func (DefaultRenderer) RenderConfig(inst xraycp.XRAYInstance, users []xraycp.User) ([]byte, error) {
	enabled := make([]xraycp.User, 0, len(users))
	for _, u := range users {
		if u.Enabled && u.HostID == inst.HostID {
			enabled = append(enabled, u)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].UUID < enabled[j].UUID })

	vless := vlessInbound{
		Tag:      "vless-reality-in",
		Listen:   "0.0.0.0",
		Port:     inst.ListenPort,
		Protocol: "vless",
	}
	vless.Settings.Decryption = "none"
	for _, u := range enabled {
		vless.Settings.Clients = append(vless.Settings.Clients, inboundClient{
			ID: u.UUID, Email: u.Email, Flow: "xtls-rprx-vision",
		})
	}
	vless.StreamSettings = streamSettings{
		Network:  "tcp",
		Security: "reality",
		RealitySettings: realitySettings{
			Show:        false,
			Dest:        inst.Dest,
			Xver:        0,
			ServerNames: []string{inst.ServerName},
			PrivateKey:  inst.RealityPrivateKey,
			ShortIds:    inst.ShortIDs,
		},
	}

	api := dokodemoInbound{Tag: "api", Listen: "127.0.0.1", Port: apiPort, Protocol: "dokodemo-door"}
	api.Settings.Address = "127.0.0.1"
	api.Settings.Port = apiPort
	api.Settings.Network = "tcp"

	cfg := xrayConfig{
		Inbounds:  []any{vless, api},
		Outbounds: []outbound{{Tag: "direct", Protocol: "freedom"}, {Tag: "api", Protocol: "freedom"}},
		Api:       apiConfig{Tag: "api", Services: []string{"HandlerService"}},
		Routing: routingConfig{
			Rules: []routingRule{{Type: "field", InboundTag: []string{"api"}, OutboundTag: "api"}},
		},
	}
	cfg.Log.Loglevel = "warning"

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// WriteAtomic writes content to path via a same-directory temp file that is
// synced, chmod'd, then renamed into place, so readers never observe a
// partial file.
func WriteAtomic(path string, content []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
