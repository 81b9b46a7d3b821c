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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// DryRunRunner stands in for a real Runner so install/repair workflows can
// run end to end without a single SSH command ever reaching a host. Every
// command is answered with a canned, successful Result; the one exception
// is the REALITY x25519 keygen, which gets a freshly generated random key
// pair instead of xray-core's own Curve25519 output, so a dry-run install
// never claims to hold real key material.
type DryRunRunner struct{}

var _ Runner = DryRunRunner{}

func (DryRunRunner) Run(ctx context.Context, target Target, command string, sudo bool) (Result, error) {
	switch {
	case strings.Contains(command, "os-release"):
		return Result{Stdout: "ID=ubuntu\n"}, nil
	case strings.Contains(command, "x25519"):
		priv, err := randomDryRunKey()
		if err != nil {
			return Result{}, err
		}
		pub, err := randomDryRunKey()
		if err != nil {
			return Result{}, err
		}
		return Result{Stdout: fmt.Sprintf("Private key: %s\nPublic key: %s\n", priv, pub)}, nil
	case strings.Contains(command, "docker compose version"), strings.Contains(command, "command -v docker"):
		return Result{Stdout: "Docker version dry-run\ndocker compose version dry-run\n"}, nil
	case strings.Contains(command, "docker ps --filter"):
		return Result{Stdout: "xray\n"}, nil
	case strings.Contains(command, "ss -lntp"):
		return Result{Stdout: "LISTEN 0 128 0.0.0.0:0 dry-run\n"}, nil
	default:
		return Result{}, nil
	}
}

// UploadHeredoc never touches a host: it reports success without writing
// anything.
func (DryRunRunner) UploadHeredoc(ctx context.Context, target Target, sudo bool, remotePath string, content []byte, mode string) error {
	return nil
}

// randomDryRunKey returns a random 32-byte value base64url-encoded the way
// xray-core prints its x25519 keys, so dry-run instances look realistic
// without ever invoking the real keygen.
func randomDryRunKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}
