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

package installlog

import (
	"regexp"
	"strings"

	pkgcrypto "xraycp/pkg/crypto"
)

// sensitiveFields extends the control plane's base sensitive-field list
// (pkg/crypto.SensitiveJSONFields) with names specific to install/repair
// log lines.
var sensitiveFields = append(append([]string{}, pkgcrypto.SensitiveJSONFields...),
	"realitykey", "reality_private_key", "ssh_password", "sshauth")

var pemBlockRe = regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`)
var privateKeyLineRe = regexp.MustCompile(`(?i)^(\s*private key:\s*).*$`)
var bearerRe = regexp.MustCompile(`(?i)Bearer\s+\S+`)
var kvFieldRe = regexp.MustCompile(`(?i)\b(` + strings.Join(sensitiveFields, "|") + `)\s*[:=]\s*("?[^\s,"]+"?)`)

// Redact scrubs a single log message before it reaches the append-only
// sink: whole PEM blocks, "Private key: " lines, "Bearer " tokens, and any
// key=value/key: value pair whose key looks sensitive.
func Redact(message string) string {
	out := pemBlockRe.ReplaceAllString(message, "[REDACTED PEM BLOCK]")
	out = bearerRe.ReplaceAllString(out, "Bearer [REDACTED]")
	out = kvFieldRe.ReplaceAllString(out, "$1=[REDACTED]")

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if privateKeyLineRe.MatchString(line) {
			lines[i] = privateKeyLineRe.ReplaceAllString(line, "${1}[REDACTED]")
		}
	}
	return strings.Join(lines, "\n")
}
