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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"xraycp/internal/apperr"
	"xraycp/pkg/xraycp"
)

// RepairResult is the convergence outcome returned in the job's Result
// field: the ordered list of remediation actions taken (informational
// probes included), plus the host status before and after the run.
type RepairResult struct {
	Actions       []string `json:"actions"`
	StatusBefore  string   `json:"statusBefore"`
	StatusAfter   string   `json:"statusAfter"`
	PortListening bool     `json:"portListening"`
}

// Repair runs the convergence algorithm described in component C7: probe
// current state, remediate only what has drifted, restart the container
// only if something it serves actually changed, then verify the port is
// listening. It never rotates an existing REALITY key pair.
func Repair(ctx context.Context, wc *Context) (RepairResult, error) {
	result := RepairResult{StatusBefore: string(wc.Host.Status)}
	var inst xraycp.XRAYInstance
	var users []xraycp.User
	needsRestart := false

	steps := []Step{
		{Name: "probe_docker", PctAfter: 10, Fn: func(ctx context.Context, wc *Context) error {
			ok, err := probeDocker(ctx, wc)
			if err != nil {
				return err
			}
			if !ok {
				osID, err := detectOS(ctx, wc)
				if err != nil {
					return err
				}
				if err := installDocker(ctx, wc, osID); err != nil {
					return err
				}
				result.Actions = append(result.Actions, "Install Docker and Compose plugin")
			}
			return nil
		}},
		{Name: "load_instance", PctAfter: 20, Fn: func(ctx context.Context, wc *Context) error {
			got, err := buildRuntimeConfig(ctx, wc)
			if err != nil {
				return err
			}
			inst = got
			return nil
		}},
		{Name: "converge_compose", PctAfter: 40, Fn: func(ctx context.Context, wc *Context) error {
			changed, err := convergeRemoteFile(ctx, wc, RemoteBaseDir+"/docker-compose.yml", "0644", func() ([]byte, error) {
				return wc.Renderer.RenderCompose(inst)
			})
			if err != nil {
				return err
			}
			if changed {
				needsRestart = true
				result.Actions = append(result.Actions, "Recreate docker-compose.yml")
			}
			return nil
		}},
		{Name: "converge_config", PctAfter: 55, Fn: func(ctx context.Context, wc *Context) error {
			got, err := wc.Store.ListUsersByHost(ctx, wc.Host.ID)
			if err != nil {
				return err
			}
			sortUsersByUUID(got)
			users = got
			changed, err := convergeRemoteFile(ctx, wc, RemoteBaseDir+"/config.json", "0600", func() ([]byte, error) {
				return wc.Renderer.RenderConfig(inst, users)
			})
			if err != nil {
				return err
			}
			if changed {
				needsRestart = true
				result.Actions = append(result.Actions, "Regenerate config.json to match users")
			}
			return nil
		}},
		{Name: "probe_container", PctAfter: 70, Fn: func(ctx context.Context, wc *Context) error {
			running, err := probeContainerRunning(ctx, wc)
			if err != nil {
				return err
			}
			switch {
			case !running:
				if err := composeUp(ctx, wc); err != nil {
					return err
				}
				result.Actions = append(result.Actions, "Start xray container")
			case needsRestart:
				if err := composeForceRecreate(ctx, wc); err != nil {
					return err
				}
				result.Actions = append(result.Actions, "Restart xray container to apply configuration")
			}
			return nil
		}},
		{Name: "verify_port", PctAfter: 90, Fn: func(ctx context.Context, wc *Context) error {
			ok, err := verifyPortListening(ctx, wc, inst.ListenPort)
			if err != nil {
				return err
			}
			if !ok {
				if err := composeRestart(ctx, wc); err != nil {
					return err
				}
				result.Actions = append(result.Actions, "Restart xray container because port is not listening")
				ok, err = verifyPortListening(ctx, wc, inst.ListenPort)
				if err != nil {
					return err
				}
			}
			if !ok {
				return apperr.New(apperr.KindRepairFailed, "XRAY port is not listening after repair", nil)
			}
			result.PortListening = true
			return nil
		}},
		{Name: "probe_reachable", PctAfter: 97, Fn: func(ctx context.Context, wc *Context) error {
			switch verifyExternallyReachable(ctx, wc, inst.ListenPort) {
			case reachabilityNo:
				result.Actions = append(result.Actions, "External reachability probe failed")
			case reachabilitySkip:
				result.Actions = append(result.Actions, "External reachability probe skipped")
			}
			return nil
		}},
		{Name: "apply_client_store", PctAfter: 98, Fn: func(ctx context.Context, wc *Context) error {
			if wc.ClientStore == nil {
				return nil
			}
			return wc.ClientStore.ApplyUsers(ctx, wc.Target, inst, users)
		}},
		{Name: "persist_instance", PctAfter: 100, Fn: func(ctx context.Context, wc *Context) error {
			inst.UpdatedAt = time.Now().UTC()
			if err := wc.Store.UpsertXRAYInstance(ctx, inst); err != nil {
				return err
			}
			result.StatusAfter = string(xraycp.HostStatusReady)
			return wc.Store.UpdateHostStatus(ctx, wc.Host.ID, xraycp.HostStatusReady, nil)
		}},
	}

	if err := RunSteps(ctx, wc, steps); err != nil {
		return result, err
	}
	if len(result.Actions) == 0 {
		result.Actions = append(result.Actions, "No repair actions required")
	}
	return result, nil
}

func sortUsersByUUID(users []xraycp.User) {
	for i := 1; i < len(users); i++ {
		for j := i; j > 0 && users[j-1].UUID > users[j].UUID; j-- {
			users[j-1], users[j] = users[j], users[j-1]
		}
	}
}

func probeDocker(ctx context.Context, wc *Context) (bool, error) {
	res, err := wc.Executor.Run(ctx, wc.Target, "command -v docker && docker compose version", false)
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func probeContainerRunning(ctx context.Context, wc *Context) (bool, error) {
	res, err := wc.Executor.Run(ctx, wc.Target, "docker ps --filter name=^/xray$ --format '{{.Names}}'", false)
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(res.Stdout) == "xray", nil
}

// convergeRemoteFile compares the sha256 of the desired content against the
// sha256 the remote host reports for path (via sha256sum, falling back to
// openssl dgst on hosts without coreutils' sha256sum, MISSING/UNAVAILABLE
// both treated as needing an update) and uploads only if they differ. It
// returns whether an upload happened.
func convergeRemoteFile(ctx context.Context, wc *Context, path, mode string, render func() ([]byte, error)) (bool, error) {
	desired, err := render()
	if err != nil {
		return false, err
	}
	wantSum := sha256.Sum256(desired)
	wantHex := hex.EncodeToString(wantSum[:])

	gotHex := remoteSHA256(ctx, wc, path)
	if gotHex != "" && strings.EqualFold(gotHex, wantHex) {
		return false, nil
	}

	if err := wc.Executor.UploadHeredoc(ctx, wc.Target, true, path, desired, mode); err != nil {
		return false, err
	}
	return true, nil
}

// remoteSHA256 returns "" for both MISSING (file absent) and UNAVAILABLE (no
// hashing tool present) since both normalise to "needs update" per C7.
func remoteSHA256(ctx context.Context, wc *Context, path string) string {
	script := fmt.Sprintf(
		"if [ ! -f %q ]; then echo MISSING; "+
			"elif command -v sha256sum >/dev/null 2>&1; then sha256sum %q | awk '{print $1}'; "+
			"elif command -v openssl >/dev/null 2>&1; then openssl dgst -sha256 %q | awk '{print $NF}'; "+
			"else echo UNAVAILABLE; fi", path, path, path)
	res, err := wc.Executor.Run(ctx, wc.Target, script, true)
	if err != nil {
		return ""
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "MISSING" || out == "UNAVAILABLE" || out == "" {
		return ""
	}
	return out
}

func verifyPortListening(ctx context.Context, wc *Context, port int) (bool, error) {
	script := fmt.Sprintf("ss -lntp | grep ':%d '", port)
	res, err := wc.Executor.Run(ctx, wc.Target, script, true)
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

type reachability int

const (
	reachabilityYes reachability = iota
	reachabilityNo
	reachabilitySkip
)

// verifyExternallyReachable probes the host:port from this control plane's
// network vantage point using nc; it is informational only and never fails
// the repair, per C7 step 10.
func verifyExternallyReachable(ctx context.Context, wc *Context, port int) reachability {
	probe := "command -v nc >/dev/null 2>&1 && echo HAVE_NC || echo NO_NC"
	res, err := wc.Executor.Run(ctx, wc.Target, probe, false)
	if err != nil || strings.TrimSpace(res.Stdout) != "HAVE_NC" {
		return reachabilitySkip
	}
	script := fmt.Sprintf("nc -z -w 3 %s %s", wc.Target.Host, strconv.Itoa(port))
	_, err = wc.Executor.Run(ctx, wc.Target, script, false)
	if err != nil {
		return reachabilityNo
	}
	return reachabilityYes
}

func composeForceRecreate(ctx context.Context, wc *Context) error {
	script := fmt.Sprintf("cd %s && docker compose up -d --force-recreate xray", RemoteBaseDir)
	_, err := wc.Executor.Run(ctx, wc.Target, script, true)
	return err
}

func composeRestart(ctx context.Context, wc *Context) error {
	script := fmt.Sprintf("cd %s && docker compose restart xray", RemoteBaseDir)
	_, err := wc.Executor.Run(ctx, wc.Target, script, true)
	return err
}
