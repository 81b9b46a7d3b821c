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

package clientstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/pkg/xraycp"
)

type fakeRunner struct {
	commands []string
	uploaded map[string][]byte
	runErr   error
	uploadErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{uploaded: map[string][]byte{}}
}

func (f *fakeRunner) Run(ctx context.Context, target sshexec.Target, command string, sudo bool) (sshexec.Result, error) {
	f.commands = append(f.commands, command)
	if f.runErr != nil {
		return sshexec.Result{}, f.runErr
	}
	return sshexec.Result{}, nil
}

func (f *fakeRunner) UploadHeredoc(ctx context.Context, target sshexec.Target, sudo bool, remotePath string, content []byte, mode string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.uploaded[remotePath] = content
	return nil
}

var _ sshexec.Runner = (*fakeRunner)(nil)

func TestFileClientStoreAppliesUsersAndRestarts(t *testing.T) {
	runner := newFakeRunner()
	store := &FileClientStore{Executor: runner, Renderer: render.DefaultRenderer{}, RemoteDir: "/opt/xray-cp"}

	inst := xraycp.XRAYInstance{ID: "inst-1", HostID: "host-1", ListenPort: 443, ServerName: "www.microsoft.com", Dest: "www.microsoft.com:443"}
	users := []xraycp.User{{HostID: "host-1", UUID: "u1", Enabled: true}}

	if err := store.ApplyUsers(context.Background(), sshexec.Target{Host: "10.0.0.1"}, inst, users); err != nil {
		t.Fatalf("ApplyUsers() error = %v", err)
	}

	if _, ok := runner.uploaded["/opt/xray-cp/config.json"]; !ok {
		t.Fatal("ApplyUsers() did not upload config.json")
	}
	found := false
	for _, c := range runner.commands {
		if strings.Contains(c, "docker compose restart xray") {
			found = true
		}
	}
	if !found {
		t.Fatal("ApplyUsers() did not restart the compose service")
	}
}

func TestFileClientStorePropagatesUploadError(t *testing.T) {
	runner := newFakeRunner()
	runner.uploadErr = errors.New("upload failed")
	store := &FileClientStore{Executor: runner, Renderer: render.DefaultRenderer{}, RemoteDir: "/opt/xray-cp"}

	err := store.ApplyUsers(context.Background(), sshexec.Target{Host: "10.0.0.1"}, xraycp.XRAYInstance{HostID: "host-1"}, nil)
	if err == nil {
		t.Fatal("expected ApplyUsers() to propagate the upload error")
	}
}

type fakeHandler struct {
	setUsersErr error
	closed      bool
}

func (f *fakeHandler) SetUsers(ctx context.Context, inst xraycp.XRAYInstance, users []xraycp.User) error {
	return f.setUsersErr
}
func (f *fakeHandler) Close() error { f.closed = true; return nil }

type fallbackStore struct {
	called bool
}

func (f *fallbackStore) ApplyUsers(ctx context.Context, target sshexec.Target, inst xraycp.XRAYInstance, users []xraycp.User) error {
	f.called = true
	return nil
}

func TestGRPCClientStoreUsesLiveCallWhenHealthy(t *testing.T) {
	handler := &fakeHandler{}
	fallback := &fallbackStore{}
	store := GRPCClientStore{
		Dial: func(ctx context.Context, target sshexec.Target) (GRPCHandler, error) {
			return handler, nil
		},
		Fallback: fallback,
	}

	if err := store.ApplyUsers(context.Background(), sshexec.Target{}, xraycp.XRAYInstance{}, nil); err != nil {
		t.Fatalf("ApplyUsers() error = %v", err)
	}
	if fallback.called {
		t.Fatal("ApplyUsers() should not fall back when the gRPC call succeeds")
	}
	if !handler.closed {
		t.Fatal("ApplyUsers() should close the handler after use")
	}
}

func TestGRPCClientStoreFallsBackOnDialFailure(t *testing.T) {
	fallback := &fallbackStore{}
	store := GRPCClientStore{
		Dial: func(ctx context.Context, target sshexec.Target) (GRPCHandler, error) {
			return nil, errors.New("connection refused")
		},
		Fallback: fallback,
	}

	if err := store.ApplyUsers(context.Background(), sshexec.Target{}, xraycp.XRAYInstance{}, nil); err != nil {
		t.Fatalf("ApplyUsers() error = %v", err)
	}
	if !fallback.called {
		t.Fatal("ApplyUsers() should fall back when dial fails")
	}
}

func TestGRPCClientStoreFallsBackOnSetUsersFailure(t *testing.T) {
	handler := &fakeHandler{setUsersErr: errors.New("rpc error")}
	fallback := &fallbackStore{}
	store := GRPCClientStore{
		Dial: func(ctx context.Context, target sshexec.Target) (GRPCHandler, error) {
			return handler, nil
		},
		Fallback: fallback,
	}

	if err := store.ApplyUsers(context.Background(), sshexec.Target{}, xraycp.XRAYInstance{}, nil); err != nil {
		t.Fatalf("ApplyUsers() error = %v", err)
	}
	if !fallback.called {
		t.Fatal("ApplyUsers() should fall back when SetUsers fails")
	}
}

func TestNoopClientStoreNeverTouchesTransport(t *testing.T) {
	store := NoopClientStore{}
	err := store.ApplyUsers(context.Background(), sshexec.Target{Host: "10.0.0.1"}, xraycp.XRAYInstance{}, nil)
	if err != nil {
		t.Fatalf("ApplyUsers() error = %v", err)
	}
}
