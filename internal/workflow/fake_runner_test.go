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
	"strings"
	"sync"

	"xraycp/internal/sshexec"
)

// fakeRunner is an in-memory stand-in for sshexec.Runner so install/repair
// tests never dial real SSH. commandFunc is consulted in order and the
// first match whose substring appears in the command wins; runFunc is the
// fallback for anything unmatched.
type fakeRunner struct {
	mu sync.Mutex

	commandFunc map[string]func(ctx context.Context, target sshexec.Target, command string, sudo bool) (sshexec.Result, error)
	runFunc     func(ctx context.Context, target sshexec.Target, command string, sudo bool) (sshexec.Result, error)
	uploadFunc  func(ctx context.Context, target sshexec.Target, sudo bool, remotePath string, content []byte, mode string) error

	commands []string
	uploads  map[string][]byte
}

var _ sshexec.Runner = (*fakeRunner)(nil)

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		commandFunc: map[string]func(ctx context.Context, target sshexec.Target, command string, sudo bool) (sshexec.Result, error){},
		uploads:     map[string][]byte{},
	}
}

func (f *fakeRunner) Run(ctx context.Context, target sshexec.Target, command string, sudo bool) (sshexec.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()

	for substr, fn := range f.commandFunc {
		if strings.Contains(command, substr) {
			return fn(ctx, target, command, sudo)
		}
	}
	if f.runFunc != nil {
		return f.runFunc(ctx, target, command, sudo)
	}
	return sshexec.Result{}, nil
}

func (f *fakeRunner) UploadHeredoc(ctx context.Context, target sshexec.Target, sudo bool, remotePath string, content []byte, mode string) error {
	f.mu.Lock()
	f.uploads[remotePath] = content
	f.mu.Unlock()
	if f.uploadFunc != nil {
		return f.uploadFunc(ctx, target, sudo, remotePath, content, mode)
	}
	return nil
}

func (f *fakeRunner) ranCommand(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
