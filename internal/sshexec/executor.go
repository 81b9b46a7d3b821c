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

// Package sshexec is the SSH executor (C1): connect to a host, run one
// command, and map every failure into the closed apperr.Kind set. It holds
// no connection pool — each Run dials fresh and closes on return, per the
// one-shot-per-command model this control plane uses.
package sshexec

import (
	"bufio"
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/ssh"

	"xraycp/internal/apperr"
)

// Target describes the machine and credentials to connect with.
type Target struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPEM  string
	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

func (t Target) addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Result is the outcome of one remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner is the transport surface the workflow and client-store layers
// depend on, so tests can substitute an in-memory fake instead of dialing
// real SSH connections. *Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, target Target, command string, sudo bool) (Result, error)
	UploadHeredoc(ctx context.Context, target Target, sudo bool, remotePath string, content []byte, mode string) error
}

var _ Runner = (*Executor)(nil)

// Executor dials SSH connections and runs single commands on them. It caches
// trusted host keys (TOFU) across calls but never caches live connections.
type Executor struct {
	knownHostsPath string

	mu       sync.Mutex
	hostKeys *lru.Cache[string, ssh.PublicKey]
}

const hostKeyCacheSize = 512

// NewExecutor builds an Executor that persists trust-on-first-use host keys
// beneath knownHostsPath (created if absent).
func NewExecutor(knownHostsPath string) (*Executor, error) {
	cache, err := lru.New[string, ssh.PublicKey](hostKeyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("new host key cache: %w", err)
	}
	e := &Executor{knownHostsPath: knownHostsPath, hostKeys: cache}
	e.loadKnownHosts()
	return e, nil
}

// Run connects to target, executes command (through bash -c, optionally
// under sudo), and returns the combined result. Every failure is mapped to
// one of the closed apperr.Kind values.
func (e *Executor) Run(ctx context.Context, target Target, command string, sudo bool) (Result, error) {
	connectTimeout := target.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	commandTimeout := target.CommandTimeout
	if commandTimeout <= 0 {
		commandTimeout = 60 * time.Second
	}

	client, err := e.dial(ctx, target, connectTimeout)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	return e.runOnce(ctx, client, command, sudo, commandTimeout)
}

func (e *Executor) dial(ctx context.Context, target Target, timeout time.Duration) (*ssh.Client, error) {
	cfg, err := e.buildSSHConfig(target, timeout)
	if err != nil {
		return nil, apperr.New(apperr.KindAuthFailed, target.Host, err)
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.KindTimeout, target.Host, ctx.Err())
		}
		return nil, apperr.New(apperr.KindHostUnreachable, target.Host, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target.addr(), cfg)
	if err != nil {
		conn.Close()
		if isAuthError(err) {
			return nil, apperr.New(apperr.KindAuthFailed, target.Host, err)
		}
		return nil, apperr.New(apperr.KindHostUnreachable, target.Host, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (e *Executor) runOnce(ctx context.Context, client *ssh.Client, command string, sudo bool, timeout time.Duration) (Result, error) {
	session, err := client.NewSession()
	if err != nil {
		return Result{}, apperr.New(apperr.KindHostUnreachable, "", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	encoded := base64.StdEncoding.EncodeToString([]byte(command))
	var remote string
	if sudo {
		remote = fmt.Sprintf("sudo bash -c \"$(echo %s | base64 -d)\"", encoded)
	} else {
		remote = fmt.Sprintf("bash -c \"$(echo %s | base64 -d)\"", encoded)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(remote) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return Result{}, apperr.New(apperr.KindTimeout, "", ctx.Err())
	case <-time.After(timeout):
		session.Signal(ssh.SIGKILL)
		return Result{}, apperr.New(apperr.KindTimeout, "", fmt.Errorf("command exceeded %s", timeout))
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			res.ExitCode = 0
			return res, nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			res.ExitCode = exitErr.ExitStatus()
			return res, apperr.New(apperr.KindCommandFailed, remoteErrDetails(res), err)
		}
		return Result{}, apperr.New(apperr.KindHostUnreachable, "", err)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func remoteErrDetails(res Result) string {
	s := strings.TrimSpace(res.Stderr)
	if s == "" {
		s = strings.TrimSpace(res.Stdout)
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (e *Executor) buildSSHConfig(target Target, timeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if target.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(target.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else if target.Password != "" {
		auth = append(auth, ssh.Password(target.Password))
	} else {
		return nil, fmt.Errorf("no credentials supplied")
	}

	return &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: e.tofuHostKeyCallback(target.Host),
		Timeout:         timeout,
	}, nil
}

// tofuHostKeyCallback trusts a host's key on first contact and persists it;
// on subsequent contacts it rejects a key that doesn't match what's stored.
func (e *Executor) tofuHostKeyCallback(host string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if known, ok := e.hostKeys.Get(host); ok {
			if string(known.Marshal()) != string(key.Marshal()) {
				return fmt.Errorf("host key for %s changed since first connection", host)
			}
			return nil
		}
		e.hostKeys.Add(host, key)
		e.appendKnownHost(host, key)
		return nil
	}
}

func (e *Executor) loadKnownHosts() {
	if e.knownHostsPath == "" {
		return
	}
	f, err := os.Open(e.knownHostsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		host, keyType, encoded := fields[0], fields[1], fields[2]
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		key, err := ssh.ParsePublicKey(raw)
		if err != nil {
			continue
		}
		_ = keyType
		e.hostKeys.Add(host, key)
	}
}

func (e *Executor) appendKnownHost(host string, key ssh.PublicKey) {
	if e.knownHostsPath == "" {
		return
	}
	if dir := filepath.Dir(e.knownHostsPath); dir != "." {
		os.MkdirAll(dir, 0o700)
	}
	f, err := os.OpenFile(e.knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return
	}
	defer f.Close()
	line := fmt.Sprintf("%s %s %s\n", host, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal()))
	f.WriteString(line)
}

// UploadHeredoc writes content to remotePath using a bash heredoc with a
// random delimiter, so the content's own text can never prematurely close
// the here-document, then chmods it to mode in the same session. A trailing
// newline is appended to content if it doesn't already end in one.
func (e *Executor) UploadHeredoc(ctx context.Context, target Target, sudo bool, remotePath string, content []byte, mode string) error {
	delim, err := randomDelimiter()
	if err != nil {
		return fmt.Errorf("generate heredoc delimiter: %w", err)
	}
	if len(content) == 0 || content[len(content)-1] != '\n' {
		content = append(content, '\n')
	}
	dir := filepath.Dir(remotePath)
	script := fmt.Sprintf("mkdir -p %q && cat > %q <<'%s'\n%s%s\nchmod %s %q",
		dir, remotePath, delim, content, delim, mode, remotePath)
	_, err = e.Run(ctx, target, script, sudo)
	return err
}

func randomDelimiter() (string, error) {
	var b [6]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return "", err
	}
	return "XRAY_CP_" + hex.EncodeToString(b[:]), nil
}

// isAuthError reports whether err looks like an authentication rejection
// rather than a transport-level failure.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}
