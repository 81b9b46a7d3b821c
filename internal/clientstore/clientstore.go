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

// Package clientstore is the client store (C10): applying a host's current
// user list to its running XRAY instance, either by rewriting config and
// restarting the container or by calling a live gRPC API with a
// file-rewrite fallback.
package clientstore

import (
	"context"
	"fmt"
	"log/slog"

	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/pkg/xraycp"
)

// ClientStore applies a host's desired user set to its XRAY instance.
type ClientStore interface {
	ApplyUsers(ctx context.Context, target sshexec.Target, inst xraycp.XRAYInstance, users []xraycp.User) error
}

// NoopClientStore logs the operation it would perform instead of touching
// the host. Used when the control plane runs in dry-run mode.
type NoopClientStore struct {
	Logger *slog.Logger
}

var _ ClientStore = NoopClientStore{}

// ApplyUsers logs the intended user-set update without connecting to target.
func (n NoopClientStore) ApplyUsers(_ context.Context, target sshexec.Target, inst xraycp.XRAYInstance, users []xraycp.User) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("clientstore noop: would apply users",
		slog.String("host", target.Host), slog.String("instance", inst.ID), slog.Int("user_count", len(users)))
	return nil
}

// FileClientStore rewrites config.json over SSH and restarts the compose
// service. It is always correct but pays a container restart per change.
type FileClientStore struct {
	Executor     sshexec.Runner
	Renderer     render.Renderer
	RemoteDir    string
	Sudo         bool
}

var _ ClientStore = (*FileClientStore)(nil)

// ApplyUsers renders config.json, uploads it over an SSH heredoc, and
// restarts the compose service so XRAY picks it up.
func (f *FileClientStore) ApplyUsers(ctx context.Context, target sshexec.Target, inst xraycp.XRAYInstance, users []xraycp.User) error {
	cfg, err := f.Renderer.RenderConfig(inst, users)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}

	if err := f.Executor.UploadHeredoc(ctx, target, f.Sudo, f.RemoteDir+"/config.json", cfg, "0600"); err != nil {
		return fmt.Errorf("upload config: %w", err)
	}

	restart := fmt.Sprintf("cd %s && docker compose restart xray", f.RemoteDir)
	if _, err := f.Executor.Run(ctx, target, restart, f.Sudo); err != nil {
		return fmt.Errorf("restart xray: %w", err)
	}
	return nil
}

// GRPCClientStore calls XRAY's live gRPC handler API to add/remove users
// without a restart, falling back to Fallback when the call fails (the
// container may not have the API inbound reachable, or may be mid-restart).
type GRPCClientStore struct {
	Dial     func(ctx context.Context, target sshexec.Target) (GRPCHandler, error)
	Fallback ClientStore
	Logger   *slog.Logger
}

// GRPCHandler is the subset of XRAY's HandlerService this control plane
// calls. A real implementation wraps the generated gRPC stub; tests and the
// dry-run path can substitute a fake.
type GRPCHandler interface {
	SetUsers(ctx context.Context, inst xraycp.XRAYInstance, users []xraycp.User) error
	Close() error
}

var _ ClientStore = GRPCClientStore{}

// ApplyUsers tries the live gRPC path first and falls back to Fallback
// (typically a FileClientStore) on any error.
func (g GRPCClientStore) ApplyUsers(ctx context.Context, target sshexec.Target, inst xraycp.XRAYInstance, users []xraycp.User) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handler, err := g.Dial(ctx, target)
	if err != nil {
		logger.Warn("clientstore grpc dial failed, falling back to file store",
			slog.String("host", target.Host), slog.String("error", err.Error()))
		return g.Fallback.ApplyUsers(ctx, target, inst, users)
	}
	defer handler.Close()

	if err := handler.SetUsers(ctx, inst, users); err != nil {
		logger.Warn("clientstore grpc SetUsers failed, falling back to file store",
			slog.String("host", target.Host), slog.String("error", err.Error()))
		return g.Fallback.ApplyUsers(ctx, target, inst, users)
	}
	return nil
}
