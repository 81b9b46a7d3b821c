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

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"xraycp/internal/clientstore"
	"xraycp/internal/config"
	"xraycp/internal/installlog"
	"xraycp/internal/jobs"
	"xraycp/internal/lock"
	"xraycp/internal/logging"
	"xraycp/internal/metrics"
	"xraycp/internal/notify"
	"xraycp/internal/render"
	"xraycp/internal/secrets"
	"xraycp/internal/sshexec"
	"xraycp/internal/store"
	"xraycp/internal/workflow"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With(slog.String("component", "worker"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	sink, err := installlog.NewSink(cfg.InstallLogDir)
	if err != nil {
		logger.Error("failed to open install log sink", slog.String("error", err.Error()))
		os.Exit(1)
	}

	executor, err := sshexec.NewExecutor("/var/lib/xraycp/ssh_known_hosts")
	if err != nil {
		logger.Error("failed to build ssh executor", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var runner sshexec.Runner = sshexec.RetryingRunner{Runner: executor}
	if cfg.DryRun {
		runner = sshexec.DryRunRunner{}
	}

	renderer := render.DefaultRenderer{}
	var store10 clientstore.ClientStore
	fileStore := &clientstore.FileClientStore{Executor: runner, Renderer: renderer, RemoteDir: workflow.RemoteBaseDir, Sudo: true}
	if cfg.DryRun {
		store10 = clientstore.NoopClientStore{Logger: logger}
	} else {
		store10 = fileStore
	}

	resolveHost := func(ctx context.Context, secretRef string) (sshexec.Target, error) {
		return sshexec.Target{}, nil
	}
	if !cfg.DryRun {
		vault, err := secrets.NewVault(st, cfg.MasterKeyPassphrase)
		if err != nil {
			logger.Error("failed to open secret vault", slog.String("error", err.Error()))
			os.Exit(1)
		}
		resolveHost = vault.Resolve
	}

	worker := jobs.NewWorker(jobs.Worker{
		Store:       st,
		Locks:       lock.NewManager(st, cfg.LockTTL),
		Executor:    runner,
		InstallLog:  sink,
		Renderer:    renderer,
		ClientStore: store10,
		ResolveHost: resolveHost,
		Notifier:    notify.New(cfg.WebhookURL, cfg.WebhookSecret, logger),
		Logger:      logger,
		PollEvery:   cfg.JobPollEvery,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logger.Info("serving worker metrics", slog.String("addr", ":9090"))
		if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("worker exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("worker shut down")
}
