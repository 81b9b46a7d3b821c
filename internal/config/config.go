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

// Package config loads the runtime configuration shared by the API and
// worker binaries from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-sourced runtime knob for the control plane.
type Config struct {
	DBPath string

	// MasterKeyPassphrase derives the AES-256-GCM key used to seal/unseal
	// secrets at rest (§4 Secret).
	MasterKeyPassphrase string

	// DryRun puts the SSH executor in no-op/log-only mode (mirrors the
	// teacher's NoopClient pattern) instead of making real connections.
	DryRun bool

	InstallLogDir string

	// ClientStoreMode selects the C10 implementation: "file" or "grpc".
	ClientStoreMode string

	ListenAddr string

	LockTTL      time.Duration
	JobPollEvery time.Duration

	// RateLimitPerMinute bounds the control API's per-client request rate;
	// RateLimitBurst is the token bucket's burst capacity.
	RateLimitPerMinute int
	RateLimitBurst     int

	// WebhookURL, if set, receives a one-shot POST of each job's terminal
	// state; WebhookSecret is sent as the X-Webhook-Secret header.
	WebhookURL    string
	WebhookSecret string

	LogLevel string
}

// Default returns the baseline configuration before environment overrides.
func Default() Config {
	return Config{
		DBPath:          "xraycp.db",
		DryRun:          false,
		InstallLogDir:   "/var/log/xraycp/hosts",
		ClientStoreMode: "file",
		ListenAddr:      ":8080",
		LockTTL:            15 * time.Minute,
		JobPollEvery:       2 * time.Second,
		RateLimitPerMinute: 60,
		RateLimitBurst:     20,
		LogLevel:           "info",
	}
}

// LoadFromEnv builds a Config starting from Default() and applying
// environment overrides, then validates it.
func LoadFromEnv() (Config, error) {
	c := Default()

	if v := os.Getenv("XRAYCP_DB_PATH"); v != "" {
		c.DBPath = v
	}
	c.MasterKeyPassphrase = os.Getenv("XRAYCP_MASTER_KEY")
	if v := os.Getenv("XRAYCP_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("XRAYCP_DRY_RUN: invalid bool %q: %w", v, err)
		}
		c.DryRun = b
	}
	if v := os.Getenv("XRAYCP_INSTALL_LOG_DIR"); v != "" {
		c.InstallLogDir = v
	}
	if v := os.Getenv("XRAYCP_CLIENT_STORE_MODE"); v != "" {
		c.ClientStoreMode = strings.ToLower(v)
	}
	if v := os.Getenv("XRAYCP_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("XRAYCP_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("XRAYCP_LOCK_TTL: invalid duration %q: %w", v, err)
		}
		c.LockTTL = d
	}
	if v := os.Getenv("XRAYCP_JOB_POLL_EVERY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("XRAYCP_JOB_POLL_EVERY: invalid duration %q: %w", v, err)
		}
		c.JobPollEvery = d
	}
	if v := os.Getenv("XRAYCP_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("XRAYCP_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("XRAYCP_RATE_LIMIT_PER_MINUTE: invalid int %q: %w", v, err)
		}
		c.RateLimitPerMinute = n
	}
	if v := os.Getenv("XRAYCP_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("XRAYCP_RATE_LIMIT_BURST: invalid int %q: %w", v, err)
		}
		c.RateLimitBurst = n
	}
	c.WebhookURL = os.Getenv("XRAYCP_WEBHOOK_URL")
	c.WebhookSecret = os.Getenv("XRAYCP_WEBHOOK_SECRET")

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Validate aggregates every range/consistency check into one error.
func (c Config) Validate() error {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "DBPath must not be empty")
	}
	if !c.DryRun && strings.TrimSpace(c.MasterKeyPassphrase) == "" {
		problems = append(problems, "XRAYCP_MASTER_KEY must be set unless DryRun is enabled")
	}
	if c.ClientStoreMode != "file" && c.ClientStoreMode != "grpc" {
		problems = append(problems, fmt.Sprintf("ClientStoreMode must be \"file\" or \"grpc\", got %q", c.ClientStoreMode))
	}
	if c.LockTTL <= 0 {
		problems = append(problems, "LockTTL must be positive")
	}
	if c.JobPollEvery <= 0 {
		problems = append(problems, "JobPollEvery must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		problems = append(problems, "RateLimitPerMinute must be positive")
	}
	if c.RateLimitBurst <= 0 {
		problems = append(problems, "RateLimitBurst must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
