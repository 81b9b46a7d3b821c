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

// Package installlog is the install log sink (C8): one append-only,
// redacted log file per host.
package installlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink appends redacted log lines to per-host files under dir.
type Sink struct {
	dir string
	mu  sync.Mutex
}

// NewSink builds a Sink rooted at dir, creating it if absent.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create install log dir: %w", err)
	}
	return &Sink{dir: dir}, nil
}

func (s *Sink) pathFor(hostID string) string {
	return filepath.Join(s.dir, hostID+".log")
}

// Append writes one redacted, timestamped line to hostID's log.
func (s *Sink) Append(hostID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.pathFor(hostID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open install log: %w", err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339Nano), Redact(message))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write install log: %w", err)
	}
	return nil
}

// Tail returns the last n lines of hostID's log (fewer if the log is
// shorter). An absent log returns an empty slice, not an error.
func (s *Sink) Tail(hostID string, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.pathFor(hostID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open install log: %w", err)
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read install log: %w", err)
	}
	if n <= 0 || n >= len(all) {
		return all, nil
	}
	return all[len(all)-n:], nil
}
