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

package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"xraycp/internal/clientstore"
	"xraycp/internal/installlog"
	"xraycp/internal/lock"
	"xraycp/internal/render"
	"xraycp/internal/sshexec"
	"xraycp/pkg/xraycp"
)

// fakeRunner answers every Run() call by substring match against command,
// so one fake can drive the whole install workflow without real SSH.
type fakeRunner struct {
	responses map[string]sshexec.Result
	commands  []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: map[string]sshexec.Result{}}
}

func (f *fakeRunner) Run(ctx context.Context, target sshexec.Target, command string, sudo bool) (sshexec.Result, error) {
	f.commands = append(f.commands, command)
	for substr, res := range f.responses {
		if strings.Contains(command, substr) {
			return res, nil
		}
	}
	return sshexec.Result{}, nil
}

func (f *fakeRunner) UploadHeredoc(ctx context.Context, target sshexec.Target, sudo bool, remotePath string, content []byte, mode string) error {
	return nil
}

var _ sshexec.Runner = (*fakeRunner)(nil)

func ubuntuInstallRunner() *fakeRunner {
	r := newFakeRunner()
	r.responses["os-release"] = sshexec.Result{Stdout: "ID=ubuntu\n"}
	r.responses["x25519"] = sshexec.Result{Stdout: "Private key: priv\nPublic key: pub\n"}
	return r
}

func TestWorkerProcessesQueuedInstallJobToCompletion(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	host := seedHost(t, st, "host-1")

	locks := lock.NewManager(st, time.Minute)
	q := NewQueue(st, locks)
	job, err := q.EnqueueInstall(ctx, host.ID)
	if err != nil {
		t.Fatalf("EnqueueInstall() error = %v", err)
	}

	runner := ubuntuInstallRunner()
	sink, err := installlog.NewSink(t.TempDir())
	if err != nil {
		t.Fatalf("installlog.NewSink() error = %v", err)
	}

	w := NewWorker(Worker{
		Store:       st,
		Locks:       locks,
		Executor:    runner,
		InstallLog:  sink,
		Renderer:    render.DefaultRenderer{},
		ClientStore: clientstore.NoopClientStore{},
		ResolveHost: func(ctx context.Context, secretRef string) (sshexec.Target, error) {
			return sshexec.Target{}, nil
		},
	})

	claimed, err := st.AcquireQueuedJob(ctx)
	if err != nil {
		t.Fatalf("AcquireQueuedJob() error = %v", err)
	}
	if claimed.ID != job.ID {
		t.Fatalf("claimed job id = %s, want %s", claimed.ID, job.ID)
	}

	w.processJob(ctx, claimed)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != xraycp.JobStatusCompleted {
		t.Fatalf("job status = %s, want COMPLETED (error=%v)", got.Status, got.Error)
	}

	gotHost, err := st.GetHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if gotHost.Status != xraycp.HostStatusReady {
		t.Fatalf("host status = %s, want READY", gotHost.Status)
	}

	// The worker must release the host lock it inherited from enqueue once
	// the job resolves, or the host would be stuck busy forever.
	if _, err := q.EnqueueRepair(ctx, host.ID); err != nil {
		t.Fatalf("EnqueueRepair() after completion error = %v, want the host lock to have been released", err)
	}
}

func TestWorkerMarksJobFailedOnWorkflowError(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	host := seedHost(t, st, "host-2")

	q := NewQueue(st, lock.NewManager(st, time.Minute))
	job, err := q.EnqueueInstall(ctx, host.ID)
	if err != nil {
		t.Fatalf("EnqueueInstall() error = %v", err)
	}

	runner := newFakeRunner()
	runner.responses["os-release"] = sshexec.Result{Stdout: "ID=windows\n"}
	sink, err := installlog.NewSink(t.TempDir())
	if err != nil {
		t.Fatalf("installlog.NewSink() error = %v", err)
	}

	w := NewWorker(Worker{
		Store:      st,
		Locks:      lock.NewManager(st, time.Minute),
		Executor:   runner,
		InstallLog: sink,
		ResolveHost: func(ctx context.Context, secretRef string) (sshexec.Target, error) {
			return sshexec.Target{}, nil
		},
	})

	claimed, err := st.AcquireQueuedJob(ctx)
	if err != nil {
		t.Fatalf("AcquireQueuedJob() error = %v", err)
	}

	w.processJob(ctx, claimed)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != xraycp.JobStatusFailed {
		t.Fatalf("job status = %s, want FAILED", got.Status)
	}

	gotHost, err := st.GetHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if gotHost.Status != xraycp.HostStatusError {
		t.Fatalf("host status = %s, want ERROR", gotHost.Status)
	}
}

// TestWorkerCompletesCancelledJobWithoutFailing exercises C4's "cancellation
// is not failure" contract: a job cancelled before the worker ever picks it
// up must resolve as COMPLETED carrying result.canceled=true, and the host
// must be left exactly as it was found, never ERROR.
func TestWorkerCompletesCancelledJobWithoutFailing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	host := seedHost(t, st, "host-3")

	locks := lock.NewManager(st, time.Minute)
	q := NewQueue(st, locks)
	job, err := q.EnqueueInstall(ctx, host.ID)
	if err != nil {
		t.Fatalf("EnqueueInstall() error = %v", err)
	}
	if err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	sink, err := installlog.NewSink(t.TempDir())
	if err != nil {
		t.Fatalf("installlog.NewSink() error = %v", err)
	}
	w := NewWorker(Worker{
		Store:      st,
		Locks:      locks,
		Executor:   newFakeRunner(),
		InstallLog: sink,
		ResolveHost: func(ctx context.Context, secretRef string) (sshexec.Target, error) {
			return sshexec.Target{}, nil
		},
	})

	claimed, err := st.AcquireQueuedJob(ctx)
	if err != nil {
		t.Fatalf("AcquireQueuedJob() error = %v", err)
	}

	w.processJob(ctx, claimed)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.Status != xraycp.JobStatusCompleted {
		t.Fatalf("job status = %s, want COMPLETED (cancellation is not failure)", got.Status)
	}
	if canceled, _ := got.Result["canceled"].(bool); !canceled {
		t.Fatalf("result = %+v, want canceled=true", got.Result)
	}

	gotHost, err := st.GetHost(ctx, host.ID)
	if err != nil {
		t.Fatalf("GetHost() error = %v", err)
	}
	if gotHost.Status != xraycp.HostStatusNew {
		t.Fatalf("host status = %s, want unchanged NEW", gotHost.Status)
	}

	// The lock inherited from enqueue must still be released even though the
	// job never actually ran.
	if _, err := q.EnqueueInstall(ctx, host.ID); err != nil {
		t.Fatalf("EnqueueInstall() after cancellation error = %v, want the host lock to have been released", err)
	}
}
