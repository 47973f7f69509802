package keeper_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/flotilla/internal/cloud"
	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/fleet"
	"github.com/seantiz/flotilla/internal/keeper"
	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/proxy"
	"github.com/seantiz/flotilla/internal/transport"
)

type recordingCloud struct {
	mu      sync.Mutex
	stopped []string
}

func (r *recordingCloud) Create(_ context.Context, name string) (*cloud.Instance, error) {
	return &cloud.Instance{Name: name, ID: "i-" + name, IP: "10.0.0.1"}, nil
}

func (r *recordingCloud) Start(_ context.Context, _ *cloud.Instance) error { return nil }

func (r *recordingCloud) Stop(_ context.Context, inst *cloud.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, inst.Name)
	return nil
}

func (r *recordingCloud) IsReady(_ context.Context, _ *cloud.Instance) (bool, error) {
	return true, nil
}

func (r *recordingCloud) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stopped)
}

func newTestController(t *testing.T, api cloud.API, soft, hard time.Duration, auto bool) *fleet.Controller {
	t.Helper()
	cfg := config.Load()
	cfg.DisableLogMonitoring = true
	cfg.AutoDismantle = auto
	cfg.SoftDismantleTimeout = soft
	cfg.HardDismantleTimeout = hard

	tf := func(_ string) (transport.Transport, error) {
		t.Fatal("keeper must not open transports")
		return nil, nil
	}
	clients := func(_ *model.Worker) (proxy.Client, error) {
		t.Fatal("keeper must not open proxy clients")
		return nil, nil
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return fleet.NewController(cfg, api, tf, clients, nil, logger)
}

func waitForStops(t *testing.T, api *recordingCloud, want int, deadline time.Duration) time.Duration {
	t.Helper()
	start := time.Now()
	for time.Since(start) < deadline {
		if api.stopCount() >= want {
			return time.Since(start)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("saw %d stops within %v, want %d", api.stopCount(), deadline, want)
	return 0
}

func TestSoftDismantleAfterIdle(t *testing.T) {
	api := &recordingCloud{}
	soft := 300 * time.Millisecond
	ctrl := newTestController(t, api, soft, time.Hour, true)
	ctrl.BindWorker("10.0.0.9", "i-bound")

	jobsDir := t.TempDir()
	jobKey := "e1-00001"
	ctrl.TrackJob(jobKey)
	if err := os.WriteFile(filepath.Join(jobsDir, jobKey+".done"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var doneMu sync.Mutex
	var done []string
	k := keeper.New(ctrl, jobsDir, testLogger(), keeper.WithDoneHook(func(key string) {
		doneMu.Lock()
		done = append(done, key)
		doneMu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	elapsed := waitForStops(t, api, 1, 2*time.Second)
	// The idle countdown restarts on the first tick, so the stop lands around
	// one soft timeout after startup, within a tick of slack.
	if elapsed < soft-50*time.Millisecond {
		t.Errorf("dismantled after %v, before the %v soft timeout", elapsed, soft)
	}
	if elapsed > soft+200*time.Millisecond {
		t.Errorf("dismantled after %v, well past the %v soft timeout", elapsed, soft)
	}

	doneMu.Lock()
	defer doneMu.Unlock()
	if len(done) != 1 || done[0] != jobKey {
		t.Errorf("done hook saw %v, want exactly one %s", done, jobKey)
	}
}

func TestNoSoftDismantleWhileJobsRun(t *testing.T) {
	api := &recordingCloud{}
	ctrl := newTestController(t, api, 100*time.Millisecond, time.Hour, true)
	ctrl.BindWorker("10.0.0.9", "i-bound")

	jobsDir := t.TempDir()
	ctrl.TrackJob("e1-00001") // no completion marker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go keeper.New(ctrl, jobsDir, testLogger()).Run(ctx)

	time.Sleep(400 * time.Millisecond)
	if got := api.stopCount(); got != 0 {
		t.Errorf("fleet dismantled %d instances while a job was still running", got)
	}
}

func TestHardDismantleIgnoresAutoOff(t *testing.T) {
	api := &recordingCloud{}
	hard := 200 * time.Millisecond
	ctrl := newTestController(t, api, 100*time.Millisecond, hard, false)
	ctrl.BindWorker("10.0.0.9", "i-bound")

	jobsDir := t.TempDir()
	jobKey := "e1-00001"
	ctrl.TrackJob(jobKey)
	if err := os.WriteFile(filepath.Join(jobsDir, jobKey+".done"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go keeper.New(ctrl, jobsDir, testLogger()).Run(ctx)

	elapsed := waitForStops(t, api, 1, 2*time.Second)
	if elapsed < hard-50*time.Millisecond {
		t.Errorf("dismantled after %v, before the %v hard timeout", elapsed, hard)
	}
}

func TestDoneHookFiresOncePerJob(t *testing.T) {
	api := &recordingCloud{}
	ctrl := newTestController(t, api, 100*time.Millisecond, time.Hour, false)

	jobsDir := t.TempDir()
	jobKey := "e1-00002"
	ctrl.TrackJob(jobKey)
	if err := os.WriteFile(filepath.Join(jobsDir, jobKey+".done"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	var count int
	var mu sync.Mutex
	k := keeper.New(ctrl, jobsDir, testLogger(), keeper.WithDoneHook(func(_ string) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	k.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	// Several ticks elapsed; the marker must be reported exactly once.
	if count != 1 {
		t.Errorf("done hook fired %d times, want 1", count)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
