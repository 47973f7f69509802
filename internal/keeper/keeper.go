// Package keeper bounds fleet cost: a background reaper that dismantles the
// fleet once it has been idle past the soft timeout, or unconditionally past
// the hard timeout.
package keeper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/flotilla/internal/fleet"
	"github.com/seantiz/flotilla/internal/model"
)

// Keeper is the budget reaper. It runs for the process lifetime; dismantle
// errors are logged and never stop the loop.
type Keeper struct {
	ctrl    *fleet.Controller
	jobsDir string
	logger  *slog.Logger

	// onDone, when set, is called once per job observed completing, so the
	// job history store can be updated.
	onDone func(jobKey string)

	// jobsRunning tracks the active→idle edge: the idle countdown restarts
	// the first tick every job is observed done.
	jobsRunning bool
}

// Option tweaks keeper behavior.
type Option func(*Keeper)

// WithDoneHook registers a callback for observed job completions.
func WithDoneHook(fn func(jobKey string)) Option {
	return func(k *Keeper) { k.onDone = fn }
}

// New creates a keeper watching completion markers under jobsDir.
func New(ctrl *fleet.Controller, jobsDir string, logger *slog.Logger, opts ...Option) *Keeper {
	k := &Keeper{
		ctrl:    ctrl,
		jobsDir: jobsDir,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Run executes the reaper loop until ctx is cancelled. Each tick refreshes
// job states from their completion markers, then compares elapsed time since
// last usage against the applicable timeout. The poll interval is a tenth of
// the soft timeout.
func (k *Keeper) Run(ctx context.Context) {
	auto, soft, hard := k.ctrl.DismantlePolicy()
	if auto {
		k.logger.Info("budget keeper started, auto dismantle on",
			"soft_timeout", soft.String(), "hard_timeout", hard.String())
	} else {
		// With auto dismantle off the fleet is still reclaimed at the hard
		// timeout, so a misconfigured deployment cannot run up cost forever.
		k.logger.Info("budget keeper started, auto dismantle off",
			"hard_timeout", hard.String())
	}

	for {
		auto, soft, hard = k.ctrl.DismantlePolicy()
		interval := soft / 10

		k.refreshJobs()

		var remaining time.Duration
		if auto && k.ctrl.AllDone() {
			if k.jobsRunning {
				// Active→idle edge: restart the idle countdown now.
				k.jobsRunning = false
				k.ctrl.Touch()
			}
			remaining = soft - time.Since(k.ctrl.LastUsage())
		} else {
			k.jobsRunning = true
			remaining = hard - time.Since(k.ctrl.LastUsage())
		}

		if remaining > 0 {
			k.logger.Info("time to dismantle", "seconds", int(remaining.Seconds()))
		} else {
			if err := k.ctrl.Dismantle(ctx); err != nil {
				k.logger.Error("dismantle failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// refreshJobs transitions every job whose completion marker exists to done.
func (k *Keeper) refreshJobs() {
	for _, jobKey := range k.ctrl.JobKeys() {
		state, ok := k.ctrl.JobState(jobKey)
		if !ok || state == model.JobDone {
			continue
		}
		marker := filepath.Join(k.jobsDir, jobKey+".done")
		if _, err := os.Stat(marker); err == nil {
			k.ctrl.MarkDone(jobKey)
			k.logger.Info("job completed", "job_key", jobKey)
			if k.onDone != nil {
				k.onDone(jobKey)
			}
		}
	}
}
