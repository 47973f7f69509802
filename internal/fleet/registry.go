package fleet

import (
	"time"

	"github.com/seantiz/flotilla/internal/model"
)

// The job registry and the last-usage timestamp are shared between the
// request handlers and the budget keeper; every accessor here takes jobsMu.

// TrackJob records a submission as running.
func (c *Controller) TrackJob(jobKey string) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	c.jobs[jobKey] = model.JobRunning
}

// MarkDone transitions a job to done. Unknown keys are ignored.
func (c *Controller) MarkDone(jobKey string) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	if _, ok := c.jobs[jobKey]; ok {
		c.jobs[jobKey] = model.JobDone
	}
}

// JobKeys returns the keys of all tracked jobs.
func (c *Controller) JobKeys() []string {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	keys := make([]string, 0, len(c.jobs))
	for k := range c.jobs {
		keys = append(keys, k)
	}
	return keys
}

// JobState returns a job's state and whether the job is tracked.
func (c *Controller) JobState(jobKey string) (string, bool) {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	state, ok := c.jobs[jobKey]
	return state, ok
}

// AllDone reports whether the registry is non-empty and every job is done.
func (c *Controller) AllDone() bool {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	if len(c.jobs) == 0 {
		return false
	}
	for _, state := range c.jobs {
		if state != model.JobDone {
			return false
		}
	}
	return true
}

// Touch refreshes the last-usage timestamp. Called on submission and when the
// keeper observes the idle transition; the timestamp never moves backwards
// otherwise.
func (c *Controller) Touch() {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	c.lastUsage = time.Now()
}

// LastUsage returns the last-usage timestamp.
func (c *Controller) LastUsage() time.Time {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	return c.lastUsage
}

// SetDismantlePolicy applies per-request overrides of the dismantle settings.
// Nil fields leave the current value untouched. Timeouts are in seconds, as
// on the wire.
func (c *Controller) SetDismantlePolicy(o model.StandaloneOverrides) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	if o.AutoDismantle != nil {
		c.auto = *o.AutoDismantle
	}
	if o.SoftDismantleTimeout != nil && *o.SoftDismantleTimeout > 0 {
		c.soft = time.Duration(*o.SoftDismantleTimeout) * time.Second
	}
	if o.HardDismantleTimeout != nil && *o.HardDismantleTimeout > 0 {
		c.hard = time.Duration(*o.HardDismantleTimeout) * time.Second
	}
}

// DismantlePolicy returns the current dismantle settings.
func (c *Controller) DismantlePolicy() (auto bool, soft, hard time.Duration) {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()
	return c.auto, c.soft, c.hard
}
