// Package fleet owns the set of worker instances and orchestrates their
// lifecycle: provision, start, wait for readiness, install the execution
// proxy, dispatch jobs and tear the fleet down.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/flotilla/internal/cloud"
	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/dispatch"
	"github.com/seantiz/flotilla/internal/logstream"
	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/probe"
	"github.com/seantiz/flotilla/internal/proxy"
	"github.com/seantiz/flotilla/internal/transport"
)

// Fleet errors.
var (
	// ErrNoBoundWorker is returned when consume mode runs without a
	// pre-existing worker bound via configuration.
	ErrNoBoundWorker = errors.New("no pre-existing worker bound for consume mode")

	// ErrDismantle wraps failures stopping individual instances.
	ErrDismantle = errors.New("dismantle failed")
)

// Controller is the process-scoped owner of all fleet state: the worker set,
// the job registry and the last-usage timestamp read by the budget keeper.
type Controller struct {
	cfg       config.Config
	cloud     cloud.API
	tf        transport.Factory
	clients   proxy.Factory
	streams   *logstream.Streamer
	disp      *dispatch.Dispatcher
	installer *installer
	logger    *slog.Logger

	// mu guards the worker set. Critical sections cover mutation only, never
	// a blocking network call.
	mu      sync.Mutex
	workers []*model.Worker
	bound   *model.Worker

	// jobsMu guards the job registry, the last-usage timestamp and the
	// dismantle policy, all shared with the budget keeper and the request
	// handlers.
	jobsMu    sync.RWMutex
	jobs      map[string]string
	lastUsage time.Time
	auto      bool
	soft      time.Duration
	hard      time.Duration
}

// NewController wires a controller from its collaborators. The configuration
// must already be validated.
func NewController(cfg config.Config, api cloud.API, tf transport.Factory,
	clients proxy.Factory, streams *logstream.Streamer, logger *slog.Logger) *Controller {

	c := &Controller{
		cfg:       cfg,
		cloud:     api,
		tf:        tf,
		clients:   clients,
		streams:   streams,
		installer: newInstaller(cfg, logger),
		logger:    logger,
		jobs:      make(map[string]string),
		lastUsage: time.Now(),
		auto:      cfg.AutoDismantle,
		soft:      cfg.SoftDismantleTimeout,
		hard:      cfg.HardDismantleTimeout,
	}
	c.disp = dispatch.New(c, clients, cfg.MaxConcurrency, logger)
	c.disp.OnWorker(c.startMonitor)
	return c
}

// BindWorker registers a pre-existing worker for consume-mode invocation.
func (c *Controller) BindWorker(host, instanceID string) *model.Worker {
	w := &model.Worker{
		Name:              "bound-" + host,
		InstanceID:        instanceID,
		IP:                host,
		Status:            model.WorkerRunning,
		DeleteOnDismantle: true,
	}
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.bound = w
	c.mu.Unlock()
	activeWorkers.Inc()
	return w
}

// AdoptSelf registers the instance hosting the control plane. The master
// instance must survive dismantle; anything else the descriptor names is
// reclaimed like a regular worker.
func (c *Controller) AdoptSelf(ad *config.AccessData) *model.Worker {
	w := &model.Worker{
		Name:              ad.InstanceName,
		InstanceID:        ad.InstanceID,
		IP:                ad.IPAddress,
		Status:            model.WorkerRunning,
		DeleteOnDismantle: !strings.Contains(ad.InstanceName, "master"),
	}
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()
	activeWorkers.Inc()

	c.logger.Info("adopted own instance",
		"name", w.Name, "ip", w.IP, "instance_id", w.InstanceID,
		"delete_on_dismantle", w.DeleteOnDismantle)
	return w
}

// Workers returns a snapshot of the fleet.
func (c *Controller) Workers() []*model.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Worker, len(c.workers))
	copy(out, c.workers)
	return out
}

// Create provisions a backend instance, registers it in the fleet, starts it
// and blocks until both its SSH daemon and its proxy accept requests. On a
// readiness timeout the instance is stopped before the error is returned, so
// an unreachable machine is never leaked.
func (c *Controller) Create(ctx context.Context, nameHint string) (*model.Worker, error) {
	name := model.NewWorkerName(nameHint)
	start := time.Now()

	inst, err := c.cloud.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create instance %s: %w", name, err)
	}

	w := &model.Worker{
		Name:              inst.Name,
		InstanceID:        inst.ID,
		IP:                inst.IP,
		Status:            model.WorkerProvisioning,
		DeleteOnDismantle: true,
	}
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()
	workersProvisioned.Inc()
	activeWorkers.Inc()

	if err := c.cloud.Start(ctx, inst); err != nil {
		c.teardown(ctx, w)
		return nil, fmt.Errorf("start instance %s: %w", name, err)
	}
	c.setStatus(w, model.WorkerStarting)

	if err := probe.WaitReady(ctx, c.sshCheck(inst, w), c.cfg.StartTimeout, probe.SSHPollInterval); err != nil {
		c.teardown(ctx, w)
		return nil, fmt.Errorf("worker %s never became ssh-reachable: %w", w.IP, err)
	}
	c.setStatus(w, model.WorkerSSHReady)

	if err := c.installProxy(ctx, w); err != nil {
		c.teardown(ctx, w)
		return nil, err
	}

	if err := c.waitProxyReady(ctx, w); err != nil {
		c.teardown(ctx, w)
		return nil, err
	}
	c.setStatus(w, model.WorkerProxyReady)
	c.setStatus(w, model.WorkerRunning)

	c.logger.Info("worker ready",
		"name", w.Name, "ip", w.IP,
		"elapsed_s", time.Since(start).Round(time.Second).Seconds())
	return w, nil
}

// sshCheck reports readiness once the provider considers the instance booted
// and a trivial remote command succeeds.
func (c *Controller) sshCheck(inst *cloud.Instance, w *model.Worker) probe.Check {
	ssh := probe.SSHReady(c.tf, w.IP)
	return func(ctx context.Context) bool {
		ok, err := c.cloud.IsReady(ctx, inst)
		if err != nil || !ok {
			return false
		}
		return ssh(ctx)
	}
}

func (c *Controller) installProxy(ctx context.Context, w *model.Worker) error {
	tr, err := c.tf(w.IP)
	if err != nil {
		return fmt.Errorf("dial worker %s: %w", w.IP, err)
	}
	defer tr.Close()

	if err := c.installer.Install(ctx, tr, w); err != nil {
		return fmt.Errorf("install proxy on %s: %w", w.IP, err)
	}
	return nil
}

func (c *Controller) waitProxyReady(ctx context.Context, w *model.Worker) error {
	client, err := c.clients(w)
	if err != nil {
		return fmt.Errorf("proxy client for %s: %w", w.IP, err)
	}
	defer client.Close()

	if err := probe.WaitReady(ctx, probe.ProxyReady(client), c.cfg.StartTimeout, probe.ProxyPollInterval); err != nil {
		return fmt.Errorf("proxy on %s never became reachable: %w", w.IP, err)
	}
	return nil
}

// teardown stops a partially created worker, best effort.
func (c *Controller) teardown(ctx context.Context, w *model.Worker) {
	c.setStatus(w, model.WorkerStopping)
	inst := &cloud.Instance{Name: w.Name, ID: w.InstanceID, IP: w.IP}
	if err := c.cloud.Stop(ctx, inst); err != nil {
		c.logger.Error("teardown of failed worker", "name", w.Name, "error", err)
	}
	c.setStatus(w, model.WorkerStopped)
	activeWorkers.Dec()
}

// setStatus transitions a worker's status under the fleet lock.
func (c *Controller) setStatus(w *model.Worker, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !model.ValidWorkerTransition(w.Status, status) {
		c.logger.Warn("skipping invalid worker transition",
			"name", w.Name, "from", w.Status, "to", status)
		return
	}
	w.Status = status
}

// RunJob routes a submission: consume mode invokes the bound worker directly,
// create mode provisions one worker per chunk and fans out. The returned
// activation id identifies the submission; per-call and per-chunk activation
// ids reported by workers are logged.
func (c *Controller) RunJob(ctx context.Context, p *model.Payload) (string, error) {
	if len(p.CallIDs) == 0 {
		p.CallIDs = make([]string, p.JobDescription.TotalCalls)
		for i := range p.CallIDs {
			p.CallIDs[i] = model.CallID(i)
		}
	}

	jobKey := p.JobKey()
	actID := model.NewActivationID()
	c.TrackJob(jobKey)
	c.Touch()

	mode := c.cfg.ExecMode
	if p.Config.Standalone.ExecMode != "" {
		mode = p.Config.Standalone.ExecMode
	}

	switch mode {
	case config.ExecModeConsume:
		c.mu.Lock()
		w := c.bound
		c.mu.Unlock()
		if w == nil {
			return "", ErrNoBoundWorker
		}
		if err := c.ensureWorkerReady(ctx, w); err != nil {
			return "", err
		}
		if err := c.disp.RunSingle(ctx, w, p); err != nil {
			return actID, fmt.Errorf("job %s: %w", jobKey, err)
		}
	case config.ExecModeCreate:
		if _, err := c.disp.RunChunked(ctx, p); err != nil {
			return actID, fmt.Errorf("job %s: %w", jobKey, err)
		}
	default:
		return "", fmt.Errorf("%w: got %q", config.ErrInvalidExecMode, mode)
	}

	return actID, nil
}

// ensureWorkerReady restarts a bound worker whose proxy stopped answering.
// The proxy was installed when the worker was set up, so only start and
// readiness are repeated here.
func (c *Controller) ensureWorkerReady(ctx context.Context, w *model.Worker) error {
	client, err := c.clients(w)
	if err != nil {
		return fmt.Errorf("proxy client for %s: %w", w.IP, err)
	}
	defer client.Close()

	if client.Ping(ctx) == nil {
		return nil
	}

	c.logger.Info("bound worker proxy not answering, restarting", "ip", w.IP)
	inst := &cloud.Instance{Name: w.Name, ID: w.InstanceID, IP: w.IP}
	if err := c.cloud.Start(ctx, inst); err != nil {
		return fmt.Errorf("restart instance %s: %w", w.Name, err)
	}
	if err := probe.WaitReady(ctx, c.sshCheck(inst, w), c.cfg.StartTimeout, probe.SSHPollInterval); err != nil {
		return fmt.Errorf("worker %s never became ssh-reachable: %w", w.IP, err)
	}
	return c.waitProxyReady(ctx, w)
}

// CreateRuntime extracts runtime metadata from a worker's proxy. In consume
// mode the bound worker answers; otherwise a throwaway worker is provisioned
// and stopped afterwards.
func (c *Controller) CreateRuntime(ctx context.Context, runtime string) (json.RawMessage, error) {
	c.mu.Lock()
	w := c.bound
	c.mu.Unlock()

	if w != nil {
		if err := c.ensureWorkerReady(ctx, w); err != nil {
			return nil, err
		}
	} else {
		var err error
		w, err = c.Create(ctx, "runtime-probe")
		if err != nil {
			return nil, err
		}
		defer c.teardown(ctx, w)
	}

	client, err := c.clients(w)
	if err != nil {
		return nil, fmt.Errorf("proxy client for %s: %w", w.IP, err)
	}
	defer client.Close()

	return client.Preinstalls(ctx, runtime, c.cfg.LocalRuntimeLoad)
}

// Dismantle stops every fleet-owned instance flagged for deletion. Teardown
// is best effort and non-atomic: a failure stopping one instance is recorded
// and the rest are still stopped.
func (c *Controller) Dismantle(ctx context.Context) error {
	workers := c.Workers()
	c.logger.Info("dismantling fleet", "workers", len(workers))

	var errs []error
	for _, w := range workers {
		c.mu.Lock()
		status := w.Status
		keep := !w.DeleteOnDismantle
		c.mu.Unlock()

		if keep {
			c.logger.Debug("dismantle: keeping instance", "name", w.Name)
			continue
		}
		if status == model.WorkerStopped || status == model.WorkerStopping {
			continue
		}

		c.setStatus(w, model.WorkerStopping)
		inst := &cloud.Instance{Name: w.Name, ID: w.InstanceID, IP: w.IP}
		if err := c.cloud.Stop(ctx, inst); err != nil {
			c.logger.Error("dismantle: stop failed", "name", w.Name, "error", err)
			errs = append(errs, fmt.Errorf("%w: %s: %v", ErrDismantle, w.Name, err))
			continue
		}
		c.setStatus(w, model.WorkerStopped)
		activeWorkers.Dec()
	}

	dismantles.Inc()
	return errors.Join(errs...)
}

// startMonitor attaches a log streamer to a dispatch target.
func (c *Controller) startMonitor(jobKey string, w *model.Worker) {
	if c.cfg.DisableLogMonitoring || c.streams == nil {
		return
	}
	tr, err := c.tf(w.IP)
	if err != nil {
		c.logger.Error("log monitor dial failed", "job_key", jobKey, "worker", w.IP, "error", err)
		return
	}
	c.streams.Start(jobKey, tr)
	c.logger.Debug("log monitor started", "job_key", jobKey, "worker", w.IP)
}
