package cloud

import (
	"context"
	"errors"
	"log/slog"
)

// StaticName is the registry name of the static provider.
const StaticName = "static"

// ErrNoBoundHost is returned when the static provider is used without a
// configured host.
var ErrNoBoundHost = errors.New("static provider has no bound host")

// Compile-time interface satisfaction check.
var _ API = (*Static)(nil)

// Static is a provider over a single pre-provisioned machine. It cannot
// allocate capacity: Create hands out the bound host and Stop is a no-op,
// since the machine's lifecycle is managed outside the control plane. It
// backs consume mode and the control plane's own instance record.
type Static struct {
	host       string
	instanceID string
	logger     *slog.Logger
}

// NewStatic builds a static provider from its settings.
func NewStatic(cfg Settings, logger *slog.Logger) (API, error) {
	return &Static{
		host:       cfg.Host,
		instanceID: cfg.InstanceID,
		logger:     logger,
	}, nil
}

// Create returns the bound host. The name is recorded for log correlation
// only; the machine already exists.
func (s *Static) Create(_ context.Context, name string) (*Instance, error) {
	if s.host == "" {
		return nil, ErrNoBoundHost
	}
	return &Instance{
		Name: name,
		ID:   s.instanceID,
		IP:   s.host,
	}, nil
}

// Start is a no-op; the bound host is assumed to be running.
func (s *Static) Start(_ context.Context, inst *Instance) error {
	s.logger.Debug("static provider: start is a no-op", "instance", inst.Name)
	return nil
}

// Stop is a no-op; reclaiming the bound host is outside the control plane.
func (s *Static) Stop(_ context.Context, inst *Instance) error {
	s.logger.Debug("static provider: stop is a no-op", "instance", inst.Name)
	return nil
}

// IsReady always reports true; reachability is probed over the transport.
func (s *Static) IsReady(_ context.Context, _ *Instance) (bool, error) {
	return true, nil
}
