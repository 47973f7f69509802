// Package cloud defines the interface the fleet controller uses to provision
// and reclaim compute instances, along with a registry mapping provider names
// to constructors resolved once at configuration time.
package cloud

import (
	"context"
	"log/slog"
)

// Instance identifies a compute instance at the provider.
type Instance struct {
	Name string
	ID   string
	IP   string
}

// API is implemented by each instance provider.
type API interface {
	// Create allocates a new instance with the given name and returns its
	// identity. The instance is not necessarily booted yet.
	Create(ctx context.Context, name string) (*Instance, error)

	// Start boots the instance.
	Start(ctx context.Context, inst *Instance) error

	// Stop reclaims the instance.
	Stop(ctx context.Context, inst *Instance) error

	// IsReady reports whether the provider considers the instance booted.
	// Network-level reachability is probed separately.
	IsReady(ctx context.Context, inst *Instance) (bool, error)
}

// Constructor builds a provider from its configuration section.
type Constructor func(cfg Settings, logger *slog.Logger) (API, error)

// Settings is the provider-specific configuration section.
type Settings struct {
	// Host and InstanceID bind a pre-provisioned instance, when the provider
	// supports that.
	Host       string
	InstanceID string
}
