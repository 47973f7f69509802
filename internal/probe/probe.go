// Package probe provides the poll-until-ready primitive used to wait for a
// worker's SSH daemon and execution proxy to come up.
package probe

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/flotilla/internal/proxy"
	"github.com/seantiz/flotilla/internal/transport"
)

// Poll intervals matching how long each resource typically takes to appear.
const (
	SSHPollInterval   = 5 * time.Second
	ProxyPollInterval = 2 * time.Second

	sshCheckTimeout = 2 * time.Second
)

// ErrTimeout is returned when a resource never became ready within the
// configured window. Callers must treat the awaited instance as
// unrecoverable and tear it down.
var ErrTimeout = errors.New("readiness probe expired")

// Check reports whether the awaited resource is ready. Checks must swallow
// transient failures and simply return false.
type Check func(ctx context.Context) bool

// WaitReady polls check every interval until it returns true or timeout
// elapses. The first check runs immediately. A never-true check fails at
// timeout, give or take one interval.
func WaitReady(ctx context.Context, check Check, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if check(ctx) {
			return nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			// Sleeping again would overshoot the window.
			remaining := time.Until(deadline)
			if remaining > 0 {
				time.Sleep(remaining)
			}
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// SSHReady builds a check that succeeds once a trivial remote command runs on
// addr. Every attempt redials so a worker mid-boot is observed fresh.
func SSHReady(tf transport.Factory, addr string) Check {
	return func(ctx context.Context) bool {
		tr, err := tf(addr)
		if err != nil {
			return false
		}
		defer tr.Close()

		ctx, cancel := context.WithTimeout(ctx, sshCheckTimeout)
		defer cancel()

		res, err := tr.RunCommand(ctx, "id")
		return err == nil && res.ExitCode == 0
	}
}

// ProxyReady builds a check that succeeds once the worker's proxy answers a
// ping.
func ProxyReady(client proxy.Client) Check {
	return func(ctx context.Context) bool {
		return client.Ping(ctx) == nil
	}
}
