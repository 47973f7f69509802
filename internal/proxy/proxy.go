// Package proxy is the client side of the RPC surface exposed by each
// worker's execution proxy: job submission, liveness ping and runtime
// preinstall discovery. Two transports are supported: direct HTTP with an
// encrypted body, and a tunneled invocation through the worker's shell.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/transport"
)

// ErrNotPong is returned when the proxy answers a ping with anything but pong.
var ErrNotPong = errors.New("unexpected ping response")

// Client talks to one worker's proxy.
type Client interface {
	// Ping checks that the proxy is accepting requests.
	Ping(ctx context.Context) error

	// Run submits a job payload and returns the activation id on acceptance.
	Run(ctx context.Context, p *model.Payload) (string, error)

	// Preinstalls fetches runtime metadata for the given runtime.
	Preinstalls(ctx context.Context, runtime string, localRuntimeLoad bool) (json.RawMessage, error)

	Close() error
}

// Factory builds a client for the given worker.
type Factory func(w *model.Worker) (Client, error)

// NewFactory returns the client factory matching the configured transport
// mode.
func NewFactory(cfg config.Config, tf transport.Factory) (Factory, error) {
	switch cfg.TransportMode {
	case config.TransportDirectHTTP:
		return newHTTPFactory(cfg)
	case config.TransportSSHTunnel:
		return func(w *model.Worker) (Client, error) {
			tr, err := tf(w.IP)
			if err != nil {
				return nil, fmt.Errorf("dial worker %s: %w", w.IP, err)
			}
			return NewTunnel(tr, cfg.ProxyPort), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: got %q", config.ErrInvalidTransportMode, cfg.TransportMode)
	}
}

// runResponse is the proxy's answer to a run submission.
type runResponse struct {
	ActivationID string `json:"activationId"`
	Error        string `json:"error"`
}

// pingResponse is the proxy's answer to a ping.
type pingResponse struct {
	Response string `json:"response"`
}

// preinstallsRequest asks the proxy for runtime metadata.
type preinstallsRequest struct {
	Runtime          string `json:"runtime"`
	LocalRuntimeLoad bool   `json:"local_runtime_load"`
}

func decodeRun(raw []byte) (string, error) {
	var resp runResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode run response: %w", err)
	}
	if resp.ActivationID == "" {
		return "", fmt.Errorf("run rejected: %s", resp.Error)
	}
	return resp.ActivationID, nil
}

func decodePing(raw []byte) error {
	var resp pingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode ping response: %w", err)
	}
	if resp.Response != "pong" {
		return fmt.Errorf("%w: %q", ErrNotPong, resp.Response)
	}
	return nil
}
