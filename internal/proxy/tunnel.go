package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seantiz/flotilla/internal/model"
	"github.com/seantiz/flotilla/internal/transport"
)

// Compile-time interface satisfaction check.
var _ Client = (*Tunnel)(nil)

// Tunnel reaches the proxy by running curl on the worker itself, so the
// request never leaves the machine and needs no extra encryption. The JSON
// answer comes back on stdout.
type Tunnel struct {
	tr   transport.Transport
	port int
}

// NewTunnel wraps an open transport to the worker.
func NewTunnel(tr transport.Transport, port int) *Tunnel {
	return &Tunnel{tr: tr, port: port}
}

// Ping checks the proxy's /ping endpoint from inside the worker.
func (t *Tunnel) Ping(ctx context.Context) error {
	raw, err := t.curl(ctx, "GET", "/ping", nil)
	if err != nil {
		return err
	}
	return decodePing(raw)
}

// Run submits a job payload through /run.
func (t *Tunnel) Run(ctx context.Context, p *model.Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	raw, err := t.curl(ctx, "POST", "/run", body)
	if err != nil {
		return "", err
	}
	return decodeRun(raw)
}

// Preinstalls fetches runtime metadata through /preinstalls.
func (t *Tunnel) Preinstalls(ctx context.Context, runtime string, localRuntimeLoad bool) (json.RawMessage, error) {
	body, err := json.Marshal(preinstallsRequest{
		Runtime:          runtime,
		LocalRuntimeLoad: localRuntimeLoad,
	})
	if err != nil {
		return nil, fmt.Errorf("encode preinstalls request: %w", err)
	}
	return t.curl(ctx, "GET", "/preinstalls", body)
}

// Close releases the underlying transport.
func (t *Tunnel) Close() error {
	return t.tr.Close()
}

func (t *Tunnel) curl(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	cmd := fmt.Sprintf("curl -sS -X %s http://127.0.0.1:%d%s", method, t.port, path)
	if body != nil {
		cmd += fmt.Sprintf(" -d %s -H 'Content-Type: application/json'", shellQuote(string(body)))
	}

	res, err := t.tr.RunCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("tunnel %s %s: %w", method, path, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("tunnel %s %s: curl exited %d: %s", method, path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return []byte(res.Stdout), nil
}

// shellQuote single-quotes s for safe interpolation into a shell command.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
