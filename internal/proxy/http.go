package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/seantiz/flotilla/internal/config"
	"github.com/seantiz/flotilla/internal/model"
)

const (
	httpTimeout = 30 * time.Second
	pingTimeout = 2 * time.Second
)

// Compile-time interface satisfaction check.
var _ Client = (*HTTP)(nil)

// HTTP reaches the proxy directly over the network. Run bodies are
// fernet-encrypted since they travel outside the SSH tunnel.
type HTTP struct {
	base   string
	key    *fernet.Key
	client *http.Client
}

func newHTTPFactory(cfg config.Config) (Factory, error) {
	key, err := fernet.DecodeKey(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidEncryptionKey, err)
	}
	port := cfg.ProxyPort
	return func(w *model.Worker) (Client, error) {
		return &HTTP{
			base:   fmt.Sprintf("http://%s:%d", w.IP, port),
			key:    key,
			client: &http.Client{Timeout: httpTimeout},
		}, nil
	}, nil
}

// Ping checks the proxy's /ping endpoint.
func (h *HTTP) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	raw, err := h.do(ctx, http.MethodGet, "/ping", nil)
	if err != nil {
		return err
	}
	return decodePing(raw)
}

// Run submits a job payload through /run.
func (h *HTTP) Run(ctx context.Context, p *model.Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	tok, err := fernet.EncryptAndSign(body, h.key)
	if err != nil {
		return "", fmt.Errorf("encrypt payload: %w", err)
	}

	raw, err := h.do(ctx, http.MethodPost, "/run", tok)
	if err != nil {
		return "", err
	}
	return decodeRun(raw)
}

// Preinstalls fetches runtime metadata through /preinstalls.
func (h *HTTP) Preinstalls(ctx context.Context, runtime string, localRuntimeLoad bool) (json.RawMessage, error) {
	body, err := json.Marshal(preinstallsRequest{
		Runtime:          runtime,
		LocalRuntimeLoad: localRuntimeLoad,
	})
	if err != nil {
		return nil, fmt.Errorf("encode preinstalls request: %w", err)
	}
	return h.do(ctx, http.MethodGet, "/preinstalls", body)
}

// Close is a no-op; the http client holds no per-worker connection state
// worth tearing down.
func (h *HTTP) Close() error { return nil }

func (h *HTTP) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return raw, nil
}
