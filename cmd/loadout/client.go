package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jaakkos/loadout/internal/dashboard"
	"github.com/jaakkos/loadout/internal/domain"
)

// apiClient talks to the management API of a running server.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// healthy reports whether /health answers within a second.
func (c *apiClient) healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var h healthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, "", &h); err != nil {
		return false
	}
	return h.Status == "ok"
}

// do sends a request and decodes a JSON response into out. A *[]byte out
// receives the raw body. Error responses are turned into Go errors carrying
// the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("server request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	switch v := out.(type) {
	case nil:
		return nil
	case *[]byte:
		*v = data
		return nil
	default:
		return json.Unmarshal(data, out)
	}
}

// remoteBackend runs commands against a live server.
type remoteBackend struct {
	api *apiClient
}

func (b *remoteBackend) State(ctx context.Context) (dashboard.StateSnapshot, error) {
	var snap dashboard.StateSnapshot
	err := b.api.do(ctx, http.MethodGet, "/api/state", nil, "", &snap)
	return snap, err
}

func (b *remoteBackend) Preview(ctx context.Context, name string) (domain.Preview, error) {
	var pv domain.Preview
	err := b.api.do(ctx, http.MethodGet, "/api/preview?preset="+url.QueryEscape(name), nil, "", &pv)
	return pv, err
}

func (b *remoteBackend) Apply(ctx context.Context, name string) (domain.ApplyState, error) {
	body, _ := json.Marshal(map[string]any{"preset": name})
	var resp struct {
		Apply domain.ApplyState `json:"apply"`
	}
	err := b.api.do(ctx, http.MethodPost, "/api/apply", body, "application/json", &resp)
	return resp.Apply, err
}

func (b *remoteBackend) Rollback(ctx context.Context) (domain.ApplyState, error) {
	var resp struct {
		Apply domain.ApplyState `json:"apply"`
	}
	err := b.api.do(ctx, http.MethodPost, "/api/rollback", nil, "", &resp)
	return resp.Apply, err
}

func (b *remoteBackend) Export(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := b.api.do(ctx, http.MethodGet, "/api/export?preset="+url.QueryEscape(name), nil, "", &data)
	return data, err
}

func (b *remoteBackend) Import(ctx context.Context, data []byte) (domain.Preset, error) {
	var p domain.Preset
	err := b.api.do(ctx, http.MethodPost, "/api/import", data, "application/yaml", &p)
	return p, err
}

func (b *remoteBackend) Close() {}
