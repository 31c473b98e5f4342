package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrDaemonNotRunning is returned when nothing answers on the control address.
var ErrDaemonNotRunning = errors.New("daemon: not running") //nolint:gochecknoglobals // sentinel error

// ControlClient talks to a running daemon's control server.
type ControlClient struct {
	base   string
	client *http.Client
}

// NewControlClient targets addr (host:port or a full URL).
func NewControlClient(addr string, client *http.Client) *ControlClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &ControlClient{base: strings.TrimRight(base, "/"), client: client}
}

func (c *ControlClient) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		return Status{}, fmt.Errorf("daemon.ControlClient.Status: %w", err)
	}
	return st, nil
}

func (c *ControlClient) Stop(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/stop", nil, nil); err != nil {
		return fmt.Errorf("daemon.ControlClient.Stop: %w", err)
	}
	return nil
}

func (c *ControlClient) Spawn(ctx context.Context, req SpawnRequest) (SessionInfo, error) {
	var info SessionInfo
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &info); err != nil {
		return SessionInfo{}, fmt.Errorf("daemon.ControlClient.Spawn: %w", err)
	}
	return info, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDaemonNotRunning, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var problem struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&problem)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, problem.Detail)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
