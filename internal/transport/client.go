package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/clusterd/cfgsync/internal/control"
)

// Client talks to the admin API of a local daemon
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new admin client
func NewClient(addr string) *Client {
	return &Client{
		baseURL: baseURL(addr),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL returns the daemon URL the client talks to
func (c *Client) BaseURL() string { return c.baseURL }

// ValueRequest carries a raw setting; numbers and numeric strings are accepted
type ValueRequest struct {
	Value json.RawMessage `json:"value,omitempty"`
}

// RawValue returns the value as text, unquoting JSON strings
func (r ValueRequest) RawValue() string {
	if len(r.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return string(r.Value)
}

func stringValue(raw string) ValueRequest {
	data, _ := json.Marshal(raw)
	return ValueRequest{Value: data}
}

// Status returns the daemon's sync status document
func (c *Client) Status(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/sync/status", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunSync triggers a sync cycle and returns its report
func (c *Client) RunSync(ctx context.Context) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/sync/run", nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Control returns the sync control state
func (c *Client) Control(ctx context.Context) (*control.State, error) {
	var state control.State
	if err := c.do(ctx, http.MethodGet, "/v1/sync/control", nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// Pause suspends syncing; an empty seconds uses the daemon default
func (c *Client) Pause(ctx context.Context, seconds string) (*control.State, error) {
	var req interface{}
	if seconds != "" {
		req = stringValue(seconds)
	}
	return c.controlRequest(ctx, http.MethodPost, "/v1/sync/control/pause", req)
}

// Resume clears any pause
func (c *Client) Resume(ctx context.Context) (*control.State, error) {
	return c.controlRequest(ctx, http.MethodPost, "/v1/sync/control/resume", nil)
}

// Enable switches syncing on
func (c *Client) Enable(ctx context.Context) (*control.State, error) {
	return c.controlRequest(ctx, http.MethodPost, "/v1/sync/control/enable", nil)
}

// Disable switches syncing off
func (c *Client) Disable(ctx context.Context) (*control.State, error) {
	return c.controlRequest(ctx, http.MethodPost, "/v1/sync/control/disable", nil)
}

// SetPollInterval stores the sync period in seconds
func (c *Client) SetPollInterval(ctx context.Context, raw string) (*control.State, error) {
	return c.controlRequest(ctx, http.MethodPut, "/v1/sync/control/interval", stringValue(raw))
}

// SetBackupCount stores the backup retention
func (c *Client) SetBackupCount(ctx context.Context, raw string) (*control.State, error) {
	return c.controlRequest(ctx, http.MethodPut, "/v1/sync/control/backups", stringValue(raw))
}

// ListBackups returns the stored revisions of the named config, newest first
func (c *Client) ListBackups(ctx context.Context, kind string) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/sync/backups/"+url.PathEscape(kind), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RestoreBackup makes the revision saved at savedAt the current config again
func (c *Client) RestoreBackup(ctx context.Context, kind string, savedAt time.Time) (json.RawMessage, error) {
	req := map[string]time.Time{"saved_at": savedAt}
	var resp json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/v1/sync/backups/"+url.PathEscape(kind)+"/restore", req, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AddPeers registers freshly authenticated peers
func (c *Client) AddPeers(ctx context.Context, peers []PeerPayload) error {
	req := map[string]interface{}{"peers": peers}
	return c.do(ctx, http.MethodPost, "/v1/peers", req, nil)
}

func (c *Client) controlRequest(ctx context.Context, method, path string, body interface{}) (*control.State, error) {
	var state control.State
	if err := c.do(ctx, method, path, body, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	if err := doRequest(ctx, c.httpClient, "", c.baseURL+path, method, body, result); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}
