package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
)

const machineIDHeader = "x-machine-id"

// Client talks to the ComfyUI Deploy backend. Every request carries the machine id
// and, once known, the API token.
type Client struct {
	baseURL    *url.URL
	machineID  string
	httpClient *http.Client
	logger     *utils.LogsManager

	mu    sync.RWMutex
	token string
}

func NewClient(machineID string, cm *utils.ConfigManager, logger *utils.LogsManager) (*Client, error) {
	raw := strings.TrimRight(cm.GetConfigWithDefault("backend_url", "https://fussion.studio"), "/")
	baseURL, err := url.Parse(raw)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("invalid backend_url %q", raw)
	}

	return &Client{
		baseURL:    baseURL,
		machineID:  machineID,
		httpClient: &http.Client{Timeout: cm.GetConfigDuration("backend_timeout", 30*time.Second)},
		logger:     logger,
		token:      cm.GetConfigWithDefault("backend_token", ""),
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) MachineID() string {
	return c.machineID
}

// SetToken replaces the API token sent to the backend
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// decorate adds the headers the backend expects on every request
func (c *Client) decorate(header http.Header) {
	header.Set(machineIDHeader, c.machineID)
	if token := c.Token(); token != "" && header.Get("Authorization") == "" {
		header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + "/" + strings.TrimLeft(path, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.InvalidInput("failed to encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return fmt.Errorf("failed to build backend request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.decorate(req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(fmt.Sprintf("Backend request %s %s failed: %v", method, path, err), "backend")
		return types.Wrap(types.ErrorKindUnavailable, err, "deploy backend is not reachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return types.WrapIO(err, "failed to read backend response")
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.NotFound("backend %s: %s", path, truncate(respBody))
	case resp.StatusCode >= 500:
		return types.Unavailable("backend %s returned %d: %s", path, resp.StatusCode, truncate(respBody))
	case resp.StatusCode >= 400:
		return types.InvalidInput("backend %s returned %d: %s", path, resp.StatusCode, truncate(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return types.Wrap(types.ErrorKindUnavailable, err, "backend returned malformed JSON")
		}
	}
	return nil
}

// Get fetches path and decodes the JSON response into out
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post sends body as JSON to path and decodes the JSON response into out
func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
