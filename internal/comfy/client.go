package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/types"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/utils"
	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/workflow"
)

/*
ComfyUI routes used by this node:

GET  /system_stats
GET  /object_info
GET  /history/{prompt_id}
GET  /queue
POST /prompt
POST /queue
POST /interrupt
GET  /ws?clientId=
*/

// Client talks to the local ComfyUI HTTP API. The client id is fixed for the process so
// websocket messages for prompts queued here are routed to our listener.
type Client struct {
	baseURL       *url.URL
	clientID      string
	httpClient    *http.Client
	objectInfoTTL time.Duration
	logger        *utils.LogsManager

	infoMu       sync.Mutex
	objectInfo   workflow.ObjectInfo
	objectInfoAt time.Time
}

// QueueResponse is ComfyUI's answer to POST /prompt
type QueueResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// PromptError is the error body ComfyUI returns for rejected prompts
type PromptError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		EmbeddedPython bool   `json:"embedded_python"`
		ComfyUIVersion string `json:"comfyui_version,omitempty"`
		PytorchVersion string `json:"pytorch_version,omitempty"`
	} `json:"system"`
	Devices []Device `json:"devices"`
}

type Device struct {
	Name           string `json:"name"`
	Type           string `json:"type"`
	Index          int    `json:"index"`
	VRAMTotal      int64  `json:"vram_total"`
	VRAMFree       int64  `json:"vram_free"`
	TorchVRAMTotal int64  `json:"torch_vram_total"`
	TorchVRAMFree  int64  `json:"torch_vram_free"`
}

// HistoryEntry is one prompt in ComfyUI's execution history
type HistoryEntry struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// QueueState lists running and pending prompt ids
type QueueState struct {
	Running []string `json:"running"`
	Pending []string `json:"pending"`
}

func NewClient(cm *utils.ConfigManager, logger *utils.LogsManager) (*Client, error) {
	raw := cm.GetConfigWithDefault("comfyui_url", "http://127.0.0.1:8188")
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid comfyui_url %q", raw)
	}

	return &Client{
		baseURL:  base,
		clientID: uuid.New().String(),
		httpClient: &http.Client{
			Timeout: cm.GetConfigDuration("comfyui_request_timeout", 30*time.Second),
		},
		objectInfoTTL: cm.GetConfigDuration("object_info_ttl", 5*time.Minute),
		logger:        logger,
	}, nil
}

// ClientID identifies this node to ComfyUI
func (c *Client) ClientID() string {
	return c.clientID
}

// BaseURL returns the ComfyUI HTTP root
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// WebSocketURL returns the event stream address for this client id
func (c *Client) WebSocketURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {c.clientID}}.Encode()
	return u.String()
}

func (c *Client) endpoint(path string) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// do sends a request and returns the body. Transport failures are Unavailable.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		return 0, nil, types.Wrap(types.ErrorKindUnavailable, err, "ComfyUI is not reachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, types.WrapIO(err, "failed to read ComfyUI response")
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.Unavailable("ComfyUI %s returned HTTP %d", path, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode ComfyUI %s response: %w", path, err)
	}
	return nil
}

// QueuePrompt submits an API prompt. Rejections by ComfyUI's validator are InvalidInput.
func (c *Client) QueuePrompt(ctx context.Context, prompt workflow.Prompt, extraData map[string]interface{}) (*QueueResponse, error) {
	request := map[string]interface{}{
		"prompt":    prompt,
		"client_id": c.clientID,
	}
	if len(extraData) > 0 {
		request["extra_data"] = extraData
	}

	status, body, err := c.do(ctx, http.MethodPost, "/prompt", request)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var perr PromptError
		if json.Unmarshal(body, &perr) == nil && perr.Error.Message != "" {
			msg := perr.Error.Message
			if perr.Error.Details != "" {
				msg = fmt.Sprintf("%s: %s", msg, perr.Error.Details)
			}
			if status == http.StatusBadRequest {
				return nil, types.InvalidInput("ComfyUI rejected the prompt: %s", msg)
			}
			return nil, types.ExecutionError("ComfyUI rejected the prompt: %s", msg)
		}
		return nil, types.ExecutionError("ComfyUI /prompt returned HTTP %d: %s", status, strings.TrimSpace(string(body)))
	}

	var queued QueueResponse
	if err := json.Unmarshal(body, &queued); err != nil {
		return nil, fmt.Errorf("failed to decode /prompt response: %w", err)
	}
	if queued.PromptID == "" {
		return nil, types.ExecutionError("ComfyUI did not return a prompt id")
	}

	c.logger.Debug(fmt.Sprintf("Queued prompt %s (number %d)", queued.PromptID, queued.Number), "comfy")
	return &queued, nil
}

// Interrupt stops whatever prompt ComfyUI is executing
func (c *Client) Interrupt(ctx context.Context) error {
	status, _, err := c.do(ctx, http.MethodPost, "/interrupt", map[string]interface{}{})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.Unavailable("ComfyUI /interrupt returned HTTP %d", status)
	}
	return nil
}

// DeleteFromQueue removes pending prompts that have not started yet
func (c *Client) DeleteFromQueue(ctx context.Context, promptIDs ...string) error {
	status, _, err := c.do(ctx, http.MethodPost, "/queue", map[string]interface{}{"delete": promptIDs})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return types.Unavailable("ComfyUI /queue returned HTTP %d", status)
	}
	return nil
}

// Queue returns the prompt ids ComfyUI is running and holding
func (c *Client) Queue(ctx context.Context) (*QueueState, error) {
	var raw struct {
		Running [][]json.RawMessage `json:"queue_running"`
		Pending [][]json.RawMessage `json:"queue_pending"`
	}
	if err := c.getJSON(ctx, "/queue", &raw); err != nil {
		return nil, err
	}

	// queue entries are [number, prompt_id, prompt, extra_data, outputs]
	promptIDs := func(entries [][]json.RawMessage) []string {
		ids := []string{}
		for _, entry := range entries {
			if len(entry) < 2 {
				continue
			}
			var id string
			if json.Unmarshal(entry[1], &id) == nil {
				ids = append(ids, id)
			}
		}
		return ids
	}

	return &QueueState{Running: promptIDs(raw.Running), Pending: promptIDs(raw.Pending)}, nil
}

// History returns the history entry of a prompt, or nil when ComfyUI has none yet
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	history := map[string]*HistoryEntry{}
	if err := c.getJSON(ctx, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	return history[promptID], nil
}

// SystemStats also serves as the liveness probe for ComfyUI
func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON(ctx, "/system_stats", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// ObjectInfo returns node definitions, cached for object_info_ttl
func (c *Client) ObjectInfo(ctx context.Context) (workflow.ObjectInfo, error) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()

	if c.objectInfo != nil && time.Since(c.objectInfoAt) < c.objectInfoTTL {
		return c.objectInfo, nil
	}

	status, body, err := c.do(ctx, http.MethodGet, "/object_info", nil)
	if err != nil {
		if c.objectInfo != nil {
			c.logger.Warn(fmt.Sprintf("Serving stale object info: %v", err), "comfy")
			return c.objectInfo, nil
		}
		return nil, err
	}
	if status != http.StatusOK {
		return nil, types.Unavailable("ComfyUI /object_info returned HTTP %d", status)
	}

	info, err := workflow.ParseObjectInfo(body)
	if err != nil {
		return nil, err
	}

	c.objectInfo = info
	c.objectInfoAt = time.Now()
	c.logger.Debug(fmt.Sprintf("Loaded %d node definitions from ComfyUI", len(info)), "comfy")
	return info, nil
}

// InvalidateObjectInfo drops the cached node definitions, e.g. after custom nodes change
func (c *Client) InvalidateObjectInfo() {
	c.infoMu.Lock()
	c.objectInfo = nil
	c.infoMu.Unlock()
}

// IsUnavailable reports whether err means ComfyUI could not be reached
func IsUnavailable(err error) bool {
	return errors.Is(err, types.ErrUnavailable)
}
