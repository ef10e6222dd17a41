package cmd

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Trustflow-Network-Labs/comfy-deploy-node/internal/api/middleware"
)

// cliTokenTTL bounds the session token minted for one CLI invocation
const cliTokenTTL = 5 * time.Minute

// localAPI talks to the gateway running on this host
type localAPI struct {
	baseURL string
	token   string
	client  *http.Client
}

func newLocalAPI(timeout time.Duration) *localAPI {
	host := config.GetConfigWithDefault("api_host", "")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := config.GetConfigWithDefault("api_port", "8189")

	scheme := "http"
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.GetConfigBool("api_tls", false) {
		scheme = "https"
		// The gateway's certificate is self-signed unless one was configured
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	c := &localAPI{
		baseURL: fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, port)),
		client:  &http.Client{Timeout: timeout, Transport: transport},
	}

	if secret := config.GetConfigWithDefault("jwt_secret", ""); secret != "" {
		jm := middleware.NewJWTManager(secret, config.GetConfigWithDefault("jwt_issuer", "comfy-deploy"))
		token, _, err := jm.GenerateToken(config.GetConfigWithDefault("machine_id", "cli"), "cli", "", cliTokenTTL)
		if err != nil {
			logger.Warn(fmt.Sprintf("Failed to mint CLI token: %v", err), "cli")
		} else {
			c.token = token
		}
	}
	return c
}

func (c *localAPI) request(method, route string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+"/"+route, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s (is 'comfy-deploy start' running?): %v", c.baseURL, err)
	}
	return resp, nil
}

// call performs a JSON request and decodes the response into out. Error bodies are
// turned into errors carrying the gateway's code.
func (c *localAPI) call(method, route string, body, out interface{}) error {
	resp, err := c.request(method, route, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeAPIResponse(resp, out)
}

func decodeAPIResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
