package zabbix

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

// Client is a Zabbix frontend API client
type Client struct {
	cfg        *config.Config
	log        *slog.Logger
	httpClient *http.Client
	authToken  string
	apiVersion string
	requestID  int64
}

// NewClient fetches the API version and logs in.
func NewClient(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Zabbix.VerifySSL, //nolint:gosec // G402: user-configurable option, defaults to VerifySSL=true
		},
	}

	c := &Client{
		cfg: cfg,
		log: log,
		httpClient: &http.Client{
			Timeout:   cfg.Zabbix.APITimeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}

	// apiinfo.version does not require auth
	ver, err := c.GetAPIVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get API version: %w", err)
	}
	c.apiVersion = ver
	c.log.Debug("Detected Zabbix API version", slog.String("version", ver))

	if err := c.authenticate(ctx); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return c, nil
}

func (c *Client) authenticate(ctx context.Context) error {
	// Zabbix 5.4 renamed the login parameter.
	userKey := "username"
	if c.getAPIVersionFloat() < 5.4 {
		userKey = "user"
	}
	params := map[string]string{
		userKey:    c.cfg.Zabbix.APIUser,
		"password": c.cfg.Zabbix.APIPassword,
	}

	result, err := c.call(ctx, "user.login", params)
	if err != nil {
		return err
	}

	token, ok := result.(string)
	if !ok {
		return fmt.Errorf("unexpected auth response type: %T", result)
	}

	c.authToken = token
	c.log.Debug("Authenticated with Zabbix API")
	return nil
}

// call makes a JSON-RPC call to the Zabbix API
func (c *Client) call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	reqID := atomic.AddInt64(&c.requestID, 1)

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      reqID,
	}
	// 6.4 moved the token into the Authorization header; 7.2 dropped "auth".
	bearer := false
	if c.authToken != "" && method != "user.login" && method != "apiinfo.version" {
		if c.getAPIVersionFloat() >= 6.4 {
			bearer = true
		} else {
			reqBody["auth"] = c.authToken
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	c.log.Debug("Calling Zabbix API", slog.String("method", method), slog.Int64("id", reqID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ZabbixAPIURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json-rpc")
	if bearer {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var apiResp APIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if apiResp.Error != nil {
		return nil, apiResp.Error
	}
	return apiResp.Result, nil
}

// GetAPIVersion returns the Zabbix API version
func (c *Client) GetAPIVersion(ctx context.Context) (string, error) {
	result, err := c.call(ctx, "apiinfo.version", []string{})
	if err != nil {
		return "", err
	}
	version, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected API version type: %T", result)
	}
	return version, nil
}

// getAPIVersionFloat parses the stored API version string (e.g. "6.4.1") into
// a float like 6.4 for version-aware branching.
func (c *Client) getAPIVersionFloat() float64 {
	parts := strings.SplitN(c.apiVersion, ".", 3)
	if len(parts) >= 2 {
		v, _ := strconv.ParseFloat(parts[0]+"."+parts[1], 64)
		return v
	}
	return 0
}

// Close logs out from the Zabbix API
func (c *Client) Close(ctx context.Context) error {
	if c.authToken == "" {
		return nil
	}
	_, err := c.call(ctx, "user.logout", []string{})
	c.authToken = ""
	return err
}

// createdID pulls the first id out of a *.create response such as
// {"hostids": ["10084"]}.
func createdID(result interface{}, field string) (string, error) {
	resultMap, ok := result.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("unexpected response type: %T", result)
	}
	ids, ok := resultMap[field].([]interface{})
	if !ok || len(ids) == 0 {
		return "", fmt.Errorf("no %s in response", strings.TrimSuffix(field, "s"))
	}
	id, ok := ids[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected %s type: %T", field, ids[0])
	}
	return id, nil
}

// decodeResult re-decodes a generic JSON-RPC result into out.
func decodeResult(result interface{}, out interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}
