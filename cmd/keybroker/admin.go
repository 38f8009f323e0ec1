package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"keybroker/internal/config"
	"keybroker/internal/keystore"
	api "keybroker/pkg/contracts/api/v1"
)

const adminRequestTimeout = 5 * time.Second

// errServerNotRunning means nothing accepted a connection on the configured
// admin address, so the store may be edited in place.
var errServerNotRunning = errors.New("key broker is not running")

// adminClient talks to the admin API of a running broker. A running broker
// owns the index file; edits made behind its back would be overwritten.
type adminClient struct {
	base   string
	client *http.Client
}

func newAdminClient(cfg config.ServerConfig) *adminClient {
	return &adminClient{
		base:   "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/v1/keys",
		client: &http.Client{Timeout: adminRequestTimeout},
	}
}

func (c *adminClient) do(method, path string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return nil, errServerNotRunning
		}
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, problemError(resp)
	}
	return resp, nil
}

// ListKeys returns the keys the running broker reports
func (c *adminClient) ListKeys() ([]keystore.KeyInfo, error) {
	resp, err := c.do(http.MethodGet, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list api.KeyListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("failed to decode key list: %w", err)
	}
	if list.Keys == nil {
		list.Keys = make([]keystore.KeyInfo, 0)
	}
	return list.Keys, nil
}

// Forget deletes the key of asset through the running broker
func (c *adminClient) Forget(asset string) error {
	resp, err := c.do(http.MethodDelete, "/"+url.PathEscape(asset))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func problemError(resp *http.Response) error {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &problem) == nil && (problem.Detail != "" || problem.Title != "") {
		if problem.Detail == "" {
			problem.Detail = problem.Title
		}
		return fmt.Errorf("admin API returned %d: %s", resp.StatusCode, problem.Detail)
	}
	return fmt.Errorf("admin API returned %d", resp.StatusCode)
}
