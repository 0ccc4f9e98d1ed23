package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dreamware/shardkv/internal/engine"
)

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Client calls the admin endpoints of a running server.
type Client struct {
	// Addr is the server base URL, e.g. http://127.0.0.1:7070.
	Addr string
}

// NewClient returns a client for addr. A bare host:port gets an http scheme.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{Addr: strings.TrimRight(addr, "/")}
}

// Stats returns the server's engine metrics.
func (c *Client) Stats(ctx context.Context) (engine.Metrics, error) {
	var m engine.Metrics
	err := GetJSON(ctx, c.Addr+"/stats", &m)
	return m, err
}

// Flush forces a WAL flush of shardID, or of every shard when nil.
func (c *Client) Flush(ctx context.Context, shardID *int) error {
	url := c.Addr + "/flush"
	if shardID != nil {
		url += "?shard=" + strconv.Itoa(*shardID)
	}
	return PostJSON(ctx, url, nil, nil)
}

// Rebalance asks the server to run one load check.
func (c *Client) Rebalance(ctx context.Context) (RebalanceResponse, error) {
	var resp RebalanceResponse
	err := PostJSON(ctx, c.Addr+"/rebalance", nil, &resp)
	return resp, err
}

// PostJSON posts body as JSON and decodes the response into out, if non-nil.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, url, out)
}

// GetJSON fetches url and decodes the JSON response into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return do(req, url, out)
}

func do(req *http.Request, url string, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("http %s: %d: %s", url, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
