// Package vpn implements engine.Rotator against the local VPN control
// utility's HTTP endpoint.
package vpn

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leadharvest/harvester/internal/engine"
)

// Config points the client at the control endpoint.
type Config struct {
	// ControlURL is the base URL of the rotation utility, e.g.
	// http://127.0.0.1:9099.
	ControlURL string
	Timeout    time.Duration
}

// Client talks to the external rotation utility over HTTP.
type Client struct {
	base string
	http *http.Client
}

// New constructs a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		base: strings.TrimRight(cfg.ControlURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// RotateIP requests a new egress IP. The utility returns 200 with
// {"rotated": true} on success.
func (c *Client) RotateIP(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/rotate", nil)
	if err != nil {
		return false, fmt.Errorf("build rotate request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("rotate request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("rotate request: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Rotated bool `json:"rotated"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decode rotate response: %w", err)
	}
	return body.Rotated, nil
}

// CurrentIPInfo returns the utility's view of the current egress identity.
func (c *Client) CurrentIPInfo(ctx context.Context) (engine.IPInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/status", nil)
	if err != nil {
		return engine.IPInfo{}, fmt.Errorf("build status request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return engine.IPInfo{}, fmt.Errorf("status request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.IPInfo{}, fmt.Errorf("status request: unexpected status %d", resp.StatusCode)
	}
	var info engine.IPInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return engine.IPInfo{}, fmt.Errorf("decode status response: %w", err)
	}
	return info, nil
}
