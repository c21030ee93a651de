package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shellgate/shellgate/internal/session"
)

// Client talks to a shellgated control API over plain HTTP. The
// interactive shell channel is handled separately by Attach.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// CreateResponse is the create endpoint's body.
type CreateResponse struct {
	SessionID  string `json:"session_id"`
	ConnectURL string `json:"connect_url"`
}

// ListResponse is the list endpoint's body.
type ListResponse struct {
	Sessions []session.Info `json:"sessions"`
	Total    int            `json:"total"`
	Active   int            `json:"active"`
}

func httpError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("%s: HTTP %d: %s", action, resp.StatusCode, strings.TrimSpace(string(body)))
}

// Create asks the daemon for a fresh shell session.
func (c *Client) Create() (*CreateResponse, error) {
	resp, err := c.http.Post(c.baseURL+"/session/create", "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("create session", resp)
	}

	var out CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &out, nil
}

// List fetches a snapshot of the daemon's sessions.
func (c *Client) List() (*ListResponse, error) {
	resp, err := c.http.Get(c.baseURL + "/session/list")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("list sessions", resp)
	}

	var out ListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode list response: %w", err)
	}
	return &out, nil
}

// Stop terminates the session with the given id.
func (c *Client) Stop(id string) error {
	resp, err := c.http.Post(fmt.Sprintf("%s/session/%s/stop", c.baseURL, id), "application/json", nil)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("session %s not found", id)
	}
	if resp.StatusCode != http.StatusOK {
		return httpError("stop session", resp)
	}
	return nil
}

// ConnectURL turns the control base URL into the websocket attach URL
// for one session id.
func (c *Client) ConnectURL(id string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/shell/%s", base, id)
}
