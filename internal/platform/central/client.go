package central

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"eqagent/internal/platform/models"
)

// Credentials is the api key/secret pair issued to this agent during
// onboarding, stored as two lines in a protected file.
type Credentials struct {
	Key    string
	Secret string
}

func LoadCredentials(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}

	lines := strings.SplitN(strings.TrimSpace(string(raw)), "\n", 3)
	if len(lines) < 2 {
		return Credentials{}, fmt.Errorf("credentials file %s: expected key and secret lines", path)
	}
	return Credentials{Key: strings.TrimSpace(lines[0]), Secret: strings.TrimSpace(lines[1])}, nil
}

// Client talks to the central service's agent-facing API.
type Client struct {
	baseURL string
	creds   Credentials
	http    *http.Client
}

func NewClient(baseURL string, creds Credentials, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string          { return c.baseURL }
func (c *Client) Credentials() Credentials { return c.creds }

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.creds.Key)
	req.Header.Set("X-Api-Secret", c.creds.Secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("central service: %s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return resp, nil
}

// Ack tells the central service an item is durably persisted locally
// and can be dropped from its queue. The server's copy is advisory
// only, so callers treat failures as non-fatal: a re-sent id is a
// no-op on our side and the ack runs again.
func (c *Client) Ack(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/calls/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// PendingCalls fetches items still queued on the server, used to pull
// anything the stream has not pushed yet when the UI asks for the
// pending view.
func (c *Client) PendingCalls(ctx context.Context) ([]*models.EncryptedItem, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/calls", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var items []*models.EncryptedItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode pending calls: %w", err)
	}
	return items, nil
}

// RegisterRoute announces a locally created route so the central
// service can accept webhooks for it.
func (c *Client) RegisterRoute(ctx context.Context, route *models.Route) error {
	body, err := json.Marshal(route)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/routes", body)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) UpdateRoute(ctx context.Context, route *models.Route) error {
	body, err := json.Marshal(route)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/api/routes/"+route.ID, body)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) DeregisterRoute(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/routes/"+id, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
