package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pidctl/internal/controller"
)

// Client talks to a running pidctl server.
type Client struct {
	Base string
	HTTP *http.Client
}

func NewClient(base string) *Client {
	base = strings.TrimRight(base, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{Base: base, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) Status(ctx context.Context) (StatusSnapshot, error) {
	var out StatusSnapshot
	return out, c.do(ctx, http.MethodGet, "/api/status", nil, &out)
}

func (c *Client) Controllers(ctx context.Context) ([]controller.Snapshot, error) {
	var out []controller.Snapshot
	return out, c.do(ctx, http.MethodGet, "/api/controllers", nil, &out)
}

func (c *Client) Controller(ctx context.Context, id string) (controller.Snapshot, error) {
	var out controller.Snapshot
	return out, c.do(ctx, http.MethodGet, "/api/controllers/"+url.PathEscape(id), nil, &out)
}

func (c *Client) TurnOn(ctx context.Context, id string) (controller.Snapshot, error) {
	return c.command(ctx, id, "turn_on", nil)
}

func (c *Client) TurnOff(ctx context.Context, id string) (controller.Snapshot, error) {
	return c.command(ctx, id, "turn_off", nil)
}

// SetValue sends value as text so "nan" and "inf" reach the server intact.
func (c *Client) SetValue(ctx context.Context, id, value string) (controller.Snapshot, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return controller.Snapshot{}, err
	}
	return c.command(ctx, id, "set_value", SetValueRequest{Value: raw})
}

func (c *Client) Entity(ctx context.Context, id string) (EntityResponse, error) {
	var out EntityResponse
	return out, c.do(ctx, http.MethodGet, "/api/entities/"+url.PathEscape(id), nil, &out)
}

func (c *Client) SetEntity(ctx context.Context, id string, req EntityRequest) (EntityResponse, error) {
	var out EntityResponse
	return out, c.do(ctx, http.MethodPost, "/api/entities/"+url.PathEscape(id), req, &out)
}

func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/reload", nil, nil)
}

func (c *Client) command(ctx context.Context, id, verb string, body any) (controller.Snapshot, error) {
	var out commandResponse
	err := c.do(ctx, http.MethodPost, "/api/controllers/"+url.PathEscape(id)+"/"+verb, body, &out)
	return out.Controller, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.Base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
