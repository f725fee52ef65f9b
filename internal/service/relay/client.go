package relay

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

	"e2e_groupchat/internal/protocol/envelope"
	"e2e_groupchat/internal/service/messaging"
)

// DefaultTimeout outlasts the relay's long-poll window.
const DefaultTimeout = 35 * time.Second

// StatusError is a non-2xx relay response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Client talks to a relay server over HTTP.
type Client struct {
	base *url.URL
	http *http.Client
}

func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay: bad url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: u, http: httpClient}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Fetch returns envelopes matching q, ordered by sequence key.
func (c *Client) Fetch(ctx context.Context, q messaging.Query) ([]*envelope.Envelope, error) {
	var envs []*envelope.Envelope
	if err := c.do(ctx, http.MethodGet, c.endpoint(PathMessages, EncodeQuery(q)), nil, &envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// Post submits batch. The relay assigns sequence keys in batch order.
func (c *Client) Post(ctx context.Context, batch []*envelope.Envelope) error {
	_, err := c.Accept(ctx, batch)
	return err
}

// Accept is Post returning the relay's stored copies.
func (c *Client) Accept(ctx context.Context, batch []*envelope.Envelope) ([]*envelope.Envelope, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	var stored []*envelope.Envelope
	if err := c.do(ctx, http.MethodPost, c.endpoint(PathMessages, nil), bytes.NewReader(data), &stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Clear wipes the relay. Only relays started with clearing enabled accept it.
func (c *Client) Clear(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(PathMessages, nil), nil, nil)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, c.endpoint(PathHealth, nil), nil, nil)
}

var _ messaging.Transport = (*Client)(nil)
