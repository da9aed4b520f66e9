// Package remote is the client for the device-control service's REST
// endpoints: api key validation, theme catalog and screenshot storage.
package remote

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

	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds each request when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// Catalog maps a theme name to its style attributes.
type Catalog map[string]map[string]any

// Client talks to the REST collaborator.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
}

// New creates a Client for baseURL. A nil hc gets a client with DefaultTimeout.
func New(baseURL, apiKey string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: base url %q must be http or https", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{base: u, apiKey: apiKey, http: hc}, nil
}

// ValidateAPIKey asks the service whether key is valid. Transport failures
// and unexpected statuses are returned as errors (the key is then unverified).
func (c *Client) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	q := url.Values{"apiKey": {key}}
	if err := c.do(ctx, "validate-api-key", http.MethodGet, "/validate-api-key", q, nil, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// Themes fetches the theme catalog.
func (c *Client) Themes(ctx context.Context) (Catalog, error) {
	out := Catalog{}
	if err := c.do(ctx, "themes", http.MethodGet, "/themes", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type saveRequest struct {
	ID     string `json:"id"`
	Index  int    `json:"index"`
	Data   string `json:"data"`
	APIKey string `json:"apiKey"`
}

// SaveScreenshot uploads inline image data and returns the stored path.
func (c *Client) SaveScreenshot(ctx context.Context, id string, index int, data string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	body := saveRequest{ID: id, Index: index, Data: data, APIKey: c.apiKey}
	if err := c.do(ctx, "save-screenshot", http.MethodPost, "/save-screenshot", nil, body, &out); err != nil {
		return "", err
	}
	if out.Path == "" {
		return "", fmt.Errorf("save-screenshot: empty path in response")
	}
	return out.Path, nil
}

// DeleteScreenshots removes every stored screenshot of entry id.
func (c *Client) DeleteScreenshots(ctx context.Context, id string) error {
	q := url.Values{"apiKey": {c.apiKey}}
	return c.do(ctx, "delete-screenshots", http.MethodDelete, "/delete-screenshots/"+url.PathEscape(id), q, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, in, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	log.Debug().Str("component", "remote").Str("op", op).Int("status", resp.StatusCode).Dur("latency", time.Since(start)).Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}
