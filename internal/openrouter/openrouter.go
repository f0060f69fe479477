// Package openrouter is the HTTP client for the upstream completion API: one
// shot and streaming completions plus the model catalog.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dotcommander/relay/internal/errs"
	"github.com/dotcommander/relay/internal/proto"
)

const (
	defaultBaseURL  = "https://openrouter.ai/api/v1"
	completionsPath = "/chat/completions"
	modelsPath      = "/models"

	// maxErrBody caps how much of an upstream failure body gets captured.
	maxErrBody = 1 << 20
)

// UpstreamError reports a non-2xx or undecodable response from the
// completion API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream status=%d body=%s", e.Status, e.Body)
	}
	return "upstream: " + e.Body
}

// Config for a Client.
type Config struct {
	// APIKey authenticates completion requests. Required.
	APIKey string
	// BaseURL overrides the default API root. Optional.
	BaseURL string
	// HTTPClient overrides the default transport. Optional.
	HTTPClient *http.Client
}

// Client issues requests against the completion API. Safe for concurrent
// use.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// New builds a Client from cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errs.Error{
			Err:    fmt.Errorf("openrouter: api key required"),
			Reason: "No API key configured for the completion API.",
		}
	}
	c := &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient()
	}
	return c, nil
}

// Complete issues a non-streaming completion request and returns the raw
// response document.
func (c *Client) Complete(ctx context.Context, payload proto.Payload) (json.RawMessage, error) {
	payload.Stream = false
	resp, err := c.post(ctx, completionsPath, payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if err != nil {
		return nil, fmt.Errorf("openrouter: read response: %w", err)
	}
	if !json.Valid(body) {
		return nil, &UpstreamError{Body: "malformed completion response"}
	}
	return json.RawMessage(body), nil
}

// OpenStream issues a streaming completion request and hands the raw
// response body to the caller, who owns closing it. The Stream flag is forced
// on.
func (c *Client) OpenStream(ctx context.Context, payload proto.Payload) (io.ReadCloser, error) {
	payload.Stream = true
	resp, err := c.post(ctx, completionsPath, payload, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, payload proto.Payload, stream bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openrouter: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		resp.Body.Close()
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}
	return resp, nil
}

// Models fetches the full model catalog. The endpoint is public, so no
// authorization header is sent.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+modelsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("openrouter: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openrouter: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(errBody))}
	}

	var doc struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &UpstreamError{Body: "malformed model catalog: " + err.Error()}
	}
	return doc.Data, nil
}

// NewHTTPClient returns the transport used for upstream calls. Streaming
// responses stay open indefinitely, so there is no overall client timeout;
// per-phase transport timeouts bound the connection instead.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// ApplyProxy routes client through the given proxy URL. The client must use
// an *http.Transport, which NewHTTPClient guarantees.
func ApplyProxy(client *http.Client, proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return errs.Wrapf(err, "Invalid HTTP proxy URL %q.", proxyURL)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		return errs.Error{
			Err:    fmt.Errorf("openrouter: transport %T does not support proxying", client.Transport),
			Reason: "HTTP proxying requires the default transport.",
		}
	}
	transport.Proxy = http.ProxyURL(parsed)
	return nil
}
