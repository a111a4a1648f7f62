package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/possync/client/internal/models"
	"github.com/possync/client/internal/observability"
)

// Response is a fully read remote API response. A 304 answered from the
// conditional cache is reported as a 200 with FromCache set.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FromCache  bool
}

// OK reports a 2xx status
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Err returns a *RemoteError for non-2xx responses
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	return ParseRemoteError(r.StatusCode, r.Body)
}

// RemoteID returns the server-assigned id in the body: {"id": ...} or {"data": {"id": ...}}
func (r *Response) RemoteID() string {
	return ExtractRemoteID(r.Body)
}

// ExtractRemoteID reads a numeric or string id from a JSON body
func ExtractRemoteID(body []byte) string {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return ""
	}
	if id := idString(doc["id"]); id != "" {
		return id
	}
	if data, ok := doc["data"].(map[string]interface{}); ok {
		return idString(data["id"])
	}
	return ""
}

func idString(v interface{}) string {
	switch id := v.(type) {
	case json.Number:
		return id.String()
	case string:
		return id
	}
	return ""
}

// RemoteDoer issues one request against the remote API
type RemoteDoer interface {
	Do(ctx context.Context, method, path string, body []byte) (*Response, error)
}

// RemoteClientOptions configures a RemoteClient
type RemoteClientOptions struct {
	BaseURL        string
	Timeout        time.Duration
	Transport      http.RoundTripper
	Tokens         *TokenManager
	Cache          *ConditionalCache
	DeviceIDHeader string
}

// RemoteClient sends authenticated requests with a bounded timeout, reads GETs
// through the conditional cache and retries once after a 401 with a fresh token.
type RemoteClient struct {
	baseURL      string
	timeout      time.Duration
	http         *http.Client
	tokens       *TokenManager
	cache        *ConditionalCache
	deviceHeader string

	mu       sync.RWMutex
	deviceID string
}

// NewRemoteClient creates a client
func NewRemoteClient(opts RemoteClientOptions) *RemoteClient {
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.DeviceIDHeader == "" {
		opts.DeviceIDHeader = "X-Device-ID"
	}
	return &RemoteClient{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		timeout:      opts.Timeout,
		http:         &http.Client{Transport: &observability.Transport{Base: transport}},
		tokens:       opts.Tokens,
		cache:        opts.Cache,
		deviceHeader: opts.DeviceIDHeader,
	}
}

// SetDeviceID sets the identifier sent with every request
func (c *RemoteClient) SetDeviceID(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// URL resolves an endpoint against the base URL. Absolute URLs are kept.
func (c *RemoteClient) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Do sends the request. Transport failures and timeouts return *NetworkError;
// token problems return an error wrapping ErrAuthentication. When ctx itself
// is cancelled or expires, ctx.Err() is returned as is. HTTP error statuses
// are not errors here: inspect Response.Err.
func (c *RemoteClient) Do(ctx context.Context, method, path string, body []byte) (*Response, error) {
	method = strings.ToUpper(method)
	fullURL := c.URL(path)

	resp, err := c.send(ctx, method, fullURL, body, true)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && c.tokens.Enabled() {
		observability.Warnf("Remote API rejected token for %s %s, refreshing", method, path)
		c.tokens.Invalidate()
		if _, err := c.tokens.Refresh(ctx); err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, method, fullURL, body, true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: token rejected after refresh", ErrAuthentication)
		}
	}
	return resp, nil
}

func (c *RemoteClient) send(ctx context.Context, method, fullURL string, body []byte, conditional bool) (*Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c.mu.RLock()
	if c.deviceID != "" {
		req.Header.Set(c.deviceHeader, c.deviceID)
	}
	c.mu.RUnlock()

	cacheURL := req.URL.String()
	useCache := c.cache != nil && method == http.MethodGet
	if useCache && conditional {
		c.cache.Before(req)
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		// The caller gave up: that says nothing about the network
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, &NetworkError{Method: method, URL: req.URL.Redacted(), Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		if parent.Err() != nil {
			return nil, parent.Err()
		}
		return nil, &NetworkError{Method: method, URL: req.URL.Redacted(), Err: err}
	}

	if useCache && httpResp.StatusCode == http.StatusNotModified {
		if entry, ok := c.cache.NotModified(ctx, cacheURL, httpResp.Header); ok {
			return &Response{
				StatusCode: http.StatusOK,
				Header:     entry.Header.Clone(),
				Body:       entry.Payload,
				FromCache:  true,
			}, nil
		}
		// Nothing usable to serve: ask again for the full body
		c.cache.Invalidate(models.CacheKey(method, cacheURL))
		if conditional {
			return c.send(ctx, method, fullURL, body, false)
		}
	}

	if useCache {
		c.cache.After(ctx, method, cacheURL, httpResp.StatusCode, httpResp.Header, data)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}
