// Package httpclient sends JSON requests to the platform API and maps
// failures to typed errors.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/base44/go-sdk/logger"
)

// TokenSource hands out the current bearer token.
type TokenSource interface {
	Token() string
}

// TokenStore is a mutable TokenSource.
type TokenStore struct {
	mu    sync.RWMutex
	token string
}

func NewTokenStore(token string) *TokenStore {
	return &TokenStore{token: token}
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *TokenStore) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Requester is what SDK modules need from the HTTP layer.
type Requester interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// Options configure a Client.
type Options struct {
	BaseURL string
	AppID   string
	Tokens  TokenSource
	// RequireToken makes every request fail with ErrServiceTokenRequired
	// when Tokens yields an empty token.
	RequireToken bool
	Timeout      time.Duration
	Logger       *logger.Logger
	// HTTPClient overrides the fasthttp client, e.g. to dial an in-memory listener.
	HTTPClient *fasthttp.Client
}

// Client implements Requester over fasthttp.
type Client struct {
	base         string
	appID        string
	tokens       TokenSource
	requireToken bool
	timeout      time.Duration
	log          *logger.Logger
	hc           *fasthttp.Client
}

func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &fasthttp.Client{
			Name:                "base44-go-sdk",
			MaxIdleConnDuration: 90 * time.Second,
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenStore("")
	}
	return &Client{
		base:         strings.TrimRight(opts.BaseURL, "/"),
		appID:        opts.AppID,
		tokens:       tokens,
		requireToken: opts.RequireToken,
		timeout:      timeout,
		log:          logger.OrNop(opts.Logger).Component("http"),
		hc:           hc,
	}
}

// AppPath builds /api/apps/{appID}/{segments...}, escaping every segment.
func AppPath(appID string, segments ...string) string {
	var b strings.Builder
	b.WriteString("/api/apps/")
	b.WriteString(url.PathEscape(appID))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

// AppPath is AppPath bound to the client's application.
func (c *Client) AppPath(segments ...string) string {
	return AppPath(c.appID, segments...)
}

// Do sends body as JSON and decodes a 2xx response into out (when non-nil).
// Non-2xx responses become *APIError. The deadline comes from ctx when set,
// otherwise from the client timeout.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	token := c.tokens.Token()
	if c.requireToken && token == "" {
		return ErrServiceTokenRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-App-Id", c.appID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(data)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}

	start := time.Now()
	err := c.hc.DoDeadline(req, resp, deadline)
	status := resp.StatusCode()
	if err != nil {
		c.log.LogRequest(method, path, 0, time.Since(start), err)
		return fmt.Errorf("failed to %s %s: %w", method, path, err)
	}

	if status < 200 || status > 299 {
		apiErr := newAPIError(status, resp.Body())
		c.log.LogRequest(method, path, status, time.Since(start), apiErr)
		return apiErr
	}
	c.log.LogRequest(method, path, status, time.Since(start), nil)

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

var _ Requester = (*Client)(nil)
