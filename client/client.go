// Package client assembles the SDK: one HTTP client, one realtime socket
// and the modules built on top of them.
package client

import (
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/base44/go-sdk/agents"
	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/entities"
	"github.com/base44/go-sdk/httpclient"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/metrics"
	"github.com/base44/go-sdk/realtime"
	"github.com/base44/go-sdk/transport"
)

type options struct {
	socket       transport.Socket
	log          *logger.Logger
	metrics      *metrics.Metrics
	httpClient   *fasthttp.Client
	leaveOnEmpty bool
}

// Option configures New.
type Option func(*options)

// WithSocket injects the realtime socket instead of building one from config.
func WithSocket(s transport.Socket) Option {
	return func(o *options) { o.socket = s }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient overrides the fasthttp client used for API calls.
func WithHTTPClient(hc *fasthttp.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithLeaveOnEmpty makes rooms be left once their last subscriber is gone.
func WithLeaveOnEmpty() Option {
	return func(o *options) { o.leaveOnEmpty = true }
}

// Client is the entry point of the SDK.
type Client struct {
	Agents   *agents.Module
	Entities *entities.Module

	cfg      config.Config
	log      *logger.Logger
	metrics  *metrics.Metrics
	tokens   *httpclient.TokenStore
	socket   transport.Socket
	registry *realtime.Registry
	store    *realtime.Store
	service  *ServiceRole
}

// New validates cfg and wires the client. The realtime socket is created
// but not connected; subscribing or ConnectWebSocket starts it.
func New(cfg config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrNop(o.log)

	c := &Client{
		cfg:     cfg,
		log:     log.Component("client"),
		metrics: o.metrics,
		tokens:  httpclient.NewTokenStore(cfg.Token),
		store:   realtime.NewStore(),
	}

	if cfg.RealtimeEnabled {
		c.socket = o.socket
		if c.socket == nil {
			s, err := transport.New(transport.FromConfig(cfg), transport.WithLogger(log), transport.WithMetrics(o.metrics))
			if err != nil {
				return nil, fmt.Errorf("failed to create realtime socket: %w", err)
			}
			c.socket = s
		}
		c.registry = realtime.NewRegistry(c.socket, realtime.RegistryOptions{
			LeaveOnEmpty: o.leaveOnEmpty,
			Logger:       log,
			Metrics:      o.metrics,
		})
	}

	userHTTP := httpclient.New(httpclient.Options{
		BaseURL:    cfg.ServerURL,
		AppID:      cfg.AppID,
		Tokens:     c.tokens,
		Timeout:    cfg.RequestTimeout,
		Logger:     log,
		HTTPClient: o.httpClient,
	})
	c.Agents, c.Entities = c.modules(userHTTP, log)

	serviceHTTP := httpclient.New(httpclient.Options{
		BaseURL:      cfg.ServerURL,
		AppID:        cfg.AppID,
		Tokens:       httpclient.NewTokenStore(cfg.ServiceToken),
		RequireToken: true,
		Timeout:      cfg.RequestTimeout,
		Logger:       log,
		HTTPClient:   o.httpClient,
	})
	serviceAgents, serviceEntities := c.modules(serviceHTTP, log)
	c.service = &ServiceRole{Agents: serviceAgents, Entities: serviceEntities}

	c.log.Debug().
		Str("app_id", cfg.AppID).
		Bool("realtime", cfg.RealtimeEnabled).
		Msg("Client ready")
	return c, nil
}

func (c *Client) modules(http httpclient.Requester, log *logger.Logger) (*agents.Module, *entities.Module) {
	a := agents.New(agents.Options{
		AppID:    c.cfg.AppID,
		HTTP:     http,
		Socket:   c.socket,
		Registry: c.registry,
		Store:    c.store,
		Logger:   log,
		Metrics:  c.metrics,
	})
	e := entities.New(entities.Options{
		AppID:    c.cfg.AppID,
		HTTP:     http,
		Socket:   c.socket,
		Registry: c.registry,
		Logger:   log,
		Metrics:  c.metrics,
	})
	return a, e
}

// ServiceRole exposes the modules with service-token authentication. Calls
// fail with httpclient.ErrServiceTokenRequired when no service token is set.
type ServiceRole struct {
	Agents   *agents.Module
	Entities *entities.Module
}

func (c *Client) AsServiceRole() *ServiceRole {
	return c.service
}

// SetToken switches the user token for API calls and re-establishes the
// realtime connection with it. Subscribed rooms are joined again.
func (c *Client) SetToken(token string) error {
	c.tokens.Set(token)
	if c.socket == nil {
		return nil
	}
	if err := c.socket.UpdateConfig(transport.Config{Token: token}); err != nil {
		return fmt.Errorf("failed to update realtime token: %w", err)
	}
	return nil
}

// Config returns the configuration the client was built with.
func (c *Client) Config() config.Config {
	return c.cfg
}

// Socket returns the realtime socket, or nil when realtime is disabled.
func (c *Client) Socket() transport.Socket {
	return c.socket
}

// Close disconnects the realtime socket.
func (c *Client) Close() {
	if c.socket != nil {
		c.socket.Disconnect()
	}
}
