// Package session composes the REST client and the shard pool into a single
// client.
package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/entity"
	"github.com/luciancaetano/shardgate/internal/gateway"
	"github.com/luciancaetano/shardgate/internal/metrics"
	"github.com/luciancaetano/shardgate/internal/rest"
)

// Config holds the gateway and REST settings of a client.
type Config struct {
	Gateway gateway.Config
	REST    rest.Options
}

// NewConfig returns the default configuration for token.
func NewConfig(token string, shardCount int, intents ...shardgate.Intent) *Config {
	gw := gateway.DefaultConfig()
	gw.Token = token
	gw.ShardCount = shardCount
	gw.Intents = shardgate.CombineIntents(intents...)

	ro := rest.DefaultOptions()
	ro.Token = token

	return &Config{Gateway: *gw, REST: *ro}
}

// SetLogger sets the logger of both halves.
func (c *Config) SetLogger(log *zap.Logger) {
	c.Gateway.Logger = log
	c.REST.Logger = log
}

// SetMetrics sets the metrics recorder of both halves.
func (c *Config) SetMetrics(rec metrics.Recorder) {
	c.Gateway.Metrics = rec
	c.REST.Metrics = rec
}

// Client implements shardgate.Client.
type Client struct {
	rest *rest.Client
	pool *gateway.Pool
	log  *zap.Logger

	mu      sync.Mutex
	started bool
}

var _ shardgate.Client = (*Client)(nil)

// New creates a client. The REST token defaults to the gateway token.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = NewConfig("", gateway.ShardCountAuto)
	}
	ro := cfg.REST
	if ro.Token == "" {
		ro.Token = cfg.Gateway.Token
	}
	gw := cfg.Gateway

	log := gw.Logger
	if log == nil {
		log = zap.NewNop()
	}

	rc := rest.New(&ro)
	return &Client{
		rest: rc,
		pool: gateway.NewPool(&gw, rc),
		log:  log,
	}
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return shardgate.ErrAlreadyRunning
	}
	c.started = true
	c.mu.Unlock()

	c.log.Info("starting client")
	return c.pool.SpawnAll(ctx)
}

func (c *Client) Stop(context.Context) error {
	c.pool.Destroy()
	return nil
}

func (c *Client) On(kind shardgate.NotificationKind, fn func(shardgate.Notification)) {
	c.pool.Events().On(kind, fn)
}

func (c *Client) RegisterHandler(event shardgate.EventName, fn func(shardgate.Event)) error {
	return c.pool.Dispatch().Register(event, fn)
}

func (c *Client) Request(ctx context.Context, method, endpoint string, body any) (*shardgate.Response, error) {
	return c.rest.Request(ctx, method, endpoint, body)
}

// Route starts a REST route on the client.
func (c *Client) Route(segments ...string) *rest.RouteBuilder {
	return c.rest.Route(segments...)
}

func (c *Client) Ready() bool { return c.pool.Ready() }

func (c *Client) Shard(id int) (shardgate.Shard, bool) {
	s, ok := c.pool.Shard(id)
	if !ok {
		return nil, false
	}
	return s, true
}

// Shards returns every shard ordered by id.
func (c *Client) Shards() []shardgate.Shard {
	shards := c.pool.Shards()
	out := make([]shardgate.Shard, len(shards))
	for i, s := range shards {
		out[i] = s
	}
	return out
}

// Respawn replaces a single shard with a fresh connection.
func (c *Client) Respawn(ctx context.Context, id int) error {
	return c.pool.Respawn(ctx, id)
}

// User returns the bot user received on READY.
func (c *Client) User() *entity.User { return c.pool.User() }

// Guilds returns the guilds received so far.
func (c *Client) Guilds() *entity.Store[string, *entity.Guild] { return c.pool.Guilds() }

// Limiter exposes the REST rate limit state.
func (c *Client) Limiter() *rest.Limiter { return c.rest.Limiter() }

// GatewayBot fetches the gateway URL, recommended shard count and identify
// limit.
func (c *Client) GatewayBot(ctx context.Context) (*rest.GatewayBot, error) {
	return c.rest.GatewayBot(ctx)
}
