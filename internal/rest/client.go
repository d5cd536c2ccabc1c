// Package rest implements the HTTP client for the platform API and the
// coordinator that keeps every caller under its rate limits.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/shardgate"
	"github.com/luciancaetano/shardgate/internal/metrics"
)

// DefaultAPI is the versioned API root.
const DefaultAPI = "https://discord.com/api/v8"

// SessionStartLimit is the identify rate limit snapshot.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"` // milliseconds
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	TokenType string
	UserAgent string

	HTTPClient *http.Client

	// InvalidRequestLimit is the number of 401, 403 and 429 responses
	// allowed per InvalidRequestWindow.
	InvalidRequestLimit  int
	InvalidRequestWindow time.Duration

	Logger  *zap.Logger
	Metrics metrics.Recorder
	// Stats is an optional sink for per-request statistics.
	Stats StatsStore
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() *Options {
	return &Options{
		BaseURL:              DefaultAPI,
		TokenType:            "Bot",
		UserAgent:            "DiscordBot (https://github.com/luciancaetano/shardgate, 1.0.0)",
		HTTPClient:           &http.Client{Timeout: 30 * time.Second},
		InvalidRequestLimit:  10000,
		InvalidRequestWindow: 10 * time.Minute,
	}
}

// Client issues REST calls through a shared Limiter.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *Limiter
	log     *zap.Logger
	metrics metrics.Recorder
	stats   StatsStore
}

// New creates a client. Zero fields of opts take their DefaultOptions value.
func New(opts *Options) *Client {
	def := DefaultOptions()
	o := *def
	if opts != nil {
		o = *opts
	}
	if o.BaseURL == "" {
		o.BaseURL = def.BaseURL
	}
	if o.TokenType == "" {
		o.TokenType = def.TokenType
	}
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	if o.HTTPClient == nil {
		o.HTTPClient = def.HTTPClient
	}
	if o.InvalidRequestLimit <= 0 {
		o.InvalidRequestLimit = def.InvalidRequestLimit
	}
	if o.InvalidRequestWindow <= 0 {
		o.InvalidRequestWindow = def.InvalidRequestWindow
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")

	return &Client{
		opts:    o,
		http:    o.HTTPClient,
		limiter: NewLimiter(o.InvalidRequestLimit, o.InvalidRequestWindow, o.Logger, o.Metrics),
		log:     o.Logger,
		metrics: o.Metrics,
		stats:   o.Stats,
	}
}

// Limiter returns the rate limit coordinator shared by every call of c.
func (c *Client) Limiter() *Limiter { return c.limiter }

// Request sends method to endpoint and waits out any rate limit the response
// reports before returning. A non-2xx status is returned, not raised; only
// transport failures and context cancellation are errors.
func (c *Client) Request(ctx context.Context, method, endpoint string, body any) (*shardgate.Response, error) {
	route := routeKey(method, endpoint)
	start := time.Now()

	if err := c.limiter.WaitGlobal(ctx); err != nil {
		return nil, err
	}
	if err := c.limiter.WaitRoute(ctx, route); err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	queued := time.Since(start)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, endpoint, err)
	}

	res := &shardgate.Response{StatusCode: resp.StatusCode, Header: resp.Header}
	if json.Valid(raw) {
		res.Body = raw
	}
	received := time.Now()

	c.log.Debug("request completed",
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Int("status", resp.StatusCode))
	c.metrics.Request(method, resp.StatusCode)

	if err := c.limiter.CountInvalid(ctx, resp.StatusCode); err != nil {
		return nil, err
	}

	bucket := c.limiter.Update(route, resp.Header)
	if err := c.limiter.Settle(ctx, resp.Header, bucket); err != nil {
		return nil, err
	}

	c.record(ctx, StatsEvent{
		Method: method,
		Route:  route,
		Bucket: bucketID(bucket),
		Status: resp.StatusCode,
		Wait:   queued + time.Since(received),
		At:     received,
	})
	return res, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	url := c.opts.BaseURL + "/" + strings.TrimLeft(endpoint, "/")

	var reader io.Reader
	if body != nil && method != http.MethodGet {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", method, endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Authorization", c.opts.TokenType+" "+c.opts.Token)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// record hands ev to the stats sink. Failures are logged, never returned.
func (c *Client) record(ctx context.Context, ev StatsEvent) {
	if c.stats == nil {
		return
	}
	if err := c.stats.Record(ctx, ev); err != nil {
		c.log.Warn("stats record failed", zap.Error(err))
	}
}

// GatewayBot fetches the gateway URL, the recommended shard count and the
// identify rate limit snapshot.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	res, err := c.Route("gateway", "bot").Get(ctx)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("GET /gateway/bot: status %d", res.StatusCode)
	}

	var gb GatewayBot
	if err := res.Decode(&gb); err != nil {
		return nil, fmt.Errorf("GET /gateway/bot: decode: %w", err)
	}
	return &gb, nil
}

// routeKey identifies the route a bucket was last seen on.
func routeKey(method, endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		endpoint = endpoint[:i]
	}
	return method + " /" + strings.Trim(endpoint, "/")
}

func bucketID(b *Bucket) string {
	if b == nil {
		return ""
	}
	return b.ID
}
