package rest

import (
	"context"
	"net/http"
	"strings"

	"github.com/luciancaetano/shardgate"
)

// Requester issues a REST call. *Client implements it.
type Requester interface {
	Request(ctx context.Context, method, endpoint string, body any) (*shardgate.Response, error)
}

// RouteBuilder builds an endpoint path from segments and issues verbs on it.
//
// Example:
//
//	res, err := client.Route("channels", channelID, "messages").Post(ctx, msg)
type RouteBuilder struct {
	r        Requester
	segments []string
}

// Route starts a route on c.
func (c *Client) Route(segments ...string) *RouteBuilder {
	return NewRoute(c, segments...)
}

// NewRoute starts a route issued through r.
func NewRoute(r Requester, segments ...string) *RouteBuilder {
	b := &RouteBuilder{r: r}
	return b.Add(segments...)
}

// Add returns a new builder with segments appended. Empty segments are skipped.
func (b *RouteBuilder) Add(segments ...string) *RouteBuilder {
	out := &RouteBuilder{r: b.r, segments: append([]string(nil), b.segments...)}
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			out.segments = append(out.segments, s)
		}
	}
	return out
}

// Path returns the endpoint, starting with a slash.
func (b *RouteBuilder) Path() string {
	return "/" + strings.Join(b.segments, "/")
}

func (b *RouteBuilder) Get(ctx context.Context) (*shardgate.Response, error) {
	return b.r.Request(ctx, http.MethodGet, b.Path(), nil)
}

func (b *RouteBuilder) Delete(ctx context.Context) (*shardgate.Response, error) {
	return b.r.Request(ctx, http.MethodDelete, b.Path(), nil)
}

func (b *RouteBuilder) Post(ctx context.Context, body any) (*shardgate.Response, error) {
	return b.r.Request(ctx, http.MethodPost, b.Path(), body)
}

func (b *RouteBuilder) Put(ctx context.Context, body any) (*shardgate.Response, error) {
	return b.r.Request(ctx, http.MethodPut, b.Path(), body)
}

func (b *RouteBuilder) Patch(ctx context.Context, body any) (*shardgate.Response, error) {
	return b.r.Request(ctx, http.MethodPatch, b.Path(), body)
}
