package shardgate

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Client is a sharded gateway client paired with a rate limited REST client.
//
// Example usage:
//
//	import "github.com/luciancaetano/shardgate/bot"
//
//	client := bot.New(bot.NewConfig(token, bot.ShardCountAuto, shardgate.IntentGuilds))
//	client.On(shardgate.NotifyReady, func(n shardgate.Notification) {
//	    log.Println("all shards ready")
//	})
//	client.RegisterHandler(shardgate.EventMessageCreate, func(ev shardgate.Event) {
//	    log.Printf("message on shard %d", ev.Shard.ID())
//	})
//	client.Start(ctx)
type Client interface {
	// Start fetches the gateway metadata and spawns every shard, one identify
	// at a time. It returns once all shards have been spawned; readiness is
	// reported through the NotifyReady notification.
	Start(ctx context.Context) error

	// Stop destroys the shard pool and closes every shard with a normal close code.
	Stop(ctx context.Context) error

	// On subscribes fn to a lifecycle notification. Subscribers are called
	// synchronously from the goroutine that produced the notification.
	On(kind NotificationKind, fn func(Notification))

	// RegisterHandler adds a handler for a dispatch event. Handlers run on the
	// shard's read loop, in frame order, after the built-in handler for the event.
	//
	// Returns ErrUnknownEvent if the name is not one of KnownEvents.
	RegisterHandler(event EventName, fn func(Event)) error

	// Request issues a REST call against the API root. Rate limits are absorbed
	// by waiting; a non-2xx status is not an error.
	//
	// Example:
	//
	//	res, err := client.Request(ctx, http.MethodGet, "/gateway/bot", nil)
	Request(ctx context.Context, method, endpoint string, body any) (*Response, error)

	// Ready reports whether every shard has reached StatusReady.
	Ready() bool

	// Shard returns the shard with the given id.
	Shard(id int) (Shard, bool)
}

// Shard is one gateway connection of the pool.
type Shard interface {
	// ID returns the shard index in [0, total).
	ID() int

	// Status returns the current connection state.
	Status() Status

	// Ping returns the latency of the last acknowledged heartbeat.
	Ping() time.Duration

	// SessionID returns the resumable session id, or "" if none is held.
	SessionID() string

	// Send queues a command frame. Priority frames jump the queue.
	//
	// Returns an error wrapping ErrProtocolViolation for a malformed frame and
	// ErrConnectionClosed if the shard has no open socket. Nothing is queued
	// in either case.
	Send(op Opcode, data any, priority bool) error
}

// Notification is a lifecycle event emitted by the pool or one of its shards.
type Notification struct {
	Kind NotificationKind
	// Shard is nil for pool-wide notifications.
	Shard  Shard
	ConnID string
	Code   int
	Reason string
	Err    error
	At     time.Time
}

// Event is a dispatch frame handed to user handlers.
type Event struct {
	Name     EventName
	Shard    Shard
	Sequence int64
	Data     json.RawMessage
}

// Response is the result of a REST call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
