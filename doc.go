// Package shardgate provides a sharded client for a real-time chat gateway paired with a
// rate limited REST client.
//
// The gateway side keeps many concurrent WebSocket connections ("shards") to the remote
// gateway. Each shard owns its session, heartbeat loop and outgoing command throttle. The
// REST side gates every HTTP call through per-bucket and global rate limits dictated by the
// server.
//
// # Architecture
//
// A shard pool fetches the gateway URL, the recommended shard count and the session start
// limit from the REST API, then spawns shards one at a time in ascending id order with a
// fixed delay between identifies. Each shard performs the HELLO handshake, identifies (or
// resumes an existing session) and then loops heartbeat, inbound dispatch and throttled sends.
//
// Inbound dispatch frames are routed through a static table from event name to handler.
// Unknown event names are logged and dropped.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/shardgate"
//	    "github.com/luciancaetano/shardgate/bot"
//	)
//
//	cfg := bot.NewConfig(os.Getenv("BOT_TOKEN"), bot.ShardCountAuto,
//	    shardgate.IntentGuilds, shardgate.IntentGuildMessages)
//	client := bot.New(cfg)
//
//	client.RegisterHandler(shardgate.EventMessageCreate, func(ev shardgate.Event) {
//	    // ev.Data holds the raw dispatch payload
//	})
//
//	if err := client.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Close Codes
//
//   - 1000: the shard is destroyed, no reconnect
//   - 4004, 4010, 4011, 4013, 4014: the whole pool is destroyed
//   - 4006, 4007: the session is dropped and the shard identifies again
//   - anything else: the shard reconnects and resumes its session
//
// # Rate Limiting
//
// Outgoing gateway commands are limited to 120 per 60 seconds per shard. Commands over the
// limit are queued, never dropped. Full identifies are paced pool-wide (one per 5.5 seconds)
// and gated by the session start limit.
//
// REST calls read the x-ratelimit-* headers of every response. When a bucket is exhausted
// or the server signals a global cooldown, callers wait on a single shared timer per bucket
// (or one global timer) instead of arming their own.
//
// # Important
//
//   - Lifecycle notification subscribers run synchronously; do not block in them
//   - Dispatch handlers run on the shard read loop in frame order
//   - Waits are absorbed internally; only transport failures surface as REST errors
package shardgate
