// Package metrics provides the instrumentation hooks used by the gateway and
// REST layers without coupling them to a specific backend.
package metrics

import (
	"time"

	"github.com/luciancaetano/shardgate"
)

// Recorder receives gateway and REST measurements.
type Recorder interface {
	// ShardStatus records a shard state transition.
	ShardStatus(shard int, status shardgate.Status)
	// ShardPing records the latency of an acknowledged heartbeat.
	ShardPing(shard int, ping time.Duration)
	// ShardReconnect counts a reconnect attempt.
	ShardReconnect(shard int)
	// Request counts a completed REST call.
	Request(method string, status int)
	// Cooldown records time spent waiting on a rate limit. scope is
	// "global", "bucket", "invalid" or "identify".
	Cooldown(scope string, d time.Duration)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) ShardStatus(int, shardgate.Status) {}
func (Nop) ShardPing(int, time.Duration)      {}
func (Nop) ShardReconnect(int)                {}
func (Nop) Request(string, int)               {}
func (Nop) Cooldown(string, time.Duration)    {}
